// Package summarize produces digest text from a window of group messages.
//
// The OpenAI producer renders the window as a sender-attributed transcript
// and asks a chat model for the digest. The fallback producer builds a
// deterministic headline without any remote call.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/wadigest/wadigest/internal/models"
)

// Producer turns a window of stored messages into digest text.
type Producer interface {
	ProduceSummary(ctx context.Context, group models.GroupConfig, messages []models.Message) (string, error)
}

// Defaults for the OpenAI producer.
const (
	// DefaultModel is the chat model used when none is configured.
	DefaultModel = openai.ChatModelGPT4Turbo
	// DefaultTemperature keeps digests consistent rather than creative.
	DefaultTemperature = 0.3
	// DefaultMaxTokens bounds the digest length.
	DefaultMaxTokens = 4000

	// maxTranscriptMessages caps how much of the window lands in the prompt.
	// Overlong windows keep their newest messages.
	maxTranscriptMessages = 500
)

// defaultPrompt is the instruction prepended to the transcript when no
// custom prompt is configured.
const defaultPrompt = `Create a comprehensive summary of the following WhatsApp chat messages.
Focus on key points, decisions, tasks assigned, and any important information shared.
Format the summary with clear sections and bullet points.`

// ErrNoChoicesReturned indicates the model replied without any completion
// choices.
var ErrNoChoicesReturned = errors.New("no completion choices returned")

// chatService defines the minimal completion surface, split out so tests can
// substitute the remote model.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChat adapts the SDK client to chatService.
type openaiChat struct {
	client openai.Client
}

func (c openaiChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the OpenAI producer.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       openai.ChatModel
	Temperature float64
	MaxTokens   int64
	Prompt      string
}

// Option modifies producer configuration.
type Option func(*Opts)

// WithAPIKey overrides the OPENAI_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the producer at a different completion endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = openai.ChatModel(model) }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(temperature float64) Option {
	return func(o *Opts) { o.Temperature = temperature }
}

// WithMaxTokens overrides the completion token budget.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithPrompt overrides the instruction prepended to the transcript.
func WithPrompt(prompt string) Option {
	return func(o *Opts) { o.Prompt = prompt }
}

// OpenAIProducer generates digests with the OpenAI chat completions API.
type OpenAIProducer struct {
	chat        chatService
	model       openai.ChatModel
	temperature float64
	maxTokens   int64
	prompt      string
}

// NewOpenAIProducer builds a producer from the options, reading
// OPENAI_API_KEY when no key is supplied.
func NewOpenAIProducer(options ...Option) (*OpenAIProducer, error) {
	opts := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Prompt:      defaultPrompt,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.APIKey == "" {
		opts.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &OpenAIProducer{
		chat:        openaiChat{client: openai.NewClient(reqOpts...)},
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		prompt:      opts.Prompt,
	}, nil
}

// ProduceSummary implements Producer.
func (p *OpenAIProducer) ProduceSummary(ctx context.Context, group models.GroupConfig, messages []models.Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("no messages to summarize for %s", group.GroupID)
	}

	start := messages[0].Timestamp
	end := messages[len(messages)-1].Timestamp
	params := openai.ChatCompletionNewParams{
		Model: p.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt(start, end)),
			openai.UserMessage(userPrompt(p.prompt, messages)),
		},
		Temperature: openai.Float(p.temperature),
		MaxTokens:   openai.Int(p.maxTokens),
	}

	resp, err := p.chat.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion for %s failed: %w", group.GroupID, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("chat completion for %s returned an empty digest", group.GroupID)
	}

	slog.Debug("OpenAIProducer digest produced", "group", group.GroupID, "messages", len(messages), "chars", len(text))
	return text, nil
}

// systemPrompt frames the model's role around the covered period.
func systemPrompt(start, end time.Time) string {
	return fmt.Sprintf(
		"You are an expert summarizer tasked with creating a concise summary of WhatsApp messages for the period: %s to %s. The summary should be well-structured and capture all important information.",
		start.UTC().Format("2006-01-02 15:04"), end.UTC().Format("2006-01-02 15:04"))
}

// userPrompt joins the instruction with the rendered transcript.
func userPrompt(prompt string, messages []models.Message) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nHere are the messages to summarize:\n\n")
	b.WriteString(transcript(messages))
	return b.String()
}

// transcript renders messages oldest first as "[timestamp] sender: text"
// lines, preferring display names over raw identifiers.
func transcript(messages []models.Message) string {
	if len(messages) > maxTranscriptMessages {
		messages = messages[len(messages)-maxTranscriptMessages:]
	}
	var b strings.Builder
	for _, m := range messages {
		sender := m.SenderName
		if sender == "" {
			sender = m.Sender
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.UTC().Format("2006-01-02 15:04:05"), sender, m.Body)
	}
	return b.String()
}
