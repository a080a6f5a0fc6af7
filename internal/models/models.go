// Package models defines the core data structures for wadigest.
//
// It includes group configuration, stored message and digest types, and the
// API response envelope shared across modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// CadenceKind defines how a group's next delivery slot is computed.
type CadenceKind string

const (
	// CadenceDaily fires once per day at the configured time.
	CadenceDaily CadenceKind = "daily"
	// CadenceWeekly fires once per week at the configured weekday and time.
	CadenceWeekly CadenceKind = "weekly"
	// CadenceCron fires per a raw cron expression.
	CadenceCron CadenceKind = "cron"
)

// Validation constants for input validation
const (
	// MaxMessageLength defines the maximum allowed length for an outbound message body
	MaxMessageLength = 4096
	// MaxGroupNameLength defines the maximum allowed length for a group display name
	MaxGroupNameLength = 100
	// DefaultMinMessages defines the minimum stored messages required before a digest is produced
	DefaultMinMessages = 5
)

// Error variables for better error handling and testability
var (
	ErrEmptyGroupID      = errors.New("group id cannot be empty")
	ErrInvalidCadence    = errors.New("invalid cadence kind")
	ErrMissingTimeOfDay  = errors.New("time of day is required for daily and weekly cadences")
	ErrInvalidTimeOfDay  = errors.New("time of day must be in HH:MM format")
	ErrInvalidWeekday    = errors.New("weekday must be between Sunday (0) and Saturday (6)")
	ErrMissingCronExpr   = errors.New("cron expression is required for cron cadences")
	ErrInvalidLocation   = errors.New("invalid timezone location")
	ErrGroupNameTooLong  = errors.New("group name exceeds maximum length")
	ErrMessageTooLong    = errors.New("message exceeds maximum length")
	ErrNegativeThreshold = errors.New("minimum message count cannot be negative")
)

// IsValidCadenceKind checks if the given cadence kind is supported.
func IsValidCadenceKind(k CadenceKind) bool {
	switch k {
	case CadenceDaily, CadenceWeekly, CadenceCron:
		return true
	default:
		return false
	}
}

// Cadence describes the recurring delivery schedule for a group.
type Cadence struct {
	Kind     CadenceKind  `json:"kind" yaml:"kind"`
	At       string       `json:"at,omitempty" yaml:"at,omitempty"`           // "HH:MM", daily and weekly kinds
	Weekday  time.Weekday `json:"weekday,omitempty" yaml:"weekday,omitempty"` // weekly kind only
	Expr     string       `json:"expr,omitempty" yaml:"expr,omitempty"`       // cron kind only
	Location string       `json:"location,omitempty" yaml:"location,omitempty"`
}

// Validate performs comprehensive validation on a Cadence structure.
func (c *Cadence) Validate() error {
	if !IsValidCadenceKind(c.Kind) {
		return ErrInvalidCadence
	}

	switch c.Kind {
	case CadenceDaily, CadenceWeekly:
		if c.At == "" {
			return ErrMissingTimeOfDay
		}
		if _, err := time.Parse("15:04", c.At); err != nil {
			return ErrInvalidTimeOfDay
		}
		if c.Kind == CadenceWeekly && (c.Weekday < time.Sunday || c.Weekday > time.Saturday) {
			return ErrInvalidWeekday
		}
	case CadenceCron:
		if c.Expr == "" {
			return ErrMissingCronExpr
		}
	}

	if c.Location != "" {
		if _, err := time.LoadLocation(c.Location); err != nil {
			return ErrInvalidLocation
		}
	}
	return nil
}

// CronSpec renders the cadence as a standard 5-field cron expression.
// Validate must have been called first; an invalid cadence yields an error.
func (c *Cadence) CronSpec() (string, error) {
	switch c.Kind {
	case CadenceDaily:
		t, err := time.Parse("15:04", c.At)
		if err != nil {
			return "", ErrInvalidTimeOfDay
		}
		return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), nil
	case CadenceWeekly:
		t, err := time.Parse("15:04", c.At)
		if err != nil {
			return "", ErrInvalidTimeOfDay
		}
		return fmt.Sprintf("%d %d * * %d", t.Minute(), t.Hour(), int(c.Weekday)), nil
	case CadenceCron:
		return c.Expr, nil
	default:
		return "", ErrInvalidCadence
	}
}

// TimeLocation resolves the cadence location, defaulting to UTC.
func (c *Cadence) TimeLocation() *time.Location {
	if c.Location == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GroupConfig describes one monitored group and its delivery schedule.
// TargetID is the destination for the digest; empty means the source group
// receives its own digest.
type GroupConfig struct {
	GroupID     string  `json:"group_id" yaml:"group_id"`
	Name        string  `json:"name,omitempty" yaml:"name,omitempty"`
	TargetID    string  `json:"target_id,omitempty" yaml:"target_id,omitempty"`
	Cadence     Cadence `json:"cadence" yaml:"cadence"`
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	TestMode    bool    `json:"test_mode,omitempty" yaml:"test_mode,omitempty"`
	MinMessages int     `json:"min_messages,omitempty" yaml:"min_messages,omitempty"`
}

// Validate performs comprehensive validation on a GroupConfig structure.
func (g *GroupConfig) Validate() error {
	if g.GroupID == "" {
		return ErrEmptyGroupID
	}
	if len(g.Name) > MaxGroupNameLength {
		return ErrGroupNameTooLong
	}
	if g.MinMessages < 0 {
		return ErrNegativeThreshold
	}
	return g.Cadence.Validate()
}

// DeliveryTarget returns the identifier the digest is delivered to.
func (g *GroupConfig) DeliveryTarget() string {
	if g.TargetID != "" {
		return g.TargetID
	}
	return g.GroupID
}

// Message represents one stored group message captured from the gateway.
// ID is the remote message id and is the deduplication key.
type Message struct {
	ID         string    `json:"id"`
	GroupID    string    `json:"group_id"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name,omitempty"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
	Processed  bool      `json:"processed"`
}

// Summary represents one produced digest and its delivery record.
type Summary struct {
	ID           string     `json:"id"`
	GroupID      string     `json:"group_id"`
	Body         string     `json:"body"`
	MessageCount int        `json:"message_count"`
	WindowStart  time.Time  `json:"window_start"`
	WindowEnd    time.Time  `json:"window_end"`
	Sent         bool       `json:"sent"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// GroupInfo is the gateway's view of a group.
type GroupInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Participants int    `json:"participants,omitempty"`
}

// InstanceState represents the gateway account session state.
type InstanceState string

const (
	// InstanceAuthorized indicates the account session is valid.
	InstanceAuthorized InstanceState = "authorized"
	// InstanceNotAuthorized indicates the session requires re-authorization.
	InstanceNotAuthorized InstanceState = "notAuthorized"
	// InstanceBlocked indicates the account is blocked by the remote service.
	InstanceBlocked InstanceState = "blocked"
	// InstanceStarting indicates the hosted instance is still booting.
	InstanceStarting InstanceState = "starting"
)

// Authorized reports whether the state permits authenticated calls.
func (s InstanceState) Authorized() bool {
	return s == InstanceAuthorized
}

// GatewayStatus is a point-in-time snapshot of the gateway session.
type GatewayStatus struct {
	State     InstanceState `json:"state"`
	CheckedAt time.Time     `json:"checked_at"`
}

// TaskState represents the delivery state of a scheduled group task.
type TaskState string

const (
	// TaskIdle indicates the task is waiting for its next regular slot.
	TaskIdle TaskState = "idle"
	// TaskRunning indicates a delivery is in flight.
	TaskRunning TaskState = "running"
	// TaskRetrying indicates the task is waiting out a backoff delay.
	TaskRetrying TaskState = "retrying"
)

// TaskStatus is the externally visible view of a scheduled task.
type TaskStatus struct {
	GroupID    string    `json:"group_id"`
	State      TaskState `json:"state"`
	NextRun    time.Time `json:"next_run"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusScheduled indicates an API request resulted in scheduled content.
	APIStatusScheduled APIStatus = "scheduled"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Convenience functions for common response patterns

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Scheduled creates a scheduled API response with a message.
func Scheduled(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusScheduled).
		WithMessage(message).
		Build()
}
