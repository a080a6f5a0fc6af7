package summarize

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/wadigest/wadigest/internal/models"
)

// fallbackTopSenders bounds how many participants the headline names.
const fallbackTopSenders = 5

// FallbackProducer builds a deterministic activity headline without calling
// any model. It serves test mode and deployments with no API key configured.
type FallbackProducer struct{}

// NewFallbackProducer returns a producer that never leaves the process.
func NewFallbackProducer() *FallbackProducer {
	return &FallbackProducer{}
}

// ProduceSummary implements Producer. The output depends only on the
// message window, so repeated calls yield identical text.
func (p *FallbackProducer) ProduceSummary(ctx context.Context, group models.GroupConfig, messages []models.Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("no messages to summarize for %s", group.GroupID)
	}

	counts := make(map[string]int)
	var order []string
	for _, m := range messages {
		sender := m.SenderName
		if sender == "" {
			sender = m.Sender
		}
		if _, seen := counts[sender]; !seen {
			order = append(order, sender)
		}
		counts[sender]++
	}
	// Busiest first; ties keep first-appearance order.
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })

	start := messages[0].Timestamp.UTC()
	end := messages[len(messages)-1].Timestamp.UTC()

	var b strings.Builder
	fmt.Fprintf(&b, "%d messages from %d participants between %s and %s.\n",
		len(messages), len(order), start.Format("Jan 2 15:04"), end.Format("Jan 2 15:04"))

	top := order
	if len(top) > fallbackTopSenders {
		top = top[:fallbackTopSenders]
	}
	b.WriteString("Most active: ")
	for i, sender := range top {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s (%d)", sender, counts[sender])
	}
	b.WriteString(".")
	return b.String(), nil
}
