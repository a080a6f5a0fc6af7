// Package alerts notifies the operator about gateway conditions that need
// action outside the system, chiefly a lost device link.
package alerts

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wadigest/wadigest/internal/models"
)

// Alerter delivers one operator notification.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// LogAlerter writes alerts to the log. It serves deployments without a
// configured SMS channel.
type LogAlerter struct{}

// NewLogAlerter creates a log-only alerter.
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{}
}

// Alert logs the notification at warning level.
func (a *LogAlerter) Alert(_ context.Context, subject, body string) error {
	slog.Warn("Operator alert", "subject", subject, "body", body)
	return nil
}

// Monitor watches gateway status snapshots and raises one alert per
// authorization-loss episode. The episode re-arms when the instance reports
// authorized again, so a flapping session cannot flood the operator.
type Monitor struct {
	alerter Alerter

	mu      sync.Mutex
	alerted bool
}

// NewMonitor creates a monitor delivering through alerter.
func NewMonitor(alerter Alerter) *Monitor {
	return &Monitor{alerter: alerter}
}

// Observe consumes one status snapshot. Authorized re-arms the monitor; a
// lost session (notAuthorized or blocked) alerts once per episode. The
// transient starting state changes nothing either way.
func (m *Monitor) Observe(ctx context.Context, status models.GatewayStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case status.State.Authorized():
		if m.alerted {
			slog.Info("Monitor gateway authorization recovered", "checked_at", status.CheckedAt)
		}
		m.alerted = false
	case status.State == models.InstanceNotAuthorized || status.State == models.InstanceBlocked:
		if m.alerted {
			slog.Debug("Monitor suppressing repeat alert", "state", status.State)
			return
		}
		body := lossBody(status)
		if err := m.alerter.Alert(ctx, "WhatsApp gateway authorization lost", body); err != nil {
			// Stay unarmed so the next snapshot retries the notification.
			slog.Error("Monitor failed to deliver alert", "state", status.State, "error", err)
			return
		}
		m.alerted = true
		slog.Warn("Monitor alerted operator", "state", status.State)
	default:
		slog.Debug("Monitor ignoring transient state", "state", status.State)
	}
}

func lossBody(status models.GatewayStatus) string {
	return "Instance state is " + string(status.State) + " as of " +
		status.CheckedAt.UTC().Format("2006-01-02 15:04:05") +
		" UTC. Message delivery will fail until the device is re-linked (wadigest -authorize)."
}
