package notify

import (
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// Manager fans supervisor events out to the configured channels. Both
// channels are optional; delivery is best effort.
type Manager struct {
	logger  *slog.Logger
	pusher  *Pusher
	slack   *slack.Client
	channel string
}

func NewManager(logger *slog.Logger, pusher *Pusher, slackToken, slackChannel string) *Manager {
	m := &Manager{logger: logger, pusher: pusher}
	if slackToken != "" && slackChannel != "" {
		m.slack = slack.New(slackToken)
		m.channel = slackChannel
	}
	return m
}

// Event sends a typed event to every configured channel.
func (m *Manager) Event(kind, detail string) {
	if m.pusher != nil {
		m.pusher.SendEvent(kind, detail)
	}
	if m.slack != nil {
		text := fmt.Sprintf("minder: %s", kind)
		if detail != "" {
			text += ": " + detail
		}
		if _, _, err := m.slack.PostMessage(m.channel, slack.MsgOptionText(text, false)); err != nil {
			m.logger.Debug("slack notify failed", "err", err)
		}
	}
}

func (m *Manager) RecoveryStarted(reason string) { m.Event("recovery_started", reason) }
func (m *Manager) RecoveryFailed(err error)      { m.Event("recovery_failed", err.Error()) }
func (m *Manager) RecoveryAbandoned(err error)   { m.Event("recovery_abandoned", err.Error()) }
func (m *Manager) SessionReady()                 { m.Event("session_ready", "") }
func (m *Manager) ResponseReady(preview string)  { m.Event("response_ready", preview) }
