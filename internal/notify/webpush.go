// Package notify delivers supervisor events (recovery milestones, completed
// responses) to the user via web push and Slack.
package notify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	vapidFile = "vapid.json"
	subsFile  = "subscriptions.json"
)

// Pusher delivers supervisor events as web-push notifications. VAPID keys
// and subscriptions persist under the supervisor's config directory, so a
// restart of the supervisor (its own crash, not the agent's) keeps every
// enrolled device.
type Pusher struct {
	mu     sync.Mutex
	logger *slog.Logger
	dir    string
	priv   string
	pub    string
	subs   map[string]*webpush.Subscription
}

func NewPusher(logger *slog.Logger) (*Pusher, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	return newPusherIn(filepath.Join(home, ".config", "minder"), logger)
}

func newPusherIn(dir string, logger *slog.Logger) (*Pusher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	p := &Pusher{
		logger: logger,
		dir:    dir,
		subs:   make(map[string]*webpush.Subscription),
	}
	if err := p.loadOrGenerateVAPID(); err != nil {
		return nil, err
	}
	p.loadSubscriptions()
	return p, nil
}

func (p *Pusher) VAPIDPublicKey() string {
	return p.pub
}

func (p *Pusher) Subscribe(sub *webpush.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[sub.Endpoint]; ok {
		return
	}
	p.subs[sub.Endpoint] = sub
	p.saveSubscriptionsLocked()
	p.logger.Info("push subscription added", "total", len(p.subs))
}

func (p *Pusher) Unsubscribe(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[endpoint]; !ok {
		return
	}
	delete(p.subs, endpoint)
	p.saveSubscriptionsLocked()
}

// note is the payload the service worker renders.
type note struct {
	Kind   string    `json:"kind"`
	Title  string    `json:"title"`
	Body   string    `json:"body,omitempty"`
	SentAt time.Time `json:"sentAt"`
}

// SendEvent pushes one supervisor event to every enrolled device. Terminal
// recovery events carry high urgency and a long TTL so they reach a phone
// that is briefly offline; routine events expire quickly instead of piling
// up behind them.
func (p *Pusher) SendEvent(kind, detail string) {
	p.mu.Lock()
	subs := make([]*webpush.Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(note{
		Kind:   kind,
		Title:  titleFor(kind),
		Body:   detail,
		SentAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	opts := &webpush.Options{
		VAPIDPublicKey:  p.pub,
		VAPIDPrivateKey: p.priv,
		Subscriber:      "mailto:minder@localhost",
		TTL:             ttlFor(kind),
		Urgency:         urgencyFor(kind),
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, sub, opts)
		if err != nil {
			p.logger.Debug("push send failed", "err", err)
			continue
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			// the browser dropped this subscription
			p.Unsubscribe(sub.Endpoint)
		}
		resp.Body.Close()
	}
}

func titleFor(kind string) string {
	switch kind {
	case "recovery_abandoned":
		return "Agent session lost"
	case "recovery_failed":
		return "Recovery attempt failed"
	case "recovery_started":
		return "Recovering agent session"
	case "session_ready":
		return "Agent session ready"
	case "response_ready":
		return "Response ready"
	default:
		return "minder"
	}
}

func urgencyFor(kind string) webpush.Urgency {
	switch kind {
	case "recovery_abandoned", "recovery_failed":
		return webpush.UrgencyHigh
	default:
		return webpush.UrgencyNormal
	}
}

func ttlFor(kind string) int {
	if kind == "recovery_abandoned" {
		return 3600
	}
	return 300
}

type vapidKeys struct {
	Private string `json:"private"`
	Public  string `json:"public"`
}

func (p *Pusher) loadOrGenerateVAPID() error {
	path := filepath.Join(p.dir, vapidFile)
	if data, err := os.ReadFile(path); err == nil {
		var keys vapidKeys
		if json.Unmarshal(data, &keys) == nil && keys.Private != "" {
			p.priv, p.pub = keys.Private, keys.Public
			return nil
		}
		p.logger.Warn("unreadable VAPID key file, regenerating")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate VAPID key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("encode VAPID key: %w", err)
	}
	p.priv = base64.RawURLEncoding.EncodeToString(der)
	p.pub = base64.RawURLEncoding.EncodeToString(elliptic.Marshal(elliptic.P256(), key.PublicKey.X, key.PublicKey.Y))

	data, _ := json.MarshalIndent(vapidKeys{Private: p.priv, Public: p.pub}, "", "  ")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("save VAPID keys: %w", err)
	}
	p.logger.Info("generated VAPID keys")
	return nil
}

func (p *Pusher) loadSubscriptions() {
	data, err := os.ReadFile(filepath.Join(p.dir, subsFile))
	if err != nil {
		return
	}
	var subs []*webpush.Subscription
	if err := json.Unmarshal(data, &subs); err != nil {
		p.logger.Warn("unreadable subscription file", "err", err)
		return
	}
	for _, s := range subs {
		p.subs[s.Endpoint] = s
	}
}

func (p *Pusher) saveSubscriptionsLocked() {
	subs := make([]*webpush.Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	data, err := json.Marshal(subs)
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(p.dir, subsFile), data, 0o600); err != nil {
		p.logger.Warn("failed to save subscriptions", "err", err)
	}
}
