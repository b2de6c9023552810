package notify

import (
	"log/slog"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
)

func TestPusher_VAPIDKeysPersist(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.DiscardHandler)

	p, err := newPusherIn(dir, logger)
	if err != nil {
		t.Fatalf("new pusher: %v", err)
	}
	if p.VAPIDPublicKey() == "" {
		t.Fatal("no VAPID public key generated")
	}

	p2, err := newPusherIn(dir, logger)
	if err != nil {
		t.Fatalf("reopen pusher: %v", err)
	}
	if p2.VAPIDPublicKey() != p.VAPIDPublicKey() {
		t.Fatal("VAPID keys not stable across restarts")
	}
}

func TestPusher_SubscriptionsPersist(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.DiscardHandler)

	p, err := newPusherIn(dir, logger)
	if err != nil {
		t.Fatalf("new pusher: %v", err)
	}
	p.Subscribe(&webpush.Subscription{Endpoint: "https://push.example/a"})
	p.Subscribe(&webpush.Subscription{Endpoint: "https://push.example/b"})
	p.Subscribe(&webpush.Subscription{Endpoint: "https://push.example/a"}) // dup

	p2, err := newPusherIn(dir, logger)
	if err != nil {
		t.Fatalf("reopen pusher: %v", err)
	}
	if len(p2.subs) != 2 {
		t.Fatalf("reloaded %d subscriptions, want 2", len(p2.subs))
	}

	p2.Unsubscribe("https://push.example/a")
	p3, err := newPusherIn(dir, logger)
	if err != nil {
		t.Fatalf("reopen pusher: %v", err)
	}
	if len(p3.subs) != 1 {
		t.Fatalf("reloaded %d subscriptions after unsubscribe, want 1", len(p3.subs))
	}
}

func TestEventClassification(t *testing.T) {
	if urgencyFor("recovery_abandoned") != webpush.UrgencyHigh {
		t.Error("terminal recovery failure should be high urgency")
	}
	if urgencyFor("response_ready") != webpush.UrgencyNormal {
		t.Error("routine event should be normal urgency")
	}
	if ttlFor("recovery_abandoned") <= ttlFor("session_ready") {
		t.Error("terminal event should outlive routine events")
	}
	if titleFor("unknown_kind") != "minder" {
		t.Errorf("fallback title: %q", titleFor("unknown_kind"))
	}
}
