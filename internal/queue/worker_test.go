package queue

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu    sync.Mutex
	fn    func(text string) (string, error)
	texts []string
}

func (f *fakeSender) SendMessage(ctx context.Context, text string, onProgress func(time.Duration)) (string, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(text)
	}
	return "reply to " + text, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.texts...)
}

func runWorker(t *testing.T, q *Queue, sender *fakeSender) (*Worker, context.CancelFunc) {
	t.Helper()
	w := NewWorker(q, sender, 10*time.Millisecond, slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(cancel)
	return w, cancel
}

func TestWorker_DrainsAndAcks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer q.Close()

	q.Add("task one")
	q.Add("task two")

	sender := &fakeSender{}
	var mu sync.Mutex
	responses := map[string]string{}

	w := NewWorker(q, sender, 10*time.Millisecond, slog.New(slog.DiscardHandler))
	w.OnResponse = func(msg Message, response string) {
		mu.Lock()
		responses[msg.Text] = response
		mu.Unlock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(responses)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if responses["task one"] != "reply to task one" || responses["task two"] != "reply to task two" {
		t.Fatalf("responses: %+v", responses)
	}

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("queue not drained: %+v", pending)
	}
}

func TestWorker_FailureMarksMessageFailed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer q.Close()

	q.Add("doomed task")
	sender := &fakeSender{fn: func(string) (string, error) {
		return "", errors.New("session gone")
	}}
	runWorker(t, q, sender)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.sent()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	// give the worker a beat to record the failure
	time.Sleep(50 * time.Millisecond)

	pending, err := q.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("failed message still pending: %+v", pending)
	}
	if msg, err := q.Next(); err != nil || msg != nil {
		t.Fatalf("failed message claimable again: %+v, %v", msg, err)
	}
}
