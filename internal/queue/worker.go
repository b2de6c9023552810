package queue

import (
	"context"
	"log/slog"
	"time"
)

// Sender is the slice of the recovery manager the worker needs.
type Sender interface {
	SendMessage(ctx context.Context, text string, onProgress func(time.Duration)) (string, error)
}

// Worker drains the queue through a Sender, one message at a time (the
// subprocess is conversationally single-threaded).
type Worker struct {
	queue  *Queue
	sender Sender
	logger *slog.Logger
	poll   time.Duration

	// OnResponse receives each successful response, for UI display.
	OnResponse func(msg Message, response string)
}

func NewWorker(q *Queue, sender Sender, poll time.Duration, logger *slog.Logger) *Worker {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: q, sender: sender, logger: logger, poll: poll}
}

// Run processes messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	t := time.NewTicker(w.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		msg, err := w.queue.Next()
		if err != nil {
			w.logger.Warn("queue poll failed", "err", err)
			continue
		}
		if msg == nil {
			continue
		}

		resp, err := w.sender.SendMessage(ctx, msg.Text, nil)
		if err != nil {
			w.logger.Warn("queued message failed", "id", msg.ID, "err", err)
			if ferr := w.queue.Fail(msg.ID, err.Error()); ferr != nil {
				w.logger.Warn("failed to mark message failed", "id", msg.ID, "err", ferr)
			}
			continue
		}

		if err := w.queue.Ack(msg.ID); err != nil {
			w.logger.Warn("failed to ack message", "id", msg.ID, "err", err)
		}
		if w.OnResponse != nil {
			w.OnResponse(*msg, resp)
		}
	}
}
