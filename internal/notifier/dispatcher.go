package notifier

import (
	"context"
	"fmt"

	"github.com/italolelis/resumable_uploader/internal/logctx"
	"github.com/italolelis/resumable_uploader/internal/upload"
)

const defaultBuffer = 32

// Dispatcher turns upload events into notifications. Events are queued so
// that the uploader never waits on the webhook.
type Dispatcher struct {
	notifier Notifier
	events   chan upload.Event
}

func NewDispatcher(n Notifier) *Dispatcher {
	return &Dispatcher{
		notifier: n,
		events:   make(chan upload.Event, defaultBuffer),
	}
}

// OnState is meant to be used as upload.Hooks.OnState. Events other than
// completed and failed uploads are ignored. When the queue is full the
// event is dropped.
func (d *Dispatcher) OnState(ev upload.Event) {
	if ev.State != upload.StateComplete && ev.State != upload.StateFailed {
		return
	}

	select {
	case d.events <- ev:
	default:
	}
}

// Run sends queued notifications until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("notification dispatcher shutting down")

			return
		case ev := <-d.events:
			if err := d.notifier.Notify(ctx, Message(ev)); err != nil {
				logger.Error("failed to send notification", "file_digest", ev.Digest, "err", err)
			}
		}
	}
}

// Message renders the notification text of an event.
func Message(ev upload.Event) string {
	switch {
	case ev.State == upload.StateComplete && ev.Instant:
		return fmt.Sprintf("⚡ File already on server, upload skipped: %s (%s)", ev.FileName, upload.FormatSize(ev.FileSize))
	case ev.State == upload.StateComplete:
		return fmt.Sprintf("✅ Upload finished for file: %s (%s)", ev.FileName, upload.FormatSize(ev.FileSize))
	case ev.Err != nil:
		return fmt.Sprintf("❌ Upload failed for file: %s: %v", ev.FileName, ev.Err)
	}

	return fmt.Sprintf("❌ Upload failed for file: %s", ev.FileName)
}
