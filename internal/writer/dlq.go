package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"oee-monitor-backend/config"
	"oee-monitor-backend/internal/counter"
	"oee-monitor-backend/internal/metrics"
	"oee-monitor-backend/internal/model"
	"oee-monitor-backend/internal/notification"
	"oee-monitor-backend/internal/store"
	"oee-monitor-backend/internal/tsdb"
)

// Alerter dispatches operator alerts. Satisfied by *notification.WorkerPool.
type Alerter interface {
	Dispatch(alert notification.Alert)
}

// ReliableWriter persists reading batches to the time-series backend with
// at-least-once delivery. A transient backend failure diverts the batch into
// a durable dead letter queue and still reports success to the caller: the
// ingestion pipeline never blocks or drops data because the backend is down.
type ReliableWriter struct {
	store   store.Store
	backend tsdb.Writer
	cfg     config.DeadLetterConfig
	alerts  Alerter
	now     func() time.Time
}

// New creates a reliable writer around the given backend.
func New(s store.Store, backend tsdb.Writer, cfg config.DeadLetterConfig, alerts Alerter) *ReliableWriter {
	return &ReliableWriter{
		store:   s,
		backend: backend,
		cfg:     cfg,
		alerts:  alerts,
		now:     time.Now,
	}
}

// Write attempts an immediate backend write and falls back to the dead
// letter queue on transient failure. Only malformed-request failures are
// returned to the caller, since queueing them could never succeed.
func (w *ReliableWriter) Write(ctx context.Context, readings []counter.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	err := w.backend.WriteReadings(ctx, readings)
	if err == nil {
		return nil
	}
	if !tsdb.IsTransient(err) {
		return fmt.Errorf("reading batch rejected by backend: %w", err)
	}

	payload, marshalErr := json.Marshal(readings)
	if marshalErr != nil {
		return fmt.Errorf("failed to encode reading batch for dead letter queue: %w", marshalErr)
	}

	now := w.now().UTC()
	entry := &model.DeadLetterEntry{
		BatchID:      uuid.NewString(),
		Payload:      payload,
		AttemptCount: 0,
		NextRetryAt:  now,
		LastError:    err.Error(),
		CreatedAt:    now,
	}
	if enqueueErr := w.store.EnqueueDeadLetter(ctx, entry); enqueueErr != nil {
		// Local durable storage failing too is the one case where data loss
		// is possible; surface it.
		return fmt.Errorf("backend write failed and dead letter enqueue failed: %w", enqueueErr)
	}

	metrics.WritesDeadLettered.Inc()
	metrics.DeadLetterDepth.Inc()
	log.Printf("Backend unavailable, dead-lettered batch %s (%d readings): %v", entry.BatchID, len(readings), err)
	return nil
}

// Run is the background retry loop. It scans for due entries on a fixed
// cadence and exits when the context is cancelled. Queue state lives in the
// database, so a restart resumes exactly where the previous process stopped.
func (w *ReliableWriter) Run(ctx context.Context) {
	interval := time.Duration(w.cfg.ScanIntervalSeconds) * time.Second
	log.Printf("Dead letter retry loop started (scan every %s, attempt cap %d)", interval, w.cfg.MaxAttempts)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Dead letter retry loop shutting down.")
			return
		case <-ticker.C:
			w.RetryDue(ctx)
		}
	}
}

// RetryDue redelivers due entries in creation order. Delivery stops at the
// first transient failure so that FIFO write ordering is preserved for
// order-sensitive backends.
func (w *ReliableWriter) RetryDue(ctx context.Context) {
	now := w.now().UTC()
	entries, err := w.store.DueDeadLetters(ctx, now, w.cfg.BatchLimit)
	if err != nil {
		log.Printf("Error scanning dead letter queue: %v", err)
		return
	}

	for i := range entries {
		entry := &entries[i]
		if delivered := w.retryOne(ctx, entry); !delivered {
			return
		}
	}
}

func (w *ReliableWriter) retryOne(ctx context.Context, entry *model.DeadLetterEntry) bool {
	var readings []counter.Reading
	if err := json.Unmarshal(entry.Payload, &readings); err != nil {
		// An undecodable payload can never be delivered; park it for an
		// operator instead of spinning on it.
		log.Printf("Dead letter batch %s has corrupt payload: %v", entry.BatchID, err)
		w.markTerminal(ctx, entry, err)
		return true
	}

	err := w.backend.WriteReadings(ctx, readings)
	if err == nil {
		if delErr := w.store.DeleteDeadLetter(ctx, entry.ID); delErr != nil {
			log.Printf("Delivered batch %s but failed to remove entry: %v", entry.BatchID, delErr)
			return false
		}
		metrics.DeadLetterRetries.WithLabelValues("delivered").Inc()
		metrics.DeadLetterDepth.Dec()
		log.Printf("Redelivered dead letter batch %s after %d failed attempts", entry.BatchID, entry.AttemptCount)
		return true
	}

	entry.AttemptCount++
	entry.LastError = err.Error()

	if !tsdb.IsTransient(err) || entry.AttemptCount >= w.cfg.MaxAttempts {
		w.markTerminal(ctx, entry, err)
		return true
	}

	entry.NextRetryAt = w.now().UTC().Add(w.backoff(entry.AttemptCount))
	if saveErr := w.store.SaveDeadLetter(ctx, entry); saveErr != nil {
		log.Printf("Failed to update dead letter entry %s: %v", entry.BatchID, saveErr)
	}
	metrics.DeadLetterRetries.WithLabelValues("failed").Inc()
	return false
}

// markTerminal retains the entry for operator intervention and alerts once.
// Entries are never silently dropped.
func (w *ReliableWriter) markTerminal(ctx context.Context, entry *model.DeadLetterEntry, cause error) {
	entry.Terminal = true
	if err := w.store.SaveDeadLetter(ctx, entry); err != nil {
		log.Printf("Failed to mark dead letter entry %s terminal: %v", entry.BatchID, err)
		return
	}
	metrics.DeadLetterRetries.WithLabelValues("terminal").Inc()
	metrics.DeadLetterDepth.Dec()
	log.Printf("Dead letter batch %s exceeded retry policy, operator intervention required: %v", entry.BatchID, cause)

	if w.alerts != nil {
		w.alerts.Dispatch(notification.Alert{
			Kind:    notification.KindTerminalBackendFailure,
			Message: fmt.Sprintf("Reading batch %s failed delivery after %d attempts and requires intervention", entry.BatchID, entry.AttemptCount),
		})
	}
}

// backoff doubles from the configured base up to the configured cap.
func (w *ReliableWriter) backoff(attempt int) time.Duration {
	base := time.Duration(w.cfg.RetryBaseSeconds) * time.Second
	max := time.Duration(w.cfg.RetryMaxSeconds) * time.Second

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
