package stoppage

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"oee-monitor-backend/config"
	"oee-monitor-backend/internal/metrics"
	"oee-monitor-backend/internal/model"
	"oee-monitor-backend/internal/notification"
	"oee-monitor-backend/internal/store"
)

// Alerter dispatches operator alerts. Satisfied by *notification.WorkerPool.
type Alerter interface {
	Dispatch(alert notification.Alert)
}

// Detector turns rate updates into StoppageEvent records. A rate of exactly
// zero must persist past the debounce period before a stoppage opens, so
// near-zero flapping never produces event churn. Debounce state is keyed per
// device and reset on recovery, never accumulated.
type Detector struct {
	store  store.Store
	cfg    config.StoppageConfig
	alerts Alerter

	mu        sync.Mutex
	zeroSince map[string]time.Time

	now func() time.Time
}

// NewDetector creates a stoppage detector.
func NewDetector(s store.Store, cfg config.StoppageConfig, alerts Alerter) *Detector {
	return &Detector{
		store:     s,
		cfg:       cfg,
		alerts:    alerts,
		zeroSince: make(map[string]time.Time),
		now:       time.Now,
	}
}

func (d *Detector) debounce() time.Duration {
	return time.Duration(d.cfg.DebounceSeconds) * time.Second
}

func (d *Detector) shortThreshold() time.Duration {
	return time.Duration(d.cfg.ShortThresholdSeconds) * time.Second
}

func (d *Detector) alertThreshold() time.Duration {
	return time.Duration(d.cfg.AlertThresholdSeconds) * time.Second
}

// ObserveRate consumes one rate update for a device's production counter.
// A nil rate is undefined (too few samples) and is ignored entirely.
func (d *Detector) ObserveRate(ctx context.Context, deviceID string, rate *float64, ts time.Time) {
	if rate == nil {
		return
	}

	if *rate > 0 {
		d.mu.Lock()
		delete(d.zeroSince, deviceID)
		d.mu.Unlock()
		d.closeOpenStoppage(ctx, deviceID, ts)
		return
	}

	d.mu.Lock()
	since, tracked := d.zeroSince[deviceID]
	if !tracked {
		d.zeroSince[deviceID] = ts
		since = ts
	}
	d.mu.Unlock()

	if ts.Sub(since) >= d.debounce() {
		d.openStoppage(ctx, deviceID, since)
	}
}

// Tick is the supervisory pass: it promotes debounce timers whose window
// expired without further rate updates, and raises classification alerts for
// long-running unclassified stoppages. Run on a slower cadence than ingest;
// it tolerates the rate-zero signal and the wall-clock expiry arriving in
// either order.
func (d *Detector) Tick(ctx context.Context) {
	now := d.now().UTC()

	d.mu.Lock()
	expired := make(map[string]time.Time)
	for deviceID, since := range d.zeroSince {
		if now.Sub(since) >= d.debounce() {
			expired[deviceID] = since
		}
	}
	d.mu.Unlock()

	for deviceID, since := range expired {
		d.openStoppage(ctx, deviceID, since)
	}

	d.alertLongUnclassified(ctx, now)
}

// Run drives the supervisory tick until the context is cancelled.
func (d *Detector) Run(ctx context.Context) {
	interval := time.Duration(d.cfg.TickSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Stoppage detector shutting down.")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// openStoppage opens a StoppageEvent unless the device already has one.
func (d *Detector) openStoppage(ctx context.Context, deviceID string, start time.Time) {
	open, err := d.store.OpenStoppage(ctx, deviceID)
	if err != nil {
		log.Printf("Error checking open stoppage for %s: %v", deviceID, err)
		return
	}
	if open != nil {
		return
	}

	ev := model.StoppageEvent{
		DeviceID:       deviceID,
		StartTime:      start.UTC(),
		Classification: model.StoppageUnclassified,
		AutoDetected:   true,
	}
	if job, err := d.store.ActiveJob(ctx, deviceID); err != nil {
		log.Printf("Error resolving active job for stoppage on %s: %v", deviceID, err)
	} else if job != nil {
		ev.JobID = &job.ID
	}

	if err := d.store.DB().WithContext(ctx).Create(&ev).Error; err != nil {
		log.Printf("Error opening stoppage for %s: %v", deviceID, err)
		return
	}
	metrics.StoppagesOpened.WithLabelValues(deviceID).Inc()
	log.Printf("Stoppage opened for %s at %s", deviceID, ev.StartTime.Format(time.RFC3339))
}

// closeOpenStoppage closes the device's open stoppage at ts. Stoppages that
// ran shorter than the short-stoppage threshold auto-close without needing
// classification; they stay in history but never surface as actionable.
func (d *Detector) closeOpenStoppage(ctx context.Context, deviceID string, ts time.Time) {
	open, err := d.store.OpenStoppage(ctx, deviceID)
	if err != nil {
		log.Printf("Error checking open stoppage for %s: %v", deviceID, err)
		return
	}
	if open == nil {
		return
	}

	end := ts.UTC()
	open.EndTime = &end
	if open.Classification == model.StoppageUnclassified && end.Sub(open.StartTime) < d.shortThreshold() {
		open.Classification = model.StoppageAutoClosed
	}

	if err := d.store.DB().WithContext(ctx).Save(open).Error; err != nil {
		log.Printf("Error closing stoppage %d: %v", open.ID, err)
		return
	}
	log.Printf("Stoppage %d on %s closed after %s", open.ID, deviceID, end.Sub(open.StartTime))
}

// alertLongUnclassified raises a single alert per stoppage once it has been
// unclassified past the alert threshold.
func (d *Detector) alertLongUnclassified(ctx context.Context, now time.Time) {
	events, err := d.store.UnclassifiedStoppages(ctx, d.alertThreshold(), now)
	if err != nil {
		log.Printf("Error scanning unclassified stoppages: %v", err)
		return
	}

	for i := range events {
		ev := &events[i]
		if ev.Alerted {
			continue
		}
		ev.Alerted = true
		if err := d.store.DB().WithContext(ctx).Save(ev).Error; err != nil {
			log.Printf("Error marking stoppage %d alerted: %v", ev.ID, err)
			continue
		}
		if d.alerts != nil {
			d.alerts.Dispatch(notification.Alert{
				Kind:     notification.KindStoppageUnclassified,
				DeviceID: ev.DeviceID,
				Message: fmt.Sprintf("Device %s stopped since %s and needs a stoppage reason",
					ev.DeviceID, ev.StartTime.Format(time.RFC3339)),
			})
		}
	}
}
