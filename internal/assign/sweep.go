package assign

import (
	"context"
	"fmt"
	"time"

	"oee-monitor-backend/internal/model"
	"oee-monitor-backend/internal/notification"
)

// OrphanPeriod is a span of time on a device with recorded production but no
// job to attribute it to.
type OrphanPeriod struct {
	DeviceID string    `json:"device_id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Counts   int64     `json:"counts"`
}

// Overproduction flags a job whose actual count exceeds its planned quantity.
// It is surfaced to operators rather than resolved automatically.
type Overproduction struct {
	DeviceID        string  `json:"device_id"`
	JobID           int64   `json:"job_id"`
	PlannedQuantity int64   `json:"planned_quantity"`
	ActualQuantity  int64   `json:"actual_quantity"`
	ExcessPct       float64 `json:"excess_pct"`
}

// FindOrphanPeriods scans [start, end) on a device for gaps between job
// intervals where the count channel still advanced. Such periods usually mean
// an operator forgot to start a job.
func (e *Engine) FindOrphanPeriods(ctx context.Context, deviceID string, start, end time.Time) ([]OrphanPeriod, error) {
	ch, err := e.store.CountChannel(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve count channel for %s: %w", deviceID, err)
	}
	if ch == nil {
		return nil, fmt.Errorf("device %s has no count channel", deviceID)
	}

	jobs, err := e.store.JobsForDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	var orphans []OrphanPeriod
	cursor := start
	check := func(gapStart, gapEnd time.Time) error {
		if !gapEnd.After(gapStart) {
			return nil
		}
		counts, err := e.reader.CountDelta(ctx, deviceID, ch.Channel, gapStart, gapEnd)
		if err != nil {
			return fmt.Errorf("failed to query counts in gap: %w", err)
		}
		if counts > 0 {
			orphans = append(orphans, OrphanPeriod{
				DeviceID: deviceID,
				Start:    gapStart,
				End:      gapEnd,
				Counts:   counts,
			})
		}
		return nil
	}

	for i := range jobs {
		j := &jobs[i]
		jobEnd := end
		if j.EndTime != nil && j.EndTime.Before(end) {
			jobEnd = *j.EndTime
		}
		if !j.StartTime.After(cursor) {
			if jobEnd.After(cursor) {
				cursor = jobEnd
			}
			continue
		}
		if j.StartTime.After(end) {
			break
		}
		if err := check(cursor, j.StartTime); err != nil {
			return nil, err
		}
		if jobEnd.After(cursor) {
			cursor = jobEnd
		}
	}
	if err := check(cursor, end); err != nil {
		return nil, err
	}
	return orphans, nil
}

// FindOverproduction returns active jobs whose actual production already
// exceeds the planned quantity, dispatching an operator alert for each. The
// condition is reported, never auto-corrected.
func (e *Engine) FindOverproduction(ctx context.Context, deviceID string) ([]Overproduction, error) {
	active, err := e.store.ActiveJob(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if active == nil || active.PlannedQuantity <= 0 {
		return nil, nil
	}

	ch, err := e.store.CountChannel(ctx, deviceID)
	if err != nil || ch == nil {
		return nil, err
	}

	actual, err := e.reader.CountDelta(ctx, deviceID, ch.Channel, active.StartTime, e.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query job production: %w", err)
	}
	if actual <= active.PlannedQuantity {
		return nil, nil
	}

	over := Overproduction{
		DeviceID:        deviceID,
		JobID:           active.ID,
		PlannedQuantity: active.PlannedQuantity,
		ActualQuantity:  actual,
		ExcessPct:       float64(actual-active.PlannedQuantity) / float64(active.PlannedQuantity) * 100,
	}
	if e.alerts != nil {
		e.alerts.Dispatch(notification.Alert{
			Kind:     notification.KindOverproduction,
			DeviceID: deviceID,
			Message: fmt.Sprintf("Job %q on %s exceeded its planned quantity: %d of %d produced",
				active.Name, deviceID, actual, active.PlannedQuantity),
		})
	}
	return []Overproduction{over}, nil
}

// EffectiveJob resolves which job owns ts on a device after all retrospective
// assignments, via plain interval lookup. Returns nil for orphan timestamps.
func (e *Engine) EffectiveJob(ctx context.Context, deviceID string, ts time.Time) (*model.Job, error) {
	return e.store.JobCovering(ctx, deviceID, ts)
}
