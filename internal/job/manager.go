package job

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"oee-monitor-backend/config"
	"oee-monitor-backend/internal/devlock"
	"oee-monitor-backend/internal/model"
	"oee-monitor-backend/internal/store"
	"oee-monitor-backend/internal/tsdb"
)

// Manager owns the job lifecycle for all devices. Every mutation serializes
// on the device's lock so invariant validation and the state change are
// atomic with respect to concurrent requests for the same device.
type Manager struct {
	store  store.Store
	reader tsdb.Reader
	cfg    config.JobConfig
	locks  *devlock.Set
	now    func() time.Time
}

// NewManager creates a job lifecycle manager. The lock set is shared with
// the retrospective assignment engine.
func NewManager(s store.Store, reader tsdb.Reader, cfg config.JobConfig, locks *devlock.Set) *Manager {
	return &Manager{
		store:  s,
		reader: reader,
		cfg:    cfg,
		locks:  locks,
		now:    time.Now,
	}
}

// StartParams describes a job start request.
type StartParams struct {
	DeviceID        string
	Name            string
	TargetRate      float64
	PlannedQuantity int64
	// ReasonCode must be supplied when the currently active job is below the
	// completion threshold.
	ReasonCode *int
}

// Start starts a new job on a device. If another job is active it is ended
// at the new job's start boundary; when that job is below the completion
// threshold an explicit reason code is required, otherwise the request fails
// with PrematureJobEndError. The new job immediately opens a changeover
// stoppage, since a selected-but-not-yet-producing machine is planned
// transition time rather than unplanned downtime.
func (m *Manager) Start(ctx context.Context, p StartParams) (*model.Job, error) {
	if p.DeviceID == "" {
		return nil, &InvariantViolationError{Reason: "device id is required"}
	}
	if p.PlannedQuantity <= 0 || p.TargetRate <= 0 {
		return nil, &InvariantViolationError{Reason: "planned quantity and target rate must be positive"}
	}

	unlock := m.locks.Lock(p.DeviceID)
	defer unlock()

	now := m.now().UTC()

	active, err := m.store.ActiveJob(ctx, p.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up active job: %w", err)
	}
	if active != nil {
		if err := m.checkCompletion(ctx, active, now, p.ReasonCode); err != nil {
			return nil, err
		}
	}

	newJob := &model.Job{
		DeviceID:        p.DeviceID,
		Name:            p.Name,
		TargetRate:      p.TargetRate,
		PlannedQuantity: p.PlannedQuantity,
		StartTime:       now,
		Status:          model.JobStatusActive,
	}

	err = m.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if active != nil {
			// Ending the old job at the new job's start boundary keeps the
			// single-active-job and no-overlap invariants in one step.
			active.EndTime = &now
			active.Status = model.JobStatusEnded
			active.EndReasonCode = p.ReasonCode
			if err := tx.Save(active).Error; err != nil {
				return fmt.Errorf("failed to end active job %d: %w", active.ID, err)
			}
		}
		if err := tx.Create(newJob).Error; err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}

		// Close any open stoppage at the boundary and open a changeover
		// stoppage owned by the new job.
		var open model.StoppageEvent
		findErr := tx.Where("device_id = ? AND end_time IS NULL", p.DeviceID).First(&open).Error
		if findErr == nil {
			open.EndTime = &now
			if err := tx.Save(&open).Error; err != nil {
				return fmt.Errorf("failed to close stoppage %d at job boundary: %w", open.ID, err)
			}
		} else if findErr != gorm.ErrRecordNotFound {
			return findErr
		}

		changeover := model.StoppageEvent{
			DeviceID:       p.DeviceID,
			JobID:          &newJob.ID,
			StartTime:      now,
			Classification: model.StoppageChangeover,
			AutoDetected:   false,
		}
		return tx.Create(&changeover).Error
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Job %d (%s) started on %s", newJob.ID, newJob.Name, p.DeviceID)
	return newJob, nil
}

// End explicitly ends a job. Ending below the completion threshold requires
// a reason code.
func (m *Manager) End(ctx context.Context, jobID int64, reasonCode *int) (*model.Job, error) {
	j, err := m.store.JobByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job %d not found: %w", jobID, err)
	}

	unlock := m.locks.Lock(j.DeviceID)
	defer unlock()

	// Reload under the lock; a concurrent start may have ended it already.
	j, err = m.store.JobByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job %d not found: %w", jobID, err)
	}
	if !j.Active() {
		return nil, &InvariantViolationError{Reason: fmt.Sprintf("job %d is not active", jobID)}
	}

	now := m.now().UTC()
	if err := m.checkCompletion(ctx, j, now, reasonCode); err != nil {
		return nil, err
	}

	j.EndTime = &now
	j.Status = model.JobStatusEnded
	j.EndReasonCode = reasonCode
	if err := m.store.DB().WithContext(ctx).Save(j).Error; err != nil {
		return nil, fmt.Errorf("failed to end job %d: %w", jobID, err)
	}
	log.Printf("Job %d ended on %s", j.ID, j.DeviceID)
	return j, nil
}

// Completion returns the job's completion percentage based on the counts
// recorded so far on the device's production channel.
func (m *Manager) Completion(ctx context.Context, j *model.Job, now time.Time) (float64, error) {
	if j.PlannedQuantity <= 0 {
		return 100, nil
	}
	ch, err := m.store.CountChannel(ctx, j.DeviceID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve count channel for %s: %w", j.DeviceID, err)
	}
	if ch == nil {
		return 0, fmt.Errorf("device %s has no production count channel", j.DeviceID)
	}

	end := now
	if j.EndTime != nil {
		end = *j.EndTime
	}
	actual, err := m.reader.CountDelta(ctx, j.DeviceID, ch.Channel, j.StartTime, end)
	if err != nil {
		return 0, fmt.Errorf("failed to read job output: %w", err)
	}
	return float64(actual) / float64(j.PlannedQuantity) * 100, nil
}

func (m *Manager) checkCompletion(ctx context.Context, j *model.Job, now time.Time, reasonCode *int) error {
	pct, err := m.Completion(ctx, j, now)
	if err != nil {
		return err
	}
	if pct < m.cfg.CompletionThresholdPct && reasonCode == nil {
		return &PrematureJobEndError{
			JobID:         j.ID,
			CompletionPct: pct,
			ThresholdPct:  m.cfg.CompletionThresholdPct,
		}
	}
	return nil
}
