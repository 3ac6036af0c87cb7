package assign

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"oee-monitor-backend/internal/devlock"
	"oee-monitor-backend/internal/job"
	"oee-monitor-backend/internal/model"
	"oee-monitor-backend/internal/notification"
	"oee-monitor-backend/internal/store"
	"oee-monitor-backend/internal/tsdb"
)

// Alerter dispatches operator alerts. Satisfied by *notification.WorkerPool.
type Alerter interface {
	Dispatch(alert notification.Alert)
}

// Engine resolves attribution errors after the fact. It never touches
// reading rows: moving a job boundary re-attributes counts purely through
// the interval lookup, and every move is recorded as an immutable Annotation.
type Engine struct {
	store  store.Store
	reader tsdb.Reader
	locks  *devlock.Set
	alerts Alerter
	now    func() time.Time
}

// NewEngine creates a retrospective assignment engine sharing the job
// manager's per-device locks.
func NewEngine(s store.Store, reader tsdb.Reader, locks *devlock.Set, alerts Alerter) *Engine {
	return &Engine{
		store:  s,
		reader: reader,
		locks:  locks,
		alerts: alerts,
		now:    time.Now,
	}
}

// Params describes a retrospective boundary assignment.
type Params struct {
	DeviceID     string
	BoundaryTime time.Time
	EndingJobID  int64
	// StartingJobID is zero when a new job should be created at the boundary.
	StartingJobID int64
	// NewJob provides the details for a created starting job.
	NewJob *job.StartParams
	Reason      string
	PerformedBy string
	// RecordChangeover records the interval between the boundary and the
	// starting job's original start as a changeover stoppage.
	RecordChangeover bool
}

// Assign moves the boundary between two jobs to boundaryTime. The ending
// job's end and the starting job's start are both set to the boundary; all
// readings at or after the boundary belong to the starting job purely via
// interval lookup. The move is validated against the no-overlap invariant
// and recorded as an Annotation, superseding any previous annotation for the
// same job pair.
func (e *Engine) Assign(ctx context.Context, p Params) (*model.Annotation, error) {
	if p.Reason == "" || p.PerformedBy == "" {
		return nil, &job.InvariantViolationError{Reason: "assignment requires a reason and a performer"}
	}

	unlock := e.locks.Lock(p.DeviceID)
	defer unlock()

	ending, err := e.store.JobByID(ctx, p.EndingJobID)
	if err != nil {
		return nil, fmt.Errorf("ending job %d not found: %w", p.EndingJobID, err)
	}
	if ending.DeviceID != p.DeviceID {
		return nil, &job.InvariantViolationError{Reason: "ending job belongs to a different device"}
	}

	boundary := p.BoundaryTime.UTC()
	if !boundary.After(ending.StartTime) {
		return nil, &job.InvariantViolationError{
			Reason: fmt.Sprintf("boundary %s is not after job %d's start", boundary.Format(time.RFC3339), ending.ID),
		}
	}

	var starting *model.Job
	var startingOriginalStart time.Time
	if p.StartingJobID != 0 {
		starting, err = e.store.JobByID(ctx, p.StartingJobID)
		if err != nil {
			return nil, fmt.Errorf("starting job %d not found: %w", p.StartingJobID, err)
		}
		if starting.DeviceID != p.DeviceID {
			return nil, &job.InvariantViolationError{Reason: "starting job belongs to a different device"}
		}
		if starting.EndTime != nil && !boundary.Before(*starting.EndTime) {
			return nil, &job.InvariantViolationError{
				Reason: fmt.Sprintf("boundary %s is not before job %d's end", boundary.Format(time.RFC3339), starting.ID),
			}
		}
		startingOriginalStart = starting.StartTime
	} else {
		if p.NewJob == nil {
			return nil, &job.InvariantViolationError{Reason: "either a starting job or new job details are required"}
		}
		starting = &model.Job{
			DeviceID:        p.DeviceID,
			Name:            p.NewJob.Name,
			TargetRate:      p.NewJob.TargetRate,
			PlannedQuantity: p.NewJob.PlannedQuantity,
			Status:          model.JobStatusEnded,
		}
		end := e.now().UTC()
		starting.EndTime = &end
		startingOriginalStart = end
	}

	if err := e.checkOverlap(ctx, ending, starting, boundary); err != nil {
		return nil, err
	}

	annotation := &model.Annotation{
		DeviceID:             p.DeviceID,
		OriginalJobID:        ending.ID,
		AdjustedBoundaryTime: boundary,
		Reason:               p.Reason,
		PerformedBy:          p.PerformedBy,
		PerformedAt:          e.now().UTC(),
	}

	err = e.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ending.EndTime = &boundary
		if ending.Status == model.JobStatusActive {
			ending.Status = model.JobStatusEnded
		}
		if err := tx.Save(ending).Error; err != nil {
			return fmt.Errorf("failed to adjust ending job %d: %w", ending.ID, err)
		}

		starting.StartTime = boundary
		if starting.ID == 0 {
			if err := tx.Create(starting).Error; err != nil {
				return fmt.Errorf("failed to create starting job: %w", err)
			}
		} else if err := tx.Save(starting).Error; err != nil {
			return fmt.Errorf("failed to adjust starting job %d: %w", starting.ID, err)
		}

		// Supersede the previous authoritative annotation for this job pair,
		// keeping it for audit.
		var previous model.Annotation
		findErr := tx.Where("device_id = ? AND original_job_id = ? AND new_job_id = ? AND superseded_annotation_id IS NULL",
			p.DeviceID, ending.ID, starting.ID).
			Order("performed_at DESC").
			First(&previous).Error
		if findErr == nil {
			annotation.SupersededAnnotationID = &previous.ID
		} else if findErr != gorm.ErrRecordNotFound {
			return findErr
		}

		annotation.NewJobID = starting.ID
		if err := tx.Create(annotation).Error; err != nil {
			return fmt.Errorf("failed to record annotation: %w", err)
		}

		if p.RecordChangeover && startingOriginalStart.After(boundary) {
			changeover := model.StoppageEvent{
				DeviceID:       p.DeviceID,
				JobID:          &starting.ID,
				StartTime:      boundary,
				EndTime:        &startingOriginalStart,
				Classification: model.StoppageChangeover,
				AutoDetected:   false,
			}
			if err := tx.Create(&changeover).Error; err != nil {
				return fmt.Errorf("failed to record changeover: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("Boundary between jobs %d and %d on %s moved to %s by %s",
		ending.ID, starting.ID, p.DeviceID, boundary.Format(time.RFC3339), p.PerformedBy)
	return annotation, nil
}

// checkOverlap validates that the adjusted intervals collide with no other
// job on the device.
func (e *Engine) checkOverlap(ctx context.Context, ending, starting *model.Job, boundary time.Time) error {
	jobs, err := e.store.JobsForDevice(ctx, ending.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	endingInterval := interval{start: ending.StartTime, end: &boundary}
	startingInterval := interval{start: boundary, end: starting.EndTime}

	for i := range jobs {
		other := &jobs[i]
		if other.ID == ending.ID || (starting.ID != 0 && other.ID == starting.ID) {
			continue
		}
		otherInterval := interval{start: other.StartTime, end: other.EndTime}
		if otherInterval.overlaps(endingInterval) || otherInterval.overlaps(startingInterval) {
			return &job.InvariantViolationError{
				Reason: fmt.Sprintf("adjusted boundary would overlap job %d", other.ID),
			}
		}
	}
	return nil
}

type interval struct {
	start time.Time
	end   *time.Time // nil = open-ended
}

func (a interval) overlaps(b interval) bool {
	if a.end != nil && !a.end.After(b.start) {
		return false
	}
	if b.end != nil && !b.end.After(a.start) {
		return false
	}
	return true
}
