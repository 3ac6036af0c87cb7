package stoppage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"oee-monitor-backend/internal/model"
	"oee-monitor-backend/internal/store"
)

// InvalidReasonError reports a classification outside the configured reason
// matrix. Inputs are validated at the boundary against the lookup tables, not
// against an enum.
type InvalidReasonError struct {
	CategoryCode int
	Subcode      int
}

func (e *InvalidReasonError) Error() string {
	return fmt.Sprintf("reason code %d/%d is not defined in the reason matrix", e.CategoryCode, e.Subcode)
}

// Classifier attaches operator reason codes to stoppage events.
type Classifier struct {
	store store.Store
	now   func() time.Time
}

// NewClassifier creates a stoppage classifier.
func NewClassifier(s store.Store) *Classifier {
	return &Classifier{store: s, now: time.Now}
}

// Classify attaches a two-level reason code to a stoppage. First
// classification writes the event's own fields and is terminal; classifying
// an already-classified event appends a StoppageAnnotation instead, leaving
// the original record (including its start and end times) untouched.
func (c *Classifier) Classify(ctx context.Context, stoppageID int64, categoryCode, subcode int, comments, operator string) (*model.StoppageEvent, error) {
	defined, err := c.store.ReasonDefined(ctx, categoryCode, subcode)
	if err != nil {
		return nil, fmt.Errorf("failed to validate reason code: %w", err)
	}
	if !defined {
		return nil, &InvalidReasonError{CategoryCode: categoryCode, Subcode: subcode}
	}

	ev, err := c.store.StoppageByID(ctx, stoppageID)
	if err != nil {
		return nil, fmt.Errorf("stoppage %d not found: %w", stoppageID, err)
	}

	now := c.now().UTC()

	if ev.Classification == model.StoppageClassified {
		annotation := model.StoppageAnnotation{
			StoppageID:   ev.ID,
			CategoryCode: categoryCode,
			Subcode:      subcode,
			Comments:     comments,
			PerformedBy:  operator,
			PerformedAt:  now,
		}
		if err := c.store.DB().WithContext(ctx).Create(&annotation).Error; err != nil {
			return nil, fmt.Errorf("failed to append reclassification: %w", err)
		}
		return ev, nil
	}

	err = c.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ev.Classification = model.StoppageClassified
		ev.CategoryCode = &categoryCode
		ev.Subcode = &subcode
		ev.OperatorComments = comments
		ev.ClassifiedBy = operator
		ev.ClassifiedAt = &now
		return tx.Save(ev).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to classify stoppage %d: %w", stoppageID, err)
	}
	return ev, nil
}

// EffectiveReason resolves the authoritative reason for a stoppage: the most
// recent annotation wins over the event's own classification fields.
func (c *Classifier) EffectiveReason(ctx context.Context, stoppageID int64) (categoryCode, subcode int, ok bool, err error) {
	var annotation model.StoppageAnnotation
	dbErr := c.store.DB().WithContext(ctx).
		Where("stoppage_id = ?", stoppageID).
		Order("performed_at DESC, id DESC").
		First(&annotation).Error
	if dbErr == nil {
		return annotation.CategoryCode, annotation.Subcode, true, nil
	}
	if dbErr != gorm.ErrRecordNotFound {
		return 0, 0, false, dbErr
	}

	ev, err := c.store.StoppageByID(ctx, stoppageID)
	if err != nil {
		return 0, 0, false, err
	}
	if ev.CategoryCode == nil || ev.Subcode == nil {
		return 0, 0, false, nil
	}
	return *ev.CategoryCode, *ev.Subcode, true, nil
}
