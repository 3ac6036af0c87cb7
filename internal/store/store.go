package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"oee-monitor-backend/internal/model"
)

// Store defines the interface for all relational database operations.
type Store interface {
	DB() *gorm.DB

	// Device registry
	UpsertDevices(ctx context.Context, devices []model.Device) error
	UpsertChannels(ctx context.Context, channels []model.Channel) error
	RejectChannel(ctx context.Context, deviceID string) (*model.Channel, error)
	CountChannel(ctx context.Context, deviceID string) (*model.Channel, error)

	// Jobs
	ActiveJob(ctx context.Context, deviceID string) (*model.Job, error)
	JobByID(ctx context.Context, id int64) (*model.Job, error)
	JobCovering(ctx context.Context, deviceID string, ts time.Time) (*model.Job, error)
	JobsForDevice(ctx context.Context, deviceID string) ([]model.Job, error)

	// Stoppages
	OpenStoppage(ctx context.Context, deviceID string) (*model.StoppageEvent, error)
	StoppageByID(ctx context.Context, id int64) (*model.StoppageEvent, error)
	StoppagesOverlapping(ctx context.Context, deviceID string, start, end time.Time) ([]model.StoppageEvent, error)
	UnclassifiedStoppages(ctx context.Context, minDuration time.Duration, now time.Time) ([]model.StoppageEvent, error)

	// Reason matrix
	SeedReasonCodes(ctx context.Context, categories []model.ReasonCategory, subcodes []model.ReasonSubcode) error
	ReasonDefined(ctx context.Context, categoryCode, subcode int) (bool, error)

	// Scrap
	CreateScrap(ctx context.Context, entry *model.ScrapEntry) error
	ScrapTotal(ctx context.Context, deviceID string, start, end time.Time) (int64, error)

	// Scheduled breaks
	ReplaceBreaks(ctx context.Context, breaks []model.ScheduledBreak) error
	BreaksForDevice(ctx context.Context, deviceID string) ([]model.ScheduledBreak, error)

	// Dead letter queue
	EnqueueDeadLetter(ctx context.Context, entry *model.DeadLetterEntry) error
	DueDeadLetters(ctx context.Context, now time.Time, limit int) ([]model.DeadLetterEntry, error)
	SaveDeadLetter(ctx context.Context, entry *model.DeadLetterEntry) error
	DeleteDeadLetter(ctx context.Context, id int64) error
	TerminalDeadLetterCount(ctx context.Context) (int64, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// DB exposes the underlying handle for transactional callers.
func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// --- Device registry ---

func (s *gormStore) UpsertDevices(ctx context.Context, devices []model.Device) error {
	if len(devices) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "location", "updated_at"}),
	}).Create(&devices).Error
}

func (s *gormStore) UpsertChannels(ctx context.Context, channels []model.Channel) error {
	if len(channels) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}, {Name: "channel"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "bit_width", "window_seconds", "implausible_jump", "updated_at"}),
	}).Create(&channels).Error
}

func (s *gormStore) channelByRole(ctx context.Context, deviceID, role string) (*model.Channel, error) {
	var ch model.Channel
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND role = ?", deviceID, role).
		First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// RejectChannel returns the device's dedicated reject counter channel, or nil
// when the device counts scrap manually.
func (s *gormStore) RejectChannel(ctx context.Context, deviceID string) (*model.Channel, error) {
	return s.channelByRole(ctx, deviceID, "reject")
}

// CountChannel returns the device's primary production counter channel.
func (s *gormStore) CountChannel(ctx context.Context, deviceID string) (*model.Channel, error) {
	return s.channelByRole(ctx, deviceID, "count")
}

// --- Jobs ---

// ActiveJob returns the device's single active job, or nil when idle.
func (s *gormStore) ActiveJob(ctx context.Context, deviceID string) (*model.Job, error) {
	var job model.Job
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND status = ?", deviceID, model.JobStatusActive).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *gormStore) JobByID(ctx context.Context, id int64) (*model.Job, error) {
	var job model.Job
	if err := s.db.WithContext(ctx).First(&job, id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// JobCovering returns the job whose [start, end) interval contains ts.
func (s *gormStore) JobCovering(ctx context.Context, deviceID string, ts time.Time) (*model.Job, error) {
	var job model.Job
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND start_time <= ? AND (end_time IS NULL OR end_time > ?)", deviceID, ts, ts).
		Order("start_time DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *gormStore) JobsForDevice(ctx context.Context, deviceID string) ([]model.Job, error) {
	var jobs []model.Job
	if err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("start_time ASC").
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// --- Stoppages ---

// OpenStoppage returns the device's ongoing stoppage, or nil.
func (s *gormStore) OpenStoppage(ctx context.Context, deviceID string) (*model.StoppageEvent, error) {
	var ev model.StoppageEvent
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND end_time IS NULL", deviceID).
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *gormStore) StoppageByID(ctx context.Context, id int64) (*model.StoppageEvent, error) {
	var ev model.StoppageEvent
	if err := s.db.WithContext(ctx).First(&ev, id).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

// StoppagesOverlapping returns events intersecting [start, end), including
// still-open ones.
func (s *gormStore) StoppagesOverlapping(ctx context.Context, deviceID string, start, end time.Time) ([]model.StoppageEvent, error) {
	var events []model.StoppageEvent
	if err := s.db.WithContext(ctx).
		Where("device_id = ? AND start_time < ? AND (end_time IS NULL OR end_time > ?)", deviceID, end, start).
		Order("start_time ASC").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// UnclassifiedStoppages returns unclassified events at least minDuration long
// as of now, oldest first. These require operator attention but never fail a
// query.
func (s *gormStore) UnclassifiedStoppages(ctx context.Context, minDuration time.Duration, now time.Time) ([]model.StoppageEvent, error) {
	var events []model.StoppageEvent
	if err := s.db.WithContext(ctx).
		Where("classification = ?", model.StoppageUnclassified).
		Order("start_time ASC").
		Find(&events).Error; err != nil {
		return nil, err
	}
	// Duration filtering happens here rather than in SQL so the same query
	// works on both Postgres and the SQLite test databases.
	filtered := events[:0]
	for _, ev := range events {
		if ev.DurationAt(now) >= minDuration {
			filtered = append(filtered, ev)
		}
	}
	return filtered, nil
}

// --- Reason matrix ---

// SeedReasonCodes replaces the reason tables from configuration.
func (s *gormStore) SeedReasonCodes(ctx context.Context, categories []model.ReasonCategory, subcodes []model.ReasonSubcode) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(categories) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "code"}},
				DoUpdates: clause.AssignmentColumns([]string{"label", "updated_at"}),
			}).Create(&categories).Error; err != nil {
				return fmt.Errorf("seed reason categories: %w", err)
			}
		}
		if len(subcodes) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "category_code"}, {Name: "code"}},
				DoUpdates: clause.AssignmentColumns([]string{"label", "updated_at"}),
			}).Create(&subcodes).Error; err != nil {
				return fmt.Errorf("seed reason subcodes: %w", err)
			}
		}
		return nil
	})
}

// ReasonDefined reports whether (categoryCode, subcode) exists in the matrix.
func (s *gormStore) ReasonDefined(ctx context.Context, categoryCode, subcode int) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&model.ReasonSubcode{}).
		Where("category_code = ? AND code = ?", categoryCode, subcode).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// --- Scrap ---

func (s *gormStore) CreateScrap(ctx context.Context, entry *model.ScrapEntry) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *gormStore) ScrapTotal(ctx context.Context, deviceID string, start, end time.Time) (int64, error) {
	var total *int64
	if err := s.db.WithContext(ctx).
		Model(&model.ScrapEntry{}).
		Select("SUM(quantity)").
		Where("device_id = ? AND recorded_at >= ? AND recorded_at < ?", deviceID, start, end).
		Scan(&total).Error; err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// --- Scheduled breaks ---

func (s *gormStore) ReplaceBreaks(ctx context.Context, breaks []model.ScheduledBreak) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&model.ScheduledBreak{}).Error; err != nil {
			return err
		}
		if len(breaks) == 0 {
			return nil
		}
		return tx.Create(&breaks).Error
	})
}

func (s *gormStore) BreaksForDevice(ctx context.Context, deviceID string) ([]model.ScheduledBreak, error) {
	var breaks []model.ScheduledBreak
	if err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Find(&breaks).Error; err != nil {
		return nil, err
	}
	return breaks, nil
}

// --- Dead letter queue ---

func (s *gormStore) EnqueueDeadLetter(ctx context.Context, entry *model.DeadLetterEntry) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// DueDeadLetters returns the due prefix of the queue, oldest batch first.
// Redelivery must follow creation order exactly, so a backed-off entry at the
// head holds back every younger entry even when those are already due.
func (s *gormStore) DueDeadLetters(ctx context.Context, now time.Time, limit int) ([]model.DeadLetterEntry, error) {
	var entries []model.DeadLetterEntry
	if err := s.db.WithContext(ctx).
		Where("terminal = ?", false).
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].NextRetryAt.After(now) {
			return entries[:i], nil
		}
	}
	return entries, nil
}

func (s *gormStore) SaveDeadLetter(ctx context.Context, entry *model.DeadLetterEntry) error {
	return s.db.WithContext(ctx).Save(entry).Error
}

func (s *gormStore) DeleteDeadLetter(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Delete(&model.DeadLetterEntry{}, id).Error
}

func (s *gormStore) TerminalDeadLetterCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&model.DeadLetterEntry{}).
		Where("terminal = ?", true).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
