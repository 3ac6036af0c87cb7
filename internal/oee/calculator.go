package oee

import (
	"context"
	"fmt"
	"time"

	"oee-monitor-backend/internal/model"
	"oee-monitor-backend/internal/store"
	"oee-monitor-backend/internal/tsdb"
)

// Factor names used to report the limiting factor of a period.
const (
	FactorAvailability = "availability"
	FactorPerformance  = "performance"
	FactorQuality      = "quality"
)

// Result carries the three OEE factors for a period. Availability and
// performance are nil when undefined (no planned production time, or no run
// time to measure against); quality defaults to 1.0 when nothing was
// produced. All defined values are clamped to [0, 1].
type Result struct {
	DeviceID    string    `json:"device_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	Availability *float64 `json:"availability"`
	Performance  *float64 `json:"performance"`
	Quality      float64  `json:"quality"`
	Oee          *float64 `json:"oee"`

	// WorstFactor names the lowest defined factor for operator triage.
	WorstFactor string `json:"worst_factor"`

	PlannedSeconds float64 `json:"planned_seconds"`
	RunSeconds     float64 `json:"run_seconds"`
	GoodCount      int64   `json:"good_count"`
	ScrapCount     int64   `json:"scrap_count"`
}

// Calculator derives OEE figures from committed state. It is purely
// read-only and safe for arbitrary concurrent use.
type Calculator struct {
	store  store.Store
	reader tsdb.Reader
}

func NewCalculator(s store.Store, reader tsdb.Reader) *Calculator {
	return &Calculator{store: s, reader: reader}
}

// Calculate computes the OEE factors for a device over [start, end).
//
// Planned production time is the job-covered portion of the period minus
// scheduled breaks. Run time additionally excludes stoppage events. Good
// counts come from the device's count channel; scrap is the reject channel
// delta plus manually recorded scrap, both sources additive.
func (c *Calculator) Calculate(ctx context.Context, deviceID string, start, end time.Time) (*Result, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("period end %s is not after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	jobs, err := c.store.JobsForDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	breaks, err := c.store.BreaksForDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduled breaks: %w", err)
	}
	stoppages, err := c.store.StoppagesOverlapping(ctx, deviceID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load stoppages: %w", err)
	}

	holes := breakSpans(breaks, start, end)
	downtime := stoppageSpans(stoppages, start, end)

	var plannedSeconds, runSeconds, theoretical float64
	for i := range jobs {
		j := &jobs[i]
		jobSpan, ok := clip(j.StartTime, j.EndTime, start, end)
		if !ok {
			continue
		}
		planned := subtract([]span{jobSpan}, holes)
		run := subtract(planned, downtime)

		plannedSeconds += totalSeconds(planned)
		jobRun := totalSeconds(run)
		runSeconds += jobRun
		theoretical += j.TargetRate * jobRun
	}

	good, scrap, err := c.counts(ctx, deviceID, start, end)
	if err != nil {
		return nil, err
	}

	res := &Result{
		DeviceID:       deviceID,
		PeriodStart:    start,
		PeriodEnd:      end,
		PlannedSeconds: plannedSeconds,
		RunSeconds:     runSeconds,
		GoodCount:      good,
		ScrapCount:     scrap,
	}

	if plannedSeconds > 0 {
		res.Availability = ptr(clamp(runSeconds / plannedSeconds))
	}
	if theoretical > 0 {
		res.Performance = ptr(clamp(float64(good+scrap) / theoretical))
	}
	if total := good + scrap; total > 0 {
		res.Quality = clamp(float64(good) / float64(total))
	} else {
		// Nothing produced, nothing defective.
		res.Quality = 1.0
	}

	if res.Availability != nil && res.Performance != nil {
		res.Oee = ptr(clamp(*res.Availability * *res.Performance * res.Quality))
	}
	res.WorstFactor = worstFactor(res)
	return res, nil
}

// History buckets the period into equal slices and calculates each
// independently. Slice boundaries fall on multiples of the bucket size.
func (c *Calculator) History(ctx context.Context, deviceID string, start, end time.Time, bucket time.Duration) ([]Result, error) {
	if bucket <= 0 {
		return nil, fmt.Errorf("bucket size must be positive")
	}
	var results []Result
	for cursor := start.Truncate(bucket); cursor.Before(end); cursor = cursor.Add(bucket) {
		bStart := cursor
		if bStart.Before(start) {
			bStart = start
		}
		bEnd := cursor.Add(bucket)
		if bEnd.After(end) {
			bEnd = end
		}
		res, err := c.Calculate(ctx, deviceID, bStart, bEnd)
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// counts returns the good and scrap totals for the period.
func (c *Calculator) counts(ctx context.Context, deviceID string, start, end time.Time) (good, scrap int64, err error) {
	countCh, err := c.store.CountChannel(ctx, deviceID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to resolve count channel: %w", err)
	}
	if countCh != nil {
		good, err = c.reader.CountDelta(ctx, deviceID, countCh.Channel, start, end)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to query count channel: %w", err)
		}
	}

	rejectCh, err := c.store.RejectChannel(ctx, deviceID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to resolve reject channel: %w", err)
	}
	if rejectCh != nil {
		rejected, err := c.reader.CountDelta(ctx, deviceID, rejectCh.Channel, start, end)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to query reject channel: %w", err)
		}
		scrap += rejected
	}

	manual, err := c.store.ScrapTotal(ctx, deviceID, start, end)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query manual scrap: %w", err)
	}
	scrap += manual
	return good, scrap, nil
}

func worstFactor(r *Result) string {
	worst := FactorQuality
	lowest := r.Quality
	if r.Performance != nil && *r.Performance < lowest {
		worst = FactorPerformance
		lowest = *r.Performance
	}
	if r.Availability != nil && *r.Availability <= lowest {
		worst = FactorAvailability
	}
	return worst
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func ptr(v float64) *float64 { return &v }

// --- interval arithmetic ---

type span struct {
	start, end time.Time
}

func (s span) seconds() float64 {
	return s.end.Sub(s.start).Seconds()
}

// clip bounds [jobStart, jobEnd) to [start, end); open-ended intervals run to
// the period end.
func clip(jobStart time.Time, jobEnd *time.Time, start, end time.Time) (span, bool) {
	s := jobStart
	if s.Before(start) {
		s = start
	}
	e := end
	if jobEnd != nil && jobEnd.Before(end) {
		e = *jobEnd
	}
	if !e.After(s) {
		return span{}, false
	}
	return span{start: s, end: e}, true
}

// subtract removes every hole from every span, returning the remainders in
// order.
func subtract(spans, holes []span) []span {
	out := spans
	for _, h := range holes {
		var next []span
		for _, s := range out {
			if !h.end.After(s.start) || !s.end.After(h.start) {
				next = append(next, s)
				continue
			}
			if h.start.After(s.start) {
				next = append(next, span{start: s.start, end: h.start})
			}
			if s.end.After(h.end) {
				next = append(next, span{start: h.end, end: s.end})
			}
		}
		out = next
	}
	return out
}

func totalSeconds(spans []span) float64 {
	var total float64
	for _, s := range spans {
		total += s.seconds()
	}
	return total
}

// breakSpans expands recurring daily break windows into concrete spans
// within [start, end).
func breakSpans(breaks []model.ScheduledBreak, start, end time.Time) []span {
	var out []span
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	for ; day.Before(end); day = day.AddDate(0, 0, 1) {
		for _, b := range breaks {
			bs := day.Add(time.Duration(b.StartMinute) * time.Minute)
			be := day.Add(time.Duration(b.EndMinute) * time.Minute)
			if bs.Before(start) {
				bs = start
			}
			if be.After(end) {
				be = end
			}
			if be.After(bs) {
				out = append(out, span{start: bs, end: be})
			}
		}
	}
	return out
}

// stoppageSpans clips stoppage events to the period; open stoppages run to
// the period end.
func stoppageSpans(events []model.StoppageEvent, start, end time.Time) []span {
	var out []span
	for i := range events {
		if s, ok := clip(events[i].StartTime, events[i].EndTime, start, end); ok {
			out = append(out, s)
		}
	}
	return out
}
