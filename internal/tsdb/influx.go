package tsdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"oee-monitor-backend/config"
	"oee-monitor-backend/internal/counter"
)

const measurement = "counter_data"

// InfluxStore is the InfluxDB v2 implementation of the time-series backend.
type InfluxStore struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	bucket   string
}

// NewInfluxStore initializes the InfluxDB v2 client and verifies connectivity.
func NewInfluxStore(cfg config.InfluxConfig) (*InfluxStore, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	if _, err := client.Health(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}

	return &InfluxStore{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
	}, nil
}

// WriteReadings writes a batch of counter readings, keyed by
// (timestamp, device, channel) so redelivered batches upsert instead of
// duplicating rows. Failures are classified transient or malformed for the
// dead letter queue.
func (s *InfluxStore) WriteReadings(ctx context.Context, readings []counter.Reading) error {
	points := make([]*write.Point, 0, len(readings))
	for _, r := range readings {
		fields := map[string]interface{}{
			"raw_value":        int64(r.RawValue),
			"normalized_value": int64(r.NormalizedValue),
			"quality":          string(r.Quality),
		}
		if r.Rate != nil {
			fields["rate"] = *r.Rate
		}
		point := write.NewPoint(
			measurement,
			map[string]string{
				"device_id": r.DeviceID,
				"channel":   strconv.Itoa(r.Channel),
			},
			fields,
			r.Timestamp,
		)
		points = append(points, point)
	}

	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return classify(err)
	}
	return nil
}

// CountDelta returns the normalized-count increase on a channel over [start, end].
func (s *InfluxStore) CountDelta(ctx context.Context, deviceID string, channel int, start, end time.Time) (int64, error) {
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q)
  |> filter(fn: (r) => r.device_id == %q and r.channel == %q)
  |> filter(fn: (r) => r._field == "normalized_value")
  |> spread()`,
		s.bucket,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
		measurement,
		deviceID,
		strconv.Itoa(channel),
	)

	result, err := s.queryAPI.Query(ctx, flux)
	if err != nil {
		return 0, classify(err)
	}
	defer result.Close()

	var delta int64
	for result.Next() {
		switch v := result.Record().Value().(type) {
		case int64:
			delta = v
		case float64:
			delta = int64(v)
		}
	}
	if result.Err() != nil {
		return 0, classify(result.Err())
	}
	return delta, nil
}

// Close closes the underlying client.
func (s *InfluxStore) Close() {
	s.client.Close()
}

// classify maps an InfluxDB client error onto the transient/malformed split.
// Client-side 4xx responses other than 429 mean the request itself is broken
// and retrying cannot help; everything else is assumed recoverable.
func classify(err error) error {
	var httpErr *influxhttp.Error
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != 429 {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
