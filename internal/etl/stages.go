// Package etl wires the fetcher, artifact store, normalizer and warehouse
// loader into the concrete daily and weekly stage chains.
package etl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/i474232898/clean-air-etl/internal/artifact"
	"github.com/i474232898/clean-air-etl/internal/openaq"
	"github.com/i474232898/clean-air-etl/internal/pipeline"
	"github.com/i474232898/clean-air-etl/internal/table"
	"github.com/i474232898/clean-air-etl/internal/warehouse"
)

// ErrMissingHandoff is returned when a stage needs an artifact that an
// earlier stage should have written.
var ErrMissingHandoff = errors.New("required artifact not found")

// Settings scopes what the extract stages ask the API for.
type Settings struct {
	// Coordinates ("lat,lon") and Radius in meters select locations around
	// a point. When Coordinates is empty, Country (ISO code) is used.
	Coordinates string
	Radius      int
	Country     string

	// LookbackDays sets the measurement watermark: midnight UTC this many
	// days ago.
	LookbackDays int
}

func (s Settings) locationParams() url.Values {
	q := url.Values{}
	if s.Coordinates != "" {
		q.Set("coordinates", s.Coordinates)
		q.Set("radius", strconv.Itoa(s.Radius))
		return q
	}
	if s.Country != "" {
		q.Set("iso", s.Country)
	}
	return q
}

// Stages holds the dependencies shared by every extract, transform and load
// stage. Stages communicate only through the artifact store.
type Stages struct {
	client   *openaq.Client
	store    artifact.Store
	loader   *warehouse.Loader
	norm     *table.Normalizer
	settings Settings
	logger   *slog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewStages creates the stage set.
func NewStages(client *openaq.Client, store artifact.Store, loader *warehouse.Loader, settings Settings, logger *slog.Logger) *Stages {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stages{
		client:   client,
		store:    store,
		loader:   loader,
		norm:     table.NewNormalizer(logger),
		settings: settings,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	s.norm.Now = s.clock
	return s
}

// SetClock replaces the wall clock used for artifact keys, watermarks and
// ingest timestamps.
func (s *Stages) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Stages) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().UTC()
}

// Daily returns the daily chain: extract, transform, then load of
// locations, sensors and measurements.
func (s *Stages) Daily() []pipeline.Stage {
	return []pipeline.Stage{
		pipeline.NewStage("extract-locations", s.ExtractLocations),
		pipeline.NewStage("extract-sensors", s.ExtractSensors),
		pipeline.NewStage("extract-measurements", s.ExtractMeasurements),
		pipeline.NewStage("transform-location", s.TransformLocations),
		pipeline.NewStage("transform-sensor", s.TransformSensors),
		pipeline.NewStage("transform-measurements", s.TransformMeasurements),
		pipeline.NewStage("load-location", s.loadDimension(DimLocation)),
		pipeline.NewStage("load-sensor", s.loadDimension(DimSensor)),
		pipeline.NewStage("load-measurements", s.loadFact(FactMeasurements)),
	}
}

// Weekly returns the parameter chain.
func (s *Stages) Weekly() []pipeline.Stage {
	return []pipeline.Stage{
		pipeline.NewStage("extract-parameters", s.ExtractParameters),
		pipeline.NewStage("transform-parameter", s.TransformParameters),
		pipeline.NewStage("load-parameter", s.loadDimension(DimParameter)),
	}
}

// putParquet encodes t and stores it as {prefix}/…/{name}_{ts}.parquet.
func (s *Stages) putParquet(ctx context.Context, prefix, name string, t *table.Table, schema table.Schema, now time.Time) (string, error) {
	b, err := table.EncodeParquet(t, schema)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	key := artifact.NewKey(prefix, name, "parquet", now)
	if err := s.store.Put(ctx, key, b); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

// newestJSON decodes the newest artifact under prefix matching pattern.
// ok is false when there is none.
func (s *Stages) newestJSON(ctx context.Context, prefix, pattern string, v any) (key string, ok bool, err error) {
	key, ok, err = artifact.FindNewest(ctx, s.store, prefix, pattern)
	if err != nil || !ok {
		return key, ok, err
	}
	if err := artifact.GetJSON(ctx, s.store, key, v); err != nil {
		return key, false, err
	}
	return key, true, nil
}

// dropIncomplete removes rows with a null in any of cols.
func (s *Stages) dropIncomplete(t *table.Table, cols ...string) *table.Table {
	out := t.Filter(func(r int) bool {
		for _, c := range cols {
			if t.Get(r, c) == nil {
				return false
			}
		}
		return true
	})
	if dropped := t.Len() - out.Len(); dropped > 0 {
		s.logger.Warn("dropped rows with null key columns", "count", dropped, "columns", cols)
	}
	return out
}

func int64s(values []any) []int64 {
	out := make([]int64, 0, len(values))
	for _, v := range values {
		if c, ok := table.Cast(v, table.Int64); ok && c != nil {
			out = append(out, c.(int64))
		}
	}
	return out
}

func asInt64(v any) (int64, bool) {
	c, ok := table.Cast(v, table.Int64)
	if !ok || c == nil {
		return 0, false
	}
	return c.(int64), true
}
