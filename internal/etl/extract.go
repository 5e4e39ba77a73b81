package etl

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/i474232898/clean-air-etl/internal/artifact"
	"github.com/i474232898/clean-air-etl/internal/common"
	"github.com/i474232898/clean-air-etl/internal/openaq"
	"github.com/i474232898/clean-air-etl/internal/pipeline"
)

// ExtractLocations pulls every location matching the configured filter.
func (s *Stages) ExtractLocations(ctx context.Context) error {
	pages, err := s.client.FetchPaginated(ctx, "locations", s.settings.locationParams())
	if err != nil {
		return err
	}
	_, err = s.writeRaw(ctx, rawLocations, "locations", pages)
	return err
}

// ExtractParameters pulls the parameter catalog.
func (s *Stages) ExtractParameters(ctx context.Context) error {
	pages, err := s.client.FetchPaginated(ctx, "parameters", nil)
	if err != nil {
		return err
	}
	_, err = s.writeRaw(ctx, rawParameters, "parameters", pages)
	return err
}

// ExtractSensors fetches the sensors of every location in the newest
// location ID list, concurrently. Failed locations are logged and skipped;
// the stage fails only when every location failed.
func (s *Stages) ExtractSensors(ctx context.Context) error {
	var ids []int64
	key, ok, err := s.newestJSON(ctx, processedLocation, locationIDListName, &ids)
	if err != nil {
		return err
	}
	if !ok || len(ids) == 0 {
		s.logger.Warn("no location id list yet; skipping sensor extract", "prefix", processedLocation)
		return nil
	}

	endpoints := make([]string, len(ids))
	for i, id := range ids {
		endpoints[i] = fmt.Sprintf("locations/%d/sensors", id)
	}
	results := s.client.FetchConcurrently(ctx, endpoints, nil)

	var (
		batch pipeline.BatchReport
		pages []openaq.Page
	)
	for _, r := range results {
		if r.Err != nil {
			batch.Add(r.Endpoint, 0, r.Err)
			continue
		}
		batch.Add(r.Endpoint, len(r.Page.Results), nil)
		pages = append(pages, *r.Page)
	}
	if batch.AllFailed() {
		return fmt.Errorf("every sensor request failed: %w", batch.Err())
	}
	if failed := batch.Failed(); len(failed) > 0 {
		s.logger.Warn("some locations could not be fetched", "failed", len(failed), "error", batch.Err())
	}

	s.logger.Info("sensors extracted", "source", key, "locations", len(ids), "sensors", batch.Total())
	_, err = s.writeRaw(ctx, rawSensors, "sensors", pages)
	return err
}

// ExtractMeasurements fetches hourly measurements since the watermark for
// every sensor in the newest sensor ID list, one raw file per sensor.
// Sensors are fetched one after another; a failed sensor is logged and
// skipped, and the stage fails only when every sensor failed.
func (s *Stages) ExtractMeasurements(ctx context.Context) error {
	var ids []int64
	key, ok, err := s.newestJSON(ctx, processedSensor, sensorIDListName, &ids)
	if err != nil {
		return err
	}
	if !ok || len(ids) == 0 {
		s.logger.Warn("no sensor id list yet; skipping measurement extract", "prefix", processedSensor)
		return nil
	}

	since := common.FormatWatermark(common.Watermark(s.clock(), s.settings.LookbackDays))
	params := url.Values{"datetime_from": {since}}

	var batch pipeline.BatchReport
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := strconv.FormatInt(id, 10)

		pages, err := s.client.FetchPaginated(ctx, fmt.Sprintf("sensors/%d/hours", id), params)
		if err != nil {
			batch.Add(item, 0, err)
			continue
		}
		n, err := s.writeRaw(ctx, rawMeasurements, fmt.Sprintf("measurements_sensor_%d", id), pages)
		batch.Add(item, n, err)
	}

	if batch.AllFailed() {
		return fmt.Errorf("every measurement request failed: %w", batch.Err())
	}
	if failed := batch.Failed(); len(failed) > 0 {
		s.logger.Warn("some sensors could not be fetched", "failed", len(failed), "error", batch.Err())
	}
	s.logger.Info("measurements extracted", "source", key, "since", since, "sensors", len(ids), "records", batch.Total())
	return nil
}

// writeRaw stores pages as one raw JSON file and returns the number of
// records written. Nothing is written when there are no records.
func (s *Stages) writeRaw(ctx context.Context, prefix, name string, pages []openaq.Page) (int, error) {
	n := 0
	for _, p := range pages {
		n += len(p.Results)
	}
	if n == 0 {
		s.logger.Info("no records returned; nothing to store", "prefix", prefix, "name", name)
		return 0, nil
	}

	key := artifact.NewKey(prefix, name, "json", s.clock())
	if err := artifact.PutJSON(ctx, s.store, key, pages); err != nil {
		return 0, fmt.Errorf("store raw %s: %w", key, err)
	}
	s.logger.Info("raw artifact stored", "key", key, "records", n)
	return n, nil
}
