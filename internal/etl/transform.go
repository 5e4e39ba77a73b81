package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/i474232898/clean-air-etl/internal/artifact"
	"github.com/i474232898/clean-air-etl/internal/common"
	"github.com/i474232898/clean-air-etl/internal/openaq"
	"github.com/i474232898/clean-air-etl/internal/pipeline"
	"github.com/i474232898/clean-air-etl/internal/table"
)

var sensorFromFile = regexp.MustCompile(`_sensor_(\d+)`)

// rawFile is one decoded raw page dump.
type rawFile struct {
	key     string
	records []map[string]any
}

// readRaw decodes every raw JSON file under prefix. Files that cannot be
// read or decoded are reported as failed items and left in place.
func (s *Stages) readRaw(ctx context.Context, prefix string) ([]rawFile, error) {
	keys, err := artifact.ListKeys(ctx, s.store, prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	var (
		batch pipeline.BatchReport
		files []rawFile
	)
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		b, err := s.store.Get(ctx, key)
		if err != nil {
			batch.Add(key, 0, err)
			continue
		}
		var pages []openaq.Page
		if err := json.Unmarshal(b, &pages); err != nil {
			batch.Add(key, 0, fmt.Errorf("decode: %w", err))
			continue
		}

		f := rawFile{key: key}
		for _, p := range pages {
			f.records = append(f.records, p.Results...)
		}
		batch.Add(key, len(f.records), nil)
		files = append(files, f)
	}

	for _, it := range batch.Failed() {
		s.logger.Warn("skipping unreadable raw file", "key", it.Item, "error", it.Err)
	}
	if batch.AllFailed() {
		return nil, fmt.Errorf("no readable raw files under %s: %w", prefix, batch.Err())
	}
	return files, nil
}

func recordsOf(files []rawFile) []map[string]any {
	var out []map[string]any
	for _, f := range files {
		out = append(out, f.records...)
	}
	return out
}

// archive moves consumed raw files under the archive prefix. A failed move
// is logged and the loop continues.
func (s *Stages) archive(ctx context.Context, files []rawFile) *pipeline.BatchReport {
	batch := &pipeline.BatchReport{}
	for _, f := range files {
		dst, err := artifact.Archive(ctx, s.store, f.key)
		if err != nil {
			s.logger.Error("failed to archive raw file", "key", f.key, "error", err)
		} else {
			s.logger.Debug("raw file archived", "key", f.key, "archive", dst)
		}
		batch.Add(f.key, 1, err)
	}
	s.logger.Info("raw files archived", "archived", len(batch.Succeeded()), "failed", len(batch.Failed()))
	return batch
}

// TransformLocations normalizes raw locations into the location dimension
// artifact and derives the location ID list and the sensor-to-location map
// that the sensor stages depend on.
func (s *Stages) TransformLocations(ctx context.Context) error {
	files, err := s.readRaw(ctx, rawLocations)
	if err != nil {
		return err
	}
	records := recordsOf(files)
	if len(records) == 0 {
		s.logger.Info("no raw locations to transform")
		return nil
	}

	// The sensors endpoint does not echo the location, so the mapping has
	// to be taken from the nested sensor list here.
	sensorToLocation := make(map[string]int64)
	for _, rec := range records {
		locID, ok := asInt64(rec["id"])
		if !ok {
			continue
		}
		sensors, _ := rec["sensors"].([]any)
		for _, raw := range sensors {
			sensor, _ := raw.(map[string]any)
			if sensorID, ok := asInt64(sensor["id"]); ok {
				sensorToLocation[strconv.FormatInt(sensorID, 10)] = locID
			}
		}
	}

	t := s.norm.Normalize(records, locationOptions)
	t = s.dropIncomplete(t, "openaq_location_id")
	if t.Len() == 0 {
		s.logger.Warn("no usable locations after normalization")
		return nil
	}

	now := s.clock()
	key, err := s.putParquet(ctx, processedLocation, "locations", t, locationOptions.Schema, now)
	if err != nil {
		return err
	}
	ids := int64s(t.Column("openaq_location_id"))
	if err := artifact.PutJSON(ctx, s.store, artifact.NewKey(processedLocation, locationIDListName, "json", now), ids); err != nil {
		return err
	}
	if err := artifact.PutJSON(ctx, s.store, artifact.NewKey(processedLocation, sensorToLocationMapName, "json", now), sensorToLocation); err != nil {
		return err
	}
	s.logger.Info("locations transformed", "key", key, "rows", t.Len(), "sensors_mapped", len(sensorToLocation))

	s.archive(ctx, files)
	return nil
}

// TransformSensors normalizes raw sensors, joins each to its location
// through the newest sensor-to-location map, and writes the sensor
// dimension artifact plus the sensor ID list.
func (s *Stages) TransformSensors(ctx context.Context) error {
	files, err := s.readRaw(ctx, rawSensors)
	if err != nil {
		return err
	}
	records := recordsOf(files)
	if len(records) == 0 {
		s.logger.Info("no raw sensors to transform")
		return nil
	}

	var sensorToLocation map[string]int64
	_, ok, err := s.newestJSON(ctx, processedLocation, sensorToLocationMapName, &sensorToLocation)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s under %s", ErrMissingHandoff, sensorToLocationMapName, processedLocation)
	}

	unmapped := 0
	for _, rec := range records {
		id, ok := asInt64(rec["id"])
		if !ok {
			continue
		}
		if loc, found := sensorToLocation[strconv.FormatInt(id, 10)]; found {
			rec["location_id"] = loc
		} else {
			unmapped++
		}
	}
	if unmapped > 0 {
		s.logger.Warn("sensors without a known location", "count", unmapped)
	}

	t := s.norm.Normalize(records, sensorOptions)
	t = s.dropIncomplete(t, "openaq_sensor_id")
	if t.Len() == 0 {
		s.logger.Warn("no usable sensors after normalization")
		return nil
	}

	now := s.clock()
	key, err := s.putParquet(ctx, processedSensor, "sensors", t, sensorOptions.Schema, now)
	if err != nil {
		return err
	}
	ids := int64s(t.Column("openaq_sensor_id"))
	if err := artifact.PutJSON(ctx, s.store, artifact.NewKey(processedSensor, sensorIDListName, "json", now), ids); err != nil {
		return err
	}
	s.logger.Info("sensors transformed", "key", key, "rows", t.Len())

	s.archive(ctx, files)
	return nil
}

type sensorRef struct {
	location  any
	parameter any
}

// TransformMeasurements normalizes the per-sensor raw files into the fact
// artifact. location_id (and parameter_id when the payload lacks it) come
// from the newest sensor dimension artifact.
func (s *Stages) TransformMeasurements(ctx context.Context) error {
	files, err := s.readRaw(ctx, rawMeasurements)
	if err != nil {
		return err
	}

	var (
		used    []rawFile
		records []map[string]any
	)
	for _, f := range files {
		m := sensorFromFile.FindStringSubmatch(path.Base(f.key))
		if m == nil {
			s.logger.Warn("raw measurement file has no sensor id; skipping", "key", f.key)
			continue
		}
		sensorID, _ := strconv.ParseInt(m[1], 10, 64)
		for _, rec := range f.records {
			rec["sensor_id"] = sensorID
		}
		records = append(records, f.records...)
		used = append(used, f)
	}
	if len(records) == 0 {
		s.logger.Info("no raw measurements to transform")
		return nil
	}

	sensors, err := s.sensorRefs(ctx)
	if err != nil {
		return err
	}

	t := s.norm.Normalize(records, measurementOptions)
	for r := range t.Rows {
		sensorID, _ := asInt64(t.Get(r, "sensor_id"))
		if ref, ok := sensors[sensorID]; ok {
			t.Set(r, "location_id", ref.location)
			if t.Get(r, "parameter_id") == nil {
				t.Set(r, "parameter_id", ref.parameter)
			}
		}
		if ts, ok := t.Get(r, "utc_timestamp").(time.Time); ok {
			t.Set(r, "date_id", common.DateID(ts))
			t.Set(r, "time_id", common.TimeID(ts))
		}
	}
	t = s.dropIncomplete(t, "sensor_id", "utc_timestamp", "parameter_id", "location_id")
	if t.Len() == 0 {
		s.logger.Warn("no usable measurements after normalization")
		return nil
	}

	key, err := s.putParquet(ctx, processedMeasurement, "measurements", t, measurementOptions.Schema, s.clock())
	if err != nil {
		return err
	}
	s.logger.Info("measurements transformed", "key", key, "rows", t.Len(), "files", len(used))

	s.archive(ctx, used)
	return nil
}

// sensorRefs loads the newest sensor dimension artifact keyed by sensor ID.
func (s *Stages) sensorRefs(ctx context.Context) (map[int64]sensorRef, error) {
	key, ok, err := artifact.FindNewest(ctx, s.store, processedSensor, sensorsPattern)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: sensor dimension under %s", ErrMissingHandoff, processedSensor)
	}
	b, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	dim, _, err := table.DecodeParquet(b)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}

	refs := make(map[int64]sensorRef, dim.Len())
	for r := range dim.Rows {
		id, ok := asInt64(dim.Get(r, "openaq_sensor_id"))
		if !ok {
			continue
		}
		refs[id] = sensorRef{location: dim.Get(r, "location_id"), parameter: dim.Get(r, "parameter_id")}
	}
	return refs, nil
}

// TransformParameters normalizes the raw parameter catalog.
func (s *Stages) TransformParameters(ctx context.Context) error {
	files, err := s.readRaw(ctx, rawParameters)
	if err != nil {
		return err
	}
	records := recordsOf(files)
	if len(records) == 0 {
		s.logger.Info("no raw parameters to transform")
		return nil
	}

	t := s.norm.Normalize(records, parameterOptions)
	t = s.dropIncomplete(t, "openaq_parameter_id")
	if t.Len() == 0 {
		s.logger.Warn("no usable parameters after normalization")
		return nil
	}

	key, err := s.putParquet(ctx, processedParameter, "parameters", t, parameterOptions.Schema, s.clock())
	if err != nil {
		return err
	}
	s.logger.Info("parameters transformed", "key", key, "rows", t.Len())

	s.archive(ctx, files)
	return nil
}
