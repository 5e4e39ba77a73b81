package etl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/i474232898/clean-air-etl/internal/artifact"
	"github.com/i474232898/clean-air-etl/internal/openaq"
	"github.com/i474232898/clean-air-etl/internal/pipeline"
	"github.com/i474232898/clean-air-etl/internal/store"
	"github.com/i474232898/clean-air-etl/internal/table"
	"github.com/i474232898/clean-air-etl/internal/warehouse"
)

const testAPIKey = "test-key"

const locationsPage = `{"meta":{"found":2},"results":[
 {"id":101,"name":"Berlin Mitte","locality":"Berlin","timezone":"Europe/Berlin",
  "country":{"id":50,"code":"DE","name":"Germany"},
  "coordinates":{"latitude":52.52,"longitude":13.40},
  "sensors":[{"id":1001,"name":"pm25 µg/m³","parameter":{"id":2,"name":"pm25","units":"µg/m³","displayName":"PM2.5"}}]},
 {"id":102,"name":"Neukölln","locality":"Berlin","timezone":"Europe/Berlin",
  "country":{"id":50,"code":"DE","name":"Germany"},
  "coordinates":{"latitude":52.48,"longitude":13.43},
  "sensors":[{"id":1002,"name":"no2 µg/m³","parameter":{"id":5,"name":"no2","units":"µg/m³","displayName":"NO₂"}}]}
]}`

const sensors101 = `{"results":[{"id":1001,"name":"pm25 µg/m³","parameter":{"id":2,"name":"pm25","units":"µg/m³","displayName":"PM2.5"}}]}`
const sensors102 = `{"results":[{"id":1002,"name":"no2 µg/m³","parameter":{"id":5,"name":"no2","units":"µg/m³","displayName":"NO₂"}}]}`

// Two distinct hours, a duplicate of the first hour and a record without a
// period.
const hours1001 = `{"results":[
 {"value":12.5,"parameter":{"id":2,"name":"pm25","units":"µg/m³"},"period":{"label":"raw","datetimeFrom":{"utc":"2025-08-21T00:00:00Z","local":"2025-08-21T02:00:00+02:00"}}},
 {"value":14.0,"parameter":{"id":2,"name":"pm25","units":"µg/m³"},"period":{"label":"raw","datetimeFrom":{"utc":"2025-08-21T01:00:00Z","local":"2025-08-21T03:00:00+02:00"}}},
 {"value":99.0,"parameter":{"id":2,"name":"pm25","units":"µg/m³"},"period":{"label":"raw","datetimeFrom":{"utc":"2025-08-21T00:00:00Z","local":"2025-08-21T02:00:00+02:00"}}},
 {"value":3.0,"parameter":{"id":2,"name":"pm25","units":"µg/m³"}}
]}`

const parametersPage = `{"results":[
 {"id":2,"name":"pm25","units":"µg/m³","displayName":"PM2.5","description":"Particulate matter"},
 {"id":5,"name":"no2","units":"µg/m³","displayName":"NO₂","description":"Nitrogen dioxide"}
]}`

type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

// Now advances one second per call so that every artifact gets its own
// key and modification time.
func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type harness struct {
	stages  *Stages
	store   *artifact.MemoryStore
	wh      *warehouse.SQLite
	history *store.MemoryStore

	mu    sync.Mutex
	since []string
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness wires the stages against a fake API. When gate is non-nil the
// parameters endpoint blocks until it is closed.
func newHarness(t *testing.T, gate chan struct{}) *harness {
	t.Helper()
	h := &harness{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /locations", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("coordinates") != "52.520008,13.404954" || r.URL.Query().Get("radius") != "15000" {
			http.Error(w, "bad filter", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, locationsPage)
	})
	mux.HandleFunc("GET /locations/{id}/sensors", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "101":
			fmt.Fprint(w, sensors101)
		case "102":
			fmt.Fprint(w, sensors102)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("GET /sensors/{id}/hours", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.since = append(h.since, r.URL.Query().Get("datetime_from"))
		h.mu.Unlock()

		if r.PathValue("id") != "1001" {
			http.Error(w, "upstream unavailable", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, hours1001)
	})
	mux.HandleFunc("GET /parameters", func(w http.ResponseWriter, r *http.Request) {
		if gate != nil {
			<-gate
		}
		fmt.Fprint(w, parametersPage)
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != testAPIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := openaq.NewClient(openaq.ClientConfig{
		BaseURL:     srv.URL,
		APIKey:      testAPIKey,
		Workers:     2,
		BackoffUnit: time.Millisecond,
	}, srv.Client(), quietLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	wh, err := warehouse.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { wh.Close() })

	clock := &tickClock{t: time.Date(2025, 8, 22, 2, 0, 0, 0, time.UTC)}
	h.store = artifact.NewMemoryStore()
	h.store.SetClock(clock.Now)
	h.wh = wh
	h.history = store.NewMemoryStore(0)

	settings := Settings{Coordinates: "52.520008,13.404954", Radius: 15000, LookbackDays: 1}
	h.stages = NewStages(client, h.store, warehouse.NewLoader(h.store, wh, quietLogger()), settings, quietLogger())
	h.stages.SetClock(clock.Now)
	return h
}

func (h *harness) count(t *testing.T, tbl string) int {
	t.Helper()
	var n int
	if err := h.wh.DB().QueryRow("SELECT COUNT(*) FROM " + tbl).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", tbl, err)
	}
	return n
}

func (h *harness) keys(t *testing.T, prefix string) []string {
	t.Helper()
	keys, err := artifact.ListKeys(context.Background(), h.store, prefix)
	if err != nil {
		t.Fatalf("list %s: %v", prefix, err)
	}
	return keys
}

func TestDailyPipelineBootstrapsOverThreeRuns(t *testing.T) {
	h := newHarness(t, nil)
	svc := NewService(h.stages, h.history, quietLogger())
	ctx := context.Background()

	// First run: no sensor artifacts exist yet, so the sensor load is the
	// first stage with nothing to do.
	_, err := svc.Run(ctx, Daily)
	var serr *pipeline.StageError
	if !errors.As(err, &serr) || serr.Stage != "load-sensor" || !errors.Is(err, warehouse.ErrNoArtifact) {
		t.Fatalf("run 1: expected load-sensor to fail with ErrNoArtifact, got %v", err)
	}
	if n := h.count(t, "dim_location"); n != 2 {
		t.Fatalf("run 1: expected 2 locations, got %d", n)
	}

	// Second run: sensors exist now, measurements do not.
	_, err = svc.Run(ctx, Daily)
	if !errors.As(err, &serr) || serr.Stage != "load-measurements" {
		t.Fatalf("run 2: expected load-measurements to fail, got %v", err)
	}

	// Third run: the whole chain completes. Sensor 1002 fails upstream and
	// is skipped without failing the stage.
	rep, err := svc.Run(ctx, Daily)
	if err != nil {
		t.Fatalf("run 3: %v", err)
	}
	if rep.State != pipeline.Completed {
		t.Fatalf("run 3: expected completed, got %s", rep.State)
	}

	if n := h.count(t, "dim_sensor"); n != 2 {
		t.Fatalf("expected 2 sensors, got %d", n)
	}
	var loc int64
	if err := h.wh.DB().QueryRow(`SELECT location_id FROM dim_sensor WHERE openaq_sensor_id = 1002`).Scan(&loc); err != nil {
		t.Fatalf("query sensor: %v", err)
	}
	if loc != 102 {
		t.Fatalf("expected sensor 1002 at location 102, got %d", loc)
	}

	if n := h.count(t, "fact_measurements"); n != 2 {
		t.Fatalf("expected 2 measurements after dedup and null-key drop, got %d", n)
	}
	var (
		value  float64
		dateID int64
		locID  int64
	)
	row := h.wh.DB().QueryRow(`SELECT value, date_id, location_id FROM fact_measurements WHERE sensor_id = 1001 AND time_id = 0`)
	if err := row.Scan(&value, &dateID, &locID); err != nil {
		t.Fatalf("query fact: %v", err)
	}
	if value != 12.5 || dateID != 20250821 || locID != 101 {
		t.Fatalf("unexpected fact row value=%v date_id=%d location_id=%d", value, dateID, locID)
	}

	h.mu.Lock()
	since := append([]string(nil), h.since...)
	h.mu.Unlock()
	for _, s := range since {
		if s != "2025-08-21T00:00:00Z" {
			t.Fatalf("expected watermark 2025-08-21T00:00:00Z, got %q", s)
		}
	}
	if len(since) != 2 {
		t.Fatalf("expected one hours request per sensor, got %d", len(since))
	}

	if raw := h.keys(t, "raw/"); len(raw) != 0 {
		t.Fatalf("expected every raw file to be archived, left %v", raw)
	}
	if archived := h.keys(t, "archive/raw/"); len(archived) != 0 {
		t.Fatalf("archive must mirror the raw layout without nesting, got %v", archived)
	}
	if archived := h.keys(t, "archive/measurements/"); len(archived) != 1 {
		t.Fatalf("expected one archived measurement file, got %v", archived)
	}

	// Re-running with the same upstream data changes nothing in the fact.
	if _, err := svc.Run(ctx, Daily); err != nil {
		t.Fatalf("run 4: %v", err)
	}
	if n := h.count(t, "fact_measurements"); n != 2 {
		t.Fatalf("expected merge to be idempotent, got %d rows", n)
	}

	runs, err := svc.History(Daily, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	states := make([]pipeline.State, len(runs))
	for i, r := range runs {
		states[i] = r.State
	}
	want := []pipeline.State{pipeline.Failed, pipeline.Failed, pipeline.Completed, pipeline.Completed}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Fatalf("unexpected run states (-want +got):\n%s", diff)
	}
}

func TestWeeklyPipeline(t *testing.T) {
	h := newHarness(t, nil)
	svc := NewService(h.stages, h.history, quietLogger())

	if _, err := svc.Run(context.Background(), Weekly); err != nil {
		t.Fatalf("weekly run: %v", err)
	}
	if n := h.count(t, "dim_parameter"); n != 2 {
		t.Fatalf("expected 2 parameters, got %d", n)
	}
	var display string
	if err := h.wh.DB().QueryRow(`SELECT parameter_display_name FROM dim_parameter WHERE openaq_parameter_id = 5`).Scan(&display); err != nil {
		t.Fatalf("query parameter: %v", err)
	}
	if display != "NO₂" {
		t.Fatalf("unexpected display name %q", display)
	}

	latest, err := svc.Latest(Weekly)
	if err != nil || latest.State != pipeline.Completed {
		t.Fatalf("expected completed latest run, got %+v (%v)", latest, err)
	}
}

func TestExtractStagesSkipWithoutHandoff(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.stages.ExtractSensors(ctx); err != nil {
		t.Fatalf("extract sensors: %v", err)
	}
	if err := h.stages.ExtractMeasurements(ctx); err != nil {
		t.Fatalf("extract measurements: %v", err)
	}
	if raw := h.keys(t, "raw/"); len(raw) != 0 {
		t.Fatalf("expected nothing written, got %v", raw)
	}
}

func TestTransformSensorsRequiresLocationMap(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	key := artifact.NewKey(rawSensors, "sensors", "json", time.Date(2025, 8, 22, 2, 0, 0, 0, time.UTC))
	if err := h.store.Put(ctx, key, []byte(`[`+sensors101+`]`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	err := h.stages.TransformSensors(ctx)
	if !errors.Is(err, ErrMissingHandoff) {
		t.Fatalf("expected ErrMissingHandoff, got %v", err)
	}
	if raw := h.keys(t, "raw/"); len(raw) != 1 || raw[0] != key {
		t.Fatalf("raw file must stay in place on failure, got %v", raw)
	}
}

func TestTransformSkipsUnreadableRawFiles(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ts := time.Date(2025, 8, 22, 2, 0, 0, 0, time.UTC)

	bad := artifact.NewKey(rawParameters, "parameters", "json", ts)
	good := artifact.NewKey(rawParameters, "parameters", "json", ts.Add(time.Second))
	if err := h.store.Put(ctx, bad, []byte(`{"truncated`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := h.store.Put(ctx, good, []byte(`[`+parametersPage+`]`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := h.stages.TransformParameters(ctx); err != nil {
		t.Fatalf("transform: %v", err)
	}

	if raw := h.keys(t, "raw/"); len(raw) != 1 || raw[0] != bad {
		t.Fatalf("expected only the unreadable file to remain, got %v", raw)
	}

	key, ok, err := artifact.FindNewest(ctx, h.store, processedParameter, parametersPattern)
	if err != nil || !ok {
		t.Fatalf("expected processed parameters artifact, ok=%v err=%v", ok, err)
	}
	b, err := h.store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	tbl, _, err := table.DecodeParquet(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(parameterOptions.Columns, tbl.Columns); diff != "" {
		t.Fatalf("unexpected columns (-want +got):\n%s", diff)
	}
	if tbl.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", tbl.Len())
	}
}

func TestTransformWithNoRawFilesIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for _, fn := range []func(context.Context) error{
		h.stages.TransformLocations,
		h.stages.TransformSensors,
		h.stages.TransformMeasurements,
		h.stages.TransformParameters,
	} {
		if err := fn(ctx); err != nil {
			t.Fatalf("expected no-op, got %v", err)
		}
	}
	if keys := h.keys(t, "processed/"); len(keys) != 0 {
		t.Fatalf("expected no uploads, got %v", keys)
	}
}

func TestServiceRefusesOverlapAndUnknownPipelines(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, gate)
	svc := NewService(h.stages, h.history, quietLogger())
	ctx := context.Background()

	if _, err := svc.Run(ctx, "hourly"); !errors.Is(err, ErrUnknownPipeline) {
		t.Fatalf("expected ErrUnknownPipeline, got %v", err)
	}
	if _, err := svc.Latest("hourly"); !errors.Is(err, ErrUnknownPipeline) {
		t.Fatalf("expected ErrUnknownPipeline from Latest, got %v", err)
	}

	if err := svc.Start(ctx, Weekly); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !svc.Running(Weekly) {
		t.Fatalf("expected weekly to be running")
	}
	if _, err := svc.Run(ctx, Weekly); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := svc.Start(ctx, Weekly); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning from Start, got %v", err)
	}

	close(gate)
	svc.Wait()

	if svc.Running(Weekly) {
		t.Fatalf("expected weekly to have finished")
	}
	latest, err := svc.Latest(Weekly)
	if err != nil || latest.State != pipeline.Completed {
		t.Fatalf("expected completed background run, got %+v (%v)", latest, err)
	}
	if diff := cmp.Diff([]string{Daily, Weekly}, svc.Pipelines()); diff != "" {
		t.Fatalf("unexpected pipelines (-want +got):\n%s", diff)
	}
}
