package etl

import (
	"github.com/i474232898/clean-air-etl/internal/table"
	"github.com/i474232898/clean-air-etl/internal/warehouse"
)

// Artifact prefixes. Raw prefixes sit under artifact.RawPrefix so that the
// archive step can mirror them under artifact.ArchivePrefix.
const (
	rawLocations    = "raw/locations"
	rawSensors      = "raw/sensors"
	rawMeasurements = "raw/measurements"
	rawParameters   = "raw/parameters"

	processedLocation    = "processed/dim_location"
	processedSensor      = "processed/dim_sensor"
	processedMeasurement = "processed/fact_measurements"
	processedParameter   = "processed/dim_parameter"
)

// Artifact names, also used as FindNewest patterns.
const (
	locationIDListName      = "location_id_list_"
	sensorIDListName        = "sensor_id_list_"
	sensorToLocationMapName = "sensor_to_location_map"

	locationsPattern    = "/locations_"
	sensorsPattern      = "/sensors_"
	measurementsPattern = "/measurements_"
	parametersPattern   = "/parameters_"
)

var locationOptions = table.Options{
	Rename: map[string]string{
		"id":                    "openaq_location_id",
		"name":                  "location_name",
		"coordinates_latitude":  "location_latitude",
		"coordinates_longitude": "location_longitude",
	},
	DedupKeys: []string{"openaq_location_id"},
	Columns: []string{
		"openaq_location_id", "location_name", "locality", "country_code",
		"location_latitude", "location_longitude", "timezone", table.DefaultIngestColumn,
	},
	Schema: table.Schema{
		"openaq_location_id":      table.Int64,
		"location_name":           table.String,
		"locality":                table.String,
		"country_code":            table.String,
		"location_latitude":       table.Float64,
		"location_longitude":      table.Float64,
		"timezone":                table.String,
		table.DefaultIngestColumn: table.Timestamp,
	},
}

var sensorOptions = table.Options{
	Rename: map[string]string{
		"id":   "openaq_sensor_id",
		"name": "sensor_name",
	},
	DedupKeys: []string{"openaq_sensor_id"},
	Columns: []string{
		"openaq_sensor_id", "sensor_name", "parameter_id", "location_id", table.DefaultIngestColumn,
	},
	Schema: table.Schema{
		"openaq_sensor_id":        table.Int64,
		"sensor_name":             table.String,
		"parameter_id":            table.Int64,
		"location_id":             table.Int64,
		table.DefaultIngestColumn: table.Timestamp,
	},
}

var measurementOptions = table.Options{
	Rename: map[string]string{
		"period_datetimeFrom_utc": "utc_timestamp",
	},
	DedupKeys: []string{"sensor_id", "utc_timestamp", "parameter_id"},
	Columns: []string{
		"date_id", "time_id", "location_id", "sensor_id", "parameter_id",
		"utc_timestamp", "value", table.DefaultIngestColumn,
	},
	Schema: table.Schema{
		"date_id":                 table.Int64,
		"time_id":                 table.Int64,
		"location_id":             table.Int64,
		"sensor_id":               table.Int64,
		"parameter_id":            table.Int64,
		"utc_timestamp":           table.Timestamp,
		"value":                   table.Float64,
		table.DefaultIngestColumn: table.Timestamp,
	},
}

var parameterOptions = table.Options{
	Rename: map[string]string{
		"id":          "openaq_parameter_id",
		"name":        "parameter_name",
		"displayName": "parameter_display_name",
		"units":       "parameter_unit",
	},
	DedupKeys: []string{"openaq_parameter_id"},
	Columns: []string{
		"openaq_parameter_id", "parameter_name", "parameter_display_name", "parameter_unit",
		table.DefaultIngestColumn,
	},
	Schema: table.Schema{
		"openaq_parameter_id":     table.Int64,
		"parameter_name":          table.String,
		"parameter_display_name":  table.String,
		"parameter_unit":          table.String,
		table.DefaultIngestColumn: table.Timestamp,
	},
}

// Warehouse tables, in load order.
var (
	DimLocation = warehouse.TableSpec{
		Name:    "dim_location",
		Prefix:  processedLocation,
		Pattern: locationsPattern,
		Columns: []warehouse.Column{
			{Name: "openaq_location_id", Type: table.Int64},
			{Name: "location_name", Type: table.String},
			{Name: "locality", Type: table.String},
			{Name: "country_code", Type: table.String},
			{Name: "location_latitude", Type: table.Float64},
			{Name: "location_longitude", Type: table.Float64},
			{Name: "timezone", Type: table.String},
			{Name: "ingest_ts", Type: table.Timestamp},
		},
		Key: []string{"openaq_location_id"},
	}

	DimSensor = warehouse.TableSpec{
		Name:    "dim_sensor",
		Prefix:  processedSensor,
		Pattern: sensorsPattern,
		Columns: []warehouse.Column{
			{Name: "openaq_sensor_id", Type: table.Int64},
			{Name: "sensor_name", Type: table.String},
			{Name: "parameter_id", Type: table.Int64},
			{Name: "location_id", Type: table.Int64},
			{Name: "ingest_ts", Type: table.Timestamp},
		},
		Key: []string{"openaq_sensor_id"},
	}

	DimParameter = warehouse.TableSpec{
		Name:    "dim_parameter",
		Prefix:  processedParameter,
		Pattern: parametersPattern,
		Columns: []warehouse.Column{
			{Name: "openaq_parameter_id", Type: table.Int64},
			{Name: "parameter_name", Type: table.String},
			{Name: "parameter_display_name", Type: table.String},
			{Name: "parameter_unit", Type: table.String},
			{Name: "ingest_ts", Type: table.Timestamp},
		},
		Key: []string{"openaq_parameter_id"},
	}

	FactMeasurements = warehouse.TableSpec{
		Name:    "fact_measurements",
		Prefix:  processedMeasurement,
		Pattern: measurementsPattern,
		Columns: []warehouse.Column{
			{Name: "date_id", Type: table.Int64},
			{Name: "time_id", Type: table.Int64},
			{Name: "location_id", Type: table.Int64},
			{Name: "sensor_id", Type: table.Int64},
			{Name: "parameter_id", Type: table.Int64},
			{Name: "timestamp_utc", Type: table.Timestamp, Source: "utc_timestamp"},
			{Name: "value", Type: table.Float64},
			{Name: "ingest_ts", Type: table.Timestamp},
		},
		Key:    []string{"sensor_id", "parameter_id", "timestamp_utc", "location_id"},
		Update: []string{"value"},
	}
)

// Tables lists every warehouse table.
func Tables() []warehouse.TableSpec {
	return []warehouse.TableSpec{DimLocation, DimSensor, DimParameter, FactMeasurements}
}
