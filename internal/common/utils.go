package common

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// NewLogger builds the process logger. format is "json" or "text".
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// Watermark returns midnight UTC, days before now.
func Watermark(now time.Time, days int) time.Time {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, -days)
}

// FormatWatermark renders t the way the API expects for datetime_from.
func FormatWatermark(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// DateID returns t as YYYYMMDD in UTC.
func DateID(t time.Time) int64 {
	t = t.UTC()
	return int64(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

// TimeID returns t as HHMMSS in UTC.
func TimeID(t time.Time) int64 {
	t = t.UTC()
	return int64(t.Hour()*10000 + t.Minute()*100 + t.Second())
}
