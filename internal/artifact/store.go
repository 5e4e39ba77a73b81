// Package artifact is the object-storage hand-off between pipeline stages.
//
// Stages never share a database of record. Every ID list, location map, raw
// page dump and processed table is written here under a date-partitioned key
// and the next stage resolves the current one with FindNewest.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/i474232898/clean-air-etl/internal/metrics"
)

const (
	RawPrefix     = "raw"
	ArchivePrefix = "archive"
)

var (
	// ErrNotFound is returned when no object exists under a key.
	ErrNotFound = errors.New("artifact not found")

	errNotRaw = errors.New("key is not under the raw prefix")
)

// Object describes one stored artifact.
type Object struct {
	Key          string
	LastModified time.Time
	Size         int64
}

// Store is the contract every artifact backend (S3, local directory, memory)
// must satisfy.
type Store interface {
	// Put writes or overwrites key.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns ErrNotFound when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Object, error)
	// Copy duplicates src to dst. src is left in place.
	Copy(ctx context.Context, src, dst string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// NewKey builds a date-partitioned key:
// {prefix}/{yyyy}/{mm}/{dd}/{name}_{yyyymmddHHMMSS}.{ext}.
// A trailing "_" on name is not doubled.
func NewKey(prefix, name, ext string, t time.Time) string {
	t = t.UTC()
	name = strings.TrimSuffix(name, "_")
	ext = strings.TrimPrefix(ext, ".")
	return fmt.Sprintf("%s/%s/%s_%s.%s",
		strings.TrimSuffix(prefix, "/"),
		t.Format("2006/01/02"),
		name,
		t.Format("20060102150405"),
		ext,
	)
}

// ListKeys returns the keys under prefix in lexicographic order, which for
// keys built by NewKey is also chronological within a logical name.
func ListKeys(ctx context.Context, s Store, prefix string) ([]string, error) {
	objs, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// FindNewest returns the most recently modified key under prefix that
// contains pattern. ok is false when nothing matches. Which key wins a tie
// on LastModified is unspecified.
//
// Nothing coordinates concurrent writers: a run that overlaps another can
// observe a stale or half-written artifact.
func FindNewest(ctx context.Context, s Store, prefix, pattern string) (key string, ok bool, err error) {
	objs, err := s.List(ctx, prefix)
	if err != nil {
		return "", false, err
	}
	var newest Object
	for _, o := range objs {
		if !strings.Contains(o.Key, pattern) {
			continue
		}
		if !ok || o.LastModified.After(newest.LastModified) {
			newest = o
			ok = true
		}
	}
	return newest.Key, ok, nil
}

// ArchiveKey maps raw/... to archive/... with the same relative path.
func ArchiveKey(key string) (string, error) {
	rest, found := strings.CutPrefix(key, RawPrefix+"/")
	if !found || rest == "" {
		return "", fmt.Errorf("%w: %s", errNotRaw, key)
	}
	return ArchivePrefix + "/" + rest, nil
}

// Archive moves a raw artifact under the archive prefix. The copy happens
// first: if it fails the original is untouched, if the delete fails the
// object exists in both places and the error is returned.
func Archive(ctx context.Context, s Store, key string) (string, error) {
	dst, err := ArchiveKey(key)
	if err != nil {
		metrics.CounterArtifactArchived.WithLabelValues("failed").Inc()
		return "", err
	}
	if err := s.Copy(ctx, key, dst); err != nil {
		metrics.CounterArtifactArchived.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("archive %s: copy: %w", key, err)
	}
	if err := s.Delete(ctx, key); err != nil {
		metrics.CounterArtifactArchived.WithLabelValues("failed").Inc()
		return dst, fmt.Errorf("archive %s: delete original: %w", key, err)
	}
	metrics.CounterArtifactArchived.WithLabelValues("ok").Inc()
	return dst, nil
}

// PutJSON marshals v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Put(ctx, key, b)
}

// GetJSON loads key and unmarshals it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
