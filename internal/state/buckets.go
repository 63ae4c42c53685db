package state

import (
	"errors"
	"strconv"
	"time"

	"github.com/zesk/ipban/internal/tailer"
)

// Standard bucket names
const (
	BucketTailer  = "tailer"  // tracked files per parser
	BucketMarkers = "markers" // daemon timestamps
)

// Marker keys
const (
	MarkerToxicFetch = "toxic_fetch"
	MarkerEventCull  = "event_cull"
	MarkerCacheClean = "ip_cache_clean"
	MarkerStarted    = "started"
)

// TailerBucket stores tailer positions keyed by parser name.
type TailerBucket struct {
	store  Store
	bucket string
}

// NewTailerBucket creates a new tailer bucket accessor.
func NewTailerBucket(store Store) (*TailerBucket, error) {
	if err := EnsureBucket(store, BucketTailer); err != nil {
		return nil, err
	}
	return &TailerBucket{store: store, bucket: BucketTailer}, nil
}

// Load returns the saved files for parser, or nil when none were saved.
func (b *TailerBucket) Load(parser string) ([]tailer.TrackedFile, error) {
	var files []tailer.TrackedFile
	if err := b.store.GetJSON(b.bucket, parser, &files); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return files, nil
}

// Save stores the files for parser.
func (b *TailerBucket) Save(parser string, files []tailer.TrackedFile) error {
	return b.store.SetJSON(b.bucket, parser, files)
}

// All returns the saved files of every parser.
func (b *TailerBucket) All() (map[string][]tailer.TrackedFile, error) {
	keys, err := b.store.ListKeys(b.bucket)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]tailer.TrackedFile, len(keys))
	for _, k := range keys {
		files, err := b.Load(k)
		if err != nil {
			return nil, err
		}
		out[k] = files
	}
	return out, nil
}

// Prune deletes the saved files of every parser not in keep and returns
// the names removed.
func (b *TailerBucket) Prune(keep []string) ([]string, error) {
	keys, err := b.store.ListKeys(b.bucket)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(keep))
	for _, k := range keep {
		wanted[k] = true
	}
	var removed []string
	for _, k := range keys {
		if wanted[k] {
			continue
		}
		if err := b.store.Delete(b.bucket, k); err != nil && !errors.Is(err, ErrNotFound) {
			return removed, err
		}
		removed = append(removed, k)
	}
	return removed, nil
}

// MarkerBucket stores named unix timestamps.
type MarkerBucket struct {
	store  Store
	bucket string
}

// NewMarkerBucket creates a new marker bucket accessor.
func NewMarkerBucket(store Store) (*MarkerBucket, error) {
	if err := EnsureBucket(store, BucketMarkers); err != nil {
		return nil, err
	}
	return &MarkerBucket{store: store, bucket: BucketMarkers}, nil
}

// Get returns the marker time, or the zero time when unset.
func (b *MarkerBucket) Get(name string) (time.Time, error) {
	data, err := b.store.Get(b.bucket, name)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.Unix(sec, 0), nil
}

// Set records t for name.
func (b *MarkerBucket) Set(name string, t time.Time) error {
	return b.store.Set(b.bucket, name, []byte(strconv.FormatInt(t.Unix(), 10)))
}

// Due reports whether at least every has passed since the marker, and
// records now when it has. An unset marker is always due.
func (b *MarkerBucket) Due(name string, now time.Time, every time.Duration) (bool, error) {
	last, err := b.Get(name)
	if err != nil {
		return false, err
	}
	if !last.IsZero() && now.Sub(last) < every {
		return false, nil
	}
	return true, b.Set(name, now)
}
