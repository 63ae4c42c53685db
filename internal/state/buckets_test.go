package state

import (
	"testing"
	"time"

	"github.com/zesk/ipban/internal/tailer"
)

func TestTailerBucket(t *testing.T) {
	store, err := NewSQLiteStore(DefaultOptions(":memory:"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	bucket, err := NewTailerBucket(store)
	if err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}

	files, err := bucket.Load("nginx")
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if files != nil {
		t.Errorf("expected nil, got %v", files)
	}

	saved := []tailer.TrackedFile{
		{Name: "/var/log/nginx/access.log", MTime: 100, Size: 2048, Offset: 1024, Created: 50, Checked: 90},
		{Name: "/var/log/nginx/error.log", MTime: 100, Size: 10, Offset: 10, Done: true},
	}
	if err := bucket.Save("nginx", saved); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := bucket.Save("sshd", saved[:1]); err != nil {
		t.Fatalf("save: %v", err)
	}

	files, err = bucket.Load("nginx")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 || files[0] != saved[0] || files[1] != saved[1] {
		t.Errorf("round trip mismatch: %+v", files)
	}

	all, err := bucket.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 || len(all["sshd"]) != 1 {
		t.Errorf("unexpected parsers: %+v", all)
	}

	// A second accessor on the same store is fine
	if _, err := NewTailerBucket(store); err != nil {
		t.Errorf("second accessor: %v", err)
	}
}

func TestMarkerBucket(t *testing.T) {
	store, _ := NewSQLiteStore(DefaultOptions(":memory:"))
	defer store.Close()

	markers, err := NewMarkerBucket(store)
	if err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}

	last, err := markers.Get(MarkerToxicFetch)
	if err != nil || !last.IsZero() {
		t.Fatalf("expected zero time, got %v %v", last, err)
	}

	now := time.Unix(1_700_000_000, 0)
	due, err := markers.Due(MarkerEventCull, now, time.Hour)
	if err != nil || !due {
		t.Fatalf("unset marker should be due: %v %v", due, err)
	}

	due, _ = markers.Due(MarkerEventCull, now.Add(30*time.Minute), time.Hour)
	if due {
		t.Error("marker should not be due within the interval")
	}

	due, _ = markers.Due(MarkerEventCull, now.Add(time.Hour), time.Hour)
	if !due {
		t.Error("marker should be due after the interval")
	}

	got, _ := markers.Get(MarkerEventCull)
	if !got.Equal(now.Add(time.Hour)) {
		t.Errorf("expected %v, got %v", now.Add(time.Hour), got)
	}
}

func TestTailerBucket_Prune(t *testing.T) {
	store, _ := NewSQLiteStore(DefaultOptions(":memory:"))
	defer store.Close()

	bucket, err := NewTailerBucket(store)
	if err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}
	for _, name := range []string{"nginx", "sshd", "postfix"} {
		if err := bucket.Save(name, []tailer.TrackedFile{{Name: "/var/log/" + name}}); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}

	removed, err := bucket.Prune([]string{"nginx", "apache"})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 2 || removed[0] != "postfix" || removed[1] != "sshd" {
		t.Errorf("removed = %v, want [postfix sshd]", removed)
	}
	all, _ := bucket.All()
	if len(all) != 1 || all["nginx"] == nil {
		t.Errorf("remaining = %+v, want nginx only", all)
	}
}
