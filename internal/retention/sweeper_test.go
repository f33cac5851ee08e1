package retention

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pointsink/pointsink/internal/types"
)

// fakeMeta serves a fixed set of scan rows.
type fakeMeta struct {
	mu    sync.Mutex
	scans []types.ScanMetadata
}

func (f *fakeMeta) GetScansByTimeRange(ctx context.Context, startMs, endMs int64) ([]types.ScanMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.ScanMetadata
	for _, md := range f.scans {
		if md.TimestampMs >= startMs && md.TimestampMs < endMs {
			out = append(out, md)
		}
	}
	return out, nil
}

func (f *fakeMeta) DeleteOlderThan(ctx context.Context, cutoffMs int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []types.ScanMetadata
	var deleted int64
	for _, md := range f.scans {
		if md.TimestampMs < cutoffMs {
			deleted++
			continue
		}
		kept = append(kept, md)
	}
	f.scans = kept
	return deleted, nil
}

// fakeBlobs records removals and can fail specific paths.
type fakeBlobs struct {
	mu       sync.Mutex
	removed  []string
	failPath string
}

func (f *fakeBlobs) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if path == f.failPath {
		return fmt.Errorf("permission denied")
	}
	f.removed = append(f.removed, path)
	return nil
}

func mdAt(id string, age time.Duration, size int64) types.ScanMetadata {
	return types.ScanMetadata{
		ScanID:      id,
		SessionID:   "sess-1",
		DeviceID:    "device-1",
		TimestampMs: time.Now().Add(-age).UnixMilli(),
		BlobPath:    "blobs/" + id + ".scan",
		SizeBytes:   size,
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	meta := &fakeMeta{scans: []types.ScanMetadata{
		mdAt("old-1", 48*time.Hour, 100),
		mdAt("old-2", 25*time.Hour, 200),
		mdAt("fresh", 1*time.Hour, 300),
	}}
	blobs := &fakeBlobs{}

	s := New(Config{MaxAge: 24 * time.Hour, Interval: time.Hour}, meta, blobs)
	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	if res.RowsDeleted != 2 || res.BlobsRemoved != 2 {
		t.Errorf("result = %+v, want 2 rows and 2 blobs", res)
	}
	if res.BytesFreed != 300 {
		t.Errorf("BytesFreed = %d, want 300", res.BytesFreed)
	}
	if len(meta.scans) != 1 || meta.scans[0].ScanID != "fresh" {
		t.Errorf("surviving scans = %+v", meta.scans)
	}
}

func TestSweepBlobFailureContinues(t *testing.T) {
	meta := &fakeMeta{scans: []types.ScanMetadata{
		mdAt("old-1", 48*time.Hour, 100),
		mdAt("old-2", 48*time.Hour, 200),
	}}
	blobs := &fakeBlobs{failPath: "blobs/old-1.scan"}

	s := New(Config{MaxAge: 24 * time.Hour, Interval: time.Hour}, meta, blobs)
	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	if res.BlobErrors != 1 || res.BlobsRemoved != 1 {
		t.Errorf("result = %+v, want 1 error and 1 removal", res)
	}
	// Metadata deletion proceeds regardless; the stuck blob will be
	// unreferenced but the rows must not pile up.
	if res.RowsDeleted != 2 {
		t.Errorf("RowsDeleted = %d, want 2", res.RowsDeleted)
	}
}

func TestSweepNothingExpired(t *testing.T) {
	meta := &fakeMeta{scans: []types.ScanMetadata{
		mdAt("fresh", time.Minute, 100),
	}}
	blobs := &fakeBlobs{}

	s := New(Config{MaxAge: 24 * time.Hour, Interval: time.Hour}, meta, blobs)
	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.RowsDeleted != 0 || res.BlobsRemoved != 0 || res.BlobErrors != 0 {
		t.Errorf("result = %+v, want empty sweep", res)
	}
}

func TestDryRun(t *testing.T) {
	meta := &fakeMeta{scans: []types.ScanMetadata{
		mdAt("old-1", 48*time.Hour, 100),
	}}
	blobs := &fakeBlobs{}

	s := New(Config{MaxAge: 24 * time.Hour, Interval: time.Hour, DryRun: true}, meta, blobs)
	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	if !res.DryRun || res.RowsDeleted != 1 || res.BytesFreed != 100 {
		t.Errorf("result = %+v", res)
	}
	if len(blobs.removed) != 0 {
		t.Error("dry run removed blobs")
	}
	if len(meta.scans) != 1 {
		t.Error("dry run deleted rows")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	meta := &fakeMeta{}
	blobs := &fakeBlobs{}
	s := New(Config{MaxAge: time.Hour, Interval: 10 * time.Millisecond}, meta, blobs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if st := s.Stats(); st.Sweeps < 1 {
		t.Errorf("Sweeps = %d, want >= 1", st.Sweeps)
	}
}
