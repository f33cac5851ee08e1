package blob

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pointsink/pointsink/internal/types"
)

func testScan(id string) *types.Scan {
	return &types.Scan{
		ScanID:    id,
		SessionID: "session-1",
		DeviceID:  "device-1",
		// 2023-11-14T22:13:20.000Z
		TimestampMs: 1700000000000,
		Points:      []types.Point{{X: 1, Y: 2, Z: 3}},
	}
}

func TestWriteLayout(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res, err := s.Write(testScan("scan-1"))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	want := filepath.Join("2023", "11", "14", "22", "scan-1.scan")
	if res.Path != want {
		t.Errorf("Path = %q, want %q", res.Path, want)
	}

	info, err := os.Stat(filepath.Join(s.Root(), res.Path))
	if err != nil {
		t.Fatalf("stat blob: %v", err)
	}
	if info.Size() != res.SizeBytes {
		t.Errorf("SizeBytes = %d, file is %d", res.SizeBytes, info.Size())
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	orig := testScan("scan-rt")
	res, err := s.Write(orig)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := s.Read(res.Path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.ScanID != orig.ScanID || got.TimestampMs != orig.TimestampMs || len(got.Points) != 1 {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestOverwriteIsSuccess(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	first, err := s.Write(testScan("scan-dup"))
	if err != nil {
		t.Fatalf("first Write failed: %v", err)
	}
	second, err := s.Write(testScan("scan-dup"))
	if err != nil {
		t.Fatalf("second Write failed: %v", err)
	}
	if first.Path != second.Path || first.SizeBytes != second.SizeBytes {
		t.Errorf("overwrite changed result: %+v vs %+v", first, second)
	}
}

func TestRemove(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res, err := s.Write(testScan("scan-rm"))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := s.Remove(res.Path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), res.Path)); !os.IsNotExist(err) {
		t.Error("blob still exists after Remove")
	}

	// Removing again is not an error.
	if err := s.Remove(res.Path); err != nil {
		t.Errorf("second Remove failed: %v", err)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for _, p := range []string{"../outside.scan", "/etc/passwd", "a/../../b"} {
		if err := s.Remove(p); err == nil {
			t.Errorf("Remove(%q) should be rejected", p)
		}
		if _, err := s.Read(p); err == nil {
			t.Errorf("Read(%q) should be rejected", p)
		}
	}
}
