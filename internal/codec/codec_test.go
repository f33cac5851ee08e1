package codec

import (
	"testing"

	errs "github.com/pointsink/pointsink/internal/errors"
	"github.com/pointsink/pointsink/internal/types"
)

func floatPtr(v float64) *float64 { return &v }

func testScan() *types.Scan {
	return &types.Scan{
		ScanID:      "scan-001",
		SessionID:   "session-abc",
		DeviceID:    "device-42",
		TimestampMs: 1700000000123,
		Points: []types.Point{
			{X: 1.5, Y: -2.25, Z: 0.125, Intensity: floatPtr(0.8)},
			{X: 0, Y: 0, Z: 0},
			{X: -100.5, Y: 200.75, Z: 3000, Intensity: floatPtr(0)},
		},
		Metadata: map[string]string{
			"sensor":   "lidar-x9",
			"firmware": "2.3.1",
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	orig := testScan()

	data, err := EncodeScan(orig)
	if err != nil {
		t.Fatalf("EncodeScan failed: %v", err)
	}

	got, err := DecodeScan(data)
	if err != nil {
		t.Fatalf("DecodeScan failed: %v", err)
	}

	if got.ScanID != orig.ScanID || got.SessionID != orig.SessionID || got.DeviceID != orig.DeviceID {
		t.Errorf("identifier mismatch: got %+v", got)
	}
	if got.TimestampMs != orig.TimestampMs {
		t.Errorf("timestamp = %d, want %d", got.TimestampMs, orig.TimestampMs)
	}
	if len(got.Points) != len(orig.Points) {
		t.Fatalf("point count = %d, want %d", len(got.Points), len(orig.Points))
	}
	for i, p := range got.Points {
		want := orig.Points[i]
		if p.X != want.X || p.Y != want.Y || p.Z != want.Z {
			t.Errorf("point %d coords = %+v, want %+v", i, p, want)
		}
		if (p.Intensity == nil) != (want.Intensity == nil) {
			t.Errorf("point %d intensity presence mismatch", i)
		} else if p.Intensity != nil && *p.Intensity != *want.Intensity {
			t.Errorf("point %d intensity = %v, want %v", i, *p.Intensity, *want.Intensity)
		}
	}
	if len(got.Metadata) != len(orig.Metadata) {
		t.Fatalf("metadata count = %d, want %d", len(got.Metadata), len(orig.Metadata))
	}
	for k, v := range orig.Metadata {
		if got.Metadata[k] != v {
			t.Errorf("metadata[%q] = %q, want %q", k, got.Metadata[k], v)
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	// Multi-entry metadata exercises the sorted pair order; map iteration
	// alone would vary between encodings.
	s := testScan()
	s.Metadata = map[string]string{
		"sensor":   "lidar-x9",
		"firmware": "2.3.1",
		"operator": "field-7",
		"site":     "quarry-north",
	}

	a, err := EncodeScan(s)
	if err != nil {
		t.Fatalf("EncodeScan failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		b, err := EncodeScan(s)
		if err != nil {
			t.Fatalf("EncodeScan failed: %v", err)
		}
		if string(a) != string(b) {
			t.Fatal("encoding the same scan twice produced different bytes")
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	data, err := EncodeScan(testScan())
	if err != nil {
		t.Fatalf("EncodeScan failed: %v", err)
	}

	// Every proper prefix must fail cleanly, never panic.
	for i := 0; i < len(data); i++ {
		if _, err := DecodeScan(data[:i]); err == nil {
			t.Errorf("DecodeScan accepted truncation at %d bytes", i)
		} else if !errs.Is(err, errs.ErrDecode) {
			t.Errorf("truncation at %d: error does not wrap ErrDecode: %v", i, err)
		}
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	data, err := EncodeScan(testScan())
	if err != nil {
		t.Fatalf("EncodeScan failed: %v", err)
	}

	if _, err := DecodeScan(append(data, 0xFF)); !errs.Is(err, errs.ErrDecode) {
		t.Errorf("expected ErrDecode for trailing bytes, got %v", err)
	}
}

func TestDecodeBadVersion(t *testing.T) {
	data, err := EncodeScan(testScan())
	if err != nil {
		t.Fatalf("EncodeScan failed: %v", err)
	}
	data[0] = 99

	if _, err := DecodeScan(data); !errs.Is(err, errs.ErrDecode) {
		t.Errorf("expected ErrDecode for bad version, got %v", err)
	}
}

func TestDecodeOversizedPointCount(t *testing.T) {
	s := &types.Scan{ScanID: "s", SessionID: "s", DeviceID: "d", TimestampMs: 1, Points: []types.Point{{X: 1}}}
	data, err := EncodeScan(s)
	if err != nil {
		t.Fatalf("EncodeScan failed: %v", err)
	}

	// Point count sits 4 bytes before the first point's 25 bytes.
	countOffset := len(data) - 25 - 4
	data[countOffset] = 0xFF
	data[countOffset+1] = 0xFF
	data[countOffset+2] = 0xFF
	data[countOffset+3] = 0x7F

	if _, err := DecodeScan(data); !errs.Is(err, errs.ErrDecode) {
		t.Errorf("expected ErrDecode for oversized point count, got %v", err)
	}
}

func TestDecodeEmptyFrame(t *testing.T) {
	if _, err := DecodeScan(nil); !errs.Is(err, errs.ErrDecode) {
		t.Errorf("expected ErrDecode for empty frame, got %v", err)
	}
}
