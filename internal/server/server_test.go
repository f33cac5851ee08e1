package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pointsink/pointsink/internal/auth"
	"github.com/pointsink/pointsink/internal/blob"
	"github.com/pointsink/pointsink/internal/client"
	"github.com/pointsink/pointsink/internal/ingest"
	"github.com/pointsink/pointsink/internal/metastore"
	"github.com/pointsink/pointsink/internal/queue"
	"github.com/pointsink/pointsink/internal/registry"
	"github.com/pointsink/pointsink/internal/types"
)

const testAPIKey = "test-secret"

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	blobs  *blob.Store
	meta   *metastore.Store
	queue  *queue.Queue
	ingest *ingest.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	blobs, err := blob.New(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	meta, err := metastore.New(metastore.DefaultConfig())
	if err != nil {
		t.Fatalf("metastore: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	q := queue.New(100, 1<<30)
	reg := registry.New()

	srv := New("127.0.0.1:0", Options{
		Gate:     auth.NewGate(testAPIKey),
		Registry: reg,
		Queue:    q,
		Meta:     meta,
	})

	ing, err := ingest.New(ingest.Config{IdleSleep: time.Millisecond}, q, blobs, meta, srv.RouteResult)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	srv.opts.Ingest = ing
	if err := ing.Start(); err != nil {
		t.Fatalf("start ingest: %v", err)
	}
	t.Cleanup(func() { ing.Stop() })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, http: ts, blobs: blobs, meta: meta, queue: q, ingest: ing}
}

func (e *testEnv) dial(t *testing.T, deviceID string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, welcome, err := client.Dial(ctx, client.Options{
		URL:      e.http.URL,
		APIKey:   testAPIKey,
		DeviceID: deviceID,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if welcome.DeviceID != deviceID {
		t.Fatalf("welcome device = %q, want %q", welcome.DeviceID, deviceID)
	}
	if welcome.ServerTime <= 0 {
		t.Fatal("welcome has no server time")
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testScan(id string) *types.Scan {
	return &types.Scan{
		ScanID:      id,
		SessionID:   "sess-1",
		TimestampMs: 1700000000000,
		Points:      []types.Point{{X: 1, Y: 2, Z: 3}},
	}
}

func TestAuthRejectedBeforeUpgrade(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name       string
		url        string
		wantReason string
	}{
		{"no credentials", "/ws", "missing_api_key"},
		{"wrong key", "/ws?apiKey=nope&deviceId=d1", "invalid_api_key"},
		{"no device", "/ws?apiKey=" + testAPIKey, "missing_device_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(e.http.URL + tt.url)
			if err != nil {
				t.Fatalf("GET failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
			body, _ := io.ReadAll(resp.Body)
			if got := string(body); got != tt.wantReason+"\n" {
				t.Errorf("body = %q, want %q", got, tt.wantReason)
			}
		})
	}
}

func TestIngestEndToEnd(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t, "device-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.SendScan(ctx, testScan("scan-e2e")); err != nil {
		t.Fatalf("send scan: %v", err)
	}

	ack, err := c.NextScanAck(ctx)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.ScanID != "scan-e2e" || !ack.Stored {
		t.Fatalf("ack = %+v, want stored scan-e2e", ack)
	}
	if ack.Received <= 0 {
		t.Error("ack has no received timestamp")
	}

	// Metadata row exists with the connection's device id back-filled.
	md, err := e.meta.GetScan(context.Background(), "scan-e2e")
	if err != nil {
		t.Fatalf("metastore row missing: %v", err)
	}
	if md.DeviceID != "device-1" {
		t.Errorf("device_id = %q, want device-1", md.DeviceID)
	}

	// The blob file exists at the recorded path.
	if _, err := os.Stat(filepath.Join(e.blobs.Root(), md.BlobPath)); err != nil {
		t.Errorf("blob missing at %s: %v", md.BlobPath, err)
	}

	// And the session aggregate was created.
	agg, err := e.meta.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("session missing: %v", err)
	}
	if agg.ScanCount != 1 {
		t.Errorf("ScanCount = %d, want 1", agg.ScanCount)
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t, "device-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.SendRaw(ctx, []byte{0xDE, 0xAD}); err != nil {
		t.Fatalf("send raw: %v", err)
	}

	env, err := c.NextEnvelope(ctx)
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	if env.Type != "error" || env.Error == "" {
		t.Fatalf("envelope = %+v, want error", env)
	}

	// The same connection still ingests.
	if err := c.SendScan(ctx, testScan("scan-after-err")); err != nil {
		t.Fatalf("send scan: %v", err)
	}
	ack, err := c.NextScanAck(ctx)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if !ack.Stored {
		t.Errorf("ack = %+v, want stored", ack)
	}
}

func TestValidationFailureAcksNotStored(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t, "device-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bad := testScan("scan-empty")
	bad.Points = nil
	if err := c.SendScan(ctx, bad); err != nil {
		t.Fatalf("send scan: %v", err)
	}

	ack, err := c.NextScanAck(ctx)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.ScanID != "scan-empty" || ack.Stored {
		t.Fatalf("ack = %+v, want not stored", ack)
	}

	// Nothing was persisted.
	if _, err := e.meta.GetScan(context.Background(), "scan-empty"); err == nil {
		t.Error("rejected scan reached the metastore")
	}
}

func TestDeviceMismatchRejected(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t, "device-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	scan := testScan("scan-spoof")
	scan.DeviceID = "device-other"
	if err := c.SendScan(ctx, scan); err != nil {
		t.Fatalf("send scan: %v", err)
	}

	ack, err := c.NextScanAck(ctx)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Stored {
		t.Error("spoofed device id was accepted")
	}
}

func TestDuplicateScanNotStoredTwice(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t, "device-1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.SendScan(ctx, testScan("scan-dup")); err != nil {
		t.Fatalf("send scan: %v", err)
	}
	first, err := c.NextScanAck(ctx)
	if err != nil || !first.Stored {
		t.Fatalf("first ack = %+v, %v", first, err)
	}

	if err := c.SendScan(ctx, testScan("scan-dup")); err != nil {
		t.Fatalf("resend scan: %v", err)
	}
	second, err := c.NextScanAck(ctx)
	if err != nil {
		t.Fatalf("second ack: %v", err)
	}
	if second.Stored {
		t.Error("duplicate scan reported stored")
	}
}

func TestSupersededConnectionClosed(t *testing.T) {
	e := newTestEnv(t)
	first := e.dial(t, "device-1")
	second := e.dial(t, "device-1")

	if !first.WaitClosed(2 * time.Second) {
		t.Fatal("superseded connection was not closed")
	}

	// The winner still works.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := second.SendScan(ctx, testScan("scan-winner")); err != nil {
		t.Fatalf("send on winner: %v", err)
	}
	ack, err := second.NextScanAck(ctx)
	if err != nil || !ack.Stored {
		t.Fatalf("winner ack = %+v, %v", ack, err)
	}
}

func TestReadAPI(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t, "device-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.SendScan(ctx, testScan("scan-api")); err != nil {
		t.Fatalf("send scan: %v", err)
	}
	if ack, err := c.NextScanAck(ctx); err != nil || !ack.Stored {
		t.Fatalf("ack = %+v, %v", ack, err)
	}

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(e.http.URL + "/healthz")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("session scans", func(t *testing.T) {
		resp, err := http.Get(e.http.URL + "/api/sessions/sess-1/scans")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		var body struct {
			Scans []types.ScanMetadata `json:"scans"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if len(body.Scans) != 1 || body.Scans[0].ScanID != "scan-api" {
			t.Errorf("scans = %+v", body.Scans)
		}
	})

	t.Run("session not found", func(t *testing.T) {
		resp, err := http.Get(e.http.URL + "/api/sessions/unknown")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("connections", func(t *testing.T) {
		resp, err := http.Get(e.http.URL + "/api/connections")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		var body struct {
			Connections []registry.Record `json:"connections"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if len(body.Connections) != 1 || body.Connections[0].DeviceID != "device-1" {
			t.Errorf("connections = %+v", body.Connections)
		}
	})

	t.Run("stats", func(t *testing.T) {
		resp, err := http.Get(e.http.URL + "/api/stats")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})
}
