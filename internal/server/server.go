// Package server is the HTTP and websocket frontend of pointsink.
//
// Devices connect to /ws, authenticate before the upgrade, and stream binary
// scan frames. Everything the server sends back is a JSON envelope. A small
// read API over the metastore and registry lives under /api.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/pointsink/pointsink/config"
	"github.com/pointsink/pointsink/internal/auth"
	"github.com/pointsink/pointsink/internal/codec"
	errs "github.com/pointsink/pointsink/internal/errors"
	"github.com/pointsink/pointsink/internal/ingest"
	"github.com/pointsink/pointsink/internal/logging"
	"github.com/pointsink/pointsink/internal/metastore"
	"github.com/pointsink/pointsink/internal/metrics"
	"github.com/pointsink/pointsink/internal/protocol"
	"github.com/pointsink/pointsink/internal/queue"
	"github.com/pointsink/pointsink/internal/registry"
	"github.com/pointsink/pointsink/internal/retention"
	"github.com/pointsink/pointsink/internal/validation"
)

// Options wires the server to the rest of the pipeline.
type Options struct {
	Gate     *auth.Gate
	Registry *registry.Registry
	Queue    *queue.Queue
	Meta     *metastore.Store

	// Optional surfaces.
	Metrics *metrics.Metrics
	Ingest  *ingest.Service
	Sweeper *retention.Sweeper

	MaxFrameBytes        int64
	CompressionThreshold int
	SendBufferSize       int
	WriteTimeout         time.Duration
}

// Server serves the device websocket and the read API.
type Server struct {
	log  *slog.Logger
	opts Options

	listen  string
	httpSrv *http.Server
}

// New creates a server listening on addr when Run is called.
func New(addr string, opts Options) *Server {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = config.DefaultMaxFrameBytes
	}
	if opts.CompressionThreshold <= 0 {
		opts.CompressionThreshold = config.DefaultCompressionThreshold
	}
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = config.DefaultSendBufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = config.DefaultWriteTimeout
	}

	return &Server{
		log:    logging.Component("server"),
		opts:   opts,
		listen: addr,
	}
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/sessions/{id}/scans", s.handleSessionScans)
	mux.HandleFunc("GET /api/scans", s.handleScansByRange)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/connections", s.handleConnections)
	return mux
}

// Run serves until ctx is canceled, then shuts down gracefully. Open device
// connections are closed by the shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.listen,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.listen)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// RouteResult delivers a drain result to the producing device as a scan ack.
// Wire it into the ingest result callback. A disconnected device simply
// misses the ack; the scan's fate is unchanged.
func (s *Server) RouteResult(res ingest.Result) {
	env, err := protocol.NewAck(protocol.ScanAck{
		ScanID:   res.ScanID,
		Received: res.ReceivedMs,
		Stored:   res.Stored,
	})
	if err != nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if !s.opts.Registry.Send(res.DeviceID, data) {
		s.log.Debug("ack dropped, device not reachable",
			"device_id", res.DeviceID, "scan_id", res.ScanID)
	}
}

// =============================================================================
// Websocket Ingestion
// =============================================================================

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	creds := auth.CredentialsFromRequest(r)
	deviceID, err := s.opts.Gate.Authenticate(creds)
	if err != nil {
		s.log.Info("connection rejected",
			"reason", errs.AuthReason(err), "remote", r.RemoteAddr)
		http.Error(w, errs.AuthReason(err), http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode:      websocket.CompressionContextTakeover,
		CompressionThreshold: s.opts.CompressionThreshold,
	})
	if err != nil {
		s.log.Error("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(s.opts.MaxFrameBytes)

	c := newConn(ws, s.opts.SendBufferSize)
	connID, replaced := s.opts.Registry.Register(deviceID, c)

	ctx, cancel := context.WithCancel(r.Context())
	ctx = logging.ContextWithDeviceID(ctx, deviceID)
	ctx = logging.ContextWithConnID(ctx, connID)
	log := logging.WithContext(ctx).With("component", "server")

	if replaced {
		log.Info("superseded previous connection")
	}
	log.Info("device connected", "remote", r.RemoteAddr)

	shutdown := func() {
		s.opts.Registry.Unregister(deviceID, connID)
		c.Close()
		cancel()
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.Done():
				return
			case data := <-c.send:
				wctx, wcancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
				err := ws.Write(wctx, websocket.MessageText, data)
				wcancel()
				if err != nil {
					log.Info("write failed", "error", err)
					shutdown()
					return
				}
			}
		}
	}()

	s.sendWelcome(c, deviceID)
	s.readLoop(ctx, log, c, ws, deviceID)

	shutdown()
	<-writerDone
	log.Info("device disconnected")
}

func (s *Server) sendWelcome(c *conn, deviceID string) {
	env, err := protocol.NewAck(protocol.Welcome{
		Message:    "connected",
		DeviceID:   deviceID,
		ServerTime: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	data, _ := json.Marshal(env)
	c.Send(data)
}

// readLoop consumes inbound frames until the connection dies. Decode and
// validation failures are reported to the device and the loop continues;
// only transport errors end it.
func (s *Server) readLoop(ctx context.Context, log *slog.Logger, c *conn, ws *websocket.Conn, deviceID string) {
	for {
		mt, data, err := ws.Read(ctx)
		if err != nil {
			if !isExpectedClose(err) {
				log.Info("read failed", "error", err)
			}
			return
		}

		// Every inbound frame counts, accepted or not.
		s.opts.Registry.Touch(deviceID)

		if mt != websocket.MessageBinary {
			s.sendError(c, errs.ErrFrameType.Error())
			continue
		}

		scan, err := codec.DecodeScan(data)
		if err != nil {
			log.Debug("frame decode failed", "error", err)
			s.sendError(c, err.Error())
			continue
		}

		// A frame may omit the device id; the connection supplies it.
		if scan.DeviceID == "" {
			scan.DeviceID = deviceID
		}

		received := time.Now().UnixMilli()

		if err := validation.ValidateScan(scan, deviceID); err != nil {
			log.Debug("scan rejected",
				"scan_id", scan.ScanID, "reason", errs.ValidationReason(err))
			s.sendScanAck(c, scan.ScanID, received, false)
			continue
		}

		if !s.opts.Queue.Enqueue(scan) {
			s.sendScanAck(c, scan.ScanID, received, false)
			continue
		}
		// Accepted: the stored ack arrives via RouteResult once the drain
		// worker has persisted the scan.
	}
}

func (s *Server) sendScanAck(c *conn, scanID string, receivedMs int64, stored bool) {
	env, err := protocol.NewAck(protocol.ScanAck{
		ScanID:   scanID,
		Received: receivedMs,
		Stored:   stored,
	})
	if err != nil {
		return
	}
	data, _ := json.Marshal(env)
	c.Send(data)
}

func (s *Server) sendError(c *conn, msg string) {
	data, err := json.Marshal(protocol.NewError(msg))
	if err != nil {
		return
	}
	c.Send(data)
}

func isExpectedClose(err error) bool {
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}
