// Package client is a Go client for the pointsink ingestion websocket.
//
// It dials with device credentials, streams encoded scan frames, and decodes
// the server's JSON envelopes. The server's own tests use it as the device
// side of the wire.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/pointsink/pointsink/internal/codec"
	"github.com/pointsink/pointsink/internal/protocol"
	"github.com/pointsink/pointsink/internal/types"
)

// Options configure a connection.
type Options struct {
	// URL is the server base URL, e.g. "ws://localhost:8090" or the
	// httptest server URL with an http scheme.
	URL string
	// APIKey is the shared ingestion secret.
	APIKey string
	// DeviceID identifies this device.
	DeviceID string
}

// Client is one device connection.
type Client struct {
	ws       *websocket.Conn
	deviceID string
}

// NewScanID returns a fresh scan identifier.
func NewScanID() string {
	return ulid.Make().String()
}

// Dial connects and authenticates, then waits for the welcome ack.
func Dial(ctx context.Context, opts Options) (*Client, *protocol.Welcome, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse url: %w", err)
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("apiKey", opts.APIKey)
	q.Set("deviceId", opts.DeviceID)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{ws: ws, deviceID: opts.DeviceID}

	env, err := c.NextEnvelope(ctx)
	if err != nil {
		ws.Close(websocket.StatusProtocolError, "no welcome")
		return nil, nil, fmt.Errorf("read welcome: %w", err)
	}
	var welcome protocol.Welcome
	if env.Type != protocol.TypeAck || json.Unmarshal(env.Data, &welcome) != nil {
		ws.Close(websocket.StatusProtocolError, "bad welcome")
		return nil, nil, fmt.Errorf("unexpected welcome envelope %q", env.Type)
	}

	return c, &welcome, nil
}

// SendScan encodes and transmits one scan as a binary frame.
func (c *Client) SendScan(ctx context.Context, scan *types.Scan) error {
	data, err := codec.EncodeScan(scan)
	if err != nil {
		return fmt.Errorf("encode scan: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageBinary, data)
}

// SendRaw transmits arbitrary bytes as a binary frame. Useful for testing
// server behavior on malformed frames.
func (c *Client) SendRaw(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageBinary, data)
}

// NextEnvelope reads the next server envelope.
func (c *Client) NextEnvelope(ctx context.Context) (*protocol.Envelope, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// NextScanAck reads envelopes until a scan ack arrives or the deadline hits.
// Error envelopes are returned as errors.
func (c *Client) NextScanAck(ctx context.Context) (*protocol.ScanAck, error) {
	for {
		env, err := c.NextEnvelope(ctx)
		if err != nil {
			return nil, err
		}
		switch env.Type {
		case protocol.TypeError:
			return nil, fmt.Errorf("server error: %s", env.Error)
		case protocol.TypeAck:
			var ack protocol.ScanAck
			if err := json.Unmarshal(env.Data, &ack); err != nil {
				return nil, fmt.Errorf("decode ack: %w", err)
			}
			if ack.ScanID == "" && !ack.Stored {
				// Not a scan ack shape; skip.
				continue
			}
			return &ack, nil
		}
	}
}

// Close ends the connection.
func (c *Client) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "bye")
	if err != nil {
		return err
	}
	return nil
}

// WaitClosed blocks until the server closes the connection or the timeout
// elapses. Used to observe supersession.
func (c *Client) WaitClosed(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		if _, err := c.NextEnvelope(ctx); err != nil {
			return ctx.Err() == nil
		}
	}
}
