// Package auth authenticates device connections before the websocket
// upgrade.
//
// Credentials arrive as query parameters or headers; query parameters win
// when both are present. Checks run in a fixed order so the failure reason
// is deterministic: key presence, key match, then device id presence.
package auth

import (
	"crypto/subtle"
	"net/http"

	errs "github.com/pointsink/pointsink/internal/errors"
)

// Credentials are the raw values extracted from a connection request.
type Credentials struct {
	APIKey   string
	DeviceID string
}

// CredentialsFromRequest pulls credentials from query parameters first, then
// headers. Accepted spellings: apiKey/api_key query params or x-api-key
// header; deviceId/device_id query params or x-device-id header.
func CredentialsFromRequest(r *http.Request) Credentials {
	q := r.URL.Query()

	key := q.Get("apiKey")
	if key == "" {
		key = q.Get("api_key")
	}
	if key == "" {
		key = r.Header.Get("x-api-key")
	}

	device := q.Get("deviceId")
	if device == "" {
		device = q.Get("device_id")
	}
	if device == "" {
		device = r.Header.Get("x-device-id")
	}

	return Credentials{APIKey: key, DeviceID: device}
}

// Gate validates credentials against the configured API key.
type Gate struct {
	secret string
}

// NewGate creates a gate for the configured API key.
func NewGate(secret string) *Gate {
	return &Gate{secret: secret}
}

// Authenticate checks credentials in order and returns the authenticated
// device id, or an error wrapping one of the auth sentinels. The reason for
// a failure is always the first check that failed.
func (g *Gate) Authenticate(c Credentials) (string, error) {
	if c.APIKey == "" {
		return "", errs.ErrMissingAPIKey
	}
	if subtle.ConstantTimeCompare([]byte(c.APIKey), []byte(g.secret)) != 1 {
		return "", errs.ErrInvalidAPIKey
	}
	if c.DeviceID == "" {
		return "", errs.ErrMissingDeviceID
	}
	return c.DeviceID, nil
}
