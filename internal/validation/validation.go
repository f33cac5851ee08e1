// Package validation checks decoded scans before they are admitted to the
// ingest queue. A scan that fails validation is dropped and the producer is
// told stored=false; the connection stays open.
package validation

import (
	"math"

	errs "github.com/pointsink/pointsink/internal/errors"
	"github.com/pointsink/pointsink/internal/types"
)

// ValidateScan checks a decoded scan against the authenticated device id.
// It returns nil for a valid scan, or an error wrapping one of the
// validation sentinels in internal/errors.
func ValidateScan(s *types.Scan, authenticatedDeviceID string) error {
	if s == nil {
		return errs.Wrapf(errs.ErrMissingField, "scan")
	}
	if s.ScanID == "" {
		return errs.Wrapf(errs.ErrMissingField, "scan_id")
	}
	if s.SessionID == "" {
		return errs.Wrapf(errs.ErrMissingField, "session_id")
	}
	if s.DeviceID != "" && s.DeviceID != authenticatedDeviceID {
		return errs.Wrapf(errs.ErrDeviceMismatch, "scan %s declares device %s", s.ScanID, s.DeviceID)
	}
	if s.TimestampMs <= 0 {
		return errs.Wrapf(errs.ErrBadTimestamp, "scan %s timestamp %d", s.ScanID, s.TimestampMs)
	}
	if len(s.Points) == 0 {
		return errs.Wrapf(errs.ErrEmptyPoints, "scan %s", s.ScanID)
	}
	for i := range s.Points {
		if err := validatePoint(&s.Points[i]); err != nil {
			return errs.Wrapf(err, "scan %s point %d", s.ScanID, i)
		}
	}
	return nil
}

func validatePoint(p *types.Point) error {
	if !isFinite(p.X) || !isFinite(p.Y) || !isFinite(p.Z) {
		return errs.Wrapf(errs.ErrInvalidPoint, "non-finite coordinate")
	}
	if p.Intensity != nil {
		v := *p.Intensity
		if !isFinite(v) || v < 0 || v > 1 {
			return errs.Wrapf(errs.ErrInvalidPoint, "intensity %v outside [0,1]", v)
		}
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
