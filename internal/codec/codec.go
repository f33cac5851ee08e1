// Package codec implements the binary wire format for scan frames.
//
// Encoding and decoding are pure and stateless: the same byte slice always
// decodes to the same scan, and encoding a scan always produces the same
// bytes. The blob store persists the encoded frame verbatim, so a stored
// blob is byte-identical to what the device sent (after device id
// back-fill).
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	errs "github.com/pointsink/pointsink/internal/errors"
	"github.com/pointsink/pointsink/internal/types"
)

// Scan frame format (binary, little-endian):
// - Version (1 byte)
// - ScanID length (2 bytes) + ScanID string
// - SessionID length (2 bytes) + SessionID string
// - DeviceID length (2 bytes) + DeviceID string
// - TimestampMs (8 bytes)
// - Metadata count (2 bytes), then per pair: key string + value string,
//   pairs ordered by key
// - Point count (4 bytes)
// - Per point: X, Y, Z (8 bytes each, float64), HasIntensity (1 byte),
//   Intensity (8 bytes, float64, only when HasIntensity == 1)

// Version is the current frame format version.
const Version = 1

// EncodeScan encodes a scan into its binary frame.
func EncodeScan(s *types.Scan) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("nil scan")
	}
	if len(s.ScanID) > math.MaxUint16 || len(s.SessionID) > math.MaxUint16 || len(s.DeviceID) > math.MaxUint16 {
		return nil, fmt.Errorf("identifier exceeds %d bytes", math.MaxUint16)
	}
	if len(s.Metadata) > math.MaxUint16 {
		return nil, fmt.Errorf("metadata exceeds %d entries", math.MaxUint16)
	}

	// Estimate: fixed header plus ~33 bytes per point.
	buf := make([]byte, 0, 64+len(s.ScanID)+len(s.SessionID)+len(s.DeviceID)+len(s.Points)*33)

	buf = append(buf, Version)
	buf = appendString(buf, s.ScanID)
	buf = appendString(buf, s.SessionID)
	buf = appendString(buf, s.DeviceID)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.TimestampMs))

	// Pairs are written in key order so the same scan always encodes to the
	// same bytes.
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s.Metadata)))
	keys := make([]string, 0, len(s.Metadata))
	for k := range s.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf = appendString(buf, k)
		buf = appendString(buf, s.Metadata[k])
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.Points)))
	for _, p := range s.Points {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.X))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Y))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Z))
		if p.Intensity != nil {
			buf = append(buf, 1)
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(*p.Intensity))
		} else {
			buf = append(buf, 0)
		}
	}

	return buf, nil
}

// DecodeScan decodes a binary frame into a scan. All errors wrap
// errs.ErrDecode so callers can classify without string matching.
func DecodeScan(data []byte) (*types.Scan, error) {
	if len(data) < 1 {
		return nil, decodeErr("empty frame")
	}
	if data[0] != Version {
		return nil, decodeErr("unsupported version %d", data[0])
	}

	var s types.Scan
	var err error
	offset := 1

	s.ScanID, offset, err = readString(data, offset)
	if err != nil {
		return nil, decodeErr("scan id: %v", err)
	}

	s.SessionID, offset, err = readString(data, offset)
	if err != nil {
		return nil, decodeErr("session id: %v", err)
	}

	s.DeviceID, offset, err = readString(data, offset)
	if err != nil {
		return nil, decodeErr("device id: %v", err)
	}

	if offset+8 > len(data) {
		return nil, decodeErr("data too short for timestamp")
	}
	s.TimestampMs = int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8

	if offset+2 > len(data) {
		return nil, decodeErr("data too short for metadata count")
	}
	metaCount := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if metaCount > 0 {
		s.Metadata = make(map[string]string, metaCount)
		for i := 0; i < metaCount; i++ {
			var k, v string
			k, offset, err = readString(data, offset)
			if err != nil {
				return nil, decodeErr("metadata %d key: %v", i, err)
			}
			v, offset, err = readString(data, offset)
			if err != nil {
				return nil, decodeErr("metadata %d value: %v", i, err)
			}
			s.Metadata[k] = v
		}
	}

	if offset+4 > len(data) {
		return nil, decodeErr("data too short for point count")
	}
	count := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4

	// Each point is at least 25 bytes; reject counts the frame cannot hold
	// before allocating.
	if count < 0 || count > (len(data)-offset)/25 {
		return nil, decodeErr("point count %d exceeds frame size", count)
	}

	s.Points = make([]types.Point, count)
	for i := 0; i < count; i++ {
		if offset+25 > len(data) {
			return nil, decodeErr("point %d: data too short", i)
		}
		p := &s.Points[i]
		p.X = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		p.Y = math.Float64frombits(binary.LittleEndian.Uint64(data[offset+8:]))
		p.Z = math.Float64frombits(binary.LittleEndian.Uint64(data[offset+16:]))
		offset += 24

		switch data[offset] {
		case 0:
			offset++
		case 1:
			offset++
			if offset+8 > len(data) {
				return nil, decodeErr("point %d: data too short for intensity", i)
			}
			v := math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
			p.Intensity = &v
			offset += 8
		default:
			return nil, decodeErr("point %d: invalid intensity flag %d", i, data[offset])
		}
	}

	if offset != len(data) {
		return nil, decodeErr("%d trailing bytes after last point", len(data)-offset)
	}

	return &s, nil
}

func decodeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errs.ErrDecode, fmt.Sprintf(format, args...))
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}
