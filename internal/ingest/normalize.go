package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"iot-platform/monitoring-service/internal/metric/domain"
)

// Reserved payload fields. Everything else is carried in Metric.Data.
const (
	fieldDeviceID  = "device_id"
	fieldOwnerID   = "owner_id"
	fieldTimestamp = "timestamp"
)

// ErrRejected matches every normalization failure (DecodeError and ValidationError).
var ErrRejected = errors.New("ingest: message rejected")

// DecodeError is returned when the payload is not a JSON object.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode payload: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrRejected }

// ValidationError is returned when a required field is missing or malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason) }

func (e *ValidationError) Is(target error) bool { return target == ErrRejected }

// Normalize builds a Metric from a raw broker message.
// The device and owner ids come only from the payload, never from the topic.
// A missing or unparseable timestamp falls back to receivedAt.
func Normalize(topic string, payload []byte, receivedAt time.Time) (domain.Metric, error) {
	if strings.TrimSpace(topic) == "" {
		return domain.Metric{}, &ValidationError{Field: "topic", Reason: "empty"}
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return domain.Metric{}, &DecodeError{Err: err}
	}
	if dec.More() {
		return domain.Metric{}, &DecodeError{Err: errors.New("trailing data after JSON value")}
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return domain.Metric{}, &DecodeError{Err: fmt.Errorf("payload is %s, want object", jsonKind(raw))}
	}

	deviceID, err := integralField(obj, fieldDeviceID)
	if err != nil {
		return domain.Metric{}, err
	}
	ownerID, err := integralField(obj, fieldOwnerID)
	if err != nil {
		return domain.Metric{}, err
	}

	ts := receivedAt.UTC()
	if v, ok := obj[fieldTimestamp]; ok {
		if parsed, ok := parseTimestamp(v); ok {
			ts = parsed
		}
	}

	data := make(map[string]any, len(obj))
	for k, v := range obj {
		switch k {
		case fieldDeviceID, fieldOwnerID, fieldTimestamp:
			continue
		}
		data[k] = plain(v)
	}

	return domain.Metric{
		DeviceID:  deviceID,
		OwnerID:   ownerID,
		Topic:     topic,
		Data:      data,
		Timestamp: ts,
	}, nil
}

func integralField(obj map[string]any, field string) (int64, error) {
	v, ok := obj[field]
	if !ok || v == nil {
		return 0, &ValidationError{Field: field, Reason: "missing"}
	}
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		f, err := t.Float64()
		if err != nil || f != math.Trunc(f) || math.Abs(f) >= math.MaxInt64 {
			return 0, &ValidationError{Field: field, Reason: fmt.Sprintf("%s is not an integer", t.String())}
		}
		return int64(f), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not an integer", t)}
		}
		return n, nil
	default:
		return 0, &ValidationError{Field: field, Reason: jsonKind(v) + " is not an integer"}
	}
}

// Epoch seconds outside this window are treated as unparseable.
var (
	minEpoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	maxEpoch = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC).Unix()
)

// parseTimestamp accepts epoch seconds (integer or fractional) or an ISO-8601 string.
func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case json.Number:
		return fromEpoch(string(t))
	case string:
		if ts, err := domain.ParseTime(t); err == nil {
			return ts, true
		}
		return fromEpoch(strings.TrimSpace(t))
	}
	return time.Time{}, false
}

func fromEpoch(s string) (time.Time, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < minEpoch || n > maxEpoch {
			return time.Time{}, false
		}
		return time.Unix(n, 0).UTC(), true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < float64(minEpoch) || f > float64(maxEpoch) {
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	// Microsecond precision.
	nsec := int64(math.Round(frac*1e6)) * 1e3
	return time.Unix(int64(sec), nsec).UTC(), true
}

// plain replaces json.Number with int64 or float64 so every store receives native values.
func plain(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = plain(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = plain(t[i])
		}
		return out
	default:
		return v
	}
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
