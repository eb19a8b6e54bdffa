// Package w3c parses and formats W3C Trace Context headers
// (https://www.w3.org/TR/trace-context/) and the W3C baggage header.
//
// The native tracer uses it to read and write the traceparent, tracestate and
// baggage entries of an HTTP header carrier.
package w3c

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/kzs0/autotrace/internal"
)

// Traceparent format: version-trace-id-parent-id-trace-flags
// Example: 00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01
const (
	traceparentLen = 55

	// SampledFlag is bit 0 of the trace flags.
	SampledFlag byte = 0x01

	MaxTracestateEntries  = 32
	MaxTracestateKeyLen   = 256
	MaxTracestateValueLen = 256
)

var (
	ErrInvalidTraceparent = errors.New("invalid traceparent header")
	ErrInvalidTraceID     = errors.New("invalid trace-id: must be 32 lowercase hex characters and not all zeros")
	ErrInvalidSpanID      = errors.New("invalid parent-id: must be 16 lowercase hex characters and not all zeros")
	ErrInvalidVersion     = errors.New("invalid version: must be 2 hex characters")
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrInvalidFlags       = errors.New("invalid flags: must be 2 hex characters")
	ErrInvalidTracestate  = errors.New("invalid tracestate header")
	ErrInvalidBaggage     = errors.New("invalid baggage header")
)

// Traceparent is a decoded traceparent header.
type Traceparent struct {
	Version  byte
	TraceID  internal.TraceID
	ParentID internal.SpanID
	Flags    byte
}

// NewTraceparent builds a version 00 traceparent.
func NewTraceparent(traceID internal.TraceID, spanID internal.SpanID, sampled bool) Traceparent {
	tp := Traceparent{TraceID: traceID, ParentID: spanID}
	if sampled {
		tp.Flags |= SampledFlag
	}
	return tp
}

// Sampled reports whether the sampled flag is set.
func (tp Traceparent) Sampled() bool {
	return tp.Flags&SampledFlag != 0
}

// String formats the header value. Output is always version 00.
func (tp Traceparent) String() string {
	return fmt.Sprintf("00-%s-%s-%02x", tp.TraceID, tp.ParentID, tp.Flags)
}

// ParseTraceparent parses a traceparent header value.
//
// Versions other than 00 are accepted as long as the first four fields are
// well formed, as W3C Trace Context requires for future versions; version ff is
// rejected.
func ParseTraceparent(value string) (Traceparent, error) {
	value = strings.TrimSpace(value)
	if len(value) < traceparentLen {
		return Traceparent{}, ErrInvalidTraceparent
	}

	fields := strings.Split(value, "-")
	if len(fields) < 4 {
		return Traceparent{}, ErrInvalidTraceparent
	}

	version, err := parseByte(fields[0])
	if err != nil {
		return Traceparent{}, ErrInvalidVersion
	}
	if version == 0xff {
		return Traceparent{}, ErrUnsupportedVersion
	}
	if version == 0 && (len(fields) != 4 || len(value) != traceparentLen) {
		return Traceparent{}, ErrInvalidTraceparent
	}

	tp := Traceparent{Version: version}

	if !isLowerHex(fields[1]) {
		return Traceparent{}, ErrInvalidTraceID
	}
	if tp.TraceID, err = internal.TraceIDFromHex(fields[1]); err != nil || tp.TraceID.IsZero() {
		return Traceparent{}, ErrInvalidTraceID
	}

	if !isLowerHex(fields[2]) {
		return Traceparent{}, ErrInvalidSpanID
	}
	if tp.ParentID, err = internal.SpanIDFromHex(fields[2]); err != nil || tp.ParentID.IsZero() {
		return Traceparent{}, ErrInvalidSpanID
	}

	if tp.Flags, err = parseByte(fields[3]); err != nil {
		return Traceparent{}, ErrInvalidFlags
	}

	return tp, nil
}

func parseByte(s string) (byte, error) {
	if len(s) != 2 {
		return 0, ErrInvalidTraceparent
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Entry is a single key-value pair in tracestate.
type Entry struct {
	Key   string
	Value string
}

// Tracestate is an ordered list of vendor entries, leftmost most recent.
type Tracestate []Entry

// ParseTracestate parses a tracestate header value. When a key repeats, the
// first (leftmost) occurrence is kept.
func ParseTracestate(value string) (Tracestate, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}

	parts := strings.Split(value, ",")
	ts := make(Tracestate, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: entry %q has no '='", ErrInvalidTracestate, part)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		if !IsValidTracestateKey(key) {
			return nil, fmt.Errorf("%w: invalid key %q", ErrInvalidTracestate, key)
		}
		if !IsValidTracestateValue(val) {
			return nil, fmt.Errorf("%w: invalid value for key %q", ErrInvalidTracestate, key)
		}

		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		ts = append(ts, Entry{Key: key, Value: val})
	}

	if len(ts) > MaxTracestateEntries {
		return nil, fmt.Errorf("%w: too many entries (max %d)", ErrInvalidTracestate, MaxTracestateEntries)
	}
	return ts, nil
}

// Get returns the value stored under key.
func (ts Tracestate) Get(key string) (string, bool) {
	for _, e := range ts {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// String formats the header value.
func (ts Tracestate) String() string {
	parts := make([]string, len(ts))
	for i, e := range ts {
		parts[i] = e.Key + "=" + e.Value
	}
	return strings.Join(parts, ",")
}

// IsValidTracestateKey validates a simple key or a tenant@system key.
func IsValidTracestateKey(key string) bool {
	if key == "" || len(key) > MaxTracestateKeyLen {
		return false
	}
	if tenant, system, multi := strings.Cut(key, "@"); multi {
		return isSimpleKey(tenant) && isSimpleKey(system) && !strings.Contains(system, "@")
	}
	return isSimpleKey(key)
}

// IsValidTracestateValue reports whether value is printable ASCII without ',' or '='.
func IsValidTracestateValue(value string) bool {
	if value == "" || len(value) > MaxTracestateValueLen {
		return false
	}
	for _, c := range value {
		if c < 0x20 || c > 0x7e || c == ',' || c == '=' {
			return false
		}
	}
	return true
}

// ParseBaggage decodes a baggage header into a map. Entry properties
// (";prop") are discarded.
func ParseBaggage(value string) (map[string]string, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}

	out := make(map[string]string)
	for _, member := range strings.Split(value, ",") {
		member, _, _ = strings.Cut(member, ";")
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		k, v, ok := strings.Cut(member, "=")
		if !ok {
			return nil, fmt.Errorf("%w: member %q has no '='", ErrInvalidBaggage, member)
		}
		key, err := url.PathUnescape(strings.TrimSpace(k))
		if err != nil || key == "" {
			return nil, fmt.Errorf("%w: bad key %q", ErrInvalidBaggage, k)
		}
		val, err := url.PathUnescape(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%w: bad value for %q", ErrInvalidBaggage, key)
		}
		out[key] = val
	}
	return out, nil
}

// FormatBaggage encodes items as a baggage header value with keys in the
// given order.
func FormatBaggage(keys []string, items map[string]string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, ok := items[k]
		if !ok {
			continue
		}
		parts = append(parts, url.PathEscape(k)+"="+url.PathEscape(v))
	}
	return strings.Join(parts, ",")
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func isSimpleKey(key string) bool {
	if key == "" {
		return false
	}
	for _, c := range key {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') &&
			c != '_' && c != '-' && c != '*' && c != '/' {
			return false
		}
	}
	return true
}
