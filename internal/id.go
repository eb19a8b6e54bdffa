package internal

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidID is returned when a hex string cannot be decoded into an identifier.
var ErrInvalidID = errors.New("invalid id")

// TraceID is a 16-byte unique identifier for a trace.
type TraceID [16]byte

// SpanID is an 8-byte unique identifier for a span.
type SpanID [8]byte

// NewTraceID generates a new random trace ID. It never returns the zero ID.
func NewTraceID() TraceID {
	var id TraceID
	for id.IsZero() {
		_, _ = rand.Read(id[:])
	}
	return id
}

// NewSpanID generates a new random span ID. It never returns the zero ID.
func NewSpanID() SpanID {
	var id SpanID
	for id.IsZero() {
		_, _ = rand.Read(id[:])
	}
	return id
}

// String returns the hex-encoded trace ID.
func (t TraceID) String() string {
	return hex.EncodeToString(t[:])
}

// String returns the hex-encoded span ID.
func (s SpanID) String() string {
	return hex.EncodeToString(s[:])
}

// IsZero returns true if the trace ID is all zeros.
func (t TraceID) IsZero() bool {
	return t == TraceID{}
}

// IsZero returns true if the span ID is all zeros.
func (s SpanID) IsZero() bool {
	return s == SpanID{}
}

// TraceIDFromHex parses a 32 character hex-encoded trace ID.
func TraceIDFromHex(s string) (TraceID, error) {
	var id TraceID
	if err := decodeInto(id[:], s); err != nil {
		return TraceID{}, err
	}
	return id, nil
}

// SpanIDFromHex parses a 16 character hex-encoded span ID.
func SpanIDFromHex(s string) (SpanID, error) {
	var id SpanID
	if err := decodeInto(id[:], s); err != nil {
		return SpanID{}, err
	}
	return id, nil
}

func decodeInto(dst []byte, s string) error {
	if len(s) != hex.EncodedLen(len(dst)) {
		return fmt.Errorf("%w: want %d hex characters, got %d", ErrInvalidID, hex.EncodedLen(len(dst)), len(s))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return nil
}
