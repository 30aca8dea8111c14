package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/nerrad567/gray-logic-souliss/internal/bridges/souliss"
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	Gateway   string
	Session   string
	Direction *Direction
	Function  *souliss.FunctionCode

	// Since and Until bound the timestamp: Since inclusive, Until exclusive.
	Since *time.Time
	Until *time.Time
}

func (f Filter) matches(e Event) bool {
	if f.Gateway != "" && e.Gateway != f.Gateway {
		return false
	}
	if f.Session != "" && e.Session != f.Session {
		return false
	}
	if f.Direction != nil && e.Direction != *f.Direction {
		return false
	}
	if f.Function != nil && e.Function != *f.Function {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !e.Timestamp.Before(*f.Until) {
		return false
	}
	return true
}

// Reader streams events from a trace file.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader opens path and returns events matching filter.
func NewReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path) //nolint:gosec // path from CLI flag
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}
	return &Reader{file: f, decoder: newDecoder(f), filter: filter}, nil
}

// Next returns the next matching event, or io.EOF at the end of the file.
// A truncated final event is returned as an error.
func (r *Reader) Next() (Event, error) {
	for {
		var e Event
		if err := r.decoder.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, fmt.Errorf("reading trace event: %w", err)
		}
		if r.filter.matches(e) {
			return e, nil
		}
	}
}

// ForEach calls fn for every matching event until the end of the file, an
// error, or fn returning false.
func (r *Reader) ForEach(fn func(Event) bool) error {
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if !fn(e) {
			return nil
		}
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
