package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-souliss/internal/bridges/souliss"
)

// filePerms restricts trace files to the bridge user; datagrams can carry
// device state.
const filePerms = 0o600

// Logger is the logging surface the recorder needs.
type Logger interface {
	Warn(msg string, args ...any)
}

// FileRecorder appends datagram events to a CBOR file.
//
// Thread Safety: All methods are safe for concurrent use.
type FileRecorder struct {
	session string
	now     func() time.Time
	logger  Logger

	mu      sync.Mutex
	file    *os.File
	encoder *cbor.Encoder
	closed  bool

	recorded atomic.Uint64
	failed   atomic.Uint64
}

// NewFileRecorder opens path for appending, creating it and its directory
// if needed. Each recorder gets a fresh session ID.
func NewFileRecorder(path string, logger Logger) (*FileRecorder, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating trace directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, filePerms) //nolint:gosec // path from config
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}

	return &FileRecorder{
		session: uuid.NewString(),
		now:     time.Now,
		logger:  logger,
		file:    f,
		encoder: newEncoder(f),
	}, nil
}

// Session returns the session ID stamped on every event.
func (r *FileRecorder) Session() string {
	return r.session
}

// RecordFrame implements souliss.FrameRecorder. Encoding failures are
// counted and logged, never returned, so tracing cannot disturb the
// gateway loops.
func (r *FileRecorder) RecordFrame(gatewayID string, outbound bool, datagram []byte) {
	if err := r.Record(newEvent(r.now(), r.session, gatewayID, outbound, datagram)); err != nil {
		r.failed.Add(1)
		if r.logger != nil {
			r.logger.Warn("trace record failed", "gateway", gatewayID, "error", err)
		}
	}
}

// Record appends one event.
func (r *FileRecorder) Record(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRecorderClosed
	}
	if err := r.encoder.Encode(e); err != nil {
		return fmt.Errorf("encoding trace event: %w", err)
	}
	r.recorded.Add(1)
	return nil
}

// Stats returns the number of recorded and failed events.
func (r *FileRecorder) Stats() (recorded, failed uint64) {
	return r.recorded.Load(), r.failed.Load()
}

// Close flushes and closes the trace file. It is safe to call Close more
// than once.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("closing trace file: %w", err)
	}
	return nil
}

var _ souliss.FrameRecorder = (*FileRecorder)(nil)
