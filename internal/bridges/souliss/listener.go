package souliss

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default listener timings.
const (
	// DefaultReadTimeout bounds each receive so the loop can observe
	// shutdown and socket loss.
	DefaultReadTimeout = 5 * time.Second

	// defaultRebindInterval is the initial delay between bind attempts.
	defaultRebindInterval = 2 * time.Second

	// maxRebindInterval caps the bind backoff.
	maxRebindInterval = time.Minute

	// readBufferSize fits any vNet frame.
	readBufferSize = 512
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// logRef holds an optional Logger that may be replaced at runtime.
type logRef struct {
	mu sync.RWMutex
	l  Logger
}

func (r *logRef) set(l Logger) {
	r.mu.Lock()
	r.l = l
	r.mu.Unlock()
}

func (r *logRef) get() Logger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.l
}

func (r *logRef) debug(msg string, kv ...any) {
	if l := r.get(); l != nil {
		l.Debug(msg, kv...)
	}
}

func (r *logRef) info(msg string, kv ...any) {
	if l := r.get(); l != nil {
		l.Info(msg, kv...)
	}
}

func (r *logRef) warn(msg string, kv ...any) {
	if l := r.get(); l != nil {
		l.Warn(msg, kv...)
	}
}

func (r *logRef) error(msg string, kv ...any) {
	if l := r.get(); l != nil {
		l.Error(msg, kv...)
	}
}

// DatagramHandler receives each datagram read by a Listener. It runs on the
// receive goroutine and must return quickly.
type DatagramHandler func(datagram []byte, from *net.UDPAddr)

// ListenerConfig holds UDP socket settings.
type ListenerConfig struct {
	// LocalPort is the UDP port to bind. Zero picks an ephemeral port.
	LocalPort int

	// ReadTimeout bounds each receive call.
	// Default: 5 seconds.
	ReadTimeout time.Duration

	// RebindInterval is the initial delay between bind attempts.
	// Default: 2 seconds.
	RebindInterval time.Duration
}

// ListenerStats holds socket counters.
type ListenerStats struct {
	DatagramsRx  uint64    `json:"datagrams_rx"`
	DatagramsTx  uint64    `json:"datagrams_tx"`
	ErrorsTotal  uint64    `json:"errors_total"`
	RebindsTotal uint64    `json:"rebinds_total"`
	LastActivity time.Time `json:"last_activity"`
	Bound        bool      `json:"bound"`
}

// Listener owns the UDP socket of one gateway connection.
//
// Datagrams are read with a deadline so the loop notices shutdown; a bind
// failure (port already in use) or a broken socket is retried with
// exponential backoff until Close is called. Outbound datagrams share the
// socket so gateways answer to the bound port.
//
// Thread Safety: All methods are safe for concurrent use.
type Listener struct {
	cfg     ListenerConfig
	handler DatagramHandler

	connMu sync.RWMutex
	conn   *net.UDPConn

	done *closeOnce
	wg   sync.WaitGroup

	log logRef

	datagramsRx  atomic.Uint64
	datagramsTx  atomic.Uint64
	errorsTotal  atomic.Uint64
	rebindsTotal atomic.Uint64
	lastActivity atomic.Int64
}

// NewListener creates a listener that passes datagrams to handler.
func NewListener(cfg ListenerConfig, handler DatagramHandler) *Listener {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.RebindInterval <= 0 {
		cfg.RebindInterval = defaultRebindInterval
	}
	return &Listener{cfg: cfg, handler: handler, done: newCloseOnce()}
}

// SetLogger sets the logger for this listener.
func (l *Listener) SetLogger(logger Logger) {
	l.log.set(logger)
}

// Start binds the socket and launches the receive loop. A failed first
// bind is not fatal: the loop keeps retrying in the background.
func (l *Listener) Start() {
	if err := l.bind(); err != nil {
		l.errorsTotal.Add(1)
		l.log.warn("udp bind failed, retrying in background", "port", l.cfg.LocalPort, "error", err)
	}

	l.wg.Add(1)
	go l.receiveLoop()
}

func (l *Listener) bind() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: l.cfg.LocalPort})
	if err != nil {
		return fmt.Errorf("listen udp :%d: %w", l.cfg.LocalPort, err)
	}

	// Close marks done before it clears the socket, so checking under
	// connMu never stores a socket nobody will close.
	l.connMu.Lock()
	if l.isClosed() {
		l.connMu.Unlock()
		conn.Close()
		return ErrListenerClosed
	}
	l.conn = conn
	l.connMu.Unlock()

	l.log.info("udp socket bound", "address", conn.LocalAddr().String())
	return nil
}

func (l *Listener) current() *net.UDPConn {
	l.connMu.RLock()
	defer l.connMu.RUnlock()
	return l.conn
}

// receiveLoop reads datagrams until Close.
func (l *Listener) receiveLoop() {
	defer l.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		if l.isClosed() {
			return
		}

		conn := l.current()
		if conn == nil {
			if !l.rebind() {
				return
			}
			continue
		}

		if err := conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout)); err != nil {
			l.handleReadError(err)
			continue
		}

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			l.handleReadError(err)
			continue
		}

		l.datagramsRx.Add(1)
		l.lastActivity.Store(time.Now().Unix())
		l.dispatch(append([]byte(nil), buf[:n]...), from)
	}
}

// handleReadError treats timeouts as normal and drops the socket on any
// other error so the loop rebinds.
func (l *Listener) handleReadError(err error) {
	if l.isClosed() {
		return
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}

	l.errorsTotal.Add(1)
	l.log.error("udp read failed, rebinding", "error", err)
	l.closeConn()
}

func (l *Listener) dispatch(datagram []byte, from *net.UDPAddr) {
	if l.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.errorsTotal.Add(1)
			l.log.error("datagram handler panic", "error", fmt.Errorf("%v", r))
		}
	}()
	l.handler(datagram, from)
}

// rebind retries binding with exponential backoff.
// Returns false if Close was called first.
func (l *Listener) rebind() bool {
	backoff := l.cfg.RebindInterval
	for {
		select {
		case <-l.done.Done():
			return false
		case <-time.After(backoff):
		}

		if err := l.bind(); err != nil {
			if errors.Is(err, ErrListenerClosed) {
				return false
			}
			l.errorsTotal.Add(1)
			l.log.warn("udp rebind failed", "port", l.cfg.LocalPort, "backoff", backoff.String(), "error", err)

			backoff = time.Duration(float64(backoff) * 1.5)
			if backoff > maxRebindInterval {
				backoff = maxRebindInterval
			}
			continue
		}

		l.rebindsTotal.Add(1)
		return true
	}
}

func (l *Listener) closeConn() {
	l.connMu.Lock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.connMu.Unlock()
}

func (l *Listener) isClosed() bool {
	select {
	case <-l.done.Done():
		return true
	default:
		return false
	}
}

// SendTo writes one datagram to addr on the listening socket.
func (l *Listener) SendTo(addr *net.UDPAddr, datagram []byte) error {
	conn := l.current()
	if conn == nil {
		return ErrNotConnected
	}

	if _, err := conn.WriteToUDP(datagram, addr); err != nil {
		l.errorsTotal.Add(1)
		return fmt.Errorf("%w: %s: %w", ErrSendFailed, addr, err)
	}

	l.datagramsTx.Add(1)
	l.lastActivity.Store(time.Now().Unix())
	return nil
}

// LocalAddr returns the bound address, or nil while unbound.
func (l *Listener) LocalAddr() *net.UDPAddr {
	conn := l.current()
	if conn == nil {
		return nil
	}
	addr, _ := conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// IsBound reports whether the socket is currently bound.
func (l *Listener) IsBound() bool {
	return l.current() != nil
}

// Stats returns current socket counters.
func (l *Listener) Stats() ListenerStats {
	st := ListenerStats{
		DatagramsRx:  l.datagramsRx.Load(),
		DatagramsTx:  l.datagramsTx.Load(),
		ErrorsTotal:  l.errorsTotal.Load(),
		RebindsTotal: l.rebindsTotal.Load(),
		Bound:        l.IsBound(),
	}
	if ts := l.lastActivity.Load(); ts != 0 {
		st.LastActivity = time.Unix(ts, 0)
	}
	return st
}

// Close stops the receive loop and closes the socket. Safe to call more
// than once.
func (l *Listener) Close() error {
	l.done.Close()
	l.closeConn()
	l.wg.Wait()
	return nil
}
