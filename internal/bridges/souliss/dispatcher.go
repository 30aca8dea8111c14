package souliss

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Default dispatcher timings.
const (
	// DefaultSendInterval paces transmissions while a backlog exists.
	DefaultSendInterval = 200 * time.Millisecond

	// DefaultSendMinDelay is the tick period when at most one packet waits.
	DefaultSendMinDelay = 50 * time.Millisecond

	// DefaultTimeoutToRequeue is how long a sent force frame may stay
	// unacknowledged before it is transmitted again.
	DefaultTimeoutToRequeue = 5 * time.Second

	// DefaultTimeoutToRemove is how long a force frame is retried before it
	// is dropped.
	DefaultTimeoutToRemove = 20 * time.Second

	// DefaultMaxQueueLength bounds the number of pending packets.
	DefaultMaxQueueLength = 256
)

// DeviceRegistry resolves a node/slot pair to the typical occupying it.
// Implementations provide their own synchronisation and must not block.
type DeviceRegistry interface {
	Resolve(node, slot int) (SlotOwner, bool)
}

// SlotOwner is the registry's view of one typical.
type SlotOwner interface {
	// RawState returns the last raw head byte reported by the node.
	RawState() byte

	// ExpectedRawState predicts RawState after cmd executes. ok is false
	// when the command has no verifiable outcome.
	ExpectedRawState(cmd byte) (state byte, ok bool)

	// ApplyDecodedState stores the raw slot bytes and their decoded form.
	ApplyDecodedState(raw []byte, state DecodedState)

	// SetHealthy records the node health byte.
	SetHealthy(health byte)
}

// Transmitter writes one datagram to the gateway.
type Transmitter interface {
	Transmit(datagram []byte) error
}

// DispatcherConfig holds send queue settings. Zero values take defaults.
type DispatcherConfig struct {
	Route            Route
	Interval         time.Duration
	MinDelay         time.Duration
	TimeoutToRequeue time.Duration
	TimeoutToRemove  time.Duration
	MaxQueueLength   int
}

// PendingPacket is one queued frame and its delivery bookkeeping.
// The frame is owned by the packet; only the dispatcher mutates it.
type PendingPacket struct {
	frame       Frame
	node        int
	sent        bool
	firstSentAt time.Time
}

// PacketInfo is a read-only view of a pending packet.
type PacketInfo struct {
	Function    string     `json:"function"`
	Node        int        `json:"node"`
	Sent        bool       `json:"sent"`
	FirstSentAt *time.Time `json:"first_sent_at,omitempty"`
	Payload     string     `json:"payload"`
}

// DispatcherStats holds send queue counters.
type DispatcherStats struct {
	Queued     int    `json:"queued"`
	Sent       uint64 `json:"sent"`
	Acked      uint64 `json:"acked"`
	Merged     uint64 `json:"merged"`
	Requeued   uint64 `json:"requeued"`
	Dropped    uint64 `json:"dropped"`
	SendErrors uint64 `json:"send_errors"`
}

// Dispatcher is a self-merging outbound queue with optimistic delivery.
//
// Force frames stay queued after transmission until the registry reports
// the expected state for every commanded slot. Unacknowledged frames are
// sent again after TimeoutToRequeue and dropped after TimeoutToRemove:
// delivery is best-effort on a lossy bus. Other frames are sent once.
//
// Thread Safety: Enqueue may be called from any goroutine. Tick must only
// be called from one goroutine at a time (Run does this).
type Dispatcher struct {
	cfg      DispatcherConfig
	registry DeviceRegistry
	tx       Transmitter

	mu    sync.Mutex
	queue []*PendingPacket

	log logRef

	sent       atomic.Uint64
	acked      atomic.Uint64
	merged     atomic.Uint64
	requeued   atomic.Uint64
	dropped    atomic.Uint64
	sendErrors atomic.Uint64
}

// NewDispatcher creates a dispatcher transmitting through tx.
// registry may be nil, in which case force frames are only retired by
// timeout.
func NewDispatcher(cfg DispatcherConfig, registry DeviceRegistry, tx Transmitter) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSendInterval
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = DefaultSendMinDelay
	}
	if cfg.TimeoutToRequeue <= 0 {
		cfg.TimeoutToRequeue = DefaultTimeoutToRequeue
	}
	if cfg.TimeoutToRemove <= 0 {
		cfg.TimeoutToRemove = DefaultTimeoutToRemove
	}
	if cfg.MaxQueueLength <= 0 {
		cfg.MaxQueueLength = DefaultMaxQueueLength
	}
	return &Dispatcher{cfg: cfg, registry: registry, tx: tx}
}

// SetLogger sets the logger for this dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.log.set(logger)
}

// Enqueue adds a frame to the send queue.
//
// A force frame for a node that already has an unsent force frame is merged
// into it instead of being appended: non-zero bytes of the newer frame win,
// zero bytes never clear a pending command. If the newer frame is longer it
// inherits the queued frame's non-zero bytes and replaces it in place, so
// the node keeps its turn in the queue.
//
// Returns:
//   - error: ErrQueueFull if the frame could not be merged and the queue is full
func (d *Dispatcher) Enqueue(f Frame) error {
	f = f.Clone()
	node := f.Node()

	d.mu.Lock()
	defer d.mu.Unlock()

	if node >= 0 {
		for i, p := range d.queue {
			if p.sent || p.node != node {
				continue
			}

			d.merged.Add(1)
			if len(f.Payload) <= len(p.frame.Payload) {
				for j, b := range f.Payload {
					if b != 0 {
						p.frame.Payload[j] = b
					}
				}
				d.log.debug("merged force frame into queued frame", "node", node, "payload", hex.EncodeToString(p.frame.Payload))
				return nil
			}

			for j, b := range p.frame.Payload {
				if b != 0 && f.Payload[j] == 0 {
					f.Payload[j] = b
				}
			}
			d.queue[i] = &PendingPacket{frame: f, node: node}
			d.log.debug("replaced queued frame with longer force frame", "node", node, "payload", hex.EncodeToString(f.Payload))
			return nil
		}
	}

	if len(d.queue) >= d.cfg.MaxQueueLength {
		return fmt.Errorf("%w: %d packets", ErrQueueFull, len(d.queue))
	}
	d.queue = append(d.queue, &PendingPacket{frame: f, node: node})
	return nil
}

// Tick runs one dispatcher cycle: acknowledge or expire sent packets, then
// transmit at most one queued packet.
func (d *Dispatcher) Tick(now time.Time) {
	d.verify(now)

	datagram, pkt := d.popOne(now)
	if pkt == nil {
		return
	}

	if err := d.tx.Transmit(datagram); err != nil {
		d.sendErrors.Add(1)
		d.log.warn("send failed, packet kept for retry",
			"function", pkt.frame.Function.String(), "node", pkt.node, "error", err)
		d.restore(pkt)
		return
	}
	d.sent.Add(1)
}

// sentView is a copy of a sent packet taken so the registry can be
// consulted without holding the queue lock.
type sentView struct {
	pkt     *PendingPacket
	node    int
	payload []byte
}

// verify checks every sent packet against the registry.
func (d *Dispatcher) verify(now time.Time) {
	d.mu.Lock()
	var views []sentView
	for _, p := range d.queue {
		if p.sent {
			views = append(views, sentView{pkt: p, node: p.node, payload: append([]byte(nil), p.frame.Payload...)})
		}
	}
	d.mu.Unlock()

	if len(views) == 0 {
		return
	}

	acks := make([][]int, len(views))
	for i, v := range views {
		acks[i] = d.acknowledged(v)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for i, v := range views {
		p := v.pkt
		for _, idx := range acks[i] {
			p.frame.Payload[idx] = 0
		}

		if allZero(p.frame.Payload) {
			d.remove(p)
			d.acked.Add(1)
			d.log.debug("force frame acknowledged", "node", p.node)
			continue
		}

		elapsed := now.Sub(p.firstSentAt)
		switch {
		case elapsed > d.cfg.TimeoutToRemove:
			d.remove(p)
			d.dropped.Add(1)
			d.log.debug("force frame not acknowledged, dropped",
				"node", p.node, "payload", hex.EncodeToString(p.frame.Payload), "elapsed", elapsed.String())
		case elapsed > d.cfg.TimeoutToRequeue:
			p.sent = false
			d.requeued.Add(1)
			d.log.debug("force frame not acknowledged, requeued", "node", p.node, "elapsed", elapsed.String())
		}
	}
}

// acknowledged returns the payload indexes of v confirmed by the registry.
// Called without the queue lock.
func (d *Dispatcher) acknowledged(v sentView) []int {
	var idx []int
	for slot, cmd := range v.payload {
		if cmd == 0 {
			continue
		}

		var owner SlotOwner
		found := false
		if d.registry != nil {
			owner, found = d.registry.Resolve(v.node, slot)
		}

		if found {
			expected, ok := owner.ExpectedRawState(cmd)
			if !ok || owner.RawState() == expected {
				idx = append(idx, slot)
			}
			continue
		}

		// No typical starts here: a continuation byte of a multi-slot
		// command, retired once the byte before it has been.
		if slot > 0 && v.payload[slot-1] == 0 {
			idx = append(idx, slot)
		}
	}
	return idx
}

// popOne selects the first unsent packet and returns its wire bytes.
func (d *Dispatcher) popOne(now time.Time) ([]byte, *PendingPacket) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, p := range d.queue {
		if p.sent {
			continue
		}

		datagram, err := Wrap(p.frame, d.cfg.Route)
		if err != nil {
			d.remove(p)
			d.log.error("dropping unencodable frame", "function", p.frame.Function.String(), "error", err)
			return nil, nil
		}

		if p.frame.Function == FuncForce {
			p.sent = true
			if p.firstSentAt.IsZero() {
				p.firstSentAt = now
			}
		} else {
			d.remove(p)
		}
		return datagram, p
	}
	return nil, nil
}

// restore returns a packet whose transmission failed to the unsent state.
// firstSentAt is kept so the removal timeout still bounds retries.
func (d *Dispatcher) restore(p *PendingPacket) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p.frame.Function == FuncForce {
		p.sent = false
		return
	}
	d.queue = append([]*PendingPacket{p}, d.queue...)
}

// remove deletes p from the queue. Caller holds d.mu.
func (d *Dispatcher) remove(p *PendingPacket) {
	for i, q := range d.queue {
		if q == p {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return
		}
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// NextInterval returns the delay before the next tick: MinDelay while the
// queue is nearly empty, Interval while a backlog exists.
func (d *Dispatcher) NextInterval() time.Duration {
	if d.Len() <= 1 {
		return d.cfg.MinDelay
	}
	return d.cfg.Interval
}

// Run ticks until ctx is cancelled. A panic inside one tick is logged and
// does not stop the loop.
func (d *Dispatcher) Run(ctx context.Context) {
	timer := time.NewTimer(d.NextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-timer.C:
			d.safeTick(now)
			timer.Reset(d.NextInterval())
		}
	}
}

func (d *Dispatcher) safeTick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			d.log.error("dispatcher tick panic", "error", fmt.Errorf("%v", r))
		}
	}()
	d.Tick(now)
}

// Clear discards every pending packet.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	d.queue = nil
	d.mu.Unlock()
}

// Len returns the number of pending packets.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Snapshot returns a view of the queue in send order.
func (d *Dispatcher) Snapshot() []PacketInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]PacketInfo, 0, len(d.queue))
	for _, p := range d.queue {
		info := PacketInfo{
			Function: p.frame.Function.String(),
			Node:     p.node,
			Sent:     p.sent,
			Payload:  hex.EncodeToString(p.frame.Payload),
		}
		if !p.firstSentAt.IsZero() {
			t := p.firstSentAt
			info.FirstSentAt = &t
		}
		out = append(out, info)
	}
	return out
}

// Stats returns current counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Queued:     d.Len(),
		Sent:       d.sent.Load(),
		Acked:      d.acked.Load(),
		Merged:     d.merged.Load(),
		Requeued:   d.requeued.Load(),
		Dropped:    d.dropped.Load(),
		SendErrors: d.sendErrors.Load(),
	}
}
