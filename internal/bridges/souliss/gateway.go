package souliss

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultGatewayPort is the vNet UDP port of a Souliss gateway.
const DefaultGatewayPort = 230

// Default refresh intervals.
const (
	DefaultPingInterval         = 30 * time.Second
	DefaultSubscriptionInterval = 2 * time.Minute
	DefaultHealthInterval       = time.Minute

	// onlinePingWindow is how many ping intervals may pass without a reply
	// before the gateway is considered offline.
	onlinePingWindow = 3

	// notifyQueueSize bounds observer notifications waiting for the
	// notification worker.
	notifyQueueSize = 256
)

// QueryKind names a header-only request a gateway understands.
type QueryKind string

// Query kinds.
const (
	QueryPing        QueryKind = "ping"
	QueryDBStructure QueryKind = "db_structure"
	QueryTypicals    QueryKind = "typicals"
	QueryHealth      QueryKind = "health"
	QuerySubscribe   QueryKind = "subscribe"
	QueryPoll        QueryKind = "poll"
)

var queryFunctions = map[QueryKind]FunctionCode{
	QueryPing:        FuncPing,
	QueryDBStructure: FuncDBStructRequest,
	QueryTypicals:    FuncTypicalRequest,
	QueryHealth:      FuncHealthRequest,
	QuerySubscribe:   FuncSubscribe,
	QueryPoll:        FuncPoll,
}

// ParseQueryKind validates a query name.
func ParseQueryKind(s string) (QueryKind, error) {
	k := QueryKind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := queryFunctions[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownQuery, s)
	}
	return k, nil
}

// StateObserver is notified of decoded gateway activity. Calls are made
// in arrival order from one notification worker per gateway, never from
// the receive goroutine. When the observer falls behind by more than
// notifyQueueSize notifications the newest are dropped and counted.
type StateObserver interface {
	SlotChanged(gatewayID string, info SlotInfo)
	TypicalDetected(gatewayID string, node, slot int, typical byte)
	NodeHealthChanged(gatewayID string, node int, health byte)
	TopicReceived(gatewayID string, topic TopicInfo)
}

// FrameRecorder receives every datagram sent or received.
type FrameRecorder interface {
	RecordFrame(gatewayID string, outbound bool, datagram []byte)
}

// GatewayConfig holds settings for one gateway connection.
type GatewayConfig struct {
	ID      string
	Address string

	// Port is the gateway's vNet port. Default: 230.
	Port int

	// LocalPort is the UDP port bound for this gateway. Zero is ephemeral.
	LocalPort int

	NodeIndex byte
	UserIndex byte

	// Nodes is the node count used for subscription and health requests.
	// Zero means learned from the database structure reply.
	Nodes int

	MaxTypicalPerNode int

	SendInterval     time.Duration
	SendMinDelay     time.Duration
	TimeoutToRequeue time.Duration
	TimeoutToRemove  time.Duration

	PingInterval         time.Duration
	SubscriptionInterval time.Duration
	HealthInterval       time.Duration
	ReadTimeout          time.Duration
}

// GatewayStatus is a snapshot of a gateway connection.
type GatewayStatus struct {
	ID                string          `json:"id"`
	Address           string          `json:"address"`
	Online            bool            `json:"online"`
	LastSeen          *time.Time      `json:"last_seen,omitempty"`
	Nodes             int             `json:"nodes"`
	MaxTypicalPerNode int             `json:"max_typical_per_node"`
	Slots             int             `json:"slots"`
	NotifyDropped     uint64          `json:"notifications_dropped"`
	Queue             DispatcherStats `json:"queue"`
	Socket            ListenerStats   `json:"socket"`
}

// Gateway is the connection to one Souliss gateway: a UDP listener, a
// decoder filtering on the gateway's address and a send dispatcher, plus a
// refresh loop keeping subscriptions and health current.
//
// Thread Safety: All methods are safe for concurrent use.
type Gateway struct {
	cfg  GatewayConfig
	addr *net.UDPAddr

	registry   *SlotRegistry
	decoder    *Decoder
	dispatcher *Dispatcher
	listener   *Listener

	observer StateObserver
	recorder FrameRecorder
	log      logRef

	// Observer notification queue (bounded, drop on overflow)
	notifications chan func()
	notifyDropped atomic.Uint64

	nodeCount atomic.Int32
	lastSeen  atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewGateway creates a gateway connection. registry may be shared with a
// persistence layer; observer and recorder may be nil.
//
// Returns:
//   - *Gateway: Ready to start
//   - error: If the address is not an IPv4 address
func NewGateway(cfg GatewayConfig, registry *SlotRegistry, observer StateObserver, recorder FrameRecorder) (*Gateway, error) {
	ip := net.ParseIP(cfg.Address).To4()
	if ip == nil {
		return nil, fmt.Errorf("souliss: gateway %q address %q is not IPv4", cfg.ID, cfg.Address)
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultGatewayPort
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.SubscriptionInterval <= 0 {
		cfg.SubscriptionInterval = DefaultSubscriptionInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if registry == nil {
		registry = NewSlotRegistry(nil)
	}

	g := &Gateway{
		cfg:      cfg,
		addr:     &net.UDPAddr{IP: ip, Port: cfg.Port},
		registry: registry,
		decoder:  NewDecoder(ip[3]),
		observer: observer,
		recorder: recorder,

		notifications: make(chan func(), notifyQueueSize),
	}
	if cfg.MaxTypicalPerNode > 0 {
		g.decoder.SetMaxTypicalPerNode(cfg.MaxTypicalPerNode)
	}
	g.nodeCount.Store(int32(cfg.Nodes))

	g.dispatcher = NewDispatcher(DispatcherConfig{
		Route:            RouteTo(ip, cfg.NodeIndex, cfg.UserIndex),
		Interval:         cfg.SendInterval,
		MinDelay:         cfg.SendMinDelay,
		TimeoutToRequeue: cfg.TimeoutToRequeue,
		TimeoutToRemove:  cfg.TimeoutToRemove,
	}, registry, g)

	g.listener = NewListener(ListenerConfig{
		LocalPort:   cfg.LocalPort,
		ReadTimeout: cfg.ReadTimeout,
	}, g.handleDatagram)

	return g, nil
}

// SetLogger sets the logger for the gateway and its components.
func (g *Gateway) SetLogger(logger Logger) {
	g.log.set(logger)
	g.dispatcher.SetLogger(logger)
	g.listener.SetLogger(logger)
}

// ID returns the gateway identifier.
func (g *Gateway) ID() string { return g.cfg.ID }

// Registry returns the slot registry of this gateway.
func (g *Gateway) Registry() *SlotRegistry { return g.registry }

// Dispatcher returns the send queue of this gateway.
func (g *Gateway) Dispatcher() *Dispatcher { return g.dispatcher }

// Start binds the socket and launches the dispatcher and refresh loops.
// The database structure and typical list are requested immediately.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}
	if g.cancel != nil {
		return fmt.Errorf("souliss: gateway %s cannot be restarted", g.cfg.ID)
	}

	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.running = true

	g.listener.Start()

	g.wg.Add(3)
	go func() {
		defer g.wg.Done()
		g.notifyWorker(ctx)
	}()
	go func() {
		defer g.wg.Done()
		g.dispatcher.Run(ctx)
	}()
	go func() {
		defer g.wg.Done()
		g.refreshLoop(ctx)
	}()

	for _, k := range []QueryKind{QueryDBStructure, QueryTypicals, QueryPing} {
		if err := g.EnqueueQuery(k); err != nil {
			g.log.warn("initial request failed", "gateway", g.cfg.ID, "query", string(k), "error", err)
		}
	}

	g.log.info("souliss gateway started", "gateway", g.cfg.ID, "address", g.addr.String())
	return nil
}

// Stop cancels the loops, closes the socket and discards pending packets.
// Safe to call multiple times.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	g.cancel()
	g.mu.Unlock()

	g.wg.Wait()
	//nolint:errcheck // Close always returns nil
	g.listener.Close()
	g.dispatcher.Clear()

	g.log.info("souliss gateway stopped", "gateway", g.cfg.ID)
}

// refreshLoop issues ping, subscription and health requests on their
// intervals.
func (g *Gateway) refreshLoop(ctx context.Context) {
	ping := time.NewTicker(g.cfg.PingInterval)
	defer ping.Stop()
	sub := time.NewTicker(g.cfg.SubscriptionInterval)
	defer sub.Stop()
	health := time.NewTicker(g.cfg.HealthInterval)
	defer health.Stop()

	for {
		var k QueryKind
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			k = QueryPing
		case <-sub.C:
			k = QuerySubscribe
		case <-health.C:
			k = QueryHealth
		}
		if err := g.EnqueueQuery(k); err != nil {
			g.log.warn("refresh request failed", "gateway", g.cfg.ID, "query", string(k), "error", err)
		}
	}
}

// Transmit implements Transmitter by sending to the gateway address.
func (g *Gateway) Transmit(datagram []byte) error {
	if err := g.listener.SendTo(g.addr, datagram); err != nil {
		return err
	}
	if g.recorder != nil {
		g.recorder.RecordFrame(g.cfg.ID, true, datagram)
	}
	return nil
}

// EnqueueForce queues a force frame for one slot.
func (g *Gateway) EnqueueForce(node, slot int, command byte, extra ...byte) error {
	if node < 0 || node > 0xff || slot < 0 || slot > 0xff {
		return fmt.Errorf("%w: node %d slot %d out of range", ErrInvalidCommand, node, slot)
	}
	f, err := BuildForceFrame(byte(node), byte(slot), command, extra...)
	if err != nil {
		return err
	}
	return g.dispatcher.Enqueue(f)
}

// Command translates a named typical command for a registered slot and
// queues it.
//
// Returns:
//   - error: ErrSlotNotFound, ErrInvalidCommand or a queue error
func (g *Gateway) Command(node, slot int, name string, params map[string]any) error {
	s, ok := g.registry.Slot(node, slot)
	if !ok {
		return fmt.Errorf("%w: gateway %s node %d slot %d", ErrSlotNotFound, g.cfg.ID, node, slot)
	}
	if s.spec.Command == nil {
		return fmt.Errorf("%w: %s is read-only", ErrInvalidCommand, s.spec.Name)
	}

	fc, err := s.spec.Command(name, params)
	if err != nil {
		return err
	}
	return g.EnqueueForce(node, slot+fc.Offset, fc.Command, fc.Extra...)
}

// EnqueueQuery queues a header-only request. args optionally override the
// start offset and count; by default requests start at node zero and span
// the known node count.
func (g *Gateway) EnqueueQuery(kind QueryKind, args ...int) error {
	fn, ok := queryFunctions[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQuery, kind)
	}

	start, count := 0, g.Nodes()
	switch kind {
	case QueryPing, QueryDBStructure:
		count = 0
	}
	if len(args) > 0 {
		start = args[0]
	}
	if len(args) > 1 {
		count = args[1]
	}
	if start < 0 || start > 0xff || count < 0 || count > 0xff {
		return fmt.Errorf("%w: start %d count %d out of range", ErrInvalidCommand, start, count)
	}

	return g.dispatcher.Enqueue(BuildRequestFrame(fn, byte(start), byte(count)))
}

// Nodes returns the node count used for requests, at least one.
func (g *Gateway) Nodes() int {
	if n := int(g.nodeCount.Load()); n > 0 {
		return n
	}
	return 1
}

// LastSeen returns the time of the last frame from the gateway.
func (g *Gateway) LastSeen() time.Time {
	ns := g.lastSeen.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Online reports whether the gateway answered within the last three ping
// intervals.
func (g *Gateway) Online() bool {
	seen := g.LastSeen()
	if seen.IsZero() {
		return false
	}
	return time.Since(seen) <= onlinePingWindow*g.cfg.PingInterval
}

// Status returns a snapshot of the connection.
func (g *Gateway) Status() GatewayStatus {
	st := GatewayStatus{
		ID:                g.cfg.ID,
		Address:           g.addr.String(),
		Online:            g.Online(),
		Nodes:             g.Nodes(),
		MaxTypicalPerNode: g.decoder.MaxTypicalPerNode(),
		Slots:             g.registry.Len(),
		NotifyDropped:     g.notifyDropped.Load(),
		Queue:             g.dispatcher.Stats(),
		Socket:            g.listener.Stats(),
	}
	if seen := g.LastSeen(); !seen.IsZero() {
		st.LastSeen = &seen
	}
	return st
}

// handleDatagram is the listener callback. It only decodes and updates the
// registry; observer work is queued for the notification worker.
func (g *Gateway) handleDatagram(datagram []byte, _ *net.UDPAddr) {
	if g.recorder != nil {
		g.recorder.RecordFrame(g.cfg.ID, false, datagram)
	}

	events, err := g.decoder.Decode(datagram)
	if err != nil {
		g.log.debug("dropping malformed datagram", "gateway", g.cfg.ID, "error", err)
		return
	}
	for _, ev := range events {
		g.handleEvent(ev)
	}
}

func (g *Gateway) handleEvent(ev Event) {
	switch ev.(type) {
	case DiscoveryEvent, TopicEvent:
	default:
		g.lastSeen.Store(time.Now().UnixNano())
	}

	switch e := ev.(type) {
	case PingEvent:
		g.log.debug("ping reply", "gateway", g.cfg.ID)

	case StateEvent:
		for _, info := range g.registry.ApplyNodeState(e.Node, e.Raw) {
			g.notify(func(o StateObserver) { o.SlotChanged(g.cfg.ID, info) })
		}

	case TypicalDetectedEvent:
		_, changed, err := g.registry.Register(e.Node, e.Slot, e.Typical)
		if err != nil {
			g.log.debug("ignoring typical", "gateway", g.cfg.ID, "error", err)
			return
		}
		if changed {
			g.notify(func(o StateObserver) { o.TypicalDetected(g.cfg.ID, e.Node, e.Slot, e.Typical) })
		}

	case HealthEvent:
		g.registry.ApplyHealth(e.Node, e.Health)
		g.notify(func(o StateObserver) { o.NodeHealthChanged(g.cfg.ID, e.Node, e.Health) })

	case TopologyEvent:
		g.applyTopology(e)

	case TopicEvent:
		g.registry.OnTopicDetected(e.Number, e.Variant)
		info := g.registry.RecordTopic(e)
		g.notify(func(o StateObserver) { o.TopicReceived(g.cfg.ID, info) })

	case DiscoveryEvent:
		g.registry.OnGatewayDiscovered(e.IP, e.NodeOctet)

	case ErrorReplyEvent:
		g.log.warn("gateway error reply", "gateway", g.cfg.ID, "function", e.Function.String())

	case UnknownEvent:
		g.log.debug("unhandled function code", "gateway", g.cfg.ID, "function", e.Function.String())
	}
}

// notify queues an observer call without blocking. A full queue drops the
// notification.
func (g *Gateway) notify(fn func(StateObserver)) {
	if g.observer == nil {
		return
	}
	select {
	case g.notifications <- func() { fn(g.observer) }:
	default:
		if g.notifyDropped.Add(1) == 1 {
			g.log.warn("observer queue full, dropping notifications", "gateway", g.cfg.ID)
		}
	}
}

// notifyWorker runs queued observer calls until ctx is cancelled, then
// discards whatever is left.
func (g *Gateway) notifyWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			g.drainNotifications()
			return
		case fn := <-g.notifications:
			g.runNotification(fn)
		}
	}
}

func (g *Gateway) runNotification(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.log.error("observer panic", "gateway", g.cfg.ID, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// drainNotifications removes and discards any queued notifications.
func (g *Gateway) drainNotifications() {
	for {
		select {
		case <-g.notifications:
		default:
			return
		}
	}
}

// applyTopology recalibrates decoding from a database structure reply and
// asks for the typical list again when the layout changed.
func (g *Gateway) applyTopology(e TopologyEvent) {
	before := g.decoder.MaxTypicalPerNode()
	g.decoder.SetMaxTypicalPerNode(e.MaxTypicalPerNode)

	nodesChanged := false
	if g.cfg.Nodes == 0 && e.NodeCount > 0 {
		nodesChanged = int(g.nodeCount.Swap(int32(e.NodeCount))) != e.NodeCount
	}

	g.log.info("gateway topology",
		"gateway", g.cfg.ID,
		"nodes", e.NodeCount,
		"max_nodes", e.MaxNodes,
		"max_typical_per_node", e.MaxTypicalPerNode,
		"max_requests", e.MaxRequests,
	)

	if nodesChanged || before != g.decoder.MaxTypicalPerNode() {
		for _, k := range []QueryKind{QueryTypicals, QuerySubscribe} {
			if err := g.EnqueueQuery(k); err != nil {
				g.log.warn("request after topology failed", "gateway", g.cfg.ID, "query", string(k), "error", err)
			}
		}
	}
}
