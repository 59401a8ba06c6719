// Package stream reassembles TCP connections and runs one HTTP parser per
// connection over the two reassembled byte streams.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/tcpassembly"

	"htpsniff/internal/flow"
	"htpsniff/internal/htp"
	"htpsniff/internal/metrics"
	"htpsniff/internal/models"
)

const (
	inputChanCap         = 4096
	defaultFlushInterval = 30 * time.Second
)

// Sink receives parsed results. Calls are made from the assembler goroutine.
type Sink interface {
	TransactionComplete(tx models.TransactionInfo)
	ConnectionClosed(conn models.ConnectionInfo)
}

// Options configures a Manager.
type Options struct {
	// ServerPorts decide which side is the server when the TCP handshake
	// was not captured.
	ServerPorts   []uint16
	FlushInterval time.Duration
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Manager coordinates TCP stream reassembly and HTTP parsing. All parsers
// are driven from the single assembler goroutine.
type Manager struct {
	cfg     *htp.Config
	tracker *flow.Tracker
	sink    Sink
	metrics *metrics.Metrics
	logger  *slog.Logger

	serverPorts   map[uint16]bool
	flushInterval time.Duration

	factory   *streamFactory
	assembler *tcpassembly.Assembler
	conns     map[flow.Key]*conn
	latest    time.Time

	inputCh  chan gopacket.Packet
	flushCh  chan chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	connCount atomic.Int64
	txCount   atomic.Int64
}

// NewManager creates a manager that parses every connection with cfg. The
// manager registers its own hooks on cfg, so cfg must not be shared with
// parsers created elsewhere.
func NewManager(cfg *htp.Config, tracker *flow.Tracker, sink Sink, opts Options) *Manager {
	m := &Manager{
		cfg:           cfg,
		tracker:       tracker,
		sink:          sink,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		serverPorts:   make(map[uint16]bool, len(opts.ServerPorts)),
		flushInterval: opts.FlushInterval,
		conns:         make(map[flow.Key]*conn),
		inputCh:       make(chan gopacket.Packet, inputChanCap),
		flushCh:       make(chan chan struct{}),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	if m.tracker == nil {
		m.tracker = flow.NewTracker()
	}
	if m.metrics == nil {
		m.metrics = metrics.New("")
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.flushInterval <= 0 {
		m.flushInterval = defaultFlushInterval
	}
	for _, p := range opts.ServerPorts {
		m.serverPorts[p] = true
	}

	cfg.RegisterHook(htp.EventTransactionComplete, m.onTransactionComplete)
	cfg.RegisterHook(htp.EventRequestBodyData, func(ev htp.Event) {
		m.metrics.BodyBytes.WithLabelValues("request").Add(float64(len(ev.Data)))
	})
	cfg.RegisterHook(htp.EventResponseBodyData, func(ev htp.Event) {
		m.metrics.BodyBytes.WithLabelValues("response").Add(float64(len(ev.Data)))
	})

	m.factory = &streamFactory{mgr: m}
	m.assembler = tcpassembly.NewAssembler(tcpassembly.NewStreamPool(m.factory))
	return m
}

// Feed sends a packet to the assembler goroutine. Non-blocking; the packet
// is dropped when the assembler cannot keep up.
func (m *Manager) Feed(pkt gopacket.Packet) {
	select {
	case m.inputCh <- pkt:
		m.metrics.PacketsTotal.Inc()
	default:
		m.metrics.PacketsDropped.Inc()
	}
}

// FeedWait sends a packet to the assembler goroutine, waiting for room.
func (m *Manager) FeedWait(ctx context.Context, pkt gopacket.Packet) error {
	select {
	case m.inputCh <- pkt:
		m.metrics.PacketsTotal.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopCh:
		return context.Canceled
	}
}

// Flush processes every queued packet, then closes all connections still
// being reassembled. It returns once their results reached the sink.
func (m *Manager) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case m.flushCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.doneCh:
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the assembler goroutine.
func (m *Manager) Start() {
	go m.assembleLoop()
}

// Stop flushes all connections and waits for the assembler to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// Connections returns the number of connections seen so far.
func (m *Manager) Connections() int { return int(m.connCount.Load()) }

// Transactions returns the number of completed transactions.
func (m *Manager) Transactions() int { return int(m.txCount.Load()) }

func (m *Manager) assembleLoop() {
	defer close(m.doneCh)
	flushTicker := time.NewTicker(m.flushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-m.stopCh:
			m.drain()
			m.assembler.FlushAll()
			return
		case pkt := <-m.inputCh:
			m.assemble(pkt)
		case done := <-m.flushCh:
			m.drain()
			m.assembler.FlushAll()
			close(done)
		case <-flushTicker.C:
			// Packet time, not wall time, so replays age out the same way.
			if !m.latest.IsZero() {
				m.assembler.FlushOlderThan(m.latest.Add(-m.flushInterval))
			}
		}
	}
}

func (m *Manager) drain() {
	for {
		select {
		case pkt := <-m.inputCh:
			m.assemble(pkt)
		default:
			return
		}
	}
}

func (m *Manager) assemble(pkt gopacket.Packet) {
	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil || pkt.NetworkLayer() == nil {
		return
	}
	tcp := tcpLayer.(*layers.TCP)
	ts := pkt.Metadata().Timestamp
	if ts.After(m.latest) {
		m.latest = ts
	}
	m.assembler.AssembleWithTimestamp(pkt.NetworkLayer().NetworkFlow(), tcp, ts)
}

func (m *Manager) onTransactionComplete(ev htp.Event) {
	c, ok := ev.Parser.UserData().(*conn)
	if !ok {
		return
	}
	m.txCount.Add(1)
	m.metrics.Transactions.WithLabelValues(methodLabel(ev.Tx.Method), metrics.StatusClass(ev.Tx.ResponseStatusNumber)).Inc()
	if m.sink != nil {
		m.sink.TransactionComplete(transactionInfo(c, ev.Tx))
	}
}
