package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"htpsniff/internal/capture"
	"htpsniff/internal/config"
	"htpsniff/internal/decompress"
	"htpsniff/internal/flow"
	"htpsniff/internal/htp"
	"htpsniff/internal/metrics"
	"htpsniff/internal/models"
	"htpsniff/internal/stream"
)

const statsInterval = time.Second

// ErrCaptureRunning is returned when a live capture is already active.
var ErrCaptureRunning = errors.New("capture already running")

// Client represents a connected client that receives parse results.
type Client interface {
	SendMessage(msg models.WSMessage) error
}

// Engine manages capture sessions and broadcasts parsed transactions to
// clients.
type Engine struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	tracker *flow.Tracker

	mu          sync.Mutex
	clients     map[Client]bool
	liveCapture *capture.LiveCapture
	manager     *stream.Manager
	stopCh      chan struct{}
	capturing   bool
	sessionID   string
	pktCount    int
}

// New creates a new Engine.
func New(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(cfg.MetricsNamespace)
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("htpsniff/engine"),
		tracker: flow.NewTracker(),
		clients: make(map[Client]bool),
	}
}

// RegisterClient adds a client to receive broadcasts.
func (e *Engine) RegisterClient(c Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[c] = true
}

// UnregisterClient removes a client.
func (e *Engine) UnregisterClient(c Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.clients, c)
}

// GetInterfaces returns available network interfaces.
func (e *Engine) GetInterfaces() ([]models.InterfaceInfo, error) {
	ifaces, err := capture.ListInterfaces()
	if err != nil {
		return nil, err
	}
	out := make([]models.InterfaceInfo, 0, len(ifaces))
	for _, i := range ifaces {
		out = append(out, models.InterfaceInfo{
			Name:        i.Name,
			Description: i.Description,
			Addresses:   i.Addresses,
		})
	}
	return out, nil
}

// GetFlows returns a snapshot of the TCP flows being tracked.
func (e *Engine) GetFlows() []*flow.Flow {
	return e.tracker.GetFlows()
}

// newManager builds a stream manager with a fresh parser configuration.
func (e *Engine) newManager() (*stream.Manager, error) {
	pc, err := e.cfg.Parser(e.logger.With("component", "htp"))
	if err != nil {
		return nil, fmt.Errorf("parser config: %w", err)
	}
	pc.NewDecompressor = func(codings []string, limit int64) (htp.Decompressor, error) {
		return decompress.New(codings, limit)
	}
	return stream.NewManager(pc, e.tracker, e, stream.Options{
		ServerPorts:   e.cfg.ServerPorts,
		FlushInterval: e.cfg.FlushInterval,
		Metrics:       e.metrics,
		Logger:        e.logger,
	}), nil
}

// StartCapture begins a live capture on the given interface.
func (e *Engine) StartCapture(req models.StartCaptureRequest) error {
	e.mu.Lock()
	if e.capturing {
		e.mu.Unlock()
		return ErrCaptureRunning
	}
	e.mu.Unlock()

	if req.SnapLen <= 0 {
		req.SnapLen = e.cfg.SnapLen
	}
	lc, err := capture.NewLiveCapture(req.Interface, req.BPFFilter, req.SnapLen)
	if err != nil {
		return err
	}
	mgr, err := e.newManager()
	if err != nil {
		lc.Close()
		return err
	}

	e.mu.Lock()
	if e.capturing {
		e.mu.Unlock()
		lc.Close()
		return ErrCaptureRunning
	}
	e.liveCapture = lc
	e.manager = mgr
	e.capturing = true
	e.pktCount = 0
	e.sessionID = uuid.NewString()
	e.stopCh = make(chan struct{})
	stopCh, sessionID := e.stopCh, e.sessionID
	e.mu.Unlock()

	mgr.Start()
	e.logger.Info("capture started", "session", sessionID, "interface", req.Interface, "filter", req.BPFFilter)
	e.broadcastJSON(models.TypeCaptureStarted, models.CaptureStarted{SessionID: sessionID, InterfaceName: req.Interface})

	go e.captureLoop(lc, mgr, stopCh)
	return nil
}

// StopCapture stops the active capture. Connections still open are
// flushed and reported.
func (e *Engine) StopCapture() {
	e.mu.Lock()
	if !e.capturing {
		e.mu.Unlock()
		return
	}
	e.capturing = false
	stopCh := e.stopCh
	lc := e.liveCapture
	mgr := e.manager
	sessionID := e.sessionID
	e.mu.Unlock()

	// Broadcast immediately so clients get instant feedback
	e.broadcastJSON(models.TypeCaptureStopped, e.stats())

	close(stopCh)
	lc.Close()
	mgr.Stop()
	e.logger.Info("capture stopped", "session", sessionID, "transactions", mgr.Transactions())
}

// LoadPcapFile parses a pcap file and returns the replay statistics. Every
// transaction found is broadcast to the clients.
func (e *Engine) LoadPcapFile(ctx context.Context, path string) (stats models.CaptureStats, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.LoadPcapFile",
		trace.WithAttributes(attribute.String("pcap.path", path)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int("pcap.packets", stats.PacketCount),
				attribute.Int("http.connections", stats.Connections),
				attribute.Int("http.transactions", stats.Transactions),
			)
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	reader, err := capture.NewPcapReader(path, "")
	if err != nil {
		return stats, err
	}
	defer reader.Close()

	mgr, err := e.newManager()
	if err != nil {
		return stats, err
	}
	mgr.Start()
	defer mgr.Stop()

	stats.SessionID = uuid.NewString()
	e.broadcastJSON(models.TypeCaptureStarted, models.CaptureStarted{SessionID: stats.SessionID, File: path})

	for pkt := range reader.Packets().Packets() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !e.track(pkt) {
			continue
		}
		stats.PacketCount++
		if err := mgr.FeedWait(ctx, pkt); err != nil {
			return stats, err
		}
	}
	if err := mgr.Flush(ctx); err != nil {
		return stats, err
	}

	stats.Connections = mgr.Connections()
	stats.Transactions = mgr.Transactions()
	e.logger.Info("pcap loaded", "session", stats.SessionID, "file", path,
		"packets", stats.PacketCount, "transactions", stats.Transactions)
	e.broadcastJSON(models.TypePcapLoaded, stats)
	return stats, nil
}

func (e *Engine) captureLoop(lc *capture.LiveCapture, mgr *stream.Manager, stopCh chan struct{}) {
	source := lc.Packets()
	lastStats := time.Now()
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		pkt, err := source.NextPacket()
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
			}
			if err == io.EOF {
				return
			}
			if err != pcap.NextErrorTimeoutExpired {
				e.logger.Warn("packet read error", "error", err)
			}
			continue
		}

		if e.track(pkt) {
			mgr.Feed(pkt)
			e.mu.Lock()
			e.pktCount++
			e.mu.Unlock()
		}

		if time.Since(lastStats) >= statsInterval {
			lastStats = time.Now()
			e.broadcastJSON(models.TypeCaptureStats, e.stats())
		}
	}
}

// track records a TCP packet in the flow table. Packets without a TCP
// segment are ignored.
func (e *Engine) track(pkt gopacket.Packet) bool {
	t, ok := extractTuple(pkt)
	if !ok {
		return false
	}
	e.tracker.Track(t.srcIP, t.dstIP, t.srcPort, t.dstPort, t.length, t.flags, pkt.Metadata().Timestamp)
	return true
}

func (e *Engine) stats() models.CaptureStats {
	e.mu.Lock()
	s := models.CaptureStats{SessionID: e.sessionID, PacketCount: e.pktCount}
	lc, mgr := e.liveCapture, e.manager
	e.mu.Unlock()

	if lc != nil {
		s.InterfaceName = lc.Interface()
		if _, dropped, err := lc.Stats(); err == nil {
			s.DroppedCount = dropped
		}
	}
	if mgr != nil {
		s.Connections = mgr.Connections()
		s.Transactions = mgr.Transactions()
	}
	return s
}

// TransactionComplete implements stream.Sink.
func (e *Engine) TransactionComplete(tx models.TransactionInfo) {
	e.broadcastJSON(models.TypeTransaction, tx)
}

// ConnectionClosed implements stream.Sink.
func (e *Engine) ConnectionClosed(c models.ConnectionInfo) {
	e.broadcastJSON(models.TypeConnection, c)
}

func (e *Engine) broadcastJSON(typ string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("marshal broadcast", "type", typ, "error", err)
		return
	}
	e.broadcast(models.WSMessage{Type: typ, Payload: payload})
}

func (e *Engine) broadcast(msg models.WSMessage) {
	e.mu.Lock()
	clients := make([]Client, 0, len(e.clients))
	for c := range e.clients {
		clients = append(clients, c)
	}
	e.mu.Unlock()

	for _, c := range clients {
		if err := c.SendMessage(msg); err != nil {
			e.logger.Debug("send to client failed", "type", msg.Type, "error", err)
		}
	}
}
