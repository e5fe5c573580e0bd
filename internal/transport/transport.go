// Package transport implements the sync peer transport contract (spec
// ยง4.q): a reliable, framed duplex channel over a websocket connection,
// with request/response correlation for packet and chunk exchange,
// heartbeating, and automatic reconnect with exponential backoff and
// jitter.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/vaultfs/vaultfs/internal/packet"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

// Defaults for Config fields left unset.
const (
	DefaultRequestTimeout      = 30 * time.Second
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultMaxReconnectAttempt = 10
	DefaultReconnectBaseDelay  = 500 * time.Millisecond
	DefaultReconnectMaxDelay   = 30 * time.Second
)

// PacketResponse is the peer's reply to a sendPacket call.
type PacketResponse struct {
	Success       bool     `json:"success"`
	MissingChunks []string `json:"missingChunks,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// ChunkHeader precedes a chunk's binary payload on the wire.
type ChunkHeader struct {
	ContentHash string `json:"contentHash"`
	NodeID      string `json:"nodeId"`
	Index       int    `json:"index"`
	TotalChunks int     `json:"totalChunks"`
	Size        int     `json:"size"`
	Checksum    string  `json:"checksum"`
}

type chunkRequestMsg struct {
	ContentHash string `json:"contentHash"`
	Index       int    `json:"index"`
	NodeID      string `json:"nodeId"`
}

type frameKind string

const (
	kindPacket              frameKind = "packet"
	kindPacketResponse      frameKind = "packet_response"
	kindChunkHeader         frameKind = "chunk_header"
	kindChunkAck            frameKind = "chunk_ack"
	kindChunkRequest        frameKind = "chunk_request"
	kindChunkResponseHeader frameKind = "chunk_response_header"
)

// envelope wraps every JSON control frame sent over the connection.
// Binary chunk payloads immediately follow a kindChunkHeader or
// kindChunkResponseHeader envelope as a separate binary websocket
// message, correlated by RequestID.
type envelope struct {
	Kind           frameKind        `json:"kind"`
	RequestID      string           `json:"requestId"`
	Packet         *packet.Packet   `json:"packet,omitempty"`
	PacketResponse *PacketResponse  `json:"packetResponse,omitempty"`
	ChunkHeader    *ChunkHeader     `json:"chunkHeader,omitempty"`
	ChunkRequest   *chunkRequestMsg `json:"chunkRequest,omitempty"`
	Error          string           `json:"error,omitempty"`

	// pendingBody carries a chunk's binary payload from
	// resolvePendingWithBody to the awaiting RequestChunk call.
	// Unexported: encoding/json never touches it.
	pendingBody []byte
}

// OnPacket handles an inbound packet pushed by the peer.
type OnPacket func(ctx context.Context, p *packet.Packet) (*PacketResponse, error)

// OnChunkRequest answers the peer's request for one of our chunks.
type OnChunkRequest func(ctx context.Context, contentHash string, index int, nodeID string) ([]byte, error)

// OnChunkReceived stores a chunk the peer pushed to us unsolicited
// (the sendChunk path, as opposed to the requestChunk pull path).
type OnChunkReceived func(ctx context.Context, header ChunkHeader, data []byte) error

// OnReconnectExhausted is invoked once reconnect gives up after
// MaxReconnectAttempts failed dials, so the caller can move its sync
// state to a persisted, retryable error state instead of waiting on a
// connection that is no longer being retried (spec ยง4.q).
type OnReconnectExhausted func(lastErr error)

// Config configures reconnect and timing behavior.
type Config struct {
	URL                  string
	RequestTimeout       time.Duration
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempt
	}

	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}

	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}

	return c
}

type pendingRequest struct {
	ch chan envelope
}

// Transport is one connection to a sync peer.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	onPacket             OnPacket
	onChunkRequest       OnChunkRequest
	onChunkReceived      OnChunkReceived
	onReconnectExhausted OnReconnectExhausted

	mu             sync.Mutex
	conn           *websocket.Conn
	connected      bool
	intentionClose bool
	pending        map[string]*pendingRequest

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// New creates a Transport. onPacket/onChunkRequest service inbound
// requests from the peer and may be nil if this side never receives
// that kind of message.
func New(logger *slog.Logger, cfg Config, onPacket OnPacket, onChunkRequest OnChunkRequest) *Transport {
	return &Transport{
		cfg:            cfg.withDefaults(),
		logger:         logger,
		onPacket:       onPacket,
		onChunkRequest: onChunkRequest,
		pending:        make(map[string]*pendingRequest),
	}
}

// SetOnChunkReceived installs the callback used to persist chunks the
// peer pushes to us. Safe to call before or after Connect.
func (t *Transport) SetOnChunkReceived(fn OnChunkReceived) {
	t.mu.Lock()
	t.onChunkReceived = fn
	t.mu.Unlock()
}

// SetOnPacket installs the callback used to apply an inbound packet,
// for callers that must construct the Transport before the component
// that answers onPacket exists yet. Safe to call before or after Connect.
func (t *Transport) SetOnPacket(fn OnPacket) {
	t.mu.Lock()
	t.onPacket = fn
	t.mu.Unlock()
}

// SetOnReconnectExhausted installs the callback run once automatic
// reconnect gives up after MaxReconnectAttempts. Safe to call before or
// after Connect, for the same construction-order reason as SetOnPacket.
func (t *Transport) SetOnReconnectExhausted(fn OnReconnectExhausted) {
	t.mu.Lock()
	t.onReconnectExhausted = fn
	t.mu.Unlock()
}

// Connect dials the peer and starts the read loop and heartbeat.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.intentionClose = false
	t.mu.Unlock()

	return t.dial(ctx)
}

func (t *Transport) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, t.cfg.URL, nil)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindConnection, "transport: dial", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.cancelLoop = cancel
	t.loopDone = make(chan struct{})
	t.mu.Unlock()

	go t.runLoops(loopCtx, conn)

	t.logger.Info("transport connected", "url", t.cfg.URL)

	return nil
}

// Serve accepts exactly one inbound peer connection at a time on addr
// and runs it through the same read/heartbeat loops the dial side uses
// (spec ยง4.q "the transport is symmetric once a connection is up"). A
// second peer attempting to connect while one is active is refused.
// Blocks until ctx is canceled or the listener fails.
func (t *Transport) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.logger.Warn("transport: accept failed", "error", err)
			return
		}

		t.mu.Lock()
		if t.connected {
			t.mu.Unlock()
			_ = conn.Close(websocket.StatusPolicyViolation, "peer already connected")

			return
		}

		loopCtx, cancel := context.WithCancel(context.Background())
		t.conn = conn
		t.connected = true
		t.intentionClose = false
		t.cancelLoop = cancel
		t.loopDone = make(chan struct{})
		t.mu.Unlock()

		t.logger.Info("transport accepted inbound peer connection", "remote", r.RemoteAddr)
		t.runLoops(loopCtx, conn)
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)

	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)

		return ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return vaulterr.Wrap(vaulterr.KindConnection, "transport: serve", err)
		}

		return nil
	}
}

func (t *Transport) runLoops(ctx context.Context, conn *websocket.Conn) {
	defer close(t.loopDone)

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		t.readLoop(ctx, conn)
	}()

	go func() {
		defer wg.Done()
		t.heartbeatLoop(ctx, conn)
	}()

	wg.Wait()

	t.mu.Lock()
	wasIntentional := t.intentionClose
	t.connected = false
	t.mu.Unlock()

	t.failPending(errors.New("transport: connection closed"))

	if !wasIntentional {
		t.logger.Warn("transport connection lost, reconnecting")
		go t.reconnect()
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
			err := conn.Ping(pingCtx)
			cancel()

			if err != nil {
				t.logger.Warn("transport heartbeat failed", "error", err)
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat failure")

				return
			}
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			t.logger.Warn("transport read failed", "error", err)

			return
		}

		if msgType != websocket.MessageText {
			// A lone binary frame with no preceding header is a
			// protocol violation; drop it.
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Warn("transport: malformed frame", "error", err)
			continue
		}

		t.handleEnvelope(ctx, conn, env)
	}
}

func (t *Transport) handleEnvelope(ctx context.Context, conn *websocket.Conn, env envelope) {
	switch env.Kind {
	case kindPacketResponse, kindChunkAck:
		t.resolvePending(env.RequestID, env)

	case kindChunkResponseHeader:
		_, body, err := conn.Read(ctx)
		if err != nil {
			t.logger.Warn("transport: failed reading chunk body", "error", err)
			return
		}

		env.ChunkHeader.Size = len(body)
		t.resolvePendingWithBody(env.RequestID, body, env.Error)

	case kindPacket:
		t.handleInboundPacket(ctx, conn, env)

	case kindChunkHeader:
		t.handleInboundChunk(ctx, conn, env)

	case kindChunkRequest:
		t.handleChunkRequest(ctx, conn, env)

	default:
		t.logger.Warn("transport: unknown frame kind", "kind", env.Kind)
	}
}

func (t *Transport) handleInboundPacket(ctx context.Context, conn *websocket.Conn, env envelope) {
	if t.onPacket == nil || env.Packet == nil {
		return
	}

	resp, err := t.onPacket(ctx, env.Packet)
	if err != nil {
		resp = &PacketResponse{Success: false, Error: err.Error()}
	}

	reply := envelope{Kind: kindPacketResponse, RequestID: env.RequestID, PacketResponse: resp}

	if err := t.writeEnvelope(ctx, conn, reply); err != nil {
		t.logger.Warn("transport: failed to ack packet", "error", err)
	}
}

func (t *Transport) handleInboundChunk(ctx context.Context, conn *websocket.Conn, env envelope) {
	if env.ChunkHeader == nil {
		return
	}

	_, body, err := conn.Read(ctx)
	if err != nil {
		t.logger.Warn("transport: failed reading inbound chunk body", "error", err)
		return
	}

	t.mu.Lock()
	fn := t.onChunkReceived
	t.mu.Unlock()

	ackErr := ""

	if fn != nil {
		if err := fn(ctx, *env.ChunkHeader, body); err != nil {
			ackErr = err.Error()
			t.logger.Warn("transport: onChunkReceived failed", "error", err)
		}
	}

	ack := envelope{Kind: kindChunkAck, RequestID: env.RequestID, Error: ackErr}
	if err := t.writeEnvelope(ctx, conn, ack); err != nil {
		t.logger.Warn("transport: failed to ack chunk", "error", err)
	}
}

func (t *Transport) handleChunkRequest(ctx context.Context, conn *websocket.Conn, env envelope) {
	if t.onChunkRequest == nil || env.ChunkRequest == nil {
		return
	}

	data, err := t.onChunkRequest(ctx, env.ChunkRequest.ContentHash, env.ChunkRequest.Index, env.ChunkRequest.NodeID)

	header := envelope{
		Kind:      kindChunkResponseHeader,
		RequestID: env.RequestID,
		ChunkHeader: &ChunkHeader{
			ContentHash: env.ChunkRequest.ContentHash,
			NodeID:      env.ChunkRequest.NodeID,
			Index:       env.ChunkRequest.Index,
		},
	}

	if err != nil {
		header.Error = err.Error()
		data = nil
	}

	if err := t.writeEnvelope(ctx, conn, header); err != nil {
		t.logger.Warn("transport: failed to write chunk response header", "error", err)
		return
	}

	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.logger.Warn("transport: failed to write chunk response body", "error", err)
	}
}

func (t *Transport) writeEnvelope(ctx context.Context, conn *websocket.Conn, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindInvalidOperation, "transport: marshal envelope", err)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

// SendPacket sends p and blocks for the peer's response, correlated by
// p.PacketID, bounded by RequestTimeout.
func (t *Transport) SendPacket(ctx context.Context, p *packet.Packet) (*PacketResponse, error) {
	conn, err := t.activeConn()
	if err != nil {
		return nil, err
	}

	reqID := p.PacketID
	waitCh := t.registerPending(reqID)
	defer t.unregisterPending(reqID)

	if err := t.writeEnvelope(ctx, conn, envelope{Kind: kindPacket, RequestID: reqID, Packet: p}); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindConnection, "transport: sendPacket", err)
	}

	env, err := t.awaitResponse(ctx, waitCh)
	if err != nil {
		return nil, err
	}

	if env.PacketResponse == nil {
		return nil, vaulterr.New(vaulterr.KindConnection, "transport: sendPacket: empty response")
	}

	return env.PacketResponse, nil
}

// SendChunk sends one chunk as a JSON header frame followed by a binary
// frame, and waits for the peer's ACK.
func (t *Transport) SendChunk(ctx context.Context, header ChunkHeader, data []byte) error {
	conn, err := t.activeConn()
	if err != nil {
		return err
	}

	reqID := header.ContentHash + ":" + itoa(header.Index)
	waitCh := t.registerPending(reqID)
	defer t.unregisterPending(reqID)

	if err := t.writeEnvelope(ctx, conn, envelope{Kind: kindChunkHeader, RequestID: reqID, ChunkHeader: &header}); err != nil {
		return vaulterr.Wrap(vaulterr.KindConnection, "transport: sendChunk header", err)
	}

	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return vaulterr.Wrap(vaulterr.KindConnection, "transport: sendChunk body", err)
	}

	ackEnv, err := t.awaitResponse(ctx, waitCh)
	if err != nil {
		return err
	}

	if ackEnv.Error != "" {
		return vaulterr.New(vaulterr.KindConnection, "transport: sendChunk: peer error: "+ackEnv.Error)
	}

	return nil
}

// RequestChunk asks the peer for one of its chunks and blocks for the
// binary reply, bounded by RequestTimeout.
func (t *Transport) RequestChunk(ctx context.Context, contentHash string, index int, nodeID string) ([]byte, error) {
	conn, err := t.activeConn()
	if err != nil {
		return nil, err
	}

	reqID := contentHash + ":" + itoa(index)
	waitCh := t.registerPending(reqID)
	defer t.unregisterPending(reqID)

	req := envelope{
		Kind:         kindChunkRequest,
		RequestID:    reqID,
		ChunkRequest: &chunkRequestMsg{ContentHash: contentHash, Index: index, NodeID: nodeID},
	}

	if err := t.writeEnvelope(ctx, conn, req); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindConnection, "transport: requestChunk", err)
	}

	env, err := t.awaitResponse(ctx, waitCh)
	if err != nil {
		return nil, err
	}

	if env.Error != "" {
		return nil, vaulterr.New(vaulterr.KindConnection, "transport: requestChunk: peer error: "+env.Error)
	}

	return env.pendingBody, nil
}

func (t *Transport) registerPending(reqID string) chan envelope {
	ch := make(chan envelope, 1)

	t.mu.Lock()
	t.pending[reqID] = &pendingRequest{ch: ch}
	t.mu.Unlock()

	return ch
}

func (t *Transport) unregisterPending(reqID string) {
	t.mu.Lock()
	delete(t.pending, reqID)
	t.mu.Unlock()
}

func (t *Transport) resolvePending(reqID string, env envelope) {
	t.mu.Lock()
	p, ok := t.pending[reqID]
	t.mu.Unlock()

	if !ok {
		return
	}

	select {
	case p.ch <- env:
	default:
	}
}

func (t *Transport) resolvePendingWithBody(reqID string, body []byte, errMsg string) {
	env := envelope{Error: errMsg}
	env.pendingBody = body
	t.resolvePending(reqID, env)
}

func (t *Transport) awaitResponse(ctx context.Context, ch <-chan envelope) (envelope, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	select {
	case env := <-ch:
		if env.Error != "" {
			return envelope{}, vaulterr.New(vaulterr.KindConnection, "transport: peer error: "+env.Error)
		}

		return env, nil
	case <-timeoutCtx.Done():
		return envelope{}, vaulterr.Wrap(vaulterr.KindConnection, "transport: request timed out", timeoutCtx.Err())
	}
}

func (t *Transport) failPending(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]*pendingRequest)
	t.mu.Unlock()

	for _, p := range pending {
		select {
		case p.ch <- envelope{Error: err.Error()}:
		default:
		}
	}
}

func (t *Transport) activeConn() (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return nil, vaulterr.New(vaulterr.KindConnection, "transport: not connected")
	}

	return t.conn, nil
}

// IsConnected reports whether the transport currently has a live
// connection.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.connected
}

// Disconnect closes the connection intentionally, disabling reconnect.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	t.intentionClose = true
	conn := t.conn
	cancel := t.cancelLoop
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn == nil {
		return nil
	}

	return conn.Close(websocket.StatusNormalClosure, "intentional disconnect")
}

// reconnect retries Connect with exponential backoff and jitter, capped
// by MaxReconnectAttempts. Once the cap is hit it logs the exhaustion and
// calls the OnReconnectExhausted callback; a later Connect call starts
// over from scratch.
func (t *Transport) reconnect() {
	t.mu.Lock()
	if t.intentionClose {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	backoff, err := retry.NewExponential(t.cfg.ReconnectBaseDelay)
	if err != nil {
		t.logger.Error("transport: invalid backoff configuration", "error", err)
		return
	}

	backoff = retry.WithCappedDuration(t.cfg.ReconnectMaxDelay, backoff)
	backoff = retry.WithJitterPercent(50, backoff)
	backoff = retry.WithMaxRetries(uint64(t.cfg.MaxReconnectAttempts), backoff)

	attempt := 0

	err = retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		attempt++

		t.mu.Lock()
		intentional := t.intentionClose
		t.mu.Unlock()

		if intentional {
			return nil
		}

		if err := t.dial(ctx); err != nil {
			t.logger.Warn("transport: reconnect attempt failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}

		t.logger.Info("transport: reconnected", "attempt", attempt)

		return nil
	})
	if err != nil {
		t.logger.Error("transport: reconnect attempts exhausted", "attempts", attempt, "error", err)

		t.mu.Lock()
		onExhausted := t.onReconnectExhausted
		t.mu.Unlock()

		if onExhausted != nil {
			onExhausted(err)
		}
	}
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
