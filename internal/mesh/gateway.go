package mesh

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
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

// Default timeouts and sizes for gateway communication.
const (
	defaultConnectTimeout    = 10 * time.Second
	defaultReadTimeout       = 30 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultReconnectInterval = 5 * time.Second
	maxReconnectInterval     = 2 * time.Minute

	// readBufferSize bounds a single frame; larger frames desync the stream.
	readBufferSize = 512

	eventQueueSize = 100

	// eventWorkerCount is 1 so callbacks see events in arrival order:
	// a bind must follow its prov_complete, and status frames for one
	// lamp must publish in sequence.
	eventWorkerCount = 1
)

// GatewayConfig holds gateway connection settings.
type GatewayConfig struct {
	// Connection is the gateway URL:
	//   - "unix:///run/meshd.sock"
	//   - "tcp://localhost:7720"
	Connection string

	// DeviceUUID identifies this node to the gateway in the open handshake.
	DeviceUUID uuid.UUID

	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	ReconnectInterval time.Duration

	// OnEvent, when set, is installed before the receive loop starts so
	// frames sent right after the handshake are not lost. SetOnEvent
	// replaces it.
	OnEvent func(Event)
}

// GatewayStats holds operational statistics.
type GatewayStats struct {
	MessagesTx      uint64
	EventsRx        uint64
	EventsDropped   uint64 // Events dropped due to a full queue
	ErrorsTotal     uint64
	ReconnectsTotal uint64
	LastActivity    time.Time
	Connected       bool
	Reconnecting    bool
}

// GatewayClient is the connection to the mesh gateway daemon.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Event callbacks run in arrival order on one worker; panics are recovered.
//
// Auto-Reconnection:
//   - A lost connection is re-established with exponential backoff from
//     ReconnectInterval up to two minutes, until Close is called.
type GatewayClient struct {
	cfg GatewayConfig

	connMu    sync.RWMutex
	conn      net.Conn
	connected bool

	reconnecting   atomic.Bool
	reconnectCount atomic.Int32

	onEvent    func(Event)
	callbackMu sync.RWMutex
	eventQueue chan Event

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	messagesTx      atomic.Uint64
	eventsRx        atomic.Uint64
	eventsDropped   atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64
}

var _ Sender = (*GatewayClient)(nil)

// ConnectGateway dials the gateway, performs the open handshake and
// starts the receive loop.
func ConnectGateway(ctx context.Context, cfg GatewayConfig) (*GatewayClient, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}

	network, address, err := parseConnectionURL(cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(connectCtx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial failed: %w", ErrConnectionFailed, err)
	}

	c := &GatewayClient{
		cfg:        cfg,
		conn:       conn,
		onEvent:    cfg.OnEvent,
		done:       newCloseOnce(),
		eventQueue: make(chan Event, eventQueueSize),
	}
	c.lastActivity.Store(time.Now().Unix())

	if err := c.openSession(connectCtx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake failed: %w", ErrConnectionFailed, err)
	}

	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	for range eventWorkerCount {
		c.wg.Add(1)
		go c.eventWorker()
	}

	c.wg.Add(1)
	go c.receiveLoop()

	return c, nil
}

// parseConnectionURL splits a gateway URL into network and address.
func parseConnectionURL(connURL string) (network, address string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "unix":
		if u.Path == "" {
			return "", "", fmt.Errorf("unix URL %q has no socket path", connURL)
		}
		return "unix", u.Path, nil
	case "tcp":
		host := u.Host
		if host == "" {
			host = "localhost:7720"
		}
		return "tcp", host, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q (use unix or tcp)", u.Scheme)
	}
}

// openSession sends MsgOpen with the device UUID and waits for the
// gateway's MsgOpen reply, honouring the context deadline.
func (c *GatewayClient) openSession(ctx context.Context, conn net.Conn) error {
	writeDeadline := time.Now().Add(defaultWriteTimeout)
	if deadline, ok := ctx.Deadline(); ok && deadline.Before(writeDeadline) {
		writeDeadline = deadline
	}
	if err := conn.SetWriteDeadline(writeDeadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	if _, err := conn.Write(encodeOpen(c.cfg.DeviceUUID)); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	readDeadline := time.Now().Add(c.cfg.ReadTimeout)
	if deadline, ok := ctx.Deadline(); ok && deadline.Before(readDeadline) {
		readDeadline = deadline
	}
	if err := conn.SetReadDeadline(readDeadline); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}

	buf := make([]byte, readBufferSize)
	msgType, _, err := readFrame(conn, buf)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch msgType {
	case MsgOpen:
		return nil
	case MsgClose:
		return errors.New("gateway refused session")
	default:
		return fmt.Errorf("unexpected response type: 0x%04X", msgType)
	}
}

// readFrame reads exactly one frame into buf.
func readFrame(r io.Reader, buf []byte) (uint16, []byte, error) {
	if _, err := io.ReadFull(r, buf[:2]); err != nil {
		return 0, nil, fmt.Errorf("read size: %w", err)
	}

	size := binary.BigEndian.Uint16(buf[:2])
	if size < 2 {
		return 0, nil, fmt.Errorf("%w: size %d below type field", ErrProtocolDesync, size)
	}

	// Skipping an oversized frame would mean trusting its size field, so
	// the stream is treated as lost instead.
	total := 2 + int(size)
	if total > len(buf) {
		return 0, nil, fmt.Errorf("%w: frame of %d bytes exceeds buffer %d", ErrProtocolDesync, total, len(buf))
	}

	if _, err := io.ReadFull(r, buf[2:total]); err != nil {
		return 0, nil, fmt.Errorf("read frame: %w", err)
	}
	return ParseFrame(buf[:total])
}

// receiveLoop reads frames until Close, reconnecting on fatal errors.
func (c *GatewayClient) receiveLoop() {
	defer c.wg.Done()

	buf := make([]byte, readBufferSize)

	for {
		if c.isClosed() {
			return
		}

		msgType, payload, err := c.readMessage(buf)
		if err != nil {
			if !c.handleReadError(err) {
				continue
			}
			if c.isClosed() || !c.reconnect() {
				return
			}
			continue
		}

		c.handleFrame(msgType, payload)
	}
}

func (c *GatewayClient) readMessage(buf []byte) (uint16, []byte, error) {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return 0, nil, ErrNotConnected
	}
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		return 0, nil, fmt.Errorf("set deadline: %w", err)
	}
	return readFrame(conn, buf)
}

// handleReadError reports whether err is fatal for the connection.
func (c *GatewayClient) handleReadError(err error) bool {
	if c.isClosed() {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false // Idle link
	}

	c.logError("gateway read failed", err)
	c.errorsTotal.Add(1)

	if errors.Is(err, ErrProtocolDesync) {
		c.closeOldConnection()
	}
	c.handleDisconnect()
	return true
}

func (c *GatewayClient) handleFrame(msgType uint16, payload []byte) {
	ev, ok, err := decodeEvent(msgType, payload)
	if !ok {
		c.logDebug("ignoring gateway frame", "type", fmt.Sprintf("0x%04X", msgType))
		return
	}
	if err != nil {
		c.logError("decoding gateway event failed", err)
		c.errorsTotal.Add(1)
		return
	}

	c.eventsRx.Add(1)
	c.lastActivity.Store(time.Now().Unix())

	c.callbackMu.RLock()
	hasCallback := c.onEvent != nil
	c.callbackMu.RUnlock()
	if !hasCallback {
		return
	}

	select {
	case c.eventQueue <- ev:
	default:
		c.logError("event queue full, dropping event", fmt.Errorf("kind %s", ev.Kind))
		c.eventsDropped.Add(1)
		c.errorsTotal.Add(1)
	}
}

func (c *GatewayClient) eventWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			c.drainEventQueue()
			return
		case ev := <-c.eventQueue:
			c.callbackMu.RLock()
			callback := c.onEvent
			c.callbackMu.RUnlock()

			if callback != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							c.logError("event callback panic", fmt.Errorf("%v", r))
						}
					}()
					callback(ev)
				}()
			}
		}
	}
}

func (c *GatewayClient) handleDisconnect() {
	c.connMu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.connMu.Unlock()

	if wasConnected {
		c.logInfo("gateway connection lost, will attempt reconnection")
	}
}

// reconnect re-establishes the connection with exponential backoff.
// Returns false if Close was called first.
func (c *GatewayClient) reconnect() bool {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return c.waitForReconnection()
	}
	defer c.reconnecting.Store(false)

	network, address, err := parseConnectionURL(c.cfg.Connection)
	if err != nil {
		c.logError("reconnect: invalid connection URL", err)
		return false
	}

	backoff := c.cfg.ReconnectInterval
	for {
		if c.isClosed() {
			return false
		}

		attempt := c.reconnectCount.Add(1)
		c.logInfo("attempting gateway reconnection", "attempt", attempt, "backoff", backoff.String())

		c.closeOldConnection()

		conn, err := c.dialWithTimeout(network, address)
		if err != nil {
			if backoff = c.handleReconnectFailure("dial failed", err, backoff); backoff == 0 {
				return false
			}
			continue
		}

		if err := c.establishConnection(conn); err != nil {
			if backoff = c.handleReconnectFailure("handshake failed", err, backoff); backoff == 0 {
				return false
			}
			continue
		}

		c.finalizeReconnection()
		return true
	}
}

func (c *GatewayClient) waitForReconnection() bool {
	for c.reconnecting.Load() && !c.isClosed() {
		time.Sleep(100 * time.Millisecond)
	}
	return !c.isClosed() && c.IsConnected()
}

func (c *GatewayClient) closeOldConnection() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

func (c *GatewayClient) dialWithTimeout(network, address string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s://%s: %w", network, address, err)
	}
	return conn, nil
}

func (c *GatewayClient) establishConnection(conn net.Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	if err := c.openSession(ctx, conn); err != nil {
		conn.Close()
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

// handleReconnectFailure waits out the backoff and returns the next one,
// or 0 if Close was called meanwhile.
func (c *GatewayClient) handleReconnectFailure(reason string, err error, backoff time.Duration) time.Duration {
	c.logError("reconnect: "+reason, err)
	c.errorsTotal.Add(1)

	select {
	case <-c.done.Done():
		return 0
	case <-time.After(backoff):
	}

	next := time.Duration(float64(backoff) * 1.5)
	if next > maxReconnectInterval {
		next = maxReconnectInterval
	}
	return next
}

func (c *GatewayClient) finalizeReconnection() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.reconnectCount.Store(0)
	c.reconnectsTotal.Add(1)
	c.lastActivity.Store(time.Now().Unix())

	c.logInfo("gateway reconnection successful", "total_reconnects", c.reconnectsTotal.Load())
}

func (c *GatewayClient) drainEventQueue() {
	for {
		select {
		case <-c.eventQueue:
		default:
			return
		}
	}
}

func (c *GatewayClient) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// Close sends MsgClose (best effort), closes the socket and waits for the
// receive loop and workers to exit. Safe to call more than once.
func (c *GatewayClient) Close() error {
	if c.isClosed() {
		return nil
	}
	c.done.Close()

	c.connMu.Lock()
	c.connected = false
	if c.conn != nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = c.conn.Write(EncodeFrame(MsgClose, nil))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()

	c.logInfo("gateway connection closed")
	return nil
}

// SendSet writes a MsgModelSend frame for msg. It returns once the frame
// is written; no status is awaited.
func (c *GatewayClient) SendSet(ctx context.Context, msg SetMessage) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	frame := EncodeModelSend(msg)

	// Writes are serialised so frames from concurrent senders never interleave.
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrSendFailed, err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: write: %w", ErrSendFailed, err)
	}

	c.messagesTx.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	return nil
}

// SetOnEvent sets the callback for inbound events.
func (c *GatewayClient) SetOnEvent(callback func(Event)) {
	c.callbackMu.Lock()
	c.onEvent = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger for this client.
func (c *GatewayClient) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// IsConnected reports whether the gateway session is open.
func (c *GatewayClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns current operational statistics.
func (c *GatewayClient) Stats() GatewayStats {
	return GatewayStats{
		MessagesTx:      c.messagesTx.Load(),
		EventsRx:        c.eventsRx.Load(),
		EventsDropped:   c.eventsDropped.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		Connected:       c.IsConnected(),
		Reconnecting:    c.reconnecting.Load(),
	}
}

// HealthCheck reports ErrNotConnected while the session is down.
func (c *GatewayClient) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (c *GatewayClient) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *GatewayClient) logDebug(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (c *GatewayClient) logInfo(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *GatewayClient) logError(msg string, err error) {
	if logger := c.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
