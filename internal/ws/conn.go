package ws

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kejichat/internal/config"
	"github.com/kejichat/internal/logger"
	"github.com/kejichat/internal/model"
)

const (
	writeWait       = 10 * time.Second
	eventBufSize    = 256
	statusBufSize   = 32
	defaultSendBuf  = 64
	defaultMsgLimit = 512 << 10
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("ws: connection manager closed")

// Conn owns the transport lifecycle: connect, reconnect with capped
// exponential backoff and jitter, and terminal-close detection. It never
// touches the message log; inbound frames are surfaced on Events and state
// changes on Status.
//
// Lifecycle: NewConn -> Run(ctx) -> [dial, pumps, redial...] -> Close.
type Conn struct {
	cfg config.SocketConfig

	events chan Incoming
	status chan model.ConnectionStatus
	send   chan Outgoing

	mu      sync.RWMutex
	current model.ConnectionStatus

	done chan struct{}
	once sync.Once
}

func NewConn(cfg config.SocketConfig) *Conn {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultSendBuf
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMsgLimit
	}
	return &Conn{
		cfg:    cfg,
		events: make(chan Incoming, eventBufSize),
		status: make(chan model.ConnectionStatus, statusBufSize),
		send:   make(chan Outgoing, cfg.SendBufferSize),
		done:   make(chan struct{}),
		current: model.ConnectionStatus{
			State: model.StateDisconnected,
		},
	}
}

// Events delivers decoded inbound frames. Closed when Run exits.
func (c *Conn) Events() <-chan Incoming { return c.events }

// Status delivers connection state changes. Oldest entries are dropped if the
// consumer falls behind; CurrentStatus always has the latest.
func (c *Conn) Status() <-chan model.ConnectionStatus { return c.status }

// CurrentStatus returns the latest connection state and attempt counter.
func (c *Conn) CurrentStatus() model.ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Send queues an outbound frame. Frames queued while disconnected are flushed
// by the next successful connection.
func (c *Conn) Send(out Outgoing) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- out:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close stops Run and all pumps. Safe to call multiple times from any goroutine.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

// Run dials and re-dials until ctx is cancelled, Close is called, or the
// server closes the connection with a terminal code. Blocks; run it in its
// own goroutine.
func (c *Conn) Run(ctx context.Context) {
	defer close(c.events)
	defer c.setStatus(model.StateDisconnected, 0)

	attempt := 0
	c.setStatus(model.StateConnecting, 0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			attempt++
			c.setStatus(model.StateReconnecting, attempt)
			delay := c.backoff(attempt)
			logger.Infof("ws connect failed (attempt %d), retry in %v: %v", attempt, delay, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
			continue
		}

		attempt = 0
		c.setStatus(model.StateConnected, 0)
		logger.Infof("ws connected to %s", c.cfg.ServerURL)

		// Sole refresh point of the authoritative log: every transition into
		// connected triggers a history request.
		select {
		case c.send <- Outgoing{Type: EventRequestHistory}:
		default:
			logger.Errorf("ws send buffer full, history request dropped")
		}

		terminal := c.serve(ctx, conn)
		if terminal {
			logger.Info("ws closed by server, not reconnecting")
			return
		}
		c.setStatus(model.StateReconnecting, 0)
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
	header := http.Header{}
	if c.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
	dialCtx := ctx
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}
	conn, resp, err := dialer.DialContext(dialCtx, c.cfg.ServerURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// serve runs the pumps until the connection drops. Returns true if the drop
// is terminal (server-initiated close, or Close/ctx cancellation).
func (c *Conn) serve(ctx context.Context, conn *websocket.Conn) bool {
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(pumpCtx, conn)
	}()

	readErr := c.readLoop(pumpCtx, conn)
	cancel()
	conn.Close()
	wg.Wait()

	select {
	case <-c.done:
		return true
	default:
	}
	if ctx.Err() != nil {
		return true
	}
	return isTerminalClose(readErr)
}

// readLoop reads frames from the connection and forwards them to Events.
// Exits on read error (triggered by conn.Close from serve or writePump exit).
func (c *Conn) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(c.cfg.MaxMessageSize)
	pongWait := c.cfg.KeepAlive * 2
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline: %v", err)
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error: %v", err)
			}
			return err
		}
		// Any frame proves the connection is alive.
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var in Incoming
		if err := json.Unmarshal(raw, &in); err != nil {
			logger.Errorf("ws unmarshal error: %v", err)
			continue
		}
		logger.Debugf("ws <- %s (%d bytes)", in.Type, len(raw))

		select {
		case c.events <- in:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writePump writes queued frames and keep-alive pings.
// Exits on ctx cancellation or write error.
func (c *Conn) writePump(ctx context.Context, conn *websocket.Conn) {
	keepAlive := c.cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			if err := conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Debugf("ws close message: %v", err)
			}
			return
		case out := <-c.send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline: %v", err)
				return
			}
			data, err := json.Marshal(out)
			if err != nil {
				logger.Errorf("ws marshal %s: %v", out.Type, err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			logger.Debugf("ws -> %s (%d bytes)", out.Type, len(data))
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("ws set write deadline: %v", err)
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// backoff returns the delay before the given attempt: initial*2^(n-1) capped
// at MaxDelay, with +-JitterFactor random spread so a fleet of clients does
// not retry in lockstep.
func (c *Conn) backoff(attempt int) time.Duration {
	d := c.cfg.InitialDelay
	for i := 1; i < attempt && d < c.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	if c.cfg.JitterFactor > 0 {
		spread := (rand.Float64()*2 - 1) * c.cfg.JitterFactor
		d = time.Duration(float64(d) * (1 + spread))
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (c *Conn) setStatus(state model.ConnectionState, attempt int) {
	c.mu.Lock()
	c.current = model.ConnectionStatus{State: state, Attempt: attempt}
	st := c.current
	c.mu.Unlock()

	for {
		select {
		case c.status <- st:
			return
		default:
			// Consumer is behind: drop the oldest entry, keep the newest.
			select {
			case <-c.status:
			default:
			}
		}
	}
}

// isTerminalClose reports whether the server closed the connection on purpose
// (authorization revoked and similar). Network blips and timeouts are not
// terminal and are retried indefinitely.
func isTerminalClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Code {
	case websocket.ClosePolicyViolation, websocket.CloseProtocolError, websocket.CloseUnsupportedData:
		return true
	}
	// Application close codes are reserved for deliberate server decisions.
	return ce.Code >= 4000 && ce.Code < 5000
}
