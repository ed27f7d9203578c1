// Package feed subscribes to the platform's real-time push channel over a
// WebSocket.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"time"

	errs "github.com/alexjbarnes/coach-sync/internal/errors"
	"github.com/alexjbarnes/coach-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 60 * time.Second
	heartbeatCheckAt = 15 * time.Second

	reconnectMin = 1 * time.Second
	reconnectMax = 2 * time.Minute

	// handshakeTimeout bounds the subscribe/ack exchange on a new
	// connection.
	handshakeTimeout = 15 * time.Second

	// wsReadLimit caps a single frame. Snapshots carry the whole
	// notification list, so allow generous headroom.
	wsReadLimit = 8 * 1024 * 1024

	// inboundChanSize is the buffer size for the channel carrying
	// messages from the WebSocket reader goroutine to the event loop.
	inboundChanSize = 64

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2
)

// wsConn abstracts the WebSocket connection so the client can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// dialFunc opens a WebSocket connection.
type dialFunc func(ctx context.Context, url, token string) (wsConn, error)

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// TokenSource returns the bearer token of the current session.
type TokenSource func() string

// Options configures a Client.
type Options struct {
	URL    string
	Token  TokenSource
	Logger *slog.Logger

	// ReconnectMin and ReconnectMax bound the reconnect backoff. Zero
	// selects the defaults.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Client opens feed subscriptions.
type Client struct {
	url    string
	token  TokenSource
	logger *slog.Logger
	dial   dialFunc

	backoffMin time.Duration
	backoffMax time.Duration
}

// NewClient creates a feed client for the given WebSocket URL.
func NewClient(opts Options) *Client {
	token := opts.Token
	if token == nil {
		token = func() string { return "" }
	}

	c := &Client{
		url:        opts.URL,
		token:      token,
		logger:     opts.Logger,
		dial:       dialWebsocket,
		backoffMin: reconnectMin,
		backoffMax: reconnectMax,
	}

	if opts.ReconnectMin > 0 {
		c.backoffMin = opts.ReconnectMin
	}

	if opts.ReconnectMax > 0 {
		c.backoffMax = max(opts.ReconnectMax, c.backoffMin)
	}

	return c
}

func dialWebsocket(ctx context.Context, url, token string) (wsConn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Subscription is an open feed subscription. It reconnects on its own
// until closed, its context is cancelled, or the server rejects the
// session.
type Subscription struct {
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	connected atomic.Bool
}

// Close stops the subscription and waits for its goroutine to exit. Safe
// to call more than once.
func (s *Subscription) Close() error {
	s.cancel()
	<-s.done

	return nil
}

// Done is closed when the subscription has stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that stopped the subscription, or nil if it was
// closed or its context was cancelled. Only valid after Done is closed.
func (s *Subscription) Err() error {
	return s.err
}

// Connected reports whether the subscription currently holds an
// acknowledged connection.
func (s *Subscription) Connected() bool {
	return s.connected.Load()
}

// Subscribe connects, subscribes with filter and starts delivering events
// to h. The first connection attempt is synchronous so a rejected session
// is reported to the caller. Any other first-attempt failure is logged and
// the subscription keeps retrying in the background.
func (c *Client) Subscribe(ctx context.Context, filter Filter, h Handler) (*Subscription, error) {
	if filter.ActorID == "" {
		return nil, fmt.Errorf("subscribing: actor id is required")
	}

	if len(filter.Topics) == 0 {
		return nil, fmt.Errorf("subscribing: at least one topic is required")
	}

	conn, err := c.connect(ctx, filter)
	if err != nil {
		if isPermanentError(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("subscribing: %w", err)
		}

		c.logger.Warn("feed unreachable, retrying in background",
			slog.String("actor", filter.ActorID),
			slog.String("error", err.Error()),
		)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	sub.connected.Store(conn != nil)

	go func() {
		defer close(sub.done)

		sub.err = c.listen(subCtx, filter, h, sub, conn)
	}()

	return sub, nil
}

// connect dials and performs the subscribe handshake.
func (c *Client) connect(ctx context.Context, filter Filter) (wsConn, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	token := c.token()

	c.logger.Debug("connecting to feed", slog.String("url", c.url), slog.String("actor", filter.ActorID))

	conn, err := c.dial(hctx, c.url, token)
	if err != nil {
		return nil, fmt.Errorf("dialing feed: %w", err)
	}

	if err := c.handshake(hctx, conn, filter, token); err != nil {
		return nil, err
	}

	return conn, nil
}

// handshake sends the subscribe frame and waits for the server's ack.
func (c *Client) handshake(ctx context.Context, conn wsConn, filter Filter, token string) error {
	conn.SetReadLimit(wsReadLimit)

	sub := subscribeFrame{
		Op:     "subscribe",
		Token:  token,
		Actor:  filter.ActorID,
		Topics: filter.Topics,
		Order:  orderCreatedDesc,
	}

	if err := writeJSON(ctx, conn, sub); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return fmt.Errorf("sending subscribe: %w", err)
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "ack read failed")
			return fmt.Errorf("reading subscribe ack: %w", err)
		}

		if typ != websocket.MessageText {
			continue
		}

		switch gjson.GetBytes(data, "op").Str {
		case "subscribed":
			c.logger.Info("feed subscribed",
				slog.String("actor", filter.ActorID),
				slog.Int("topics", len(filter.Topics)),
			)

			return nil

		case "pong":
			continue

		case "error":
			conn.Close(websocket.StatusNormalClosure, "subscribe rejected")
			return frameError(data)

		default:
			conn.Close(websocket.StatusProtocolError, "unexpected frame")
			return fmt.Errorf("unexpected frame before subscribe ack: %s", gjson.GetBytes(data, "op").Str)
		}
	}
}

// frameError converts a server error frame into an error. 401 and 403
// mean the session token is no longer accepted.
func frameError(data []byte) error {
	var ef errorFrame
	if err := json.Unmarshal(data, &ef); err != nil {
		return fmt.Errorf("decoding error frame: %w", err)
	}

	if ef.Code == http.StatusUnauthorized || ef.Code == http.StatusForbidden {
		return fmt.Errorf("feed rejected session: %s: %w", ef.Msg, errs.ErrAuthExpired)
	}

	return fmt.Errorf("feed error %d: %s", ef.Code, ef.Msg)
}

func isPermanentError(err error) bool {
	return errors.Is(err, errs.ErrAuthExpired)
}

// listen runs the event loop with automatic reconnection. A nil conn
// starts in the reconnect loop. Returns nil when ctx is cancelled, or a
// permanent error.
func (c *Client) listen(ctx context.Context, filter Filter, h Handler, sub *Subscription, conn wsConn) error {
	for {
		if conn == nil {
			var err error

			conn, err = c.redial(ctx, filter)
			if conn == nil {
				return err
			}

			c.logger.Info("feed reconnected", slog.String("actor", filter.ActorID))
		}

		sub.connected.Store(true)
		err := c.eventLoop(ctx, conn, h)
		sub.connected.Store(false)
		conn.Close(websocket.StatusNormalClosure, "")
		conn = nil

		if ctx.Err() != nil {
			return nil
		}

		if isPermanentError(err) {
			return err
		}

		c.logger.Warn("feed connection lost, reconnecting",
			slog.String("actor", filter.ActorID),
			slog.String("error", err.Error()),
		)
	}
}

// redial retries connect with jittered exponential backoff. It returns a
// nil conn and nil error when ctx is cancelled, and a nil conn with the
// error when the server rejects the session.
func (c *Client) redial(ctx context.Context, filter Filter) (wsConn, error) {
	backoff := c.backoffMin

	for {
		jitter := time.Duration(rand.Int64N(int64(backoff)/jitterDivisor + 1)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-timer.C:
		}

		conn, err := c.connect(ctx, filter)
		if err == nil {
			return conn, nil
		}

		if ctx.Err() != nil {
			return nil, nil
		}

		if isPermanentError(err) {
			return nil, err
		}

		c.logger.Warn("feed reconnect failed",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)
		backoff = min(backoff*reconnectBackoffMultiplier, c.backoffMax)
	}
}

// startReader launches a goroutine that reads from conn and feeds the
// returned channel until connCtx is cancelled or a read fails. The error
// is delivered as the final message.
func startReader(connCtx context.Context, conn wsConn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

// eventLoop processes one connection. All writes happen here.
func (c *Client) eventLoop(ctx context.Context, conn wsConn, h Handler) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := startReader(connCtx, conn)

	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	lastMessage := time.Now()

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			lastMessage = time.Now()

			if msg.typ != websocket.MessageText {
				c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := c.handleFrame(msg.data, h); err != nil {
				return err
			}

		case <-ticker.C:
			elapsed := time.Since(lastMessage)
			if elapsed > disconnectAfter {
				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := writeJSON(ctx, conn, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleFrame decodes one text frame and delivers it. Returns an error
// only for frames that end the connection.
func (c *Client) handleFrame(data []byte, h Handler) error {
	op := gjson.GetBytes(data, "op").Str

	switch op {
	case "pong", "subscribed":
		return nil

	case "snapshot":
		var frame snapshotFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("failed to decode snapshot", slog.String("error", err.Error()))
			return nil
		}

		if frame.Topic != TopicNotifications {
			c.logger.Debug("snapshot for unknown topic", slog.String("topic", string(frame.Topic)))
			return nil
		}

		items := frame.Items
		if items == nil {
			items = []models.Notification{}
		}

		h(Event{Topic: TopicNotifications, Notifications: items})

		return nil

	case "message":
		var frame messageFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("failed to decode message", slog.String("error", err.Error()))
			return nil
		}

		msg := frame.Message
		msg.Provenance = models.ProvenanceConfirmed
		h(Event{Topic: TopicMessages, Message: &msg})

		return nil

	case "error":
		err := frameError(data)
		if isPermanentError(err) {
			return err
		}

		c.logger.Warn("feed reported error", slog.String("error", err.Error()))

		return nil

	default:
		c.logger.Debug("unexpected frame", slog.String("op", op))
		return nil
	}
}

func writeJSON(ctx context.Context, conn wsConn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}
