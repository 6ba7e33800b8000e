package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"orderpulse/internal/logging"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
	maxMessageSize          = 1 << 20
)

// Dialer opens Socket.IO connections over a plain websocket transport.
type Dialer struct {
	WS               *websocket.Dialer
	Header           http.Header
	HandshakeTimeout time.Duration
	Logger           *logging.Logger
}

// Conn is one joined namespace. Next must be called from a single goroutine;
// Close may be called from any.
type Conn struct {
	ws           *websocket.Conn
	namespace    string
	sid          string
	pingInterval time.Duration
	pingTimeout  time.Duration
	logger       *logging.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial upgrades to a websocket, completes the Engine.IO open and joins
// target.Namespace presenting token as auth.token.
func (d Dialer) Dial(ctx context.Context, target Target, token string) (*Conn, error) {
	wsDialer := d.WS
	if wsDialer == nil {
		wsDialer = websocket.DefaultDialer
	}
	namespace := target.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}
	if d.Logger != nil {
		d.Logger.Debug("dialing realtime endpoint",
			logging.Field("url", target.URL),
			logging.Field("namespace", namespace),
		)
	}

	ws, resp, err := wsDialer.DialContext(ctx, target.URL, d.Header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			defer resp.Body.Close()
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			if d.Logger != nil {
				d.Logger.Warn("realtime upgrade rejected",
					logging.Field("status", resp.Status),
					logging.Field("response", logging.FormatHTTPPayload(data)),
				)
			}
			return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		return nil, fmt.Errorf("dial realtime endpoint: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)

	conn := &Conn{ws: ws, namespace: namespace, logger: d.Logger}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = ws.SetReadDeadline(deadline)
	stopWatch := context.AfterFunc(ctx, func() { _ = ws.Close() })
	handshakeErr := conn.handshake(token)
	stopped := stopWatch()
	if !stopped {
		_ = ws.Close()
		return nil, ctx.Err()
	}
	if handshakeErr != nil {
		_ = ws.Close()
		return nil, handshakeErr
	}
	conn.extendReadDeadline()

	if d.Logger != nil {
		d.Logger.Info("realtime channel joined",
			logging.Field("namespace", namespace),
			logging.Field("sid", conn.sid),
		)
	}
	return conn, nil
}

func (c *Conn) handshake(token string) error {
	open, err := c.readPacket()
	if err != nil {
		return fmt.Errorf("read engine open: %w", err)
	}
	if open.engine != engineOpen {
		return fmt.Errorf("unexpected first packet type %q", open.engine)
	}
	payload := openPayload{}
	if err := json.Unmarshal(open.payload, &payload); err != nil {
		return fmt.Errorf("invalid engine open payload: %w", err)
	}
	c.pingInterval = time.Duration(payload.PingInterval) * time.Millisecond
	c.pingTimeout = time.Duration(payload.PingTimeout) * time.Millisecond

	connect, err := encodeConnect(c.namespace, token)
	if err != nil {
		return err
	}
	if err := c.writeText(connect); err != nil {
		return fmt.Errorf("send namespace connect: %w", err)
	}

	for {
		p, err := c.readPacket()
		if err != nil {
			return fmt.Errorf("await namespace connect: %w", err)
		}
		switch p.engine {
		case enginePing:
			if err := c.writeText(string(enginePong)); err != nil {
				return err
			}
			continue
		case engineClose:
			return ErrServerDisconnect
		case engineMessage:
		default:
			continue
		}
		if p.namespace != c.namespace {
			continue
		}
		switch p.socket {
		case socketConnect:
			ack := connectAck{}
			_ = json.Unmarshal(p.payload, &ack)
			c.sid = ack.SID
			return nil
		case socketConnectError:
			return decodeConnectError(c.namespace, p.payload)
		case socketDisconnect:
			return ErrServerDisconnect
		}
	}
}

// Next blocks until the next event for the joined namespace. Engine pings are
// answered transparently.
func (c *Conn) Next() (Event, error) {
	for {
		p, err := c.readPacket()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Event{}, ErrServerDisconnect
			}
			return Event{}, err
		}
		c.extendReadDeadline()

		switch p.engine {
		case enginePing:
			if err := c.writeText(string(enginePong)); err != nil {
				return Event{}, fmt.Errorf("send pong: %w", err)
			}
			continue
		case engineClose:
			return Event{}, ErrServerDisconnect
		case engineMessage:
		default:
			continue
		}
		if p.namespace != c.namespace {
			continue
		}
		switch p.socket {
		case socketEvent:
			event, decodeErr := decodeEvent(p.payload)
			if decodeErr != nil {
				if c.logger != nil {
					c.logger.Warn("dropping malformed realtime event",
						logging.Field("error", decodeErr),
						logging.Field("payload", logging.Truncate(string(p.payload))),
					)
				}
				continue
			}
			return event, nil
		case socketDisconnect:
			return Event{}, ErrServerDisconnect
		case socketConnectError:
			return Event{}, decodeConnectError(c.namespace, p.payload)
		}
	}
}

// SID is the namespace session id assigned by the server.
func (c *Conn) SID() string {
	return c.sid
}

// Close leaves the namespace and closes the websocket. Safe to call more than
// once and concurrently with Next.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		deadline := time.Now().Add(writeWait)
		_ = c.ws.SetWriteDeadline(deadline)
		_ = c.ws.WriteMessage(websocket.TextMessage, []byte(encodeDisconnect(c.namespace)))
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *Conn) readPacket() (packet, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return packet{}, err
		}
		if messageType != websocket.TextMessage {
			// Binary attachments are not used by the order events.
			continue
		}
		p, parseErr := parsePacket(string(data))
		if errors.Is(parseErr, errEmptyPacket) {
			continue
		}
		if parseErr != nil {
			if c.logger != nil {
				c.logger.Warn("dropping unparsable realtime packet",
					logging.Field("error", parseErr),
					logging.Field("payload", logging.Truncate(string(data))),
				)
			}
			continue
		}
		return p, nil
	}
}

func (c *Conn) writeText(message string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(message))
}

// The server pings every pingInterval and gives up after pingTimeout, so a
// silent socket past both is dead.
func (c *Conn) extendReadDeadline() {
	window := c.pingInterval + c.pingTimeout
	if window <= 0 {
		_ = c.ws.SetReadDeadline(time.Time{})
		return
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(window))
}
