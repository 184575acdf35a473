package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/w7109066-del/Migers-sub002/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	DefaultAuthTimeout = 10 * time.Second
)

var errAuthTimeout = errors.New("authentication timed out")

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	Ping() error
}

type eventRouter interface {
	RouteInbound(ctx context.Context, session *Session, event models.ClientEvent)
	Disconnect(session *Session)
}

// Connection drives one websocket: a reader, an in-order event loop and
// a writer.
type Connection struct {
	ws          wsConnection
	router      eventRouter
	session     *Session
	authTimeout time.Duration
	pingPeriod  time.Duration
	fromClient  chan models.ClientEvent
	errorCh     chan error
}

func NewConnection(
	router eventRouter,
	ws wsConnection,
	session *Session,
	authTimeout time.Duration,
) *Connection {
	if authTimeout <= 0 {
		authTimeout = DefaultAuthTimeout
	}
	return &Connection{
		ws:          ws,
		router:      router,
		session:     session,
		authTimeout: authTimeout,
		pingPeriod:  pingPeriod,
		fromClient:  make(chan models.ClientEvent),
		errorCh:     make(chan error, 3),
	}
}

func (c *Connection) Session() *Session {
	return c.session
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	writerDone := make(chan struct{})
	wg.Go(func() {
		defer close(writerDone)
		c.errorCh <- c.writeLoop(ctx)
		cancel()
	})

	// Every loop reports on exit, including after the parent ctx is done.
	err := <-c.errorCh
	cancel()

	// Stop routing to this session before the writer flushes what is queued.
	c.router.Disconnect(c.session)
	<-writerDone
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var event models.ClientEvent
		if err := c.ws.ReadJSON(&event); err != nil {
			if isMalformed(err) {
				c.session.Send(models.ErrorEvent(models.ErrorCodeProtocol, "malformed event"))
				continue
			}
			return err
		}
		select {
		case c.fromClient <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	timer := time.NewTimer(c.authTimeout)
	defer timer.Stop()

	for {
		select {
		case event := <-c.fromClient:
			c.router.RouteInbound(ctx, c.session, event)
		case <-timer.C:
			if c.session.State() == Unauthenticated {
				c.session.Send(models.ErrorEvent(models.ErrorCodeAuthRequired, errAuthTimeout.Error()))
				return errAuthTimeout
			}
		case <-c.session.Done():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event := <-c.session.outbound():
			if err := c.ws.WriteJSON(event); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ws.Ping(); err != nil {
				return err
			}
		case <-ctx.Done():
			c.flush()
			return nil
		}
	}
}

// flush writes whatever is still queued, stopping at the first failure.
func (c *Connection) flush() {
	for {
		select {
		case event := <-c.session.outbound():
			if err := c.ws.WriteJSON(event); err != nil {
				return
			}
		default:
			return
		}
	}
}

func isMalformed(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

// gorillaConn applies read limits, deadlines and keepalive to a
// gorilla websocket.
type gorillaConn struct {
	conn *websocket.Conn
}

func newGorillaConn(conn *websocket.Conn) *gorillaConn {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &gorillaConn{conn: conn}
}

func (g *gorillaConn) Close() error {
	_ = g.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	return g.conn.Close()
}

func (g *gorillaConn) WriteJSON(v interface{}) error {
	if err := g.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return g.conn.WriteJSON(v)
}

func (g *gorillaConn) ReadJSON(v interface{}) error {
	return g.conn.ReadJSON(v)
}

func (g *gorillaConn) Ping() error {
	return g.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}
