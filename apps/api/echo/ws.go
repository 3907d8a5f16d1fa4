package echoapi

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/edusafe/proctor/core"
	"github.com/edusafe/proctor/core/exam"
	"github.com/edusafe/proctor/core/realtime"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 32
)

var errSendQueueFull = errors.New("connection send queue full")

// wsConn adapts one gorilla websocket to the realtime.Conn port. Writes go
// through a buffered queue drained by a single pump goroutine; a peer that
// stops reading fills the queue and fails fast instead of blocking senders.
type wsConn struct {
	id     string
	userID string
	class  realtime.ConnClass
	ws     *websocket.Conn

	sendq     chan interface{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ realtime.Conn = (*wsConn)(nil)

func newWSConn(ws *websocket.Conn, userID string, class realtime.ConnClass) *wsConn {
	c := &wsConn{
		id:     uuid.New().String(),
		userID: userID,
		class:  class,
		ws:     ws,
		sendq:  make(chan interface{}, sendQueueSize),
		done:   make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *wsConn) ID() string { return c.id }
func (c *wsConn) UserID() string { return c.userID }
func (c *wsConn) Class() realtime.ConnClass { return c.class }

func (c *wsConn) Send(v interface{}) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	case c.sendq <- v:
		return nil
	default:
		return errSendQueueFull
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.ws.Close()
}

func (c *wsConn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case v := <-c.sendq:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(v); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// wsAPI owns the websocket endpoints and their receive loops.
type wsAPI struct {
	conf       *core.Config
	logger     core.Logger
	registry   *realtime.Registry
	monitor    *exam.Monitor
	dispatcher *dispatcher
	upgrader   websocket.Upgrader
}

func registerWsAPI(g *echo.Group, deps ServerDeps, d *dispatcher) {
	api := &wsAPI{
		conf:       deps.Conf,
		logger:     deps.Logger,
		registry:   deps.Registry,
		monitor:    deps.Monitor,
		dispatcher: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// origin checks belong to the fronting proxy
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	wg := g.Group("/ws")
	wg.GET("/general", api.handleGeneral)
	wg.GET("/admin", api.handleAdmin)
	wg.GET("/exam/:examID", api.handleExam)
}

func (api *wsAPI) handleGeneral(ctx echo.Context) error {
	claims, err := api.authenticate(ctx)
	if err != nil {
		return err
	}
	return api.serve(ctx, claims, realtime.ClassGeneral, "", "")
}

func (api *wsAPI) handleAdmin(ctx echo.Context) error {
	claims, err := api.authenticate(ctx)
	if err != nil {
		return err
	}
	if !claims.IsAdmin && !claims.IsTeacher {
		return errHttpForbidden
	}
	return api.serve(ctx, claims, realtime.ClassAdmin, "", "")
}

func (api *wsAPI) handleExam(ctx echo.Context) error {
	claims, err := api.authenticate(ctx)
	if err != nil {
		return err
	}
	examID := ctx.Param("examID")
	sessionID := core.CleanString(ctx.QueryParam("session_id"))
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}
	return api.serve(ctx, claims, realtime.ClassExam, examID, sessionID)
}

func (api *wsAPI) authenticate(ctx echo.Context) (*Claims, error) {
	token := connToken(ctx)
	if token == "" {
		return nil, errUnauthorized
	}
	claims, err := resolveToken(token, api.conf)
	if err != nil {
		return nil, errUnauthorized
	}
	return claims, nil
}

// serve upgrades the request, binds the connection into the registry and runs
// the receive loop until the peer goes away.
func (api *wsAPI) serve(ctx echo.Context, claims *Claims, class realtime.ConnClass, examID, sessionID string) error {
	ws, err := api.upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		return errors.Wrap(err, "upgrading connection")
	}

	conn := newWSConn(ws, claims.Subject, class)
	api.registry.Register(conn)
	_ = conn.Send(realtime.NewConnectionEstablished("Connected to " + api.conf.AppName))

	cs := &connSession{conn: conn, claims: claims, examID: examID, sessionID: sessionID}

	switch class {
	case realtime.ClassExam:
		if !api.monitor.Resume(sessionID, conn) {
			if err := api.monitor.Start(sessionID, claims.Subject, examID); err != nil {
				_ = conn.Send(realtime.NewError(err.Error()))
			}
		}
	case realtime.ClassAdmin:
		// admins observing a specific exam join its alert room
		if room := core.CleanString(ctx.QueryParam("exam_id")); room != "" {
			api.registry.JoinRoom(exam.ObserversRoom(room), conn)
		}
	}

	api.dispatcher.deliverOffline(cs)
	api.readLoop(conn, cs)
	return nil
}

func (api *wsAPI) readLoop(conn *wsConn, cs *connSession) {
	defer api.teardown(cs)

	for {
		if err := conn.ws.SetReadDeadline(time.Now().Add(api.readTimeout())); err != nil {
			return
		}
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			// covers peer disconnects and heartbeat silence alike
			api.logger.Debug(fmt.Sprintf("ws: connection %s read ended: %v", conn.ID(), err))
			return
		}
		api.registry.Touch(conn)
		api.dispatcher.dispatch(cs, raw)
	}
}

// readTimeout bounds heartbeat silence: a configured multiple of the expected
// interval is treated as a disconnect.
func (api *wsAPI) readTimeout() time.Duration {
	return api.conf.Exam.HeartbeatInterval * time.Duration(api.conf.Exam.HeartbeatMissFactor)
}

func (api *wsAPI) teardown(cs *connSession) {
	api.registry.Unregister(cs.conn)
	_ = cs.conn.Close()
	if cs.conn.Class() == realtime.ClassExam {
		api.monitor.HandleDisconnect(cs.sessionID)
	}
}
