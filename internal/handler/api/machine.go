package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"ScreenPulse/internal/health"
	"ScreenPulse/internal/notify"
	"ScreenPulse/internal/orchestrator"
	"ScreenPulse/internal/syncbuf"
	xhttp "ScreenPulse/pkg/http"
	xlogger "ScreenPulse/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// MachineHandler exposes the machine control surface: health, status,
// pause/resume, trader reload, forced sync and the websocket event stream.
type MachineHandler struct {
	engine *orchestrator.Engine
	reg    *health.Registry
	hub    *notify.Hub
	logger *xlogger.Logger
}

func NewMachineHandler(engine *orchestrator.Engine, reg *health.Registry, hub *notify.Hub, logger *xlogger.Logger) *MachineHandler {
	return &MachineHandler{engine: engine, reg: reg, hub: hub, logger: logger}
}

func (h *MachineHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.GET("/status", h.Status)
	e.GET("/ws", h.WebSocket)

	g := e.Group("/api/v1")
	g.POST("/pause", h.Pause)
	g.POST("/resume", h.Resume)
	g.POST("/reload", h.Reload)
	g.POST("/sync", h.Sync)
}

// Health reports component health. Degraded machines answer 503 so an
// orchestration layer can recycle them.
func (h *MachineHandler) Health(c echo.Context) error {
	snapshot := h.reg.Snapshot()
	body := map[string]interface{}{
		"healthy":    h.reg.Healthy(),
		"state":      string(h.engine.State()),
		"components": snapshot,
	}
	if !h.reg.Healthy() {
		return c.JSON(http.StatusServiceUnavailable, body)
	}
	return c.JSON(http.StatusOK, body)
}

func (h *MachineHandler) Status(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.engine.Status())
}

func (h *MachineHandler) Pause(c echo.Context) error {
	if err := h.engine.Pause(c.Request().Context()); err != nil {
		if errors.Is(err, orchestrator.ErrNotRunning) {
			return xhttp.ConflictResponse(c, err)
		}
		h.logger.Error("pause failed", xlogger.Error(err))
		return xhttp.InternalErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, map[string]string{"state": string(h.engine.State())})
}

func (h *MachineHandler) Resume(c echo.Context) error {
	if err := h.engine.Resume(c.Request().Context()); err != nil {
		if errors.Is(err, orchestrator.ErrNotRunning) {
			return xhttp.ConflictResponse(c, err)
		}
		h.logger.Error("resume failed", xlogger.Error(err))
		return xhttp.InternalErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, map[string]string{"state": string(h.engine.State())})
}

func (h *MachineHandler) Reload(c echo.Context) error {
	if err := h.engine.ReloadTraders(c.Request().Context()); err != nil {
		h.logger.Error("trader reload failed", xlogger.Error(err))
		return xhttp.InternalErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, map[string]interface{}{
		"active_traders": h.engine.Status().ActiveTraders,
	})
}

// Sync forces a buffer flush. A flush already in progress is reported as a
// conflict, not an error: the caller's intent is being served.
func (h *MachineHandler) Sync(c echo.Context) error {
	flushed, err := h.engine.ForceSync(c.Request().Context())
	if err != nil {
		if errors.Is(err, syncbuf.ErrFlushInProgress) {
			return xhttp.ConflictResponse(c, err)
		}
		h.logger.Error("force sync failed", xlogger.Error(err))
		return xhttp.InternalErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, map[string]int{"flushed": flushed})
}

// WebSocket upgrades the connection and hands it to the notification hub.
func (h *MachineHandler) WebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", xlogger.Error(err))
		return err
	}
	h.hub.Register(conn)
	return nil
}
