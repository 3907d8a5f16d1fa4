package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/edusafe/proctor/core/exam"
	"github.com/edusafe/proctor/core/realtime"
)

type monitorApi struct {
	registry *realtime.Registry
	monitor  *exam.Monitor
}

func registerMonitorAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := monitorApi{registry: deps.Registry, monitor: deps.Monitor}

	mg := g.Group("/monitor", jwt, adminMiddleware())
	mg.GET("/stats", api.stats)
	mg.GET("/sessions/:id", api.session)
	mg.POST("/sessions/:id/terminate", api.terminate)
}

func (api monitorApi) stats(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"connections":     api.registry.Stats(),
		"active_sessions": api.monitor.ActiveCount(),
	})
}

func (api monitorApi) session(ctx echo.Context) error {
	view, ok := api.monitor.Snapshot(ctx.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return ctx.JSON(http.StatusOK, view)
}

// terminate is the operator force-termination endpoint.
func (api monitorApi) terminate(ctx echo.Context) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := ctx.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	api.monitor.ForceTerminate(ctx.Param("id"), body.Reason)
	return ctx.NoContent(http.StatusAccepted)
}
