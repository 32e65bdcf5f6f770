// Package server exposes the answering pipeline over HTTP.
package server

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carlosrayortiz/csc583-cosineofthrones/config"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/agent/core"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/agent/telemetry"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/nss"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/storage"
)

// Run wires the pipeline together and serves the HTTP API until the process
// exits.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if cfg.Storage.Postgres.URL != "" || cfg.Storage.Postgres.Host != "" {
		if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
			baseLogger.Printf("migrations skipped: %v", err)
		}
	}

	tele := telemetry.NewTelemetry(cfg.Telemetry)
	defer tele.Shutdown()
	graphLogger := log.New(log.Writer(), "[GRAPH] ", log.LstdFlags)
	graph, err := core.NewGraph(cfg, graphLogger, tele)
	if err != nil {
		return err
	}

	scorer := nss.NewEngine(cfg, graph.LLM(), nil)

	store, err := storage.NewAnswerLogStore(cfg.Storage, nil)
	if err != nil {
		return err
	}

	h := &AnswerHandler{
		Graph:   graph,
		Scorer:  scorer,
		Store:   store,
		Scoring: cfg.Scoring.Enabled,
		Logger:  baseLogger,
	}
	h.Register(e.Group("/api"))

	e.GET("/api/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"metrics": tele.GetMetrics(),
			"costs":   tele.GetCostSummary(),
		})
	})

	if addr == "" {
		addr = cfg.Server.Address
		if addr == "" {
			addr = ":10002"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// httpStatusFor maps pipeline failures to HTTP status codes.
func httpStatusFor(err error) int {
	var cv *core.ConstraintViolation
	if errors.As(err, &cv) {
		return http.StatusBadRequest
	}
	if core.IsTransient(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
