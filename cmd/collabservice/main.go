// collabservice is the real-time collaboration server for the diagram
// editor. It terminates WebSocket sessions, runs the per-diagram operation
// pipeline and persists snapshots to the configured document store.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"collab.evalgo.org/cache"
	"collab.evalgo.org/clock"
	"collab.evalgo.org/common"
	"collab.evalgo.org/config"
	"collab.evalgo.org/docstore"
	"collab.evalgo.org/gateway"
	"collab.evalgo.org/history"
	collabhttp "collab.evalgo.org/http"
	"collab.evalgo.org/lock"
	"collab.evalgo.org/persist"
	"collab.evalgo.org/pipeline"
	"collab.evalgo.org/presence"
	"collab.evalgo.org/state"
	"collab.evalgo.org/version"
)

func main() {
	cfgFile := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	common.ConfigureLogging(cfg.Logging.Level, cfg.Logging.Format)

	ctx := context.Background()

	client, err := cache.NewClient(ctx, cfg.Cache.URL)
	if err != nil {
		common.Logger.WithError(err).Fatal("Failed to connect to cache store")
	}
	defer client.Close()

	var store docstore.Store
	switch cfg.Store.Backend {
	case "bolt":
		store, err = docstore.NewBoltStore(cfg.Store.Path)
	default:
		store, err = docstore.NewCouchDBStore(ctx, cfg.Store.URL, cfg.Store.Database)
	}
	if err != nil {
		common.Logger.WithError(err).Fatal("Failed to open document store")
	}
	defer store.Close()

	clocks := clock.New()
	states := state.New(client)
	pres := presence.New(client)
	locks := lock.New(client)
	writer := persist.NewWriter(store)
	hist := history.NewLog(store)

	// The gateway and the pipeline reference each other: the pipeline fans
	// out through the gateway, the gateway submits into the pipeline.
	var gw *gateway.Gateway
	pipe := pipeline.New(clocks, states, store, writer, hist, broadcasterFunc(func(diagramID, exclude, event string, data interface{}) {
		gw.Broadcast(diagramID, exclude, event, data)
	}))
	gw = gateway.New(pipe, pres, locks, hist, originChecker(cfg.Origins()))

	e := collabhttp.NewEchoServer(collabhttp.ServerConfig{
		BodyLimit:      "16M",
		AllowedOrigins: cfg.Origins(),
		RateLimit:      cfg.Security.RateLimit,
	})

	e.GET("/health", collabhttp.HealthCheckHandler("collabservice", version.Version, func() map[string]interface{} {
		rooms, sessions := gw.Stats()
		return map[string]interface{}{
			"rooms":    rooms,
			"sessions": sessions,
			"build":    version.GetBuildInfo(),
		}
	}))
	e.GET("/ws", gw.Handle)
	e.GET("/v1/api/diagrams/:id/history", handleHistory(hist))
	e.GET("/v1/api/diagrams/:id/presence", handlePresence(pres))
	e.GET("/v1/api/diagrams/:id/locks", handleLocks(locks))
	e.DELETE("/v1/api/diagrams/:id", handleDelete(pipe, pres, locks))

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		common.Logger.WithField("addr", addr).Info("Collaboration service starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			common.Logger.WithError(err).Fatal("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	common.Logger.Info("Shutting down collaboration service")

	timeout, err := time.ParseDuration(cfg.Server.ShutdownTimeout)
	if err != nil {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		common.Logger.WithError(err).Error("Server forced to shutdown")
	}

	// With no sockets left, drain any in-flight operations and write every
	// pending snapshot before the process exits.
	pipe.Drain()
	writer.FlushAll(shutdownCtx)

	common.Logger.Info("Collaboration service stopped")
}

// broadcasterFunc adapts a closure to pipeline.Broadcaster, breaking the
// construction cycle between the gateway and the pipeline.
type broadcasterFunc func(diagramID, excludeClientID, event string, data interface{})

func (f broadcasterFunc) Broadcast(diagramID, excludeClientID, event string, data interface{}) {
	f(diagramID, excludeClientID, event, data)
}

// originChecker validates the Origin header of WebSocket upgrades against
// the configured allowlist. A "*" entry accepts everything.
func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	wildcard := false
	for _, o := range origins {
		if o == "*" {
			wildcard = true
			continue
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if wildcard {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

func handleHistory(hist *history.Log) echo.HandlerFunc {
	return func(c echo.Context) error {
		entries, err := hist.Recent(c.Request().Context(), c.Param("id"), 0)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to read history")
		}
		return c.JSON(http.StatusOK, entries)
	}
}

func handlePresence(pres *presence.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		sessions, err := pres.Sessions(c.Request().Context(), c.Param("id"))
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to read presence")
		}
		return c.JSON(http.StatusOK, sessions)
	}
}

func handleLocks(locks *lock.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		held, err := locks.All(c.Request().Context(), c.Param("id"))
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to read locks")
		}
		return c.JSON(http.StatusOK, held)
	}
}

// handleDelete removes a diagram everywhere: pending saves, hot keys,
// durable document, history, presence and locks.
func handleDelete(pipe *pipeline.Pipeline, pres *presence.Store, locks *lock.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		diagramID := c.Param("id")

		if err := pipe.DropDiagram(ctx, diagramID); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete diagram")
		}
		if err := locks.ClearAll(ctx, diagramID); err != nil {
			common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to clear locks")
		}
		if err := pres.ClearAll(ctx, diagramID); err != nil {
			common.Logger.WithError(err).WithField("diagram", diagramID).Warn("Failed to clear presence")
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"deleted": true,
			"id":      diagramID,
		})
	}
}
