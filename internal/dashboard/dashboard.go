// Package dashboard serves a read-only HTTP view of sessions and agent
// traces. It never mutates state; the chat channel remains the only
// write surface.
package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/stationmaster/internal/session"
	"github.com/zulandar/stationmaster/internal/trace"
)

// defaultTraceLimit caps /api/traces responses when no limit is given.
const defaultTraceLimit = 50

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Sessions *session.Store
	Traces   *trace.Store
	Addr     string // listen address, e.g. ":8080"
}

// Start launches the dashboard HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := Handler(opts.Sessions, opts.Traces)
	if err != nil {
		return err
	}
	addr := opts.Addr
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// Handler builds the Gin router with all dashboard routes registered.
// Exposed separately from Start so tests can drive it with httptest.
func Handler(sessions *session.Store, traces *trace.Store) (*gin.Engine, error) {
	if sessions == nil {
		return nil, fmt.Errorf("dashboard: session store is required")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", handleHealth())
	router.GET("/api/sessions", handleSessions(sessions))
	router.GET("/api/traces", handleTraces(traces))
	router.GET("/api/sessions/:id/traces", handleSessionTraces(traces))

	return router, nil
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleSessions(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions, err := store.Sessions()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sessions == nil {
			sessions = []*session.Session{}
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	}
}

func handleTraces(store *trace.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultTraceLimit
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = parsed
		}

		events, err := store.Recent(limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if events == nil {
			events = []trace.Event{}
		}
		c.JSON(http.StatusOK, gin.H{"traces": events})
	}
}

func handleSessionTraces(store *trace.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := store.BySession(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if events == nil {
			events = []trace.Event{}
		}
		c.JSON(http.StatusOK, gin.H{"traces": events})
	}
}
