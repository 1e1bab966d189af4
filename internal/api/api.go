// Package api serves a read-only JSON view of the running engine.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"equitybot-go/internal/activity"
	"equitybot-go/internal/journal"
	"equitybot-go/internal/position"
	"equitybot-go/internal/risk"
)

// Positions is the part of the position manager the API reads.
type Positions interface {
	Positions() []position.Position
	History() []position.Position
}

// RiskView exposes the current risk state.
type RiskView interface {
	Snapshot() risk.Snapshot
}

// ActivityView returns the most recent engine events.
type ActivityView interface {
	Recent(n int) []activity.Event
}

// TradeStore returns journaled trades, newest first.
type TradeStore interface {
	Trades(limit int) ([]journal.TradeRecord, error)
}

// Status is the engine summary served on /api/status.
type Status struct {
	Mode          string    `json:"mode"`
	Strategy      string    `json:"strategy"`
	Symbols       []string  `json:"symbols"`
	StartedAt     time.Time `json:"started_at"`
	OrdersBlocked bool      `json:"orders_blocked"`
	BlockedReason string    `json:"blocked_reason,omitempty"`
}

// Deps wires the API to the engine. Nil fields answer 503.
type Deps struct {
	Positions Positions
	Risk      RiskView
	Activity  ActivityView
	Trades    TradeStore
	Status    func() Status
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Handler holds the read models behind the routes.
type Handler struct {
	deps Deps
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// NewRouter registers every route on a fresh gin engine.
func NewRouter(deps Deps) *gin.Engine {
	h := NewHandler(deps)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", Health)
	r.HEAD("/healthz", Health)
	g := r.Group("/api")
	g.GET("/status", h.GetStatus)
	g.GET("/positions", h.GetPositions)
	g.GET("/history", h.GetHistory)
	g.GET("/activity", h.GetActivity)
	g.GET("/risk", h.GetRisk)
	g.GET("/trades", h.GetTrades)
	return r
}

// Health answers liveness probes.
func Health(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	if c.Request.Method == http.MethodHead {
		c.Status(http.StatusOK)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: what + " not available"})
}

// limit reads ?limit=n, falling back to the default for missing or invalid
// values and clamping to maxLimit.
func limit(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	return min(n, maxLimit)
}

// GetStatus returns the engine summary.
func (h *Handler) GetStatus(c *gin.Context) {
	if h.deps.Status == nil {
		unavailable(c, "status")
		return
	}
	c.JSON(http.StatusOK, h.deps.Status())
}

// GetPositions returns live positions.
func (h *Handler) GetPositions(c *gin.Context) {
	if h.deps.Positions == nil {
		unavailable(c, "positions")
		return
	}
	out := h.deps.Positions.Positions()
	if out == nil {
		out = []position.Position{}
	}
	c.JSON(http.StatusOK, out)
}

// GetHistory returns closed positions, newest first.
//
// GET /api/history?limit=50
func (h *Handler) GetHistory(c *gin.Context) {
	if h.deps.Positions == nil {
		unavailable(c, "positions")
		return
	}
	all := h.deps.Positions.History()
	n := min(limit(c), len(all))
	out := make([]position.Position, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	c.JSON(http.StatusOK, out)
}

// GetActivity returns the latest events, oldest first.
//
// GET /api/activity?limit=20
func (h *Handler) GetActivity(c *gin.Context) {
	if h.deps.Activity == nil {
		unavailable(c, "activity")
		return
	}
	out := h.deps.Activity.Recent(limit(c))
	if out == nil {
		out = []activity.Event{}
	}
	c.JSON(http.StatusOK, out)
}

// GetRisk returns the portfolio heat and position count.
func (h *Handler) GetRisk(c *gin.Context) {
	if h.deps.Risk == nil {
		unavailable(c, "risk")
		return
	}
	c.JSON(http.StatusOK, h.deps.Risk.Snapshot())
}

// GetTrades returns journaled trades.
func (h *Handler) GetTrades(c *gin.Context) {
	if h.deps.Trades == nil {
		unavailable(c, "journal")
		return
	}
	out, err := h.deps.Trades.Trades(limit(c))
	if err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error()})
		return
	}
	if out == nil {
		out = []journal.TradeRecord{}
	}
	c.JSON(http.StatusOK, out)
}

// Serve runs the API until ctx ends, then shuts it down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", addr).Msg("status api up")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
