// Package dashboard exposes a small local HTTP surface for operator
// observability: liveness, per-status task counts, and a live feed of
// dispatcher cycles. It is started only when an address is configured;
// otherwise the process runs with no HTTP surface.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus is the one-shot health payload shared by the HTTP handler
// and the CLI's --health-check path, so both callers run the identical
// check logic.
type HealthStatus struct {
	OK             bool      `json:"ok"`
	LastPollAge    string    `json:"last_poll_age"`
	BoardReachable bool      `json:"board_reachable"`
	CheckedAt      time.Time `json:"checked_at"`
}

// StatusCounts is the per-lifecycle-state task count snapshot.
type StatusCounts map[string]int

// CycleEvent summarizes one dispatcher cycle for the live event feed.
type CycleEvent struct {
	Cycle     int       `json:"cycle"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
	At        time.Time `json:"at"`
}

// HealthChecker reports process liveness and board reachability. The CLI's
// --health-check flag and the dashboard's GET /healthz call the same
// method.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// StatusCounter reports per-status task counts from the board client's
// cache.
type StatusCounter interface {
	StatusCounts(ctx context.Context) (StatusCounts, error)
}

// Server is NOMAD's local observability HTTP server.
type Server struct {
	health StatusCounter
	hc     HealthChecker
	addr   string

	mu     sync.Mutex
	events []CycleEvent
	subs   map[chan CycleEvent]struct{}
}

// Opts configures a Server.
type Opts struct {
	Addr   string // e.g. ":8090"; empty disables the server
	Health HealthChecker
	Counts StatusCounter
}

// New constructs a Server. Call Start to run it; a Server with an empty
// Addr is inert.
func New(opts Opts) *Server {
	return &Server{
		health: opts.Counts,
		hc:     opts.Health,
		addr:   opts.Addr,
		subs:   make(map[chan CycleEvent]struct{}),
	}
}

// Enabled reports whether an address was configured.
func (s *Server) Enabled() bool {
	return s.addr != ""
}

// PublishCycle fans out a dispatcher cycle summary to every connected SSE
// client and keeps the last 50 in memory for late subscribers.
func (s *Server) PublishCycle(evt CycleEvent) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	if len(s.events) > 50 {
		s.events = s.events[len(s.events)-50:]
	}
	for ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	s.mu.Unlock()
}

// Start runs the HTTP server. It blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealthz)
	router.GET("/status", s.handleStatus)
	router.GET("/events", s.handleEvents)

	srv := &http.Server{Addr: s.addr, Handler: router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(c *gin.Context) {
	if s.hc == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	status := s.hc.Health(c.Request.Context())
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status counter not configured"})
		return
	}
	counts, err := s.health.StatusCounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (s *Server) handleEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ch := make(chan CycleEvent, 8)
	s.mu.Lock()
	for _, evt := range s.events {
		select {
		case ch <- evt:
		default:
		}
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}()

	writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
	c.Writer.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{"timestamp": time.Now().UTC().Format(time.RFC3339)})
			c.Writer.Flush()
		case evt := <-ch:
			writeSSE(c.Writer, "cycle", evt)
			c.Writer.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}
