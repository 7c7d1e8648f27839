package main

import (
	"context"
	"strings"
	"time"

	"github.com/ddcodepl/nomad/internal/board"
	"github.com/ddcodepl/nomad/internal/dashboard"
	"github.com/ddcodepl/nomad/internal/statemachine"
)

// healthChecker backs both the dashboard's GET /healthz handler and the
// CLI's --health-check flag, so both callers run identical logic.
type healthChecker struct {
	board      *board.Client
	lastPollAt time.Time
}

func (h *healthChecker) Health(ctx context.Context) dashboard.HealthStatus {
	_, err := h.board.GetPage(ctx, "healthcheck-probe")
	reachable := err == nil || isNotFound(err)
	age := "unknown"
	if !h.lastPollAt.IsZero() {
		age = time.Since(h.lastPollAt).Round(time.Second).String()
	}
	return dashboard.HealthStatus{
		OK:             reachable,
		BoardReachable: reachable,
		LastPollAge:    age,
		CheckedAt:      time.Now(),
	}
}

// isNotFound treats a 404 against a bogus probe id as proof the board is
// reachable (the request round-tripped; only the id was invalid).
func isNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "404")
}

// statusCounter backs the dashboard's GET /status handler: per-lifecycle
// task counts read through the board client's query cache.
type statusCounter struct {
	board    *board.Client
	pageSize int
}

var allStatuses = []string{
	statemachine.ToRefine, statemachine.Refined, statemachine.PrepareTasks,
	statemachine.PreparingTasks, statemachine.ReadyToRun, statemachine.QueuedToRun,
	statemachine.InProgress, statemachine.Done, statemachine.Failed,
}

func (s *statusCounter) StatusCounts(ctx context.Context) (dashboard.StatusCounts, error) {
	counts := make(dashboard.StatusCounts, len(allStatuses))
	for _, status := range allStatuses {
		n := 0
		cursor := ""
		for {
			result, err := s.board.QueryByStatus(ctx, status, cursor, s.pageSize)
			if err != nil {
				return nil, err
			}
			n += len(result.Pages)
			if !result.HasMore || result.NextCursor == "" {
				break
			}
			cursor = result.NextCursor
		}
		counts[status] = n
	}
	return counts, nil
}
