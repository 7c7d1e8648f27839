// Package statemachine implements NOMAD's lifecycle transition graph and
// the downstream-acceptance rule that absorbs races with human board edits.
package statemachine

import (
	"fmt"

	"github.com/ddcodepl/nomad/internal/models"
	"github.com/ddcodepl/nomad/internal/store"
	"gorm.io/gorm"
)

// Status values for the task lifecycle.
const (
	ToRefine       = "To Refine"
	Refined        = "Refined"
	PrepareTasks   = "Prepare Tasks"
	PreparingTasks = "Preparing Tasks"
	ReadyToRun     = "Ready to run"
	QueuedToRun    = "Queued to run"
	InProgress     = "In progress"
	Done           = "Done"
	Failed         = "Failed"
)

// ValidTransitions maps each status to its legal next statuses. Failed has
// no outgoing transitions: it is reachable from any state but recovery is manual.
var ValidTransitions = map[string][]string{
	ToRefine:       {Refined, Failed},
	Refined:        {PrepareTasks, Failed},
	PrepareTasks:   {PreparingTasks, Failed},
	PreparingTasks: {ReadyToRun, Failed},
	ReadyToRun:     {QueuedToRun, Failed},
	QueuedToRun:    {InProgress, Failed},
	InProgress:     {Done, Failed},
	Failed:         nil,
}

// BoardClient is the narrow surface the state machine needs from the board.
type BoardClient interface {
	GetStatus(pageID string) (string, error)
	UpdateStatus(pageID, value string) error
}

// Machine applies lifecycle transitions against a board, recording every
// request and its resolution to the history store.
type Machine struct {
	board BoardClient
	db    *gorm.DB
}

// New constructs a Machine bound to a board client and the history store.
func New(board BoardClient, db *gorm.DB) *Machine {
	return &Machine{board: board, db: db}
}

// isValidTransition reports whether to is a legal next status from from.
func isValidTransition(from, to string) bool {
	if to == Failed {
		return true
	}
	for _, v := range ValidTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}

// reachable reports whether to is reachable from from via zero or more
// legal transitions (BFS over ValidTransitions). A state is reachable from
// itself.
func reachable(from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range ValidTransitions[cur] {
			if next == to {
				return true
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// Transition attempts to move pageID's status from "from" to "to". When
// validate is false, the update is applied unconditionally (used for
// rollback and forced Failed transitions). The current observed status and
// whether the request was accepted are returned.
func (m *Machine) Transition(pageID, from, to string, validate bool) (observed string, accepted bool, err error) {
	current, err := m.board.GetStatus(pageID)
	if err != nil {
		return "", false, fmt.Errorf("statemachine: get status for %s: %w", pageID, err)
	}

	record := func(obs string, acc bool, rollback bool, recErr error) {
		if m.db == nil {
			return
		}
		errMsg := ""
		if recErr != nil {
			errMsg = recErr.Error()
		}
		_ = store.RecordTransition(m.db, &models.StatusTransition{
			TaskID:         pageID,
			FromStatus:     from,
			ToStatus:       to,
			ObservedStatus: obs,
			Accepted:       acc,
			RolledBack:     rollback,
			Error:          errMsg,
		})
	}

	if current == to {
		record(current, true, false, nil)
		return current, true, nil
	}

	if !validate {
		if uerr := m.board.UpdateStatus(pageID, to); uerr != nil {
			err = fmt.Errorf("statemachine: force update %s to %q: %w", pageID, to, uerr)
			record(current, false, false, err)
			return current, false, err
		}
		record(current, true, false, nil)
		return current, true, nil
	}

	if current == from {
		if !isValidTransition(from, to) {
			err = fmt.Errorf("statemachine: %q -> %q is not a legal transition", from, to)
			record(current, false, false, err)
			return current, false, err
		}
		if uerr := m.board.UpdateStatus(pageID, to); uerr != nil {
			err = fmt.Errorf("statemachine: update %s to %q: %w", pageID, to, uerr)
			record(current, false, false, err)
			return current, false, err
		}
		record(current, true, false, nil)
		return to, true, nil
	}

	// Downstream-acceptance: the board has already moved past "from" toward
	// or beyond "to" — treat the request as a no-op success.
	if reachable(from, current) {
		record(current, true, false, nil)
		return current, true, nil
	}

	err = fmt.Errorf("statemachine: refuse %s: requested %q -> %q but observed status %q is not reachable from %q", pageID, from, to, current, from)
	record(current, false, false, err)
	return current, false, err
}

// BatchResult is the per-page outcome of a BatchTransition call.
type BatchResult struct {
	PageID   string
	Observed string
	Accepted bool
	Err      error
}

// BatchTransition applies Transition to every id independently, isolating
// per-page failures.
func (m *Machine) BatchTransition(ids []string, from, to string) []BatchResult {
	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		observed, accepted, err := m.Transition(id, from, to, true)
		results = append(results, BatchResult{PageID: id, Observed: observed, Accepted: accepted, Err: err})
	}
	return results
}

// Rollback restores every successful page in results back to priorStatus,
// bypassing validation (mirrors the source state, not a graph edge).
func (m *Machine) Rollback(results []BatchResult, priorStatus string) {
	for _, r := range results {
		if !r.Accepted {
			continue
		}
		_, _, err := m.Transition(r.PageID, r.Observed, priorStatus, false)
		if m.db == nil {
			continue
		}
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		_ = store.RecordTransition(m.db, &models.StatusTransition{
			TaskID:         r.PageID,
			FromStatus:     r.Observed,
			ToStatus:       priorStatus,
			ObservedStatus: priorStatus,
			Accepted:       err == nil,
			RolledBack:     true,
			Error:          errMsg,
		})
	}
}
