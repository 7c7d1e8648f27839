package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ddcodepl/nomad/internal/board"
	"github.com/ddcodepl/nomad/internal/refinepool"
	"github.com/ddcodepl/nomad/internal/statemachine"
)

// handleToRefine loads each page's body and runs the refinement pool
// across all of them with bounded parallelism.
func (a *app) handleToRefine(ctx context.Context, pageIDs []string) error {
	_, err := a.refinePass(ctx, pageIDs)
	return err
}

// refinePass is the shared body of handleToRefine and the one-shot
// --refine mode, which needs the per-task results to compute its exit code.
func (a *app) refinePass(ctx context.Context, pageIDs []string) (map[string]refinepool.TaskResult, error) {
	tasks := make([]refinepool.Task, 0, len(pageIDs))
	for _, id := range pageIDs {
		page, err := a.board.GetPage(ctx, id)
		if err != nil {
			log.Printf("nomad: get page %s: %v", id, err)
			continue
		}
		meta := board.ExtractTaskMeta(page)
		tasks = append(tasks, refinepool.Task{PageID: page.ID, TicketID: meta.TicketID, Body: bodyFromPage(page)})
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	results := a.refine.ProcessAll(ctx, tasks)
	for id, r := range results {
		if r != refinepool.Completed {
			log.Printf("nomad: refine %s: %s", id, r)
		}
	}
	return results, nil
}

// bodyFromPage renders the source text the refinement prompt operates on.
// The board's rich-text body lives in page blocks, outside the Page
// properties this client reads, so the Description property (when present)
// stands in for the authored task description alongside the title.
func bodyFromPage(page board.Page) string {
	meta := board.ExtractTaskMeta(page)
	if raw, ok := page.Properties["Description"]; ok {
		return meta.Title + "\n\n" + fmt.Sprint(raw)
	}
	return meta.Title
}

// handleReadyToRun advances every page from Ready to run to Queued to run.
// The actual run happens once a page reaches Queued to run, guarded there
// by the single-in-progress rule.
func (a *app) handleReadyToRun(ctx context.Context, pageIDs []string) error {
	results := a.machine.BatchTransition(pageIDs, statemachine.ReadyToRun, statemachine.QueuedToRun)
	for _, r := range results {
		if !r.Accepted {
			log.Printf("nomad: ready->queued %s: %v", r.PageID, r.Err)
		}
	}
	return nil
}

// handleQueuedToRun processes at most one queued page per cycle; the
// runner itself enforces the at-most-one-in-progress invariant.
func (a *app) handleQueuedToRun(ctx context.Context, pageIDs []string) error {
	if len(pageIDs) == 0 {
		return nil
	}
	outcome := a.runner.ProcessOne(ctx, pageIDs[0])
	log.Printf("nomad: queued run %s: %s", pageIDs[0], outcome)
	return nil
}

// handleFailed posts a notification for observed failures and takes no
// further automated action; recovery from Failed is manual.
func (a *app) handleFailed(ctx context.Context, pageIDs []string) error {
	if a.notify == nil {
		return nil
	}
	for _, id := range pageIDs {
		page, err := a.board.GetPage(ctx, id)
		if err != nil {
			continue
		}
		meta := board.ExtractTaskMeta(page)
		last, _ := a.board.GetFeedback(id)
		if i := strings.LastIndex(last, "\n\n"); i >= 0 {
			last = last[i+2:]
		}
		stage := "unknown"
		if end := strings.Index(last, "] "); strings.HasPrefix(last, "[") && end >= 0 {
			if colon := strings.Index(last[end+2:], ":"); colon > 0 {
				stage = last[end+2 : end+2+colon]
			}
		}
		_ = a.notify.PostFailureAlert(ctx, meta.TicketID, stage, last)
	}
	return nil
}
