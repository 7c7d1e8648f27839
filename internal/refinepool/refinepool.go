// Package refinepool implements NOMAD's refinement worker pool: a
// bounded-parallelism processor for the "To Refine" lifecycle state that
// reads each page's body, calls the LLM, persists the refined markdown,
// replaces the page body, and advances status. Workers poll for
// cancellation between steps so shutdown stays responsive.
package refinepool

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/ddcodepl/nomad/internal/feedback"
	"github.com/ddcodepl/nomad/internal/statemachine"
)

// TaskResult is the terminal outcome of refining one task.
type TaskResult string

const (
	Completed  TaskResult = "completed"
	TaskFailed TaskResult = "failed"
	Aborted    TaskResult = "aborted"
	Skipped    TaskResult = "skipped"
)

// Task is one page awaiting refinement.
type Task struct {
	PageID   string
	TicketID string
	Body     string
}

// LLMClient is the narrow surface refinepool needs from the LLM provider:
// one non-streaming chat-completion call per refinement.
type LLMClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// BodyReplacer is the board surface needed to replace a page's rich-text
// body (hierarchical block delete-and-recreate).
type BodyReplacer interface {
	ReplaceBody(ctx context.Context, pageID, markdown string) error
}

// Pool processes "To Refine" tasks with bounded parallelism.
type Pool struct {
	llm      LLMClient
	body     BodyReplacer
	machine  *statemachine.Machine
	feedback *feedback.Channel
	tasksDir string
	workers  int
}

// Opts configures a Pool.
type Opts struct {
	LLM      LLMClient
	Body     BodyReplacer
	Machine  *statemachine.Machine
	Feedback *feedback.Channel
	TasksDir string
	Workers  int // default 3, per NOMAD_MAX_CONCURRENT_TASKS
}

// New constructs a Pool.
func New(opts Opts) *Pool {
	workers := opts.Workers
	if workers <= 0 {
		workers = 3
	}
	return &Pool{
		llm:      opts.LLM,
		body:     opts.Body,
		machine:  opts.Machine,
		feedback: opts.Feedback,
		tasksDir: opts.TasksDir,
		workers:  workers,
	}
}

const systemPrompt = "You are a task refinement assistant. Rewrite the task description into a clear, actionable markdown specification."

// ProcessAll runs tasks through the pool with bounded parallelism (Workers
// goroutines), polling ctx for cancellation between steps and after every
// network call. Per-task failures are isolated; ProcessAll returns once
// every task has a result.
func (p *Pool) ProcessAll(ctx context.Context, tasks []Task) map[string]TaskResult {
	results := make(map[string]TaskResult, len(tasks))
	var mu sync.Mutex
	var wg sync.WaitGroup

	sem := make(chan struct{}, p.workers)
	for _, t := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(t Task) {
			defer wg.Done()
			defer func() { <-sem }()
			result := p.processOne(ctx, t)
			mu.Lock()
			results[t.PageID] = result
			mu.Unlock()
		}(t)
	}
	wg.Wait()
	return results
}

func (p *Pool) processOne(ctx context.Context, t Task) TaskResult {
	if ctx.Err() != nil {
		return Aborted
	}

	p.note(t, feedback.Refining, "starting refinement", "", "")

	refined, err := p.llm.Complete(ctx, systemPrompt, t.Body)
	if err != nil {
		p.note(t, feedback.Refining, "LLM call failed", "", err.Error())
		p.fail(t)
		return TaskFailed
	}
	if ctx.Err() != nil {
		return Aborted
	}

	refinedPath := filepath.Join(p.tasksDir, "refined", t.TicketID+".md")
	if err := os.MkdirAll(filepath.Dir(refinedPath), 0o755); err != nil {
		p.note(t, feedback.Refining, "failed to create refined dir", "", err.Error())
		p.fail(t)
		return TaskFailed
	}
	if err := os.WriteFile(refinedPath, []byte(refined), 0o644); err != nil {
		p.note(t, feedback.Refining, "failed to write refined artifact", refinedPath, err.Error())
		p.fail(t)
		return TaskFailed
	}

	if ctx.Err() != nil {
		return Aborted
	}
	if err := p.body.ReplaceBody(ctx, t.PageID, refined); err != nil {
		p.note(t, feedback.Refining, "failed to replace page body", "", err.Error())
		p.fail(t)
		return TaskFailed
	}

	if ctx.Err() != nil {
		return Aborted
	}
	_, accepted, err := p.machine.Transition(t.PageID, statemachine.ToRefine, statemachine.Refined, true)
	if err != nil || !accepted {
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		p.note(t, feedback.Refining, "failed to transition to Refined", "", errMsg)
		return TaskFailed
	}

	p.note(t, feedback.Refining, "refinement complete", refinedPath, "")
	return Completed
}

func (p *Pool) fail(t Task) {
	_, _, _ = p.machine.Transition(t.PageID, statemachine.ToRefine, statemachine.Failed, false)
}

func (p *Pool) note(t Task, stage feedback.Stage, message, details, errText string) {
	if p.feedback == nil {
		return
	}
	_ = p.feedback.Append(t.PageID, t.TicketID, stage, message, details, errText)
}
