package refinepool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ddcodepl/nomad/internal/statemachine"
)

type fakeBoard struct {
	mu     sync.Mutex
	status map[string]string
}

func newFakeBoard(pageIDs ...string) *fakeBoard {
	status := make(map[string]string, len(pageIDs))
	for _, id := range pageIDs {
		status[id] = statemachine.ToRefine
	}
	return &fakeBoard{status: status}
}

func (f *fakeBoard) GetStatus(pageID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[pageID], nil
}

func (f *fakeBoard) UpdateStatus(pageID, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[pageID] = value
	return nil
}

type fakeLLM struct {
	response string
	err      error
	calls    int
	mu       sync.Mutex
}

func (l *fakeLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	return l.response, nil
}

type fakeBodyReplacer struct {
	mu       sync.Mutex
	replaced map[string]string
	err      error
}

func newFakeBodyReplacer() *fakeBodyReplacer {
	return &fakeBodyReplacer{replaced: make(map[string]string)}
}

func (b *fakeBodyReplacer) ReplaceBody(ctx context.Context, pageID, markdown string) error {
	if b.err != nil {
		return b.err
	}
	b.mu.Lock()
	b.replaced[pageID] = markdown
	b.mu.Unlock()
	return nil
}

func TestProcessAll_HappyPath(t *testing.T) {
	tasksDir := t.TempDir()
	board := newFakeBoard("p1", "p2", "p3")
	llm := &fakeLLM{response: "# Refined\n\n- step"}
	body := newFakeBodyReplacer()

	pool := New(Opts{
		LLM: llm, Body: body, Machine: statemachine.New(board, nil), TasksDir: tasksDir, Workers: 2,
	})

	tasks := []Task{
		{PageID: "p1", TicketID: "NOMAD-1", Body: "implement X"},
		{PageID: "p2", TicketID: "NOMAD-2", Body: "implement Y"},
		{PageID: "p3", TicketID: "NOMAD-3", Body: "implement Z"},
	}
	results := pool.ProcessAll(context.Background(), tasks)

	for _, task := range tasks {
		if results[task.PageID] != Completed {
			t.Errorf("result[%s] = %s, want Completed", task.PageID, results[task.PageID])
		}
		if board.status[task.PageID] != statemachine.Refined {
			t.Errorf("status[%s] = %q, want Refined", task.PageID, board.status[task.PageID])
		}
		refinedPath := filepath.Join(tasksDir, "refined", task.TicketID+".md")
		data, err := os.ReadFile(refinedPath)
		if err != nil {
			t.Errorf("refined artifact missing for %s: %v", task.TicketID, err)
			continue
		}
		if string(data) != llm.response {
			t.Errorf("refined artifact content = %q, want %q", data, llm.response)
		}
		if body.replaced[task.PageID] != llm.response {
			t.Errorf("page body not replaced with LLM output for %s", task.PageID)
		}
	}
}

func TestProcessAll_LLMFailureIsolatesTask(t *testing.T) {
	tasksDir := t.TempDir()
	board := newFakeBoard("p1", "p2")
	llm := &fakeLLM{err: errors.New("rate limited")}
	body := newFakeBodyReplacer()

	pool := New(Opts{LLM: llm, Body: body, Machine: statemachine.New(board, nil), TasksDir: tasksDir, Workers: 3})
	results := pool.ProcessAll(context.Background(), []Task{
		{PageID: "p1", TicketID: "NOMAD-1", Body: "x"},
		{PageID: "p2", TicketID: "NOMAD-2", Body: "y"},
	})

	for pageID, result := range results {
		if result != TaskFailed {
			t.Errorf("result[%s] = %s, want TaskFailed", pageID, result)
		}
		if board.status[pageID] != statemachine.Failed {
			t.Errorf("status[%s] = %q, want Failed", pageID, board.status[pageID])
		}
	}
}

func TestProcessAll_BodyReplaceFailureFailsTask(t *testing.T) {
	tasksDir := t.TempDir()
	board := newFakeBoard("p1")
	llm := &fakeLLM{response: "refined text"}
	body := &fakeBodyReplacer{err: errors.New("board unavailable")}

	pool := New(Opts{LLM: llm, Body: body, Machine: statemachine.New(board, nil), TasksDir: tasksDir})
	results := pool.ProcessAll(context.Background(), []Task{{PageID: "p1", TicketID: "NOMAD-1", Body: "x"}})

	if results["p1"] != TaskFailed {
		t.Errorf("result = %s, want TaskFailed", results["p1"])
	}
}

func TestProcessAll_RespectsWorkerBound(t *testing.T) {
	tasksDir := t.TempDir()
	var pageIDs []string
	for i := 0; i < 10; i++ {
		pageIDs = append(pageIDs, string(rune('a'+i)))
	}
	board := newFakeBoard(pageIDs...)

	var mu sync.Mutex
	var concurrent, maxConcurrent int
	llm := &blockingLLM{
		before: func() {
			mu.Lock()
			concurrent++
			if concurrent > maxConcurrent {
				maxConcurrent = concurrent
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
		},
		after: func() {
			mu.Lock()
			concurrent--
			mu.Unlock()
		},
	}
	body := newFakeBodyReplacer()
	pool := New(Opts{LLM: llm, Body: body, Machine: statemachine.New(board, nil), TasksDir: tasksDir, Workers: 3})

	var tasks []Task
	for _, id := range pageIDs {
		tasks = append(tasks, Task{PageID: id, TicketID: "T-" + id, Body: "x"})
	}
	pool.ProcessAll(context.Background(), tasks)

	if maxConcurrent > 3 {
		t.Errorf("observed %d concurrent LLM calls, want <= 3 (Workers bound)", maxConcurrent)
	}
}

type blockingLLM struct {
	before, after func()
}

func (b *blockingLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	b.before()
	defer b.after()
	return "refined", nil
}

func TestProcessAll_AbortsWhenContextCancelled(t *testing.T) {
	tasksDir := t.TempDir()
	board := newFakeBoard("p1")
	llm := &fakeLLM{response: "x"}
	body := newFakeBodyReplacer()
	pool := New(Opts{LLM: llm, Body: body, Machine: statemachine.New(board, nil), TasksDir: tasksDir})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := pool.ProcessAll(ctx, []Task{{PageID: "p1", TicketID: "NOMAD-1", Body: "x"}})
	if results["p1"] != Aborted {
		t.Errorf("result = %s, want Aborted for an already-cancelled context", results["p1"])
	}
}
