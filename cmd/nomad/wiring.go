package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/ddcodepl/nomad/internal/board"
	"github.com/ddcodepl/nomad/internal/config"
	"github.com/ddcodepl/nomad/internal/dashboard"
	"github.com/ddcodepl/nomad/internal/dispatcher"
	"github.com/ddcodepl/nomad/internal/engineinvoker"
	"github.com/ddcodepl/nomad/internal/feedback"
	"github.com/ddcodepl/nomad/internal/filestore"
	"github.com/ddcodepl/nomad/internal/llmclient"
	"github.com/ddcodepl/nomad/internal/notifybridge"
	"github.com/ddcodepl/nomad/internal/queuedrunner"
	"github.com/ddcodepl/nomad/internal/refinepool"
	"github.com/ddcodepl/nomad/internal/statemachine"
	"github.com/ddcodepl/nomad/internal/store"
	"github.com/ddcodepl/nomad/internal/vcs"
)

// app bundles every component constructed from a loaded Config, wired
// together for one run. Each one-shot or continuous CLI path uses a subset
// of these.
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	board    *board.Client
	adapter  *boardAdapter
	machine  *statemachine.Machine
	files    *filestore.Service
	vcsSvc   *vcs.Service
	engine   *engineinvoker.Invoker
	feedback *feedback.Channel
	refine   *refinepool.Pool
	runner   *queuedrunner.Runner
	dispatch *dispatcher.Dispatcher
	dash     *dashboard.Server
	notify   *notifybridge.Bridge
	prep     *prepareProcessor
}

// buildApp constructs the full dependency graph from cfg.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.TasksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tasks dir: %w", err)
	}

	db, err := store.Open()
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	transport := board.NewHTTPTransport(cfg.Board.BaseURL, cfg.NotionToken, time.Duration(cfg.Board.HTTPTimeout)*time.Second)
	boardClient, err := board.New(board.Opts{
		Transport:  transport,
		DatabaseID: cfg.NotionBoardDB,
		MaxRetries: cfg.Dispatch.MaxRetries,
		CacheTTL:   time.Duration(cfg.Dispatch.CacheTTLSec) * time.Second,
		CacheDB:    db,
	})
	if err != nil {
		return nil, fmt.Errorf("construct board client: %w", err)
	}
	if _, err := boardClient.RetrieveSchema(ctx); err != nil {
		return nil, fmt.Errorf("retrieve board schema: %w", err)
	}

	adapter := &boardAdapter{client: boardClient, pageSize: cfg.Board.PageSize}

	machine := statemachine.New(boardClient, db)
	files := filestore.New(cfg.ProjectRoot, cfg.TasksDir, db)
	vcsSvc := vcs.New(cfg.ProjectRoot, db)
	engine := engineinvoker.New(engineinvoker.Opts{
		WorkDir:       cfg.ProjectRoot,
		Timeout:       time.Duration(cfg.Engine.TimeoutSec) * time.Second,
		MaxRetries:    cfg.Engine.MaxRetries,
		KillGrace:     time.Duration(cfg.Engine.KillGraceSec) * time.Second,
		RingBufferLen: cfg.Engine.RingBufferLen,
		DB:            db,
	})
	feedbackCh := feedback.New(boardClient, db, cfg.Feedback.ChunkSize)

	llm := llmclient.New(llmclient.Opts{
		AnthropicKey:  cfg.AnthropicKey,
		OpenAIKey:     cfg.OpenAIKey,
		OpenRouterKey: cfg.OpenRouterKey,
	})
	refine := refinepool.New(refinepool.Opts{
		LLM:      llm,
		Body:     boardClient,
		Machine:  machine,
		Feedback: feedbackCh,
		TasksDir: cfg.TasksDir,
		Workers:  cfg.Refine.MaxConcurrentTasks,
	})

	runner := queuedrunner.New(queuedrunner.Opts{
		Board:    adapter,
		Machine:  machine,
		Files:    files,
		Engine:   engine,
		VCS:      vcsSvc,
		Feedback: feedbackCh,
		TasksDir: cfg.TasksDir,
	})

	prep := &prepareProcessor{
		board:         boardClient,
		machine:       machine,
		files:         files,
		vcsSvc:        vcsSvc,
		tasksDir:      cfg.TasksDir,
		projRoot:      cfg.ProjectRoot,
		taskmasterDir: cfg.TaskmasterDir,
		feedback:      feedbackCh,
	}

	var notify *notifybridge.Bridge
	if cfg.Telegraph.Platform != "" {
		chatAdapter, adapterErr := buildTelegraphAdapter(cfg)
		if adapterErr != nil {
			return nil, fmt.Errorf("construct telegraph adapter: %w", adapterErr)
		}
		notify = notifybridge.New(notifybridge.Opts{
			Adapter: chatAdapter,
			Channel: cfg.Telegraph.Channel,
			Cron:    cfg.Telegraph.Digest.Cron,
		})
	}

	dash := dashboard.New(dashboard.Opts{
		Addr:   cfg.Dashboard.Addr,
		Health: &healthChecker{board: boardClient},
		Counts: &statusCounter{board: boardClient, pageSize: cfg.Board.PageSize},
	})

	a := &app{
		cfg: cfg, db: db, board: boardClient, adapter: adapter, machine: machine,
		files: files, vcsSvc: vcsSvc, engine: engine, feedback: feedbackCh,
		refine: refine, runner: runner, dash: dash, notify: notify, prep: prep,
	}

	processors := map[string]dispatcher.SubProcessor{
		statemachine.ToRefine:       a.handleToRefine,
		statemachine.Refined:        prep.handleRefined,
		statemachine.PrepareTasks:   prep.handlePrepareTasks,
		statemachine.PreparingTasks: prep.handlePreparingTasks,
		statemachine.ReadyToRun:     a.handleReadyToRun,
		statemachine.QueuedToRun:    a.handleQueuedToRun,
		statemachine.Failed:         a.handleFailed,
	}
	a.dispatch = dispatcher.New(dispatcher.Opts{
		Board:        adapter,
		Processors:   processors,
		PollInterval: time.Duration(cfg.Dispatch.PollIntervalSec) * time.Second,
		Cooldown:     time.Duration(cfg.Dispatch.CooldownSec) * time.Second,
		CooldownAge:  time.Duration(cfg.Dispatch.CooldownPruneSec) * time.Second,
		OnCycle:      a.onDispatchCycle,
	})

	return a, nil
}

// boardAdapter narrows board.Client down to the small surfaces dispatcher
// and queuedrunner need, converting page shapes along the way.
type boardAdapter struct {
	client   *board.Client
	pageSize int
}

func (a *boardAdapter) PageIDsByStatus(ctx context.Context, status string) ([]string, error) {
	pageSize := a.pageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	var ids []string
	cursor := ""
	for {
		result, err := a.client.QueryByStatus(ctx, status, cursor, pageSize)
		if err != nil {
			return nil, err
		}
		for _, p := range result.Pages {
			ids = append(ids, p.ID)
		}
		if !result.HasMore || result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}
	return ids, nil
}

func (a *boardAdapter) CountInProgress(ctx context.Context) (int, error) {
	ids, err := a.PageIDsByStatus(ctx, statemachine.InProgress)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// onDispatchCycle feeds one completed dispatch cycle to the dashboard's SSE
// feed and, every 10 cycles, to the chat digest bridge when configured.
func (a *app) onDispatchCycle(res dispatcher.CycleResult) {
	if a.dash.Enabled() {
		a.dash.PublishCycle(dashboard.CycleEvent{
			Cycle:     res.Cycle,
			Successes: res.Successes,
			Failures:  res.Failures,
			At:        time.Now(),
		})
	}
	if a.notify != nil && a.notify.Enabled() && res.Cycle%10 == 0 {
		total := res.Successes + res.Failures
		rate := 0.0
		if total > 0 {
			rate = float64(res.Successes) / float64(total)
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.notify.PostDigest(ctx, res.Cycle, rate); err != nil {
				fmt.Printf("notifybridge: post digest: %v\n", err)
			}
		}()
	}
}

func (a *boardAdapter) GetPage(ctx context.Context, pageID string) (queuedrunner.Page, error) {
	page, err := a.client.GetPage(ctx, pageID)
	if err != nil {
		return queuedrunner.Page{}, err
	}
	meta := board.ExtractTaskMeta(page)
	return queuedrunner.Page{
		PageID:     page.ID,
		TicketID:   meta.TicketID,
		Title:      meta.Title,
		Commit:     meta.Commit,
		NewBranch:  meta.NewBranch,
		BaseBranch: meta.BaseBranch,
		BranchName: meta.BranchName,
	}, nil
}
