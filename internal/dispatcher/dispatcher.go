// Package dispatcher pulls queued runs from the control plane, stages
// session workspaces, and drives executor containers.
package dispatcher

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/opencowork/opencowork/internal/common/config"
	"github.com/opencowork/opencowork/internal/common/logger"
	"github.com/opencowork/opencowork/internal/controlplane/service"
	"github.com/opencowork/opencowork/internal/dispatcher/container"
	"github.com/opencowork/opencowork/internal/dispatcher/cpclient"
	"github.com/opencowork/opencowork/internal/dispatcher/executor"
	"github.com/opencowork/opencowork/internal/dispatcher/workspace"
	"github.com/opencowork/opencowork/internal/storage"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

// activeRun tracks one run whose lease this worker is keeping alive.
type activeRun struct {
	runID     string
	sessionID string
	userID    string
	stop      context.CancelFunc
}

// Dispatcher owns the pull-stage-execute loop.
type Dispatcher struct {
	cfg         config.DispatcherConfig
	queueCfg    config.QueueConfig
	cp          *cpclient.Client
	pool        *container.Pool
	workspaces  *workspace.Manager
	stager      *workspace.Stager
	exporter    *Exporter
	logger      *logger.Logger
	sem         *semaphore.Weighted
	workerID    string
	callbackURL string // DP admin endpoint the executor posts callbacks to

	mu     sync.Mutex
	active map[string]*activeRun // keyed by run id

	// nightly window state: one window is opened per day and polled until
	// it closes.
	nightlyWindowID string
}

// New creates a dispatcher.
func New(
	cfg config.DispatcherConfig,
	queueCfg config.QueueConfig,
	cp *cpclient.Client,
	pool *container.Pool,
	workspaces *workspace.Manager,
	store *storage.Client,
	callbackURL string,
	log *logger.Logger,
) *Dispatcher {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "dispatcher"
	}
	workerID := fmt.Sprintf("%s:%d", hostname, os.Getpid())
	d := &Dispatcher{
		cfg:         cfg,
		queueCfg:    queueCfg,
		cp:          cp,
		pool:        pool,
		workspaces:  workspaces,
		stager:      workspace.NewStager(store, log),
		logger:      log.WithFields(zap.String("component", "dispatcher"), zap.String("worker_id", workerID)),
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		workerID:    workerID,
		callbackURL: callbackURL,
		active:      make(map[string]*activeRun),
	}
	d.exporter = NewExporter(store, workspaces, cp, log)
	return d
}

// WorkerID returns this dispatcher's claim identity.
func (d *Dispatcher) WorkerID() string { return d.workerID }

// Exporter returns the workspace export runner.
func (d *Dispatcher) Exporter() *Exporter { return d.exporter }

// Start launches one puller per schedule mode. They stop when ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	for _, mode := range []v1.ScheduleMode{v1.ScheduleImmediate, v1.ScheduleScheduled, v1.ScheduleNightly} {
		go d.runPuller(ctx, mode)
	}
	d.logger.Info("dispatcher started",
		zap.Int("max_concurrent_tasks", d.cfg.MaxConcurrentTasks),
		zap.Duration("poll_interval", d.cfg.PollInterval()))
}

// runPuller polls the claim endpoint for one schedule mode.
func (d *Dispatcher) runPuller(ctx context.Context, mode v1.ScheduleMode) {
	log := d.logger.WithFields(zap.String("mode", string(mode)))
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(d.cfg.PollInterval())):
		}
		if mode == v1.ScheduleNightly && !d.nightlyWindowOpen(time.Now().UTC(), log) {
			continue
		}
		d.pullOnce(ctx, mode, log)
	}
}

// jitter spreads poll intervals ±20% so multiple workers do not thunder.
func jitter(base time.Duration) time.Duration {
	spread := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(base) * spread)
}

// nightlyWindowOpen tracks the current UTC nightly window. A window id names
// the day and opening hour; the puller only claims while inside it.
func (d *Dispatcher) nightlyWindowOpen(now time.Time, log *logger.Logger) bool {
	if !service.NightlyWindowContains(now, d.queueCfg.NightlyStartHour, d.queueCfg.NightlyWindowMin) {
		return false
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), d.queueCfg.NightlyStartHour, 0, 0, 0, time.UTC)
	if start.After(now) {
		start = start.AddDate(0, 0, -1)
	}
	windowID := fmt.Sprintf("%s@%02d", start.Format("2006-01-02"), d.queueCfg.NightlyStartHour)
	if windowID != d.nightlyWindowID {
		d.nightlyWindowID = windowID
		log.Info("nightly window opened", zap.String("window_id", windowID))
	}
	return true
}

// pullOnce claims up to one run (after acquiring a slot) and dispatches it.
func (d *Dispatcher) pullOnce(ctx context.Context, mode v1.ScheduleMode, log *logger.Logger) {
	// Hold a slot before claiming so a claimed lease never waits on local
	// capacity.
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return
	}
	released := false
	release := func() {
		if !released {
			released = true
			d.sem.Release(1)
		}
	}
	defer release()

	resp, err := d.cp.ClaimRuns(ctx, &v1.ClaimRequest{
		WorkerID: d.workerID,
		Modes:    []string{string(mode)},
		Limit:    1,
	})
	if err != nil {
		log.Warn("claim failed", zap.Error(err))
		return
	}
	if len(resp.Runs) == 0 {
		return
	}

	run := resp.Runs[0]
	released = true // ownership moves to the dispatch goroutine
	go func() {
		defer d.sem.Release(1)
		d.dispatch(ctx, &run, log)
	}()
}

// dispatch runs the staging and execution pipeline for one claimed run.
func (d *Dispatcher) dispatch(ctx context.Context, run *v1.ClaimedRun, log *logger.Logger) {
	log = log.WithFields(zap.String("run_id", run.RunID), zap.String("session_id", run.SessionID))
	log.Info("dispatching run", zap.Int("attempts", run.Attempts))

	endpoint, err := d.prepare(ctx, run, log)
	if err != nil {
		log.Error("dispatch failed", zap.Error(err))
		d.failRun(ctx, run, err)
		return
	}
	if endpoint == nil {
		// Start conflict: the run was canceled or stolen mid-dispatch.
		return
	}

	// The run now lives in the container; keep the lease alive until a
	// terminal callback or a lease conflict.
	hbCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	d.mu.Lock()
	d.active[run.RunID] = &activeRun{
		runID:     run.RunID,
		sessionID: run.SessionID,
		userID:    run.UserID,
		stop:      stop,
	}
	d.mu.Unlock()
	go d.heartbeatLoop(hbCtx, run, log)
}

// prepare stages the workspace, launches the executor, submits the prompt,
// and starts the run on the control plane.
func (d *Dispatcher) prepare(ctx context.Context, run *v1.ClaimedRun, log *logger.Logger) (*container.Endpoint, error) {
	snapshot := run.ConfigSnapshot
	if snapshot == nil {
		snapshot = map[string]interface{}{}
	}

	ws, err := d.workspaces.Ensure(run.UserID, run.SessionID, run.RunID)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}

	if err := d.stageAll(ctx, run, ws, snapshot, log); err != nil {
		return nil, err
	}

	env, err := d.cp.ResolveEnv(ctx, run.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve env: %w", err)
	}

	endpoint, err := d.pool.GetOrCreate(ctx, run.SessionID, run.UserID, ws.WorkDir, envList(env))
	if err != nil {
		return nil, fmt.Errorf("container: %w", err)
	}

	exec := executor.New(endpoint.BaseURL, log)
	if err := exec.WaitHealthy(ctx, 60*time.Second); err != nil {
		d.releaseContainer(ctx, run.SessionID, true)
		return nil, fmt.Errorf("executor health: %w", err)
	}
	model, _ := snapshot["model"].(string)
	if err := exec.Execute(ctx, &executor.ExecuteRequest{
		RunID:          run.RunID,
		SessionID:      run.SessionID,
		Prompt:         run.Prompt,
		Env:            env,
		SdkSessionID:   run.SdkSessionID,
		Model:          model,
		PermissionMode: string(run.PermissionMode),
		CallbackURL:    d.callbackURL,
	}); err != nil {
		d.releaseContainer(ctx, run.SessionID, true)
		return nil, fmt.Errorf("execute: %w", err)
	}

	if err := d.cp.StartRun(ctx, run.RunID, d.workerID); err != nil {
		// A conflict means the run was canceled or the lease was stolen:
		// stop container work without reporting a failure.
		d.releaseContainer(ctx, run.SessionID, true)
		if cpclient.IsConflict(err) {
			log.Warn("run start conflicted, aborting dispatch")
			return nil, nil
		}
		return nil, fmt.Errorf("start run: %w", err)
	}
	return endpoint, nil
}

// stageAll resolves and stages every configured capability.
func (d *Dispatcher) stageAll(ctx context.Context, run *v1.ClaimedRun, ws *workspace.Workspace, snapshot map[string]interface{}, log *logger.Logger) error {
	skills, err := d.cp.ResolveSkills(ctx, run.UserID, snapshotIDs(snapshot, "skill_ids"))
	if err != nil {
		return fmt.Errorf("resolve skills: %w", err)
	}
	if err := d.stager.StageSkills(ws, skills); err != nil {
		return fmt.Errorf("stage skills: %w", err)
	}

	inputs := workspace.InputFilesFromSnapshot(snapshot)
	if err := d.stager.StageInputs(ctx, ws, inputs); err != nil {
		return fmt.Errorf("stage inputs: %w", err)
	}

	commands, err := d.cp.ResolveSlashCommands(ctx, run.UserID)
	if err != nil {
		return fmt.Errorf("resolve slash commands: %w", err)
	}
	if err := d.stager.StageSlashCommands(ws, commands); err != nil {
		return fmt.Errorf("stage slash commands: %w", err)
	}

	mcpConfig, err := d.cp.ResolveMcpConfig(ctx, run.UserID, snapshotIDs(snapshot, "mcp_server_ids"))
	if err != nil {
		return fmt.Errorf("resolve mcp config: %w", err)
	}
	if err := d.stager.StageMcpConfig(ws, mcpConfig); err != nil {
		return fmt.Errorf("stage mcp config: %w", err)
	}

	agents, err := d.cp.ResolveSubAgents(ctx, run.UserID, snapshotIDs(snapshot, "sub_agent_ids"))
	if err != nil {
		return fmt.Errorf("resolve sub-agents: %w", err)
	}
	if err := d.stager.StageSubAgents(ws, agents); err != nil {
		return fmt.Errorf("stage sub-agents: %w", err)
	}

	// CLAUDE.md is best effort; a failure never blocks the dispatch.
	if claudeMd, err := d.cp.ResolveClaudeMd(ctx, run.UserID); err != nil {
		log.Warn("failed to resolve CLAUDE.md", zap.Error(err))
	} else {
		d.stager.StageClaudeMd(ws, claudeMd)
	}
	return nil
}

// heartbeatLoop extends the lease until the run finishes or the lease is
// lost to another worker.
func (d *Dispatcher) heartbeatLoop(ctx context.Context, run *v1.ClaimedRun, log *logger.Logger) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := d.cp.HeartbeatRun(ctx, run.RunID, d.workerID)
			if err == nil {
				continue
			}
			if cpclient.IsConflict(err) || cpclient.IsNotFound(err) {
				log.Warn("lease lost, stopping heartbeats", zap.Error(err))
				d.finishRun(run.RunID)
				return
			}
			log.Warn("heartbeat failed", zap.Error(err))
		}
	}
}

// OnTerminal is called by the callback relay when a run reaches a terminal
// status: heartbeats stop and the container goes idle.
func (d *Dispatcher) OnTerminal(runID string) {
	d.mu.Lock()
	entry := d.active[runID]
	d.mu.Unlock()
	if entry != nil {
		d.pool.Release(entry.sessionID)
	}
	d.finishRun(runID)
}

// LookupActiveSession maps a control plane session id to its tracked user id.
func (d *Dispatcher) LookupActiveSession(sessionID string) (userID string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, entry := range d.active {
		if entry.sessionID == sessionID {
			return entry.userID, true
		}
	}
	return "", false
}

func (d *Dispatcher) finishRun(runID string) {
	d.mu.Lock()
	entry := d.active[runID]
	delete(d.active, runID)
	d.mu.Unlock()
	if entry != nil {
		entry.stop()
	}
}

// CancelSession stops lease upkeep for the session's runs, aborts the
// executor, and removes the container.
func (d *Dispatcher) CancelSession(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	var runs []*activeRun
	for _, entry := range d.active {
		if entry.sessionID == sessionID {
			runs = append(runs, entry)
		}
	}
	d.mu.Unlock()

	for _, entry := range runs {
		d.finishRun(entry.runID)
	}
	return d.pool.Cancel(ctx, sessionID)
}

// failRun reports a dispatch failure and tears down the container.
func (d *Dispatcher) failRun(ctx context.Context, run *v1.ClaimedRun, cause error) {
	d.releaseContainer(ctx, run.SessionID, true)
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.cp.FailRun(reportCtx, run.RunID, d.workerID, cause.Error()); err != nil {
		d.logger.Warn("failed to report run failure",
			zap.String("run_id", run.RunID),
			zap.Error(err))
	}
}

func (d *Dispatcher) releaseContainer(ctx context.Context, sessionID string, cancel bool) {
	if cancel {
		cleanupCtx, cancelFn := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancelFn()
		_ = d.pool.Cancel(cleanupCtx, sessionID)
		return
	}
	d.pool.Release(sessionID)
}

// Shutdown stops all lease upkeep and removes pooled containers.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	runs := make([]*activeRun, 0, len(d.active))
	for _, entry := range d.active {
		runs = append(runs, entry)
	}
	d.mu.Unlock()
	for _, entry := range runs {
		d.finishRun(entry.runID)
	}
	d.pool.Shutdown(ctx)
}

// snapshotIDs reads a string-list key from a config snapshot. A missing key
// yields nil so the control plane applies install defaults.
func snapshotIDs(snapshot map[string]interface{}, key string) []string {
	raw, ok := snapshot[key]
	if !ok || raw == nil {
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		if typed, ok := raw.([]string); ok {
			return typed
		}
		return nil
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			ids = append(ids, s)
		}
	}
	return ids
}

// envList flattens an env map to KEY=VALUE form for the container runtime.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for key, value := range env {
		out = append(out, key+"="+value)
	}
	return out
}
