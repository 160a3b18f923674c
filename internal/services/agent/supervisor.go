package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/ClareAI/astra-outbound/internal/domain"
	"github.com/ClareAI/astra-outbound/internal/metrics"
	"github.com/ClareAI/astra-outbound/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config controls how worker processes are launched and stopped.
type Config struct {
	WorkerBinary string
	WorkerArgs   []string
	LogDir       string
	// Env is appended to the supervisor's own environment for every worker.
	Env         []string
	StartGrace  time.Duration
	StopTimeout time.Duration
}

const stopPollInterval = 100 * time.Millisecond

// managedProcess is a worker this supervisor started and is reaping.
type managedProcess struct {
	cmd     *exec.Cmd
	pid     int
	pgid    int
	done    chan struct{}
	exitErr error
}

func (mp *managedProcess) exited() bool {
	select {
	case <-mp.done:
		return true
	default:
		return false
	}
}

// Supervisor owns one OS process per agent. Other components address workers by agent id only.
type Supervisor struct {
	config  Config
	store   Store
	probe   LivenessProbe
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	records map[string]*domain.AgentProcessRecord // worker_id -> record
	procs   map[string]*managedProcess            // worker_id -> spawned process
	group   singleflight.Group
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithProbe overrides the default gopsutil liveness probe.
func WithProbe(p LivenessProbe) Option {
	return func(s *Supervisor) { s.probe = p }
}

// WithMetrics reports the running worker count.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// NewSupervisor loads persisted records and re-validates every PID before trusting it.
func NewSupervisor(ctx context.Context, cfg Config, store Store, opts ...Option) (*Supervisor, error) {
	if cfg.StartGrace <= 0 {
		cfg.StartGrace = 2 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	s := &Supervisor{
		config:  cfg,
		store:   store,
		probe:   ProcessProbe{},
		logger:  logger.Named("supervisor"),
		records: make(map[string]*domain.AgentProcessRecord),
		procs:   make(map[string]*managedProcess),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Supervisor) reload(ctx context.Context) error {
	records, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load agent state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for workerID, rec := range records {
		if rec.WorkerID == "" {
			rec.WorkerID = workerID
		}
		if rec.Status == domain.ProcessRunning {
			if s.probe.Alive(rec.PID) {
				s.logger.Info("Recovered running worker", zap.String("worker_id", rec.WorkerID), zap.Int("pid", rec.PID))
			} else {
				rec.Status = domain.ProcessNotRunning
				s.logger.Info("Persisted worker is no longer running", zap.String("worker_id", rec.WorkerID), zap.Int("pid", rec.PID))
				s.persist(ctx, rec)
			}
		}
		s.records[rec.WorkerID] = rec
	}
	s.updateGaugeLocked()
	return nil
}

// Deploy starts the agent's worker unless a live one is already tracked.
func (s *Supervisor) Deploy(ctx context.Context, req domain.DeployRequest) (*domain.DeployResult, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", domain.ErrInvalidCallRequest)
	}
	workerID := domain.WorkerID(req.AgentID)

	v, err, _ := s.group.Do(workerID, func() (interface{}, error) {
		return s.deploy(ctx, workerID, req)
	})
	res, _ := v.(*domain.DeployResult)
	return res, err
}

func (s *Supervisor) deploy(ctx context.Context, workerID string, req domain.DeployRequest) (*domain.DeployResult, error) {
	// Once spawned, the crash-on-start check and the persisted record must complete even if the
	// caller goes away.
	ctx = context.WithoutCancel(ctx)
	log := logger.From(ctx).With(zap.String("worker_id", workerID))

	s.mu.Lock()
	if rec, ok := s.records[workerID]; ok && rec.Status == domain.ProcessRunning && s.aliveLocked(workerID, rec.PID) {
		s.mu.Unlock()
		log.Info("Worker already running", zap.Int("pid", rec.PID))
		return &domain.DeployResult{WorkerID: workerID, PID: rec.PID, Status: domain.ProcessAlreadyRunning}, nil
	}
	s.mu.Unlock()

	mp, logPath, err := s.spawn(workerID, req)
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrProcessSpawnFailed, err)
		s.markStopped(ctx, workerID, err.Error())
		log.Error("Failed to start worker", zap.Error(err))
		return &domain.DeployResult{WorkerID: workerID, Status: domain.ProcessError, Error: err.Error()}, err
	}

	timer := time.NewTimer(s.config.StartGrace)
	defer timer.Stop()
	select {
	case <-mp.done:
	case <-timer.C:
	}

	rec := &domain.AgentProcessRecord{
		AgentID:        req.AgentID,
		WorkerID:       workerID,
		Name:           req.Name,
		PromptTemplate: req.PromptTemplate,
		PID:            mp.pid,
		Status:         domain.ProcessRunning,
		DeployedAt:     time.Now().UTC(),
		LogPath:        logPath,
	}

	if mp.exited() {
		msg := "worker exited during startup"
		if mp.exitErr != nil {
			msg = fmt.Sprintf("%s: %v", msg, mp.exitErr)
		}
		now := time.Now().UTC()
		rec.Status = domain.ProcessStopped
		rec.StoppedAt = &now
		rec.ExitError = msg

		s.mu.Lock()
		s.records[workerID] = rec
		delete(s.procs, workerID)
		s.persist(ctx, rec)
		s.updateGaugeLocked()
		s.mu.Unlock()

		err := fmt.Errorf("%w: %s (see %s)", domain.ErrProcessSpawnFailed, msg, logPath)
		log.Error("Worker crashed on start", zap.Int("pid", mp.pid), zap.Error(err))
		return &domain.DeployResult{WorkerID: workerID, PID: mp.pid, Status: domain.ProcessError, Error: err.Error()}, err
	}

	s.mu.Lock()
	s.records[workerID] = rec
	s.persist(ctx, rec)
	s.updateGaugeLocked()
	s.mu.Unlock()

	log.Info("Worker deployed", zap.Int("pid", mp.pid), zap.String("log_path", logPath))
	return &domain.DeployResult{WorkerID: workerID, PID: mp.pid, Status: domain.ProcessRunning}, nil
}

// spawn starts the worker in its own process group with output captured to a log file.
func (s *Supervisor) spawn(workerID string, req domain.DeployRequest) (*managedProcess, string, error) {
	if err := os.MkdirAll(s.config.LogDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create log dir: %w", err)
	}
	logPath := filepath.Join(s.config.LogDir, workerID+".log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("open log file: %w", err)
	}

	name := req.Name
	if name == "" {
		name = workerID
	}

	cmd := exec.Command(s.config.WorkerBinary, s.config.WorkerArgs...)
	cmd.Env = append(os.Environ(), s.config.Env...)
	cmd.Env = append(cmd.Env,
		"AGENT_ID="+req.AgentID,
		"AGENT_NAME="+workerID,
		"AGENT_IDENTITY="+workerID,
		"AGENT_DISPLAY_NAME="+name,
		"AGENT_PROMPT_TEMPLATE="+req.PromptTemplate,
	)
	cmd.Stdout = f
	cmd.Stderr = f
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		f.Close()
		return nil, logPath, fmt.Errorf("start %s: %w", s.config.WorkerBinary, err)
	}

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	mp := &managedProcess{cmd: cmd, pid: pid, pgid: pgid, done: make(chan struct{})}

	s.mu.Lock()
	s.procs[workerID] = mp
	s.mu.Unlock()

	go func() {
		mp.exitErr = cmd.Wait()
		f.Close()
		close(mp.done)
		s.logger.Info("Worker process exited", zap.String("worker_id", workerID), zap.Int("pid", pid), zap.Error(mp.exitErr))
	}()

	return mp, logPath, nil
}

// Status returns the record for the agent, downgrading it to stopped if its process has exited.
func (s *Supervisor) Status(ctx context.Context, agentID string) (*domain.AgentProcessRecord, error) {
	workerID := domain.WorkerID(agentID)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[workerID]
	if !ok {
		return &domain.AgentProcessRecord{AgentID: agentID, WorkerID: workerID, Status: domain.ProcessNotFound},
			fmt.Errorf("%w: %s", domain.ErrProcessNotFound, workerID)
	}
	s.refreshLocked(ctx, rec)
	out := *rec
	return &out, nil
}

// List returns every tracked record after refreshing liveness, ordered by worker id.
func (s *Supervisor) List(ctx context.Context) []domain.AgentProcessRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.AgentProcessRecord, 0, len(s.records))
	for _, rec := range s.records {
		s.refreshLocked(ctx, rec)
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// RunningCount returns the number of workers tracked as running.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

// Stop terminates the agent's worker: SIGTERM to its process group, then SIGKILL after StopTimeout.
func (s *Supervisor) Stop(ctx context.Context, agentID string) (*domain.AgentProcessRecord, error) {
	workerID := domain.WorkerID(agentID)
	log := logger.From(ctx).With(zap.String("worker_id", workerID))

	s.mu.Lock()
	rec, ok := s.records[workerID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrProcessNotFound, workerID)
	}
	pid := rec.PID
	mp := s.procs[workerID]
	alive := s.aliveLocked(workerID, pid)
	s.mu.Unlock()

	if alive {
		pgid := pid
		if mp != nil {
			pgid = mp.pgid
		} else if g, err := syscall.Getpgid(pid); err == nil {
			pgid = g
		}
		if err := s.terminate(ctx, workerID, pid, pgid, mp); err != nil {
			log.Warn("Worker did not exit cleanly", zap.Int("pid", pid), zap.Error(err))
		}
	}

	s.markStopped(ctx, workerID, "")

	s.mu.Lock()
	defer s.mu.Unlock()
	out := *s.records[workerID]
	log.Info("Worker stopped", zap.Int("pid", pid))
	return &out, nil
}

func (s *Supervisor) terminate(ctx context.Context, workerID string, pid, pgid int, mp *managedProcess) error {
	target := -pgid
	if pgid <= 0 {
		target = pid
	}
	if err := syscall.Kill(target, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	if s.waitExit(ctx, workerID, pid, mp, s.config.StopTimeout) {
		return nil
	}

	s.logger.Warn("Worker ignored SIGTERM, sending SIGKILL", zap.String("worker_id", workerID), zap.Int("pid", pid))
	_ = syscall.Kill(target, syscall.SIGKILL)
	if s.waitExit(context.WithoutCancel(ctx), workerID, pid, mp, time.Second) {
		return nil
	}
	return fmt.Errorf("process %d still alive after SIGKILL", pid)
}

func (s *Supervisor) waitExit(ctx context.Context, workerID string, pid int, mp *managedProcess, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	if mp != nil {
		select {
		case <-mp.done:
			return true
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return mp.exited()
		}
	}

	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()
	for {
		if !s.probe.Alive(pid) {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return !s.probe.Alive(pid)
		case <-ctx.Done():
			return !s.probe.Alive(pid)
		}
	}
}

// StopAll stops every worker tracked as running.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	agents := make([]string, 0, len(s.records))
	for _, rec := range s.records {
		if rec.Status == domain.ProcessRunning {
			agents = append(agents, rec.AgentID)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, agentID := range agents {
		if _, err := s.Stop(ctx, agentID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) markStopped(ctx context.Context, workerID, exitErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[workerID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	rec.Status = domain.ProcessStopped
	rec.StoppedAt = &now
	if exitErr != "" {
		rec.ExitError = exitErr
	}
	delete(s.procs, workerID)
	s.persist(ctx, rec)
	s.updateGaugeLocked()
}

// refreshLocked downgrades a running record whose process is gone.
func (s *Supervisor) refreshLocked(ctx context.Context, rec *domain.AgentProcessRecord) {
	if rec.Status != domain.ProcessRunning || s.aliveLocked(rec.WorkerID, rec.PID) {
		return
	}
	now := time.Now().UTC()
	rec.Status = domain.ProcessStopped
	rec.StoppedAt = &now
	if mp, ok := s.procs[rec.WorkerID]; ok && mp.exitErr != nil {
		rec.ExitError = mp.exitErr.Error()
	}
	delete(s.procs, rec.WorkerID)
	s.persist(ctx, rec)
	s.updateGaugeLocked()
	s.logger.Info("Worker exited since last check", zap.String("worker_id", rec.WorkerID), zap.Int("pid", rec.PID))
}

func (s *Supervisor) aliveLocked(workerID string, pid int) bool {
	if mp, ok := s.procs[workerID]; ok && mp.pid == pid {
		return !mp.exited()
	}
	return s.probe.Alive(pid)
}

func (s *Supervisor) runningLocked() int {
	n := 0
	for _, rec := range s.records {
		if rec.Status == domain.ProcessRunning {
			n++
		}
	}
	return n
}

func (s *Supervisor) updateGaugeLocked() {
	s.metrics.SetWorkersRunning(s.runningLocked())
}

func (s *Supervisor) persist(ctx context.Context, rec *domain.AgentProcessRecord) {
	if err := s.store.Save(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("Failed to persist agent state", zap.String("worker_id", rec.WorkerID), zap.Error(err))
	}
}
