package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ClareAI/astra-outbound/pkg/logger"
	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/livekit"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

const (
	protocolVersion = "1.0.0"
	pingInterval    = 10 * time.Second
	maxBackoff      = 30 * time.Second
)

// JobHandler runs an accepted job until it ends.
type JobHandler func(ctx context.Context, job Job) error

// ServerConfig identifies the worker to the LiveKit agent service.
type ServerConfig struct {
	// URL is the LiveKit websocket URL; the worker endpoint is URL + "/agent".
	URL             string
	Token           string
	TokenSource     func() (string, error) // when set, mints a fresh token per connection attempt
	AgentName       string
	Identity        string
	ParticipantName string
	MaxJobs         int
}

// AgentServer keeps a worker registered with LiveKit and runs the jobs it is assigned.
type AgentServer struct {
	config  ServerConfig
	handler JobHandler
	dialer  *websocket.Dialer
	logger  *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu       sync.Mutex
	workerID string
	jobs     map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// NewAgentServer creates a worker protocol client.
func NewAgentServer(cfg ServerConfig, handler JobHandler) *AgentServer {
	if cfg.MaxJobs < 1 {
		cfg.MaxJobs = 1
	}
	return &AgentServer{
		config:  cfg,
		handler: handler,
		dialer:  websocket.DefaultDialer,
		logger:  logger.Named("agentserver").With(zap.String("agent_name", cfg.AgentName)),
		jobs:    make(map[string]context.CancelFunc),
	}
}

// WorkerID returns the id assigned at registration.
func (s *AgentServer) WorkerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerID
}

// ActiveJobs returns the number of running jobs.
func (s *AgentServer) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Run registers and serves until ctx is cancelled, reconnecting with backoff.
// Running jobs are cancelled and awaited before Run returns.
func (s *AgentServer) Run(ctx context.Context) error {
	defer s.wg.Wait()
	defer s.cancelJobs()

	backoff := time.Second
	for {
		err := s.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("Worker connection lost, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (s *AgentServer) endpoint() string {
	u := strings.TrimRight(s.config.URL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/agent"
}

func (s *AgentServer) serve(ctx context.Context) error {
	token := s.config.Token
	if s.config.TokenSource != nil {
		t, err := s.config.TokenSource()
		if err != nil {
			return fmt.Errorf("mint worker token: %w", err)
		}
		token = t
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := s.dialer.DialContext(ctx, s.endpoint(), header)
	if err != nil {
		return fmt.Errorf("dial agent endpoint: %w", err)
	}
	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		s.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		conn.Close()
	})
	defer stop()

	if err := s.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_Register{
		Register: &livekit.RegisterWorkerRequest{
			Type:      livekit.JobType_JT_ROOM,
			AgentName: s.config.AgentName,
			Version:   protocolVersion,
		},
	}}); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go s.pingLoop(pingCtx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg := &livekit.ServerMessage{}
		if err := proto.Unmarshal(data, msg); err != nil {
			s.logger.Warn("Dropping undecodable server message", zap.Error(err))
			continue
		}
		s.handle(ctx, msg)
	}
}

func (s *AgentServer) handle(ctx context.Context, msg *livekit.ServerMessage) {
	switch m := msg.Message.(type) {
	case *livekit.ServerMessage_Register:
		s.mu.Lock()
		s.workerID = m.Register.GetWorkerId()
		s.mu.Unlock()
		s.logger.Info("Worker registered", zap.String("worker_id", m.Register.GetWorkerId()))
	case *livekit.ServerMessage_Availability:
		s.answerAvailability(m.Availability)
	case *livekit.ServerMessage_Assignment:
		s.startJob(ctx, m.Assignment)
	case *livekit.ServerMessage_Termination:
		s.terminate(m.Termination.GetJobId())
	case *livekit.ServerMessage_Pong:
	default:
		s.logger.Debug("Ignoring server message", zap.String("type", fmt.Sprintf("%T", msg.Message)))
	}
}

// answerAvailability accepts the offer under the configured identity unless the worker is full.
func (s *AgentServer) answerAvailability(req *livekit.AvailabilityRequest) {
	job := req.GetJob()
	available := s.ActiveJobs() < s.config.MaxJobs
	s.logger.Info("Job offered",
		zap.String("job_id", job.GetId()),
		zap.String("room_name", job.GetRoom().GetName()),
		zap.Bool("accepted", available))

	resp := &livekit.AvailabilityResponse{
		JobId:     job.GetId(),
		Available: available,
	}
	if available {
		resp.ParticipantIdentity = s.config.Identity
		resp.ParticipantName = s.config.ParticipantName
	}
	if err := s.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_Availability{Availability: resp}}); err != nil {
		s.logger.Warn("Failed to answer availability", zap.Error(err))
	}
}

func (s *AgentServer) startJob(ctx context.Context, a *livekit.JobAssignment) {
	lkJob := a.GetJob()
	job := Job{
		ID:       lkJob.GetId(),
		RoomName: lkJob.GetRoom().GetName(),
		Metadata: lkJob.GetMetadata(),
		URL:      a.GetUrl(),
		Token:    a.GetToken(),
	}
	if job.URL == "" {
		job.URL = s.config.URL
	}

	jobCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.jobs[job.ID] = cancel
	s.mu.Unlock()
	s.updateWorker()
	s.updateJob(job.ID, livekit.JobStatus_JS_RUNNING, "")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		err := s.handler(jobCtx, job)

		s.mu.Lock()
		delete(s.jobs, job.ID)
		s.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("Job failed", zap.String("job_id", job.ID), zap.Error(err))
			s.updateJob(job.ID, livekit.JobStatus_JS_FAILED, err.Error())
		} else {
			s.updateJob(job.ID, livekit.JobStatus_JS_SUCCESS, "")
		}
		s.updateWorker()
	}()
}

func (s *AgentServer) terminate(jobID string) {
	s.mu.Lock()
	cancel, ok := s.jobs[jobID]
	s.mu.Unlock()
	if ok {
		s.logger.Info("Job terminated by server", zap.String("job_id", jobID))
		cancel()
	}
}

func (s *AgentServer) cancelJobs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.jobs {
		cancel()
	}
}

func (s *AgentServer) updateJob(jobID string, status livekit.JobStatus, errMsg string) {
	err := s.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_UpdateJob{
		UpdateJob: &livekit.UpdateJobStatus{JobId: jobID, Status: status, Error: errMsg},
	}})
	if err != nil {
		s.logger.Debug("Failed to send job update", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *AgentServer) updateWorker() {
	active := s.ActiveJobs()
	status := livekit.WorkerStatus_WS_AVAILABLE
	if active >= s.config.MaxJobs {
		status = livekit.WorkerStatus_WS_FULL
	}
	err := s.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_UpdateWorker{
		UpdateWorker: &livekit.UpdateWorkerStatus{
			Status:   &status,
			Load:     float32(active) / float32(s.config.MaxJobs),
			JobCount: uint32(active),
		},
	}})
	if err != nil {
		s.logger.Debug("Failed to send worker update", zap.Error(err))
	}
}

func (s *AgentServer) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.send(&livekit.WorkerMessage{Message: &livekit.WorkerMessage_Ping{
				Ping: &livekit.WorkerPing{Timestamp: time.Now().UnixMilli()},
			}})
		}
	}
}

func (s *AgentServer) send(msg *livekit.WorkerMessage) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return errors.New("not connected")
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}
