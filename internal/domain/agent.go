package domain

import "time"

// ProcessStatus is the tracked state of an agent worker process.
type ProcessStatus string

const (
	ProcessRunning        ProcessStatus = "running"
	ProcessStopped        ProcessStatus = "stopped"
	ProcessNotRunning     ProcessStatus = "not_running"
	ProcessNotFound       ProcessStatus = "not_found"
	ProcessAlreadyRunning ProcessStatus = "already_running"
	ProcessError          ProcessStatus = "error"
)

// WorkerID derives the worker identifier for an agent.
func WorkerID(agentID string) string {
	return "agent-" + agentID
}

// AgentProcessRecord tracks one worker process.
type AgentProcessRecord struct {
	AgentID        string        `json:"agent_id"`
	WorkerID       string        `json:"worker_id"`
	Name           string        `json:"name,omitempty"`
	PromptTemplate string        `json:"prompt_template,omitempty"`
	PID            int           `json:"pid"`
	Status         ProcessStatus `json:"status"`
	DeployedAt     time.Time     `json:"deployed_at"`
	StoppedAt      *time.Time    `json:"stopped_at,omitempty"`
	LogPath        string        `json:"log_path,omitempty"`
	ExitError      string        `json:"exit_error,omitempty"`
}

// DeployRequest asks the supervisor to run a worker for an agent.
type DeployRequest struct {
	AgentID        string `json:"agent_id"`
	Name           string `json:"name"`
	PromptTemplate string `json:"prompt_template,omitempty"`
}

// DeployResult is returned from a deploy.
type DeployResult struct {
	WorkerID string        `json:"worker_id"`
	PID      int           `json:"pid,omitempty"`
	Status   ProcessStatus `json:"status"`
	Error    string        `json:"error,omitempty"`
}
