package api

import "time"

// RunStatus is the lifecycle state of a recorded node run.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunReady   RunStatus = "ready"
	RunStopped RunStatus = "stopped"
	RunFailed  RunStatus = "failed"
)

// Terminal reports whether no further transition is expected.
func (s RunStatus) Terminal() bool {
	return s == RunStopped || s == RunFailed
}

// RunRecord is one node run as kept in the run store and printed by `ls`.
type RunRecord struct {
	ID        string    `json:"id" yaml:"id"`
	Mode      string    `json:"mode" yaml:"mode"`
	Image     string    `json:"image,omitempty" yaml:"image,omitempty"`
	WorkDir   string    `json:"workdir" yaml:"workdir"`
	NodeID    string    `json:"node_id,omitempty" yaml:"node_id,omitempty"`
	RPCAddr   string    `json:"rpc_addr,omitempty" yaml:"rpc_addr,omitempty"`
	Args      []string  `json:"args" yaml:"args"`
	Status    RunStatus `json:"status" yaml:"status"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}
