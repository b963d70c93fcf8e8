package types

// NodeID identifies a node in the cluster. The empty NodeID means "none".
type NodeID string

// OpType identifies the operation type.
type OpType int

const (
	OpPut OpType = iota
	OpDelete
	OpCAS
	OpBatchPut
	OpBatchDelete
)

func (o OpType) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpCAS:
		return "cas"
	case OpBatchPut:
		return "batch_put"
	case OpBatchDelete:
		return "batch_delete"
	default:
		return "unknown"
	}
}

// Entry is a key-value pair used in batch operations.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Command represents an operation to be applied to the state machine.
// It travels through the raft log as JSON-encoded opaque bytes.
type Command struct {
	ClientID string   `json:"client_id"`
	Seq      uint64   `json:"seq"`
	Op       OpType   `json:"op"`
	Key      string   `json:"key,omitempty"`
	Value    string   `json:"value,omitempty"`
	Expected string   `json:"expected,omitempty"`
	Entries  []Entry  `json:"entries,omitempty"`
	Keys     []string `json:"keys,omitempty"`
}

// ApplyResult is the result of applying a command.
type ApplyResult struct {
	Ok      bool              `json:"ok"`
	Value   string            `json:"value,omitempty"`
	Values  map[string]string `json:"values,omitempty"`
	Deleted int               `json:"deleted,omitempty"`
	ErrCode string            `json:"err_code,omitempty"`
	ErrMsg  string            `json:"err_msg,omitempty"`
}

// LeaderHint tells clients where the leader is.
type LeaderHint struct {
	LeaderID   NodeID `json:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

// NodeStatus holds status info about a Raft node.
type NodeStatus struct {
	ID          NodeID     `json:"id"`
	Role        string     `json:"role"`
	Term        uint64     `json:"term"`
	VotedFor    NodeID     `json:"voted_for,omitempty"`
	CommitIndex int        `json:"commit_index"`
	LastApplied int        `json:"last_applied"`
	LastIndex   int        `json:"last_index"`
	LeaderHint  LeaderHint `json:"leader_hint"`
}
