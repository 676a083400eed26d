package model

// OperationType is the direction of a remote operation.
type OperationType string

const (
	OperationPush OperationType = "push"
	OperationPull OperationType = "pull"
)

// OperationState is the lifecycle state of an operation.
type OperationState string

const (
	OperationRunning  OperationState = "running"
	OperationComplete OperationState = "complete"
	OperationAborted  OperationState = "aborted"
	OperationFailed   OperationState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s OperationState) Terminal() bool {
	return s == OperationComplete || s == OperationAborted || s == OperationFailed
}

// Operation is an in-flight or finished push or pull.
type Operation struct {
	ID       string         `json:"id"`
	Type     OperationType  `json:"type"`
	State    OperationState `json:"state"`
	Remote   string         `json:"remote"`
	CommitID string         `json:"commitId"`
}

// ProgressType classifies a progress entry.
type ProgressType string

const (
	ProgressMessage  ProgressType = "MESSAGE"
	ProgressStart    ProgressType = "START"
	ProgressProgress ProgressType = "PROGRESS"
	ProgressEnd      ProgressType = "END"
	ProgressAbort    ProgressType = "ABORT"
	ProgressFailed   ProgressType = "FAILED"
	ProgressComplete ProgressType = "COMPLETE"
)

// ProgressEntry is one append-only record of an operation's progress.
type ProgressEntry struct {
	ID      int64        `json:"id"`
	Type    ProgressType `json:"type"`
	Message string       `json:"message,omitempty"`
	Percent *int         `json:"percent,omitempty"`
}

// StateFor returns the operation state implied by a progress entry type,
// and whether the entry changes the state at all.
func StateFor(t ProgressType) (OperationState, bool) {
	switch t {
	case ProgressAbort:
		return OperationAborted, true
	case ProgressFailed:
		return OperationFailed, true
	case ProgressComplete:
		return OperationComplete, true
	}
	return "", false
}
