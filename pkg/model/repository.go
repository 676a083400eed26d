package model

// Repository is a named collection of volumes with a commit history.
type Repository struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
}

// RepositoryStatus summarizes the live state of a repository.
type RepositoryStatus struct {
	LogicalSize  int64          `json:"logicalSize"`
	ActualSize   int64          `json:"actualSize"`
	VolumeStatus []VolumeStatus `json:"volumeStatus"`
	LastCommit   string         `json:"lastCommit,omitempty"`
	SourceCommit string         `json:"sourceCommit,omitempty"`
}

// Volume is a single data volume inside a repository.
type Volume struct {
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
	Config     map[string]any `json:"config,omitempty"`
}

// VolumeStatus reports the size and readiness of a volume.
type VolumeStatus struct {
	Name        string         `json:"name"`
	LogicalSize int64          `json:"logicalSize"`
	ActualSize  int64          `json:"actualSize"`
	Properties  map[string]any `json:"properties,omitempty"`
	Ready       bool           `json:"ready"`
	Error       string         `json:"error,omitempty"`
}
