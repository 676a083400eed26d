package model

// EngineType identifies the clone engine used by the local storage context.
type EngineType string

const (
	EngineJuiceFSClone EngineType = "juicefs-clone"
	EngineReflinkCopy  EngineType = "reflink-copy"
	EngineCopy         EngineType = "copy"
)

// HashValue is a SHA-256 hash stored as hex string.
type HashValue string

// VolumeSetState is the lifecycle state of a volume set.
type VolumeSetState string

const (
	VolumeSetActive   VolumeSetState = "active"
	VolumeSetInactive VolumeSetState = "inactive"
	VolumeSetDeleting VolumeSetState = "deleting"
)

// ObjectState is the lifecycle state of volumes and commits.
type ObjectState string

const (
	StateActive   ObjectState = "active"
	StateDeleting ObjectState = "deleting"
)
