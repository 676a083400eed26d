// Package orchestrator implements the repository, volume, commit, remote and
// operation orchestrators.
//
// Every orchestrator follows the same shape: validate identifiers, check and
// update metadata in one short transaction, make the slow runtime or remote
// call outside of it, then persist whatever the backend returned in a second
// transaction. Destructive calls only mark state deleting and signal the
// reaper.
package orchestrator

import (
	"github.com/titan-data/titan/internal/audit"
	"github.com/titan-data/titan/internal/gc"
	"github.com/titan-data/titan/internal/metadata"
	"github.com/titan-data/titan/internal/remote"
	"github.com/titan-data/titan/internal/storage"
	"github.com/titan-data/titan/pkg/logging"
	"github.com/titan-data/titan/pkg/metrics"
	"github.com/titan-data/titan/pkg/webhook"
)

// Locator carries the collaborators shared by all orchestrators. Store,
// Context and Remotes are required; the rest default to no-op versions.
type Locator struct {
	Store    *metadata.Store
	Context  storage.RuntimeContext
	Remotes  *remote.Registry
	Reaper   *gc.Reaper
	Metrics  *metrics.Registry
	Webhooks *webhook.Client
	Audit    audit.Appender
	Log      *logging.Logger
}

// Orchestrators groups the orchestrators built over one Locator.
type Orchestrators struct {
	Repositories *RepositoryOrchestrator
	Volumes      *VolumeOrchestrator
	Commits      *CommitOrchestrator
	Remotes      *RemoteOrchestrator
	Operations   *OperationOrchestrator
}

// New fills in defaults on l and wires the orchestrators together.
func New(l *Locator) *Orchestrators {
	if l.Metrics == nil {
		l.Metrics = metrics.NewRegistry()
	}
	if l.Audit == nil {
		l.Audit = audit.Discard
	}
	if l.Log == nil {
		l.Log = logging.Global()
	}
	if l.Reaper == nil {
		l.Reaper = gc.NewReaper(l.Store, l.Context, gc.Config{Audit: l.Audit, Metrics: l.Metrics, Log: l.Log})
	}

	o := &Orchestrators{}
	o.Repositories = &RepositoryOrchestrator{l: l, o: o}
	o.Volumes = &VolumeOrchestrator{l: l}
	o.Commits = &CommitOrchestrator{l: l}
	o.Remotes = &RemoteOrchestrator{l: l, o: o}
	o.Operations = newOperationOrchestrator(l, o)
	return o
}
