// Package remote defines the remote server interface implemented by each
// remote provider, the static provider registry, and helpers shared by the
// providers.
package remote

import (
	"context"
	"sort"
	"strings"

	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/model"
	"github.com/titan-data/titan/pkg/progress"
)

// Operation is the view of a running push or pull handed to providers.
type Operation interface {
	Operation() model.Operation
	Repository() string
	Remote() model.Remote
	Params() model.RemoteParameters
	// AddProgress appends a progress entry to the operation.
	AddProgress(entry model.ProgressEntry) error
}

// Server implements the remote sync protocol for one provider. Operation
// data returned by StartOperation is opaque to the caller and handed back
// to the later calls of the same operation.
type Server interface {
	Provider() string

	ValidateRemote(props map[string]any) error
	ValidateParameters(props map[string]any) error

	// ListCommits returns the remote commits matching tags, newest first.
	ListCommits(ctx context.Context, r model.Remote, params model.RemoteParameters, tags []string) ([]model.Commit, error)
	// GetCommit returns nil without error when the commit does not exist.
	GetCommit(ctx context.Context, r model.Remote, params model.RemoteParameters, id string) (*model.Commit, error)

	StartOperation(ctx context.Context, op Operation) (any, error)
	SyncVolume(ctx context.Context, op Operation, data any, volume, description, localPath, scratchPath string) error
	PushMetadata(ctx context.Context, op Operation, data any, commit model.Commit, isUpdate bool) error
	EndOperation(ctx context.Context, op Operation, data any, success bool) error
	FailOperation(ctx context.Context, op Operation, data any) error
}

// Stateless is implemented by providers that keep no commits of their own.
// Such a provider accepts metadata-only pushes of commits it has never seen.
type Stateless interface {
	Stateless() bool
}

// IsStateless reports whether s declares itself stateless.
func IsStateless(s Server) bool {
	st, ok := s.(Stateless)
	return ok && st.Stateless()
}

// Registry maps provider names to servers.
type Registry struct {
	servers map[string]Server
}

// NewRegistry builds a registry from a fixed list of servers.
func NewRegistry(servers ...Server) *Registry {
	r := &Registry{servers: make(map[string]Server, len(servers))}
	for _, s := range servers {
		r.servers[s.Provider()] = s
	}
	return r
}

// Get returns the server for provider.
func (r *Registry) Get(provider string) (Server, error) {
	s, ok := r.servers[provider]
	if !ok {
		return nil, errclass.ErrInvalidArgument.WithMessagef("unknown remote provider '%s'", provider)
	}
	return s, nil
}

// Providers lists the registered provider names in sorted order.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MatchTags reports whether commit carries every tag. A tag is either "key"
// (the key must be present) or "key=value" (the value must match).
func MatchTags(commit model.Commit, tags []string) bool {
	have := commit.Tags()
	for _, tag := range tags {
		k, v, exact := strings.Cut(tag, "=")
		got, ok := have[k]
		if !ok || (exact && got != v) {
			return false
		}
	}
	return true
}

// SortCommits orders commits newest first by their timestamp property.
func SortCommits(commits []model.Commit) {
	sort.SliceStable(commits, func(i, j int) bool {
		return commits[i].Timestamp().After(commits[j].Timestamp())
	})
}

// VolumeDescription is the human readable name of a volume in progress
// messages: its "path" property when set, else its name.
func VolumeDescription(v model.Volume) string {
	if p, ok := v.Properties["path"].(string); ok && p != "" {
		return p
	}
	return v.Name
}

// Percent returns a pointer to p for use in progress entries.
func Percent(p int) *int {
	return &p
}

// ProgressCallback reports byte transfers of op as PROGRESS entries.
func ProgressCallback(op Operation) progress.Callback {
	return func(name string, current, total int64, percent int, message string) {
		_ = op.AddProgress(model.ProgressEntry{Type: model.ProgressProgress, Message: name, Percent: Percent(percent)})
	}
}
