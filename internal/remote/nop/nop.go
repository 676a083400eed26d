// Package nop provides a remote that accepts every request and stores
// nothing. It exists for exercising local workflows without a real remote.
package nop

import (
	"context"
	"time"

	"github.com/titan-data/titan/internal/remote"
	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/model"
)

// Provider is the provider name of the nop remote.
const Provider = "nop"

// Parameters are the operation parameters understood by the nop remote.
type Parameters struct {
	// Delay is how many seconds each volume sync sleeps.
	Delay int `json:"delay,omitempty"`
}

// Server is the nop remote server.
type Server struct{}

// New returns a nop server.
func New() *Server {
	return &Server{}
}

func (s *Server) Provider() string { return Provider }

// Stateless reports true: the nop remote keeps no commits.
func (s *Server) Stateless() bool { return true }

func (s *Server) ValidateRemote(props map[string]any) error {
	if len(props) != 0 {
		return errclass.ErrInvalidArgument.WithMessage("nop remote takes no properties")
	}
	return nil
}

func (s *Server) ValidateParameters(props map[string]any) error {
	_, err := decodeParameters(props)
	return err
}

func decodeParameters(props map[string]any) (Parameters, error) {
	var p Parameters
	if err := model.DecodeProperties(props, &p); err != nil {
		return p, errclass.ErrInvalidArgument.WithMessagef("invalid nop parameters: %v", err)
	}
	if p.Delay < 0 {
		return p, errclass.ErrInvalidArgument.WithMessage("nop delay must not be negative")
	}
	return p, nil
}

func (s *Server) ListCommits(ctx context.Context, r model.Remote, params model.RemoteParameters, tags []string) ([]model.Commit, error) {
	return nil, nil
}

// GetCommit echoes back any requested commit with no properties.
func (s *Server) GetCommit(ctx context.Context, r model.Remote, params model.RemoteParameters, id string) (*model.Commit, error) {
	return &model.Commit{ID: id, Properties: map[string]any{}}, nil
}

func (s *Server) StartOperation(ctx context.Context, op remote.Operation) (any, error) {
	return decodeParameters(op.Params().Properties)
}

// SyncVolume reports a START entry, sleeps for the configured delay and
// reports END.
func (s *Server) SyncVolume(ctx context.Context, op remote.Operation, data any, volume, description, localPath, scratchPath string) error {
	if err := op.AddProgress(model.ProgressEntry{Type: model.ProgressStart, Message: "Running operation"}); err != nil {
		return err
	}
	if p, ok := data.(Parameters); ok && p.Delay > 0 {
		timer := time.NewTimer(time.Duration(p.Delay) * time.Second)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return op.AddProgress(model.ProgressEntry{Type: model.ProgressEnd})
}

func (s *Server) PushMetadata(ctx context.Context, op remote.Operation, data any, commit model.Commit, isUpdate bool) error {
	return nil
}

func (s *Server) EndOperation(ctx context.Context, op remote.Operation, data any, success bool) error {
	return nil
}

func (s *Server) FailOperation(ctx context.Context, op remote.Operation, data any) error {
	return nil
}

var (
	_ remote.Server    = (*Server)(nil)
	_ remote.Stateless = (*Server)(nil)
)
