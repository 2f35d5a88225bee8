package replication

import (
	"context"
	"errors"
	"time"

	"github.com/WANdisco/jgit-sub000/internal/git"
)

var (
	// ErrNoResult is returned when the engine accepted a request but produced no result for it.
	ErrNoResult = errors.New("replication engine returned no result")
	// ErrRepositoryExists is returned when a repository to be deployed already exists.
	ErrRepositoryExists = errors.New("repository already exists")
)

// Engine is the replication engine as seen from a single node. Every call blocks until the
// engine has reached a decision.
type Engine interface {
	// Update submits a single change. A nil result without error means that the engine
	// did not decide about the change.
	Update(ctx context.Context, req *UpdateRequest) (*UpdateResult, error)
	// Batch submits an atomic batch of changes.
	Batch(ctx context.Context, req *BatchRequest) (*BatchResult, error)
	// SetHead points HEAD of the repository at repoPath to target.
	SetHead(ctx context.Context, repoPath string, target git.ReferenceName) error
	// Deploy creates the repository at repoPath on every node.
	Deploy(ctx context.Context, repoPath string, timeout time.Duration) error
}
