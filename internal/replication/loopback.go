package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/WANdisco/jgit-sub000/internal/git"
	"github.com/WANdisco/jgit-sub000/internal/git/graph"
	"github.com/WANdisco/jgit-sub000/internal/refdb"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
)

// LoopbackEngine is a single node engine which applies every request directly to the local
// repository, the way the engine's own writer does. It serves standalone deployments and
// tests.
type LoopbackEngine struct {
	graph graph.Graph
	opts  []refdb.Option

	mu       sync.Mutex
	noResult bool
	updates  []*UpdateRequest
	batches  []*BatchRequest
}

// NewLoopbackEngine creates an engine applying requests with an unreplicated ref directory
// opened with opts on g.
func NewLoopbackEngine(g graph.Graph, opts ...refdb.Option) *LoopbackEngine {
	return &LoopbackEngine{graph: g, opts: opts}
}

// SetNoResult makes the engine accept requests without applying or deciding them.
func (e *LoopbackEngine) SetNoResult(noResult bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.noResult = noResult
}

// Updates returns the single update requests received so far.
func (e *LoopbackEngine) Updates() []*UpdateRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*UpdateRequest(nil), e.updates...)
}

// Batches returns the batch requests received so far.
func (e *LoopbackEngine) Batches() []*BatchRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*BatchRequest(nil), e.batches...)
}

func (e *LoopbackEngine) open(gitDir string) *refdb.RefDirectory {
	return refdb.NewRefDirectory(gitDir, e.graph, e.opts...)
}

func commandOf(req *UpdateRequest) (*refdb.Command, error) {
	oldID, err := git.NewObjectIDFromHex(req.OldRev)
	if err != nil {
		return nil, fmt.Errorf("old revision: %w", err)
	}
	newID, err := git.NewObjectIDFromHex(req.NewRev)
	if err != nil {
		return nil, fmt.Errorf("new revision: %w", err)
	}
	return refdb.NewCommand(git.ReferenceName(req.RefName), oldID, newID), nil
}

// identityOf reverses UserID.
func identityOf(userID string) refdb.Identity {
	if i := strings.LastIndex(userID, " <"); i >= 0 && strings.HasSuffix(userID, ">") {
		return refdb.Identity{Name: userID[:i], Email: userID[i+2 : len(userID)-1]}
	}
	return refdb.Identity{Name: userID}
}

// Update implements Engine.
func (e *LoopbackEngine) Update(ctx context.Context, req *UpdateRequest) (*UpdateResult, error) {
	e.mu.Lock()
	e.updates = append(e.updates, req)
	noResult := e.noResult
	e.mu.Unlock()

	if noResult {
		return nil, nil
	}

	cmd, err := commandOf(req)
	if err != nil {
		return nil, err
	}
	if err := cmd.UpdateType(ctx, e.graph); err != nil {
		return nil, err
	}

	u, err := e.open(req.GitDir).NewUpdate(cmd.Name, false)
	if err != nil {
		return nil, err
	}
	u.SetExpectedOldObjectID(cmd.OldID)
	u.SetNewObjectID(cmd.NewID)
	u.SetForceUpdate(cmd.Type == refdb.UpdateNonFastForward)

	var result refdb.Result
	if cmd.Type == refdb.Delete {
		u.SetForceUpdate(true)
		result, err = u.Delete(ctx, identityOf(req.UserID))
	} else {
		result, err = u.Update(ctx, identityOf(req.UserID))
	}
	if err != nil {
		return nil, err
	}

	ctxlogrus.Extract(ctx).WithField("result", result).Debug("loopback update applied")
	return &UpdateResult{Result: result}, nil
}

// Batch implements Engine.
func (e *LoopbackEngine) Batch(ctx context.Context, req *BatchRequest) (*BatchResult, error) {
	e.mu.Lock()
	e.batches = append(e.batches, req)
	noResult := e.noResult
	e.mu.Unlock()

	if noResult {
		return nil, nil
	}

	batch := e.open(req.GitDir).NewBatchUpdate()
	for _, update := range req.Updates {
		cmd, err := commandOf(update)
		if err != nil {
			return nil, err
		}
		if err := cmd.UpdateType(ctx, e.graph); err != nil {
			return nil, err
		}
		if cmd.Type == refdb.UpdateNonFastForward {
			batch.SetAllowNonFastForwards(true)
		}
		batch.AddCommand(cmd)
	}

	if err := batch.Execute(ctx, identityOf(req.UserID)); err != nil {
		return nil, err
	}

	result := &BatchResult{}
	for _, cmd := range batch.Commands() {
		result.Results = append(result.Results, UpdateResult{Result: cmd.Result, Message: cmd.Message})
	}
	return result, nil
}

// SetHead implements Engine.
func (e *LoopbackEngine) SetHead(ctx context.Context, repoPath string, target git.ReferenceName) error {
	u, err := e.open(repoPath).NewUpdate(git.HeadName, true)
	if err != nil {
		return err
	}
	_, err = u.Link(ctx, refdb.Identity{}, target)
	return err
}

// Deploy implements Engine.
func (e *LoopbackEngine) Deploy(_ context.Context, repoPath string, _ time.Duration) error {
	if err := refdb.Init(repoPath); err != nil {
		if errors.Is(err, refdb.ErrRepositoryExists) {
			return fmt.Errorf("%w: %s", ErrRepositoryExists, repoPath)
		}
		return err
	}
	return nil
}
