package refdb

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/WANdisco/jgit-sub000/internal/git"
)

// Replicator hands reference changes to the replication engine. The engine applies accepted
// changes on every node, this one included, so a replicated store never writes references
// on its own.
type Replicator interface {
	// ReplicateUpdate submits a single change and returns its result.
	ReplicateUpdate(ctx context.Context, db *RefDirectory, user Identity, cmd *Command) (Result, error)
	// ReplicateBatch submits an already validated atomic batch and returns one result per
	// command.
	ReplicateBatch(ctx context.Context, db *RefDirectory, user Identity, cmds []*Command) ([]Result, error)
	// SetHead points the HEAD of the repository at target on every node.
	SetHead(ctx context.Context, db *RefDirectory, target git.ReferenceName) error
}

// refreshWindow is how close the modification time of a loose reference must be to the one
// seen before a replicated update for the cached value to be distrusted.
const refreshWindow = 2500 * time.Millisecond

// commitStrategy decides how a validated change becomes durable. It is chosen once per
// RefDirectory.
type commitStrategy interface {
	update(ctx context.Context, u *RefUpdate, user Identity, store storeFunc) (Result, error)
	link(ctx context.Context, u *RefUpdate, target git.ReferenceName) error
	// commitBatch makes a validated atomic batch durable. It returns false when the batch
	// was rejected, in which case the results of the commands say why.
	commitBatch(ctx context.Context, tx *packedTransaction) (bool, error)
}

// localCommit writes changes directly into the ref directory.
type localCommit struct{}

func (localCommit) update(ctx context.Context, u *RefUpdate, _ Identity, store storeFunc) (Result, error) {
	return u.updateImpl(ctx, store)
}

func (localCommit) link(context.Context, *RefUpdate, git.ReferenceName) error {
	return nil
}

func (localCommit) commitBatch(ctx context.Context, tx *packedTransaction) (bool, error) {
	return tx.commitLocally(ctx)
}

// replicatedCommit routes changes through the replication engine.
type replicatedCommit struct {
	replicator Replicator
}

func (s replicatedCommit) update(ctx context.Context, u *RefUpdate, user Identity, _ storeFunc) (Result, error) {
	oldID := u.oldID.OrZero()
	if u.hasExpected {
		oldID = u.expected.OrZero()
	}

	cmd := NewCommand(u.name, oldID, u.newID)
	switch {
	case u.newID.IsZeroOID():
		cmd.Type = Delete
	case cmd.Type == Update && u.force:
		cmd.Type = UpdateNonFastForward
	}

	path := u.db.fileFor(u.name)
	before := modTime(path)

	result, err := s.replicator.ReplicateUpdate(ctx, u.db, user, cmd)

	// A write by the engine within the same timestamp tick is invisible to the snapshot check.
	if modTime(path).Sub(before) <= refreshWindow {
		u.db.invalidate(u.name)
	}

	if err != nil {
		return IOFailure, fmt.Errorf("replicating %s: %w", u.name, err)
	}
	return result, nil
}

func (s replicatedCommit) link(ctx context.Context, u *RefUpdate, target git.ReferenceName) error {
	if u.name != git.HeadName {
		return nil
	}
	if err := s.replicator.SetHead(ctx, u.db, target); err != nil {
		return fmt.Errorf("replicating HEAD: %w", err)
	}
	return nil
}

func (s replicatedCommit) commitBatch(ctx context.Context, tx *packedTransaction) (bool, error) {
	results, err := s.replicator.ReplicateBatch(ctx, tx.db, tx.user, tx.pending)
	if err != nil {
		return false, fmt.Errorf("replicating batch: %w", err)
	}
	if len(results) != len(tx.pending) {
		return false, fmt.Errorf("replicating batch: %d results for %d commands", len(results), len(tx.pending))
	}

	for i, cmd := range tx.pending {
		if results[i] == NotAttempted {
			cmd.SetResult(RejectedOtherReason, messageReplicationNoResults)
			continue
		}
		cmd.SetResult(results[i], "")
	}

	if err := tx.db.RefreshAndReload(); err != nil {
		return false, err
	}
	tx.db.fireRefsChanged()

	return true, nil
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
