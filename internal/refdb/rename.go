package refdb

import (
	"context"
	"fmt"

	"github.com/WANdisco/jgit-sub000/internal/git"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
)

// Rename moves the reference from to the name to, together with its reflog. A HEAD pointing
// at from is moved along. The reference is deleted and recreated in a single batch, so
// observers never see both or neither name.
func (db *RefDirectory) Rename(ctx context.Context, user Identity, from, to git.ReferenceName) (Result, error) {
	if err := to.Validate(); err != nil {
		return NotAttempted, err
	}

	source, err := db.findRef(from)
	if err != nil {
		return IOFailure, err
	}
	if source == nil {
		return NotAttempted, fmt.Errorf("%w: %s", git.ErrReferenceNotFound, from)
	}
	if source.IsSymbolic {
		return NotAttempted, fmt.Errorf("renaming %s: %w", from, ErrSymbolicRefNotSupported)
	}
	oid := git.ObjectID(source.Target)

	if existing, err := db.findRef(to); err != nil {
		return IOFailure, err
	} else if existing != nil {
		return LockFailure, nil
	}

	// The delete drops the reflog of from, so it is moved out of the way first.
	if err := db.renameReflog(from, to); err != nil {
		return IOFailure, fmt.Errorf("moving reflog: %w", err)
	}

	batch := db.NewBatchUpdate().
		SetAtomic(db.PerformsAtomicTransactions()).
		SetAllowNonFastForwards(true).
		DisableRefLog().
		AddCommand(NewCommand(from, oid, git.ZeroOID), NewCommand(to, git.ZeroOID, oid))

	if err := batch.Execute(ctx, user); err != nil {
		_ = db.renameReflog(to, from)
		return IOFailure, err
	}

	for _, cmd := range batch.Commands() {
		if cmd.Result.IsSuccess() {
			continue
		}
		_ = db.renameReflog(to, from)
		for _, failed := range batch.Commands() {
			if !failed.Result.IsSuccess() && failed.Message != messageTransactionAborted {
				return failed.Result, nil
			}
		}
		return cmd.Result, nil
	}

	message := fmt.Sprintf("renamed %s to %s", from, to)
	if err := db.appendReflog(to, oid, oid, user, message); err != nil {
		ctxlogrus.Extract(ctx).WithError(err).WithField("ref", to).Warn("writing reflog failed")
	}

	head, err := db.findRef(git.HeadName)
	if err != nil {
		return IOFailure, err
	}
	if head != nil && head.IsSymbolic && git.ReferenceName(head.Target) == from {
		u, err := db.NewUpdate(git.HeadName, true)
		if err != nil {
			return IOFailure, err
		}
		u.SetRefLogMessage(message, false)
		u.SetCheckConflicting(false)
		if _, err := u.Link(ctx, user, to); err != nil {
			return IOFailure, fmt.Errorf("moving HEAD: %w", err)
		}
	}

	countUpdate("rename", Renamed)
	return Renamed, nil
}
