package refdb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/WANdisco/jgit-sub000/internal/git"
	"github.com/WANdisco/jgit-sub000/internal/git/graph"
	"github.com/WANdisco/jgit-sub000/internal/safe"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
)

// storeFunc completes an update once its result is known. It is called with the lock of the
// reference held and returns the final result.
type storeFunc func(ctx context.Context, lock *safe.LockFile, status Result) (Result, error)

// RefUpdate changes a single reference. It is created by RefDirectory.NewUpdate, configured
// with its setters and then executed exactly once with Update, Delete or Link.
type RefUpdate struct {
	db *RefDirectory

	name      git.ReferenceName
	leaf      git.ReferenceName
	detaching bool
	exists    bool

	oldID       git.ObjectID
	expected    git.ObjectID
	hasExpected bool
	newID       git.ObjectID
	force       bool

	checkConflicting    bool
	reflogMessage       string
	reflogIncludeResult bool
	reflogDisabled      bool

	result Result
}

// NewUpdate prepares an update of name. Symbolic references are followed and the final
// reference is updated, unless detach is set, in which case name itself is replaced by a
// direct reference.
func (db *RefDirectory) NewUpdate(name git.ReferenceName, detach bool) (*RefUpdate, error) {
	if err := name.Validate(); err != nil {
		return nil, err
	}

	u := &RefUpdate{
		db:               db,
		name:             name,
		leaf:             name,
		detaching:        detach,
		newID:            git.ZeroOID,
		checkConflicting: true,
	}

	ref, err := db.findRef(name)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return u, nil
	}
	u.exists = true

	if ref.IsSymbolic && !detach {
		leaf, target, err := db.resolve(name)
		if err != nil {
			return nil, err
		}
		u.leaf = leaf
		u.exists = target != nil
		if target != nil {
			u.oldID = git.ObjectID(target.Target)
		}
	} else if !ref.IsSymbolic {
		u.oldID = git.ObjectID(ref.Target)
	}

	return u, nil
}

// Name returns the name the update was created for.
func (u *RefUpdate) Name() git.ReferenceName {
	return u.name
}

// Result returns the outcome of the last execution.
func (u *RefUpdate) Result() Result {
	return u.result
}

// OldObjectID returns the value of the reference observed under its lock.
func (u *RefUpdate) OldObjectID() git.ObjectID {
	return u.oldID
}

// SetNewObjectID sets the value the reference is moved to.
func (u *RefUpdate) SetNewObjectID(oid git.ObjectID) {
	u.newID = oid.OrZero()
}

// SetExpectedOldObjectID makes the update fail unless the reference currently has the given
// value. The zero ID expects the reference not to exist.
func (u *RefUpdate) SetExpectedOldObjectID(oid git.ObjectID) {
	u.expected = oid.OrZero()
	u.hasExpected = true
}

// SetForceUpdate allows updates which are not fast-forwards.
func (u *RefUpdate) SetForceUpdate(force bool) {
	u.force = force
}

// SetCheckConflicting toggles the check for names conflicting with existing references.
func (u *RefUpdate) SetCheckConflicting(check bool) {
	u.checkConflicting = check
}

// SetRefLogMessage sets the reflog message. With includeResult the result of the update is
// appended to it.
func (u *RefUpdate) SetRefLogMessage(message string, includeResult bool) {
	u.reflogMessage = message
	u.reflogIncludeResult = includeResult
	u.reflogDisabled = false
}

// DisableRefLog stops the update from writing a reflog entry.
func (u *RefUpdate) DisableRefLog() {
	u.reflogDisabled = true
}

func (u *RefUpdate) logger(ctx context.Context) *logrus.Entry {
	return ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
		"component": "refdb",
		"ref":       u.name,
		"old":       u.oldID,
		"new":       u.newID,
	})
}

// Update moves the reference to the new object ID.
func (u *RefUpdate) Update(ctx context.Context, user Identity) (Result, error) {
	return u.execute(ctx, "update", func() (Result, error) {
		return u.db.strategy.update(ctx, u, user, func(ctx context.Context, lock *safe.LockFile, status Result) (Result, error) {
			if status == NoChange {
				return status, nil
			}
			return u.store(ctx, lock, user, status)
		})
	})
}

// Delete removes the reference. Deleting the current branch of a non-bare repository is
// refused.
func (u *RefUpdate) Delete(ctx context.Context, user Identity) (Result, error) {
	u.newID = git.ZeroOID

	return u.execute(ctx, "delete", func() (Result, error) {
		current, err := u.isCurrentBranch()
		if err != nil {
			return IOFailure, err
		}
		if current {
			return RejectedCurrentBranch, nil
		}

		return u.db.strategy.update(ctx, u, user, func(ctx context.Context, lock *safe.LockFile, status Result) (Result, error) {
			if err := u.db.deleteRef(ctx, u.lockName(), lock, u.oldID); err != nil {
				return IOFailure, err
			}
			return status, nil
		})
	})
}

// Link replaces the reference with a symbolic reference to target.
func (u *RefUpdate) Link(ctx context.Context, user Identity, target git.ReferenceName) (Result, error) {
	if !strings.HasPrefix(target.String(), git.RefsPrefix) {
		return NotAttempted, fmt.Errorf("%w: link target %q is not below %s", ErrInvalidRefName, target, git.RefsPrefix)
	}

	return u.execute(ctx, "link", func() (Result, error) {
		if err := u.db.strategy.link(ctx, u, target); err != nil {
			return IOFailure, err
		}
		return u.link(ctx, user, target)
	})
}

func (u *RefUpdate) execute(ctx context.Context, kind string, fn func() (Result, error)) (Result, error) {
	result, err := fn()
	if err != nil {
		result = IOFailure
		u.logger(ctx).WithError(err).Error("reference update failed")
	}
	u.result = result
	countUpdate(kind, result)

	return result, err
}

func (u *RefUpdate) lockName() git.ReferenceName {
	if u.detaching {
		return u.name
	}
	return u.leaf
}

// isCurrentBranch tells whether HEAD resolves to the reference being updated.
func (u *RefUpdate) isCurrentBranch() (bool, error) {
	name := u.lockName()
	if !strings.HasPrefix(name.String(), git.HeadsPrefix) || u.db.bare {
		return false, nil
	}

	head, err := u.db.findRef(git.HeadName)
	if err != nil {
		return false, err
	}
	for depth := 0; head != nil && head.IsSymbolic && depth <= maxSymrefDepth; depth++ {
		target := git.ReferenceName(head.Target)
		if target == name {
			return true, nil
		}
		if head, err = u.db.findRef(target); err != nil {
			return false, err
		}
	}

	return false, nil
}

// readOld refreshes the observed value of the reference.
func (u *RefUpdate) readOld() error {
	_, ref, err := u.db.resolve(u.lockName())
	if err != nil {
		return err
	}

	u.oldID, u.exists = "", ref != nil
	if ref != nil && !ref.IsSymbolic {
		u.oldID = git.ObjectID(ref.Target)
	}

	return nil
}

// isInFinalState tells whether the reference already has the value the update moves it to,
// which is the case when a retried update has already been applied.
func (u *RefUpdate) isInFinalState() bool {
	if u.detaching {
		return false
	}
	if u.newID.IsZeroOID() {
		return !u.exists
	}
	return u.exists && u.oldID == u.newID
}

func (u *RefUpdate) updateImpl(ctx context.Context, store storeFunc) (Result, error) {
	if !u.exists && u.checkConflicting {
		conflicting, err := u.db.IsNameConflicting(u.lockName())
		if err != nil {
			return IOFailure, err
		}
		if conflicting {
			return LockFailure, nil
		}
	}

	lock, err := u.db.lockRef(u.lockName())
	if err != nil {
		if !errors.Is(err, ErrLockHeld) {
			return IOFailure, err
		}
		if err := u.readOld(); err != nil {
			return IOFailure, err
		}
		if u.isInFinalState() {
			return NoChange, nil
		}
		return LockFailure, nil
	}
	defer unlock(ctx, lock)

	if err := u.readOld(); err != nil {
		return IOFailure, err
	}

	if u.hasExpected && u.expected != u.oldID.OrZero() {
		if u.isInFinalState() {
			return store(ctx, lock, NoChange)
		}
		return LockFailure, nil
	}

	if !u.newID.IsZeroOID() {
		exists, err := graph.Exists(ctx, u.db.graph, u.newID)
		if err != nil {
			return IOFailure, err
		}
		if !exists {
			return RejectedMissingObject, nil
		}
	}

	if !u.exists {
		if u.newID.IsZeroOID() {
			return store(ctx, lock, NoChange)
		}
		return store(ctx, lock, New)
	}

	if u.newID == u.oldID && !u.detaching {
		return store(ctx, lock, NoChange)
	}

	if u.force {
		return store(ctx, lock, Forced)
	}

	if u.newID.IsZeroOID() {
		return Rejected, nil
	}

	merged, err := graph.IsMergedInto(ctx, u.db.graph, u.oldID, u.newID)
	if err != nil && !errors.Is(err, graph.ErrObjectNotFound) {
		return IOFailure, err
	}
	if merged {
		return store(ctx, lock, FastForward)
	}

	return Rejected, nil
}

// store writes the new value into the locked reference.
func (u *RefUpdate) store(ctx context.Context, lock *safe.LockFile, user Identity, status Result) (Result, error) {
	name := u.lockName()
	if err := u.db.writeLoose(name, lock, u.newID.String()+"\n"); err != nil {
		return IOFailure, err
	}

	u.writeReflog(ctx, user, status)
	u.db.fireRefsChanged()

	return status, nil
}

func (u *RefUpdate) writeReflog(ctx context.Context, user Identity, status Result) {
	if u.reflogDisabled {
		return
	}

	message := reflogMessage(u.reflogMessage, u.reflogIncludeResult, status)
	names := []git.ReferenceName{u.lockName()}
	if u.name != u.lockName() {
		names = append(names, u.name)
	}

	for _, name := range names {
		if err := u.db.appendReflog(name, u.oldID, u.newID, user, message); err != nil {
			u.logger(ctx).WithError(err).Warn("writing reflog failed")
		}
	}
}

func (u *RefUpdate) link(ctx context.Context, user Identity, target git.ReferenceName) (Result, error) {
	if u.checkConflicting {
		conflicting, err := u.db.IsNameConflicting(u.name)
		if err != nil {
			return IOFailure, err
		}
		if conflicting {
			return LockFailure, nil
		}
	}

	lock, err := u.db.lockRef(u.name)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return LockFailure, nil
		}
		return IOFailure, err
	}
	defer unlock(ctx, lock)

	old, err := u.db.findRef(u.name)
	if err != nil {
		return IOFailure, err
	}
	if old != nil && old.IsSymbolic && git.ReferenceName(old.Target) == target {
		return NoChange, nil
	}

	if _, oldRef, err := u.db.resolve(u.name); err != nil {
		return IOFailure, err
	} else if oldRef != nil && !oldRef.IsSymbolic {
		u.oldID = git.ObjectID(oldRef.Target)
	}
	if _, dst, err := u.db.resolve(target); err != nil {
		return IOFailure, err
	} else if dst != nil && !dst.IsSymbolic {
		u.newID = git.ObjectID(dst.Target)
	}

	if err := u.db.writeLoose(u.name, lock, symrefPrefix+target.String()+"\n"); err != nil {
		return IOFailure, err
	}

	result := Forced
	if old == nil {
		result = New
	}

	if !u.reflogDisabled {
		message := u.reflogMessage
		if message == "" {
			message = "updating " + u.name.String() + " to " + target.String()
		}
		if err := u.db.appendReflog(u.name, u.oldID, u.newID, user, message); err != nil {
			u.logger(ctx).WithError(err).Warn("writing reflog failed")
		}
	}
	u.db.fireRefsChanged()

	return result, nil
}
