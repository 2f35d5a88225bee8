package refdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/WANdisco/jgit-sub000/internal/git"
	"github.com/WANdisco/jgit-sub000/internal/git/graph"
	"github.com/WANdisco/jgit-sub000/internal/safe"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// packedTransaction is one attempt at applying an atomic batch.
type packedTransaction struct {
	db      *RefDirectory
	batch   *BatchUpdate
	user    Identity
	pending []*Command
	logger  logrus.FieldLogger
}

func (b *BatchUpdate) executeAtomic(ctx context.Context, user Identity) error {
	pending := FilterCommands(b.commands, NotAttempted)
	if len(pending) == 0 {
		return nil
	}
	if len(pending) == 1 {
		b.executeSequential(ctx, user)
		return nil
	}

	for _, cmd := range pending {
		if cmd.IsSymbolic() {
			reject(pending[0], RejectedOtherReason, messageAtomicSymrefs, pending)
			return nil
		}
	}

	tx := &packedTransaction{
		db:      b.db,
		batch:   b,
		user:    user,
		pending: pending,
		logger:  ctxlogrus.Extract(ctx).WithFields(logrus.Fields{"component": "refdb", "commands": len(pending)}),
	}

	ok, err := tx.validate(ctx)
	if err == nil && ok {
		ok, err = b.db.strategy.commitBatch(ctx, tx)
	}
	if err != nil {
		for _, cmd := range pending {
			if cmd.Result == NotAttempted {
				cmd.SetResult(RejectedOtherReason, fmt.Sprintf("%s: %v", messageLockError, err))
			}
		}
		tx.logger.WithError(err).Error("atomic batch failed")
		return err
	}
	if !ok {
		return nil
	}

	for _, cmd := range pending {
		countUpdate("batch", cmd.Result)
	}

	return nil
}

// validate runs every check which can reject the batch before any lock is taken.
func (tx *packedTransaction) validate(ctx context.Context) (bool, error) {
	if ok, err := tx.checkConflictingNames(); err != nil || !ok {
		return ok, err
	}
	if ok, err := tx.checkObjectExistence(ctx); err != nil || !ok {
		return ok, err
	}
	return tx.checkNonFastForwards(ctx)
}

func (tx *packedTransaction) names() []git.ReferenceName {
	names := make([]git.ReferenceName, 0, len(tx.pending))
	for _, cmd := range tx.pending {
		names = append(names, cmd.Name)
	}
	return names
}

// checkConflictingNames rejects the batch when a command would leave one reference name
// being a directory of another. Lock files cannot be created in that case.
func (tx *packedTransaction) checkConflictingNames() (bool, error) {
	takenNames := map[git.ReferenceName]struct{}{}
	takenPrefixes := map[git.ReferenceName]struct{}{}
	deletes := map[git.ReferenceName]struct{}{}
	take := func(name git.ReferenceName) {
		takenNames[name] = struct{}{}
		for _, prefix := range name.Prefixes() {
			takenPrefixes[prefix] = struct{}{}
		}
	}

	for _, cmd := range tx.pending {
		if cmd.Type == Delete {
			deletes[cmd.Name] = struct{}{}
			continue
		}
		take(cmd.Name)
	}

	refs, err := tx.db.Refs()
	if err != nil {
		return false, err
	}
	for _, ref := range refs {
		if _, deleted := deletes[ref.Name]; !deleted {
			take(ref.Name)
		}
	}

	for _, cmd := range tx.pending {
		// A deleted name is never created as a loose file, so it may stay a directory.
		if _, ok := takenPrefixes[cmd.Name]; ok && cmd.Type != Delete {
			reject(cmd, LockFailure, "", tx.pending)
			return false, nil
		}
		// The lock file of a deleted name still needs its directories.
		for _, prefix := range cmd.Name.Prefixes() {
			if _, ok := takenNames[prefix]; ok {
				reject(cmd, LockFailure, "", tx.pending)
				return false, nil
			}
		}
	}

	return true, nil
}

func (tx *packedTransaction) checkObjectExistence(ctx context.Context) (bool, error) {
	missing := make([]bool, len(tx.pending))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, cmd := range tx.pending {
		i, cmd := i, cmd
		if cmd.NewID.IsZeroOID() {
			continue
		}
		group.Go(func() error {
			exists, err := graph.Exists(groupCtx, tx.db.graph, cmd.NewID)
			if err != nil {
				return fmt.Errorf("checking %s: %w", cmd.NewID, err)
			}
			missing[i] = !exists
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return false, err
	}

	for i, cmd := range tx.pending {
		if missing[i] {
			reject(cmd, RejectedMissingObject, "", tx.pending)
			return false, nil
		}
	}

	return true, nil
}

func (tx *packedTransaction) checkNonFastForwards(ctx context.Context) (bool, error) {
	if tx.batch.allowNonFastForwards {
		return true, nil
	}

	for _, cmd := range tx.pending {
		if err := cmd.UpdateType(ctx, tx.db.graph); err != nil {
			return false, err
		}
		if cmd.Type == UpdateNonFastForward {
			reject(cmd, Rejected, messageNonFastForward, tx.pending)
			return false, nil
		}
	}

	return true, nil
}

// commitLocally applies the validated batch to the packed log of this node.
func (tx *packedTransaction) commitLocally(ctx context.Context) (bool, error) {
	db := tx.db
	names := tx.names()

	// Packing first empties the names, so that lock files can be created even when one
	// command deletes refs/x and another creates refs/x/y.
	db.packedMu.Lock()
	_, err := db.pack(ctx, names, nil)
	db.packedMu.Unlock()
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			reject(tx.pending[0], LockFailure, "", tx.pending)
			return false, nil
		}
		return false, err
	}

	noChange, ok, err := tx.applyLocked(ctx)
	if err != nil || !ok {
		return ok, err
	}

	for _, cmd := range tx.pending {
		cmd.SetResult(tx.resultOf(cmd, noChange), "")
	}

	tx.finish(ctx)
	db.fireRefsChanged()

	return true, nil
}

// applyLocked takes all locks, merges the commands into the packed log and commits it. It
// returns whether every reference already was in its new state and whether the batch was
// accepted.
func (tx *packedTransaction) applyLocked(ctx context.Context) (bool, bool, error) {
	db := tx.db

	db.packedMu.Lock()
	defer db.packedMu.Unlock()

	locks, failed, err := tx.lockLooseRefs(ctx)
	if err != nil {
		return false, false, err
	}
	if locks == nil {
		reject(failed, LockFailure, "", tx.pending)
		return false, false, nil
	}
	defer func() {
		if err := unlockAll(locks); err != nil {
			tx.logger.WithError(err).Warn("releasing reference locks")
		}
	}()

	before, err := db.pack(ctx, tx.names(), locks)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			reject(tx.pending[0], LockFailure, "", tx.pending)
			return false, false, nil
		}
		return false, false, err
	}

	after, noChange, ok, err := tx.applyUpdates(ctx, before)
	if err != nil || !ok {
		return false, ok, err
	}
	if noChange {
		return true, true, nil
	}

	packedLock, err := db.lockPackedRefs(ctx)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			reject(tx.pending[0], LockFailure, "", tx.pending)
			return false, false, nil
		}
		return false, false, err
	}
	defer unlock(ctx, packedLock)

	// The merge is only valid against the log it was computed from. Another writer may have
	// rewritten packed-refs between pack and lockPackedRefs.
	current, err := db.readPackedRefs()
	if err != nil {
		return false, false, err
	}
	if current.ID() != before.ID() {
		tx.logger.Warn("packed refs changed during transaction")
		reject(tx.pending[0], LockFailure, "", tx.pending)
		return false, false, nil
	}

	if _, err := db.commitPackedRefs(packedLock, after); err != nil {
		return false, false, err
	}
	for _, name := range tx.names() {
		db.invalidate(name)
	}

	return false, true, nil
}

// lockLooseRefs locks every name of the batch. When a lock is held by someone else all locks
// are released before waiting for the next attempt. It returns nil locks and the command which
// could not be locked when all attempts failed.
func (tx *packedTransaction) lockLooseRefs(ctx context.Context) (map[git.ReferenceName]*safe.LockFile, *Command, error) {
	var failed *Command
	locks := map[git.ReferenceName]*safe.LockFile{}

	release := func() {
		if err := unlockAll(locks); err != nil {
			tx.logger.WithError(err).Warn("releasing reference locks")
		}
		locks = map[git.ReferenceName]*safe.LockFile{}
	}

	for attempt, wait := range tx.db.retrySleep {
		if attempt > 0 {
			lockRetriesTotal.Inc()
		}
		release()
		if err := tx.db.sleep(ctx, wait); err != nil {
			return nil, nil, err
		}

		failed = nil
		for _, cmd := range tx.pending {
			if _, ok := locks[cmd.Name]; ok {
				release()
				return nil, nil, fmt.Errorf("duplicate reference %s", cmd.Name)
			}

			lock, err := tx.db.lockRef(cmd.Name)
			if err != nil {
				if errors.Is(err, ErrLockHeld) {
					failed = cmd
					break
				}
				release()
				return nil, nil, err
			}
			locks[cmd.Name] = lock
		}

		if failed == nil {
			return locks, nil, nil
		}
	}

	release()
	return nil, failed, nil
}

func unlockAll(locks map[git.ReferenceName]*safe.LockFile) error {
	var result *multierror.Error
	for _, lock := range locks {
		if err := lock.Unlock(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// applyUpdates merges the commands into the sorted packed log. Either every command must find
// its reference in the expected old state, or every command must find it in the new state
// already, as happens when a committed batch is retried. Any mix rejects the batch.
func (tx *packedTransaction) applyUpdates(ctx context.Context, before *PackedRefList) ([]PackedRef, bool, bool, error) {
	commands := append([]*Command(nil), tx.pending...)
	sort.Slice(commands, func(i, j int) bool { return commands[i].Name < commands[j].Name })

	refs := before.refs
	merged := make([]PackedRef, 0, len(refs)+len(commands))

	var matchesOldState, matchesNewState int
	var failureCmd *Command

	newState := func(cmd *Command) {
		matchesNewState++
		if failureCmd == nil {
			failureCmd = cmd
		}
	}

	refIdx, cmdIdx := 0, 0
	for refIdx < len(refs) || cmdIdx < len(commands) {
		var cmp int
		switch {
		case refIdx >= len(refs):
			cmp = 1
		case cmdIdx >= len(commands):
			cmp = -1
		case refs[refIdx].Name < commands[cmdIdx].Name:
			cmp = -1
		case refs[refIdx].Name > commands[cmdIdx].Name:
			cmp = 1
		}

		if cmp < 0 {
			merged = append(merged, refs[refIdx])
			refIdx++
			continue
		}

		cmd := commands[cmdIdx]
		if cmp > 0 {
			switch cmd.Type {
			case Create:
				ref, err := tx.db.peeledRef(ctx, cmd.Name, cmd.NewID)
				if err != nil {
					return nil, false, false, err
				}
				merged = append(merged, ref)
				matchesOldState++
			case Delete:
				// An absent ref already matches a delete. A retried delete is applied, not a lock failure.
				newState(cmd)
			default:
				reject(cmd, LockFailure, "", tx.pending)
				return nil, false, false, nil
			}
			cmdIdx++
			continue
		}

		ref := refs[refIdx]
		switch {
		case cmd.OldID == ref.ID:
			matchesOldState++
			if cmd.Type != Delete {
				newRef, err := tx.db.peeledRef(ctx, cmd.Name, cmd.NewID)
				if err != nil {
					return nil, false, false, err
				}
				merged = append(merged, newRef)
			}
		case cmd.NewID == ref.ID:
			newState(cmd)
			merged = append(merged, ref)
		default:
			reject(cmd, LockFailure, "", tx.pending)
			return nil, false, false, nil
		}
		cmdIdx++
		refIdx++
	}

	fields := logrus.Fields{"old_state": matchesOldState, "new_state": matchesNewState}
	if matchesOldState != len(commands) && matchesNewState != len(commands) {
		tx.logger.WithFields(fields).Error("batch found references in mixed state")
		if failureCmd == nil {
			failureCmd = commands[0]
		}
		reject(failureCmd, LockFailure, "", tx.pending)
		return nil, false, false, nil
	}
	tx.logger.WithFields(fields).Debug("batch merged into packed refs")

	return merged, matchesNewState == len(commands), true, nil
}

func (tx *packedTransaction) resultOf(cmd *Command, noChange bool) Result {
	if noChange {
		return NoChange
	}

	switch cmd.Type {
	case Create:
		return New
	case Delete, UpdateNonFastForward:
		return Forced
	default:
		if tx.batch.allowNonFastForwards {
			return Forced
		}
		return FastForward
	}
}

// finish writes reflogs and tombstones of the committed batch. Neither is covered by the
// atomicity of the packed log, so failures are only logged.
func (tx *packedTransaction) finish(ctx context.Context) {
	for _, cmd := range tx.pending {
		if !cmd.Result.IsSuccess() || cmd.Result == NoChange {
			continue
		}

		if cmd.Type == Delete {
			tx.db.recordTombstone(ctx, cmd.OldID)
			if err := os.Remove(tx.db.logFor(cmd.Name)); err == nil {
				pruneEmptyParents(filepath.Join(tx.db.gitDir, "logs"), cmd.Name)
			}
			continue
		}

		if tx.batch.reflogDisabled {
			continue
		}

		message := reflogMessage(tx.batch.reflogMessage, tx.batch.reflogIncludeResult, cmd.Result)
		if err := tx.db.appendReflog(cmd.Name, cmd.OldID, cmd.NewID, tx.user, message); err != nil {
			tx.logger.WithError(err).WithField("ref", cmd.Name).Warn("writing reflog failed")
		}
	}
}
