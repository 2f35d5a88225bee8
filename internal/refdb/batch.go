package refdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/WANdisco/jgit-sub000/internal/git"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
)

// BatchUpdate applies several commands at once. Atomic batches, the default, are applied
// all-or-nothing through the packed log; other batches apply every command on its own.
type BatchUpdate struct {
	db       *RefDirectory
	commands []*Command

	atomic               bool
	allowNonFastForwards bool

	reflogMessage       string
	reflogIncludeResult bool
	reflogDisabled      bool
}

// NewBatchUpdate creates an empty, atomic batch.
func (db *RefDirectory) NewBatchUpdate() *BatchUpdate {
	return &BatchUpdate{db: db, atomic: true}
}

// AddCommand appends commands to the batch.
func (b *BatchUpdate) AddCommand(cmds ...*Command) *BatchUpdate {
	b.commands = append(b.commands, cmds...)
	return b
}

// Commands returns the commands of the batch.
func (b *BatchUpdate) Commands() []*Command {
	return b.commands
}

// SetAtomic requests the batch to be applied all-or-nothing.
func (b *BatchUpdate) SetAtomic(atomic bool) *BatchUpdate {
	b.atomic = atomic
	return b
}

// SetAllowNonFastForwards allows commands which are not fast-forwards.
func (b *BatchUpdate) SetAllowNonFastForwards(allow bool) *BatchUpdate {
	b.allowNonFastForwards = allow
	return b
}

// SetRefLogMessage sets the reflog message of all commands. With includeResult the result of
// each command is appended to it.
func (b *BatchUpdate) SetRefLogMessage(message string, includeResult bool) *BatchUpdate {
	b.reflogMessage = message
	b.reflogIncludeResult = includeResult
	b.reflogDisabled = false
	return b
}

// DisableRefLog stops the batch from writing reflog entries.
func (b *BatchUpdate) DisableRefLog() *BatchUpdate {
	b.reflogDisabled = true
	return b
}

func (b *BatchUpdate) String() string {
	var sb strings.Builder
	sb.WriteString("BatchUpdate[")
	for _, cmd := range b.commands {
		fmt.Fprintf(&sb, "\n  %s (%s", cmd, cmd.Result)
		if cmd.Message != "" {
			fmt.Fprintf(&sb, ": %s", cmd.Message)
		}
		sb.WriteString(")")
	}
	if len(b.commands) > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString("]")
	return sb.String()
}

// Execute applies all commands which have not been attempted yet and records a result on
// each of them. Rejections are reported through the results; an error is only returned when
// the batch could not be decided at all.
func (b *BatchUpdate) Execute(ctx context.Context, user Identity) error {
	if !b.atomic {
		b.executeSequential(ctx, user)
		return nil
	}

	if !b.db.PerformsAtomicTransactions() {
		for _, cmd := range b.commands {
			if cmd.Result == NotAttempted {
				cmd.SetResult(RejectedOtherReason, messageAtomicNotSupported)
			}
		}
		return nil
	}

	return b.executeAtomic(ctx, user)
}

// executeSequential runs the commands as independent single updates. Deletes go first so that
// they free names for the creates.
func (b *BatchUpdate) executeSequential(ctx context.Context, user Identity) {
	logger := ctxlogrus.Extract(ctx).WithField("component", "refdb")

	var remaining []*Command
	for _, cmd := range b.commands {
		if cmd.Result != NotAttempted {
			continue
		}

		if err := cmd.UpdateType(ctx, b.db.graph); err != nil {
			b.lockError(cmd, err)
			continue
		}

		if cmd.Type != Delete {
			remaining = append(remaining, cmd)
			continue
		}

		u, err := b.newUpdate(cmd)
		if err != nil {
			b.lockError(cmd, err)
			continue
		}
		result, err := u.Delete(ctx, user)
		if err != nil {
			b.lockError(cmd, err)
			continue
		}
		cmd.SetResult(result, "")
	}

	if len(remaining) == 0 {
		return
	}

	refs, err := b.db.Refs()
	if err != nil {
		for _, cmd := range remaining {
			b.lockError(cmd, err)
		}
		return
	}

	takenNames := map[git.ReferenceName]struct{}{}
	takenPrefixes := map[git.ReferenceName]struct{}{}
	take := func(name git.ReferenceName) {
		takenNames[name] = struct{}{}
		for _, prefix := range name.Prefixes() {
			takenPrefixes[prefix] = struct{}{}
		}
	}
	for _, ref := range refs {
		take(ref.Name)
	}

	for _, cmd := range remaining {
		u, err := b.newUpdate(cmd)
		if err != nil {
			b.lockError(cmd, err)
			continue
		}

		if cmd.Type == Create {
			if conflictsWithTaken(cmd.Name, takenNames, takenPrefixes) {
				cmd.SetResult(LockFailure, "")
				continue
			}
			u.SetCheckConflicting(false)
			take(cmd.Name)
		}

		result, err := u.Update(ctx, user)
		if err != nil {
			b.lockError(cmd, err)
			continue
		}
		cmd.SetResult(result, "")
	}

	logger.WithField("commands", len(b.commands)).Debug("sequential batch applied")
}

func (b *BatchUpdate) lockError(cmd *Command, err error) {
	cmd.SetResult(RejectedOtherReason, fmt.Sprintf("%s: %v", messageLockError, err))
}

// newUpdate creates the single update executing cmd.
func (b *BatchUpdate) newUpdate(cmd *Command) (*RefUpdate, error) {
	u, err := b.db.NewUpdate(cmd.Name, false)
	if err != nil {
		return nil, err
	}

	if b.reflogDisabled {
		u.DisableRefLog()
	} else {
		u.SetRefLogMessage(b.reflogMessage, b.reflogIncludeResult)
	}

	if cmd.Type == Delete {
		if !cmd.OldID.IsZeroOID() {
			u.SetExpectedOldObjectID(cmd.OldID)
		}
		u.SetForceUpdate(true)
		return u, nil
	}

	u.SetForceUpdate(b.allowNonFastForwards)
	u.SetExpectedOldObjectID(cmd.OldID)
	u.SetNewObjectID(cmd.NewID)

	return u, nil
}

// conflictsWithTaken tells whether name is a directory of a taken name or one of its
// directories is a taken name.
func conflictsWithTaken(name git.ReferenceName, takenNames, takenPrefixes map[git.ReferenceName]struct{}) bool {
	if _, ok := takenPrefixes[name]; ok {
		return true
	}
	for _, prefix := range name.Prefixes() {
		if _, ok := takenNames[prefix]; ok {
			return true
		}
	}
	return false
}
