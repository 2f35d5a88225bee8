package refdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/WANdisco/jgit-sub000/internal/git"
	"github.com/WANdisco/jgit-sub000/internal/git/graph"
)

// CommandType is the kind of change a Command makes to its reference.
type CommandType int

const (
	// Create creates a reference which does not exist yet.
	Create CommandType = iota
	// Update moves an existing reference, fast-forwarding it.
	Update
	// UpdateNonFastForward moves an existing reference to an unrelated object.
	UpdateNonFastForward
	// Delete removes a reference.
	Delete
)

func (t CommandType) String() string {
	switch t {
	case Create:
		return "create"
	case Update:
		return "update"
	case UpdateNonFastForward:
		return "update_nonfastforward"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("CommandType(%d)", int(t))
	}
}

const (
	messageTransactionAborted   = "transaction aborted"
	messageNonFastForward       = "non-fast-forward"
	messageAtomicSymrefs        = "atomic updates of symbolic references are not supported"
	messageAtomicNotSupported   = "atomic updates are not supported by this reference database"
	messageLockError            = "lock error"
	messageReplicationNoResults = "replication engine returned no result for command"
)

// Command is one pending change of a batch. Its result is set exactly once per execution.
type Command struct {
	Name  git.ReferenceName
	OldID git.ObjectID
	NewID git.ObjectID
	Type  CommandType

	// OldSymref and NewSymref are set when the command changes a symbolic reference.
	OldSymref git.ReferenceName
	NewSymref git.ReferenceName

	Result  Result
	Message string
}

// NewCommand creates a command moving name from oldID to newID. A zero old ID creates the
// reference and a zero new ID deletes it.
func NewCommand(name git.ReferenceName, oldID, newID git.ObjectID) *Command {
	oldID, newID = oldID.OrZero(), newID.OrZero()

	cmdType := Update
	switch {
	case oldID.IsZeroOID():
		cmdType = Create
	case newID.IsZeroOID():
		cmdType = Delete
	}

	return &Command{Name: name, OldID: oldID, NewID: newID, Type: cmdType}
}

// SetResult records the outcome of the command.
func (c *Command) SetResult(result Result, message string) {
	c.Result = result
	c.Message = message
}

// IsSymbolic tells whether the command changes a symbolic reference.
func (c *Command) IsSymbolic() bool {
	return c.OldSymref != "" || c.NewSymref != ""
}

// UpdateType refines an Update into UpdateNonFastForward when the new object does not
// descend from the old one. A missing object never makes a fast-forward.
func (c *Command) UpdateType(ctx context.Context, g graph.Graph) error {
	if c.Type != Update || c.OldID == c.NewID {
		return nil
	}

	merged, err := graph.IsMergedInto(ctx, g, c.OldID, c.NewID)
	if err != nil && !errors.Is(err, graph.ErrObjectNotFound) {
		return fmt.Errorf("classifying update of %s: %w", c.Name, err)
	}
	if !merged {
		c.Type = UpdateNonFastForward
	}

	return nil
}

func (c *Command) String() string {
	return fmt.Sprintf("%s %s %s..%s", c.Type, c.Name, c.OldID.Short(), c.NewID.Short())
}

// FilterCommands returns the commands which have the given result.
func FilterCommands(commands []*Command, result Result) []*Command {
	var filtered []*Command
	for _, cmd := range commands {
		if cmd.Result == result {
			filtered = append(filtered, cmd)
		}
	}
	return filtered
}

// abortCommands marks every command which has not been attempted as aborted.
func abortCommands(commands []*Command) {
	for _, cmd := range commands {
		if cmd.Result == NotAttempted {
			cmd.SetResult(RejectedOtherReason, messageTransactionAborted)
		}
	}
}

// reject fails cmd and aborts all other pending commands of the transaction.
func reject(cmd *Command, result Result, message string, commands []*Command) {
	cmd.SetResult(result, message)
	abortCommands(commands)
}
