package refdb

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/WANdisco/jgit-sub000/internal/git"
	"github.com/WANdisco/jgit-sub000/internal/git/graph"
	"github.com/WANdisco/jgit-sub000/internal/testhelper"
	"github.com/WANdisco/jgit-sub000/internal/tombstone"
	"github.com/stretchr/testify/require"
)

func TestPackedBatch_createInEmptyStore(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	db, g := setupRefDirectory(t)
	commit1 := g.AddCommit()
	commit2 := g.AddCommit()

	batch := db.NewBatchUpdate().AddCommand(
		NewCommand("refs/heads/topic", git.ZeroOID, commit2),
		NewCommand("refs/heads/main", git.ZeroOID, commit1),
	)
	require.NoError(t, batch.Execute(ctx, testUser))
	require.Equal(t, []Result{New, New}, commandResults(batch.Commands()))

	require.Equal(t, packedRefsTraits+
		string(commit1)+" refs/heads/main\n"+
		string(commit2)+" refs/heads/topic\n",
		string(testhelper.MustReadFile(t, db.packedRefsPath())))
	requireNoLooseRef(t, db, "refs/heads/main")
	requireNoLooseRef(t, db, "refs/heads/topic")

	_, err := os.Stat(db.fileFor("refs/heads/main") + ".lock")
	require.True(t, os.IsNotExist(err))
}

func TestPackedBatch_updateLooseRefs(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	tombstones, err := tombstone.New(16)
	require.NoError(t, err)

	db, g := setupRefDirectory(t, WithTombstones(tombstones))
	commit1 := g.AddCommit()
	commit2 := g.AddCommit(commit1)
	setRef(t, ctx, db, "refs/heads/main", commit1)
	setRef(t, ctx, db, "refs/heads/topic", commit1)

	changes := 0
	removeListener := db.AddListener(func() { changes++ })
	defer removeListener()

	batch := db.NewBatchUpdate().SetRefLogMessage("push", true).AddCommand(
		NewCommand("refs/heads/main", commit1, commit2),
		NewCommand("refs/heads/topic", commit1, git.ZeroOID),
		NewCommand("refs/heads/topic/new", git.ZeroOID, commit2),
	)
	require.NoError(t, batch.Execute(ctx, testUser))

	require.Equal(t, []Result{FastForward, Forced, New}, commandResults(batch.Commands()))
	require.Equal(t, 1, changes)
	requireRefs(t, db, map[git.ReferenceName]git.ObjectID{
		"refs/heads/main":      commit2,
		"refs/heads/topic/new": commit2,
	})
	requireNoLooseRef(t, db, "refs/heads/main")
	require.True(t, tombstones.ContainsPeek(commit1))

	entries, err := db.ReadReflog("refs/heads/main")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "push: fast-forward", entries[1].Message)

	entries, err = db.ReadReflog("refs/heads/topic/new")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "push: created", entries[0].Message)
}

func TestPackedBatch_peelsTags(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	db, g := setupRefDirectory(t)
	commit := g.AddCommit()
	tag := g.AddTag(commit)

	batch := db.NewBatchUpdate().AddCommand(
		NewCommand("refs/heads/main", git.ZeroOID, commit),
		NewCommand("refs/tags/v1.0", git.ZeroOID, tag),
	)
	require.NoError(t, batch.Execute(ctx, testUser))

	require.Equal(t, []PackedRef{
		{Name: "refs/heads/main", ID: commit},
		{Name: "refs/tags/v1.0", ID: tag, Peeled: commit},
	}, readPackedRefsFile(t, db))
}

func TestPackedBatch_rejections(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	type setup struct {
		db      *RefDirectory
		commit1 git.ObjectID
		commit2 git.ObjectID
		commit3 git.ObjectID
		other   git.ObjectID
	}

	for _, tc := range []struct {
		desc     string
		commands func(s setup) []*Command
		prepare  func(t *testing.T, s setup)
		results  []Result
		message  string
	}{
		{
			desc: "prefix conflict within batch",
			commands: func(s setup) []*Command {
				return []*Command{
					NewCommand("refs/heads/a", git.ZeroOID, s.commit1),
					NewCommand("refs/heads/a/b", git.ZeroOID, s.commit1),
				}
			},
			results: []Result{LockFailure, RejectedOtherReason},
		},
		{
			desc: "prefix conflict with existing ref",
			commands: func(s setup) []*Command {
				return []*Command{
					NewCommand("refs/heads/x", git.ZeroOID, s.commit1),
					NewCommand("refs/heads/main/sub", git.ZeroOID, s.commit1),
				}
			},
			results: []Result{RejectedOtherReason, LockFailure},
		},
		{
			desc: "missing object",
			commands: func(s setup) []*Command {
				return []*Command{
					NewCommand("refs/heads/main", s.commit1, s.commit2),
					NewCommand("refs/heads/new", git.ZeroOID, oidA),
				}
			},
			results: []Result{RejectedOtherReason, RejectedMissingObject},
		},
		{
			desc: "non-fast-forward",
			commands: func(s setup) []*Command {
				return []*Command{
					NewCommand("refs/heads/new", git.ZeroOID, s.commit1),
					NewCommand("refs/heads/main", s.commit1, s.other),
				}
			},
			results: []Result{RejectedOtherReason, Rejected},
			message: messageNonFastForward,
		},
		{
			desc: "expected old value mismatch",
			commands: func(s setup) []*Command {
				return []*Command{
					NewCommand("refs/heads/main", s.commit2, s.commit3),
					NewCommand("refs/heads/new", git.ZeroOID, s.commit1),
				}
			},
			results: []Result{LockFailure, RejectedOtherReason},
		},
		{
			desc: "update of missing ref",
			commands: func(s setup) []*Command {
				return []*Command{
					NewCommand("refs/heads/main", s.commit1, s.commit2),
					NewCommand("refs/heads/ghost", s.commit1, s.commit2),
				}
			},
			results: []Result{RejectedOtherReason, LockFailure},
		},
		{
			desc: "symbolic ref",
			commands: func(s setup) []*Command {
				symbolic := NewCommand("refs/heads/alias", git.ZeroOID, s.commit1)
				symbolic.NewSymref = "refs/heads/main"
				return []*Command{NewCommand("refs/heads/new", git.ZeroOID, s.commit1), symbolic}
			},
			results: []Result{RejectedOtherReason, RejectedOtherReason},
		},
		{
			desc: "lock held",
			prepare: func(t *testing.T, s setup) {
				require.NoError(t, os.WriteFile(s.db.fileFor("refs/heads/new")+".lock", nil, 0o644))
			},
			commands: func(s setup) []*Command {
				return []*Command{
					NewCommand("refs/heads/main", s.commit1, s.commit2),
					NewCommand("refs/heads/new", git.ZeroOID, s.commit1),
				}
			},
			results: []Result{RejectedOtherReason, LockFailure},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			db, g := setupRefDirectory(t)
			commit1 := g.AddCommit()
			commit2 := g.AddCommit(commit1)
			s := setup{db: db, commit1: commit1, commit2: commit2, commit3: g.AddCommit(commit2), other: g.AddCommit()}
			setRef(t, ctx, db, "refs/heads/main", commit1)
			if tc.prepare != nil {
				tc.prepare(t, s)
			}

			batch := db.NewBatchUpdate().AddCommand(tc.commands(s)...)
			require.NoError(t, batch.Execute(ctx, testUser))
			require.Equal(t, tc.results, commandResults(batch.Commands()))

			for _, cmd := range batch.Commands() {
				if cmd.Result == RejectedOtherReason && !cmd.IsSymbolic() && cmd.Message != messageAtomicSymrefs {
					require.Equal(t, messageTransactionAborted, cmd.Message)
				}
				if tc.message != "" && cmd.Result != RejectedOtherReason {
					require.Equal(t, tc.message, cmd.Message)
				}
			}

			requireRefs(t, db, map[git.ReferenceName]git.ObjectID{"refs/heads/main": commit1})
		})
	}
}

func TestPackedBatch_idempotentRetry(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	db, g := setupRefDirectory(t)
	commit1 := g.AddCommit()
	commit2 := g.AddCommit(commit1)
	setRef(t, ctx, db, "refs/heads/main", commit1)
	setRef(t, ctx, db, "refs/heads/old", commit1)

	newBatch := func() *BatchUpdate {
		return db.NewBatchUpdate().AddCommand(
			NewCommand("refs/heads/main", commit1, commit2),
			NewCommand("refs/heads/topic", git.ZeroOID, commit2),
			NewCommand("refs/heads/old", commit1, git.ZeroOID),
		)
	}
	expectedRefs := map[git.ReferenceName]git.ObjectID{
		"refs/heads/main":  commit2,
		"refs/heads/topic": commit2,
	}

	batch := newBatch()
	require.NoError(t, batch.Execute(ctx, testUser))
	require.Equal(t, []Result{FastForward, New, Forced}, commandResults(batch.Commands()))
	requireRefs(t, db, expectedRefs)

	packedBefore := testhelper.MustReadFile(t, db.packedRefsPath())

	retry := newBatch()
	require.NoError(t, retry.Execute(ctx, testUser))
	require.Equal(t, []Result{NoChange, NoChange, NoChange}, commandResults(retry.Commands()))
	requireRefs(t, db, expectedRefs)
	require.Equal(t, packedBefore, testhelper.MustReadFile(t, db.packedRefsPath()))
}

// hookedGraph runs onPeel before the first Peel it serves.
type hookedGraph struct {
	graph.Graph
	onPeel func()
}

func (g *hookedGraph) Peel(ctx context.Context, oid git.ObjectID) (git.ObjectID, error) {
	if g.onPeel != nil {
		onPeel := g.onPeel
		g.onPeel = nil
		onPeel()
	}
	return g.Graph.Peel(ctx, oid)
}

func TestPackedBatch_concurrentPackedRefsChange(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	other, g := setupRefDirectory(t)
	commit1 := g.AddCommit()
	commit2 := g.AddCommit(commit1)
	setRef(t, ctx, other, "refs/heads/a", commit1)
	setRef(t, ctx, other, "refs/heads/other", commit1)
	require.NoError(t, other.Pack(ctx, []git.ReferenceName{"refs/heads/a", "refs/heads/other"}))
	requireNoLooseRef(t, other, "refs/heads/a")
	requireNoLooseRef(t, other, "refs/heads/other")

	hooked := &hookedGraph{Graph: g}
	db := NewRefDirectory(other.GitDir(), hooked,
		WithRetrySleep([]time.Duration{0, time.Millisecond}),
		WithClock(testClock),
	)

	// The delete rewrites packed-refs while the batch holds its reference locks but not the
	// packed-refs lock.
	hooked.onPeel = func() {
		u, err := other.NewUpdate("refs/heads/other", false)
		require.NoError(t, err)
		u.SetForceUpdate(true)
		result, err := u.Delete(ctx, testUser)
		require.NoError(t, err)
		require.Equal(t, Forced, result)
	}

	batch := db.NewBatchUpdate().AddCommand(
		NewCommand("refs/heads/a", commit1, commit2),
		NewCommand("refs/heads/b", git.ZeroOID, commit2),
	)
	require.NoError(t, batch.Execute(ctx, testUser))
	require.Nil(t, hooked.onPeel)
	require.Equal(t, []Result{LockFailure, RejectedOtherReason}, commandResults(batch.Commands()))

	requireRefs(t, db, map[git.ReferenceName]git.ObjectID{
		"refs/heads/a": commit1,
	})
}

func TestPackedBatch_mixedStateIsRejected(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	db, g := setupRefDirectory(t)
	commit1 := g.AddCommit()
	commit2 := g.AddCommit(commit1)
	setRef(t, ctx, db, "refs/heads/a", commit2)
	setRef(t, ctx, db, "refs/heads/b", commit1)

	// a has already been moved while b still is in its old state.
	batch := db.NewBatchUpdate().AddCommand(
		NewCommand("refs/heads/b", commit1, commit2),
		NewCommand("refs/heads/a", commit1, commit2),
	)
	require.NoError(t, batch.Execute(ctx, testUser))
	require.Equal(t, []Result{RejectedOtherReason, LockFailure}, commandResults(batch.Commands()))

	requireRefs(t, db, map[git.ReferenceName]git.ObjectID{
		"refs/heads/a": commit2,
		"refs/heads/b": commit1,
	})
}

func TestPackedBatch_singleCommandIsSequential(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	db, g := setupRefDirectory(t)
	commit := g.AddCommit()

	batch := db.NewBatchUpdate().AddCommand(NewCommand("refs/heads/main", git.ZeroOID, commit))
	require.NoError(t, batch.Execute(ctx, testUser))
	require.Equal(t, []Result{New}, commandResults(batch.Commands()))

	// A single command is written as a loose ref instead of through the packed log.
	require.Equal(t, string(commit)+"\n", string(testhelper.MustReadFile(t, db.fileFor("refs/heads/main"))))
}

func TestPackedBatch_replicated(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	replicator := &fakeReplicator{results: []Result{New, New}}
	db, g := setupRefDirectory(t, WithReplicator(replicator))
	commit := g.AddCommit()

	batch := db.NewBatchUpdate().AddCommand(
		NewCommand("refs/heads/a", git.ZeroOID, commit),
		NewCommand("refs/heads/b", git.ZeroOID, commit),
	)
	require.NoError(t, batch.Execute(ctx, testUser))
	require.Equal(t, []Result{New, New}, commandResults(batch.Commands()))
	require.Len(t, replicator.batches, 1)
	require.Len(t, replicator.batches[0], 2)

	// The engine did not write anything, and nothing was written locally either.
	requireRefs(t, db, map[git.ReferenceName]git.ObjectID{})

	t.Run("result count mismatch", func(t *testing.T) {
		replicator.results = []Result{New}
		batch := db.NewBatchUpdate().AddCommand(
			NewCommand("refs/heads/c", git.ZeroOID, commit),
			NewCommand("refs/heads/d", git.ZeroOID, commit),
		)
		require.Error(t, batch.Execute(ctx, testUser))
		for _, cmd := range batch.Commands() {
			require.Equal(t, RejectedOtherReason, cmd.Result)
			require.Contains(t, cmd.Message, messageLockError)
		}
	})

	t.Run("validation happens before replication", func(t *testing.T) {
		batch := db.NewBatchUpdate().AddCommand(
			NewCommand("refs/heads/e", git.ZeroOID, commit),
			NewCommand("refs/heads/f", git.ZeroOID, oidA),
		)
		require.NoError(t, batch.Execute(ctx, testUser))
		require.Equal(t, []Result{RejectedOtherReason, RejectedMissingObject}, commandResults(batch.Commands()))
		require.Len(t, replicator.batches, 2)
	})
}

// TestPackedBatch_mergeProperty checks for random stores and random non-conflicting commands
// that the packed log ends up as the sorted union of the untouched, updated and created refs.
func TestPackedBatch_mergeProperty(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	rng := rand.New(rand.NewSource(1))

	for iteration := 0; iteration < 25; iteration++ {
		t.Run(fmt.Sprintf("iteration %d", iteration), func(t *testing.T) {
			db, g := setupRefDirectory(t)
			base := g.AddCommit()

			var existing []PackedRef
			expected := map[git.ReferenceName]git.ObjectID{}
			for i := 0; i < 40; i++ {
				if rng.Intn(2) == 0 {
					continue
				}
				name := git.ReferenceName(fmt.Sprintf("refs/heads/branch-%02d", i))
				existing = append(existing, PackedRef{Name: name, ID: base})
				expected[name] = base
			}
			writePackedRefsFile(t, db, existing)

			var commands []*Command
			for i := 0; i < 40; i++ {
				name := git.ReferenceName(fmt.Sprintf("refs/heads/branch-%02d", i))
				_, exists := expected[name]

				switch op := rng.Intn(4); {
				case op == 0 && exists:
					commands = append(commands, NewCommand(name, base, git.ZeroOID))
					delete(expected, name)
				case op == 1 && exists:
					next := g.AddCommit(base)
					commands = append(commands, NewCommand(name, base, next))
					expected[name] = next
				case op == 2 && !exists:
					created := g.AddCommit()
					commands = append(commands, NewCommand(name, git.ZeroOID, created))
					expected[name] = created
				}
			}
			if len(commands) < 2 {
				t.Skip("not enough commands for an atomic batch")
			}
			rng.Shuffle(len(commands), func(i, j int) { commands[i], commands[j] = commands[j], commands[i] })

			batch := db.NewBatchUpdate().AddCommand(commands...)
			require.NoError(t, batch.Execute(ctx, testUser))
			for _, cmd := range batch.Commands() {
				require.True(t, cmd.Result.IsSuccess(), "%s: %s", cmd, cmd.Result)
			}

			requireRefs(t, db, expected)

			packed := readPackedRefsFile(t, db)
			require.True(t, sort.SliceIsSorted(packed, func(i, j int) bool { return packed[i].Name < packed[j].Name }))
			require.Len(t, packed, len(expected))
		})
	}
}
