package refdb

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/WANdisco/jgit-sub000/internal/git"
	"github.com/WANdisco/jgit-sub000/internal/testhelper"
	"github.com/WANdisco/jgit-sub000/internal/tombstone"
	"github.com/stretchr/testify/require"
)

func TestRefUpdate_create(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	db, g := setupRefDirectory(t)
	commit := g.AddCommit()

	u, err := db.NewUpdate("refs/heads/main", false)
	require.NoError(t, err)
	u.SetExpectedOldObjectID(git.ZeroOID)
	u.SetNewObjectID(commit)
	u.SetRefLogMessage("push", true)

	result, err := u.Update(ctx, testUser)
	require.NoError(t, err)
	require.Equal(t, New, result)
	require.Equal(t, string(commit)+"\n", string(testhelper.MustReadFile(t, db.fileFor("refs/heads/main"))))
	requireRefs(t, db, map[git.ReferenceName]git.ObjectID{"refs/heads/main": commit})

	entries, err := db.ReadReflog("refs/heads/main")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, git.ZeroOID, entries[0].Old)
	require.Equal(t, commit, entries[0].New)
	require.Equal(t, "push: created", entries[0].Message)
	require.Equal(t, testUser.String(), entries[0].Who)
	require.True(t, entries[0].When.Equal(testClock()))
}

func TestRefUpdate_fastForwardIsIdempotent(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	db, g := setupRefDirectory(t)
	commit1 := g.AddCommit()
	commit2 := g.AddCommit(commit1)
	setRef(t, ctx, db, "refs/heads/main", commit1)

	// The second attempt is a retry of an update which has already been applied.
	for _, expected := range []Result{FastForward, NoChange} {
		u, err := db.NewUpdate("refs/heads/main", false)
		require.NoError(t, err)
		u.SetExpectedOldObjectID(commit1)
		u.SetNewObjectID(commit2)
		u.SetRefLogMessage("push", true)

		result, err := u.Update(ctx, testUser)
		require.NoError(t, err)
		require.Equal(t, expected, result)
		require.Equal(t, expected, u.Result())
		requireRefs(t, db, map[git.ReferenceName]git.ObjectID{"refs/heads/main": commit2})
	}

	entries, err := db.ReadReflog("refs/heads/main")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, commit1, entries[1].Old)
	require.Equal(t, commit2, entries[1].New)
	require.Equal(t, "push: fast-forward", entries[1].Message)
}

func TestRefUpdate_update(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	for _, tc := range []struct {
		desc     string
		setup    func(t *testing.T, db *RefDirectory, commits []git.ObjectID) *RefUpdate
		expected Result
		finalID  func(commits []git.ObjectID) git.ObjectID
	}{
		{
			desc: "non-fast-forward",
			setup: func(t *testing.T, db *RefDirectory, commits []git.ObjectID) *RefUpdate {
				u, err := db.NewUpdate("refs/heads/main", false)
				require.NoError(t, err)
				u.SetNewObjectID(commits[2])
				return u
			},
			expected: Rejected,
			finalID:  func(commits []git.ObjectID) git.ObjectID { return commits[0] },
		},
		{
			desc: "forced non-fast-forward",
			setup: func(t *testing.T, db *RefDirectory, commits []git.ObjectID) *RefUpdate {
				u, err := db.NewUpdate("refs/heads/main", false)
				require.NoError(t, err)
				u.SetNewObjectID(commits[2])
				u.SetForceUpdate(true)
				return u
			},
			expected: Forced,
			finalID:  func(commits []git.ObjectID) git.ObjectID { return commits[2] },
		},
		{
			desc: "unchanged",
			setup: func(t *testing.T, db *RefDirectory, commits []git.ObjectID) *RefUpdate {
				u, err := db.NewUpdate("refs/heads/main", false)
				require.NoError(t, err)
				u.SetNewObjectID(commits[0])
				return u
			},
			expected: NoChange,
			finalID:  func(commits []git.ObjectID) git.ObjectID { return commits[0] },
		},
		{
			desc: "expected old value mismatch",
			setup: func(t *testing.T, db *RefDirectory, commits []git.ObjectID) *RefUpdate {
				u, err := db.NewUpdate("refs/heads/main", false)
				require.NoError(t, err)
				u.SetExpectedOldObjectID(commits[2])
				u.SetNewObjectID(commits[1])
				return u
			},
			expected: LockFailure,
			finalID:  func(commits []git.ObjectID) git.ObjectID { return commits[0] },
		},
		{
			desc: "expected to not exist",
			setup: func(t *testing.T, db *RefDirectory, commits []git.ObjectID) *RefUpdate {
				u, err := db.NewUpdate("refs/heads/main", false)
				require.NoError(t, err)
				u.SetExpectedOldObjectID(git.ZeroOID)
				u.SetNewObjectID(commits[1])
				return u
			},
			expected: LockFailure,
			finalID:  func(commits []git.ObjectID) git.ObjectID { return commits[0] },
		},
		{
			desc: "missing object",
			setup: func(t *testing.T, db *RefDirectory, commits []git.ObjectID) *RefUpdate {
				u, err := db.NewUpdate("refs/heads/main", false)
				require.NoError(t, err)
				u.SetNewObjectID(oidA)
				u.SetForceUpdate(true)
				return u
			},
			expected: RejectedMissingObject,
			finalID:  func(commits []git.ObjectID) git.ObjectID { return commits[0] },
		},
		{
			desc: "locked by someone else",
			setup: func(t *testing.T, db *RefDirectory, commits []git.ObjectID) *RefUpdate {
				require.NoError(t, os.WriteFile(db.fileFor("refs/heads/main")+".lock", nil, 0o644))
				u, err := db.NewUpdate("refs/heads/main", false)
				require.NoError(t, err)
				u.SetNewObjectID(commits[1])
				return u
			},
			expected: LockFailure,
			finalID:  func(commits []git.ObjectID) git.ObjectID { return commits[0] },
		},
		{
			desc: "locked but already in final state",
			setup: func(t *testing.T, db *RefDirectory, commits []git.ObjectID) *RefUpdate {
				require.NoError(t, os.WriteFile(db.fileFor("refs/heads/main")+".lock", nil, 0o644))
				u, err := db.NewUpdate("refs/heads/main", false)
				require.NoError(t, err)
				u.SetExpectedOldObjectID(commits[2])
				u.SetNewObjectID(commits[0])
				return u
			},
			expected: NoChange,
			finalID:  func(commits []git.ObjectID) git.ObjectID { return commits[0] },
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			db, g := setupRefDirectory(t)
			commit1 := g.AddCommit()
			commits := []git.ObjectID{commit1, g.AddCommit(commit1), g.AddCommit()}
			setRef(t, ctx, db, "refs/heads/main", commits[0])

			u := tc.setup(t, db, commits)
			result, err := u.Update(ctx, testUser)
			require.NoError(t, err)
			require.Equal(t, tc.expected, result)
			requireRefs(t, db, map[git.ReferenceName]git.ObjectID{"refs/heads/main": tc.finalID(commits)})
		})
	}
}

func TestRefUpdate_nameConflicts(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	for _, tc := range []struct {
		desc     string
		existing git.ReferenceName
		created  git.ReferenceName
	}{
		{desc: "existing ref is a directory", existing: "refs/heads/a", created: "refs/heads/a/b"},
		{desc: "new ref is a directory", existing: "refs/heads/x/y", created: "refs/heads/x"},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			db, g := setupRefDirectory(t)
			commit := g.AddCommit()
			setRef(t, ctx, db, tc.existing, commit)

			u, err := db.NewUpdate(tc.created, false)
			require.NoError(t, err)
			u.SetNewObjectID(commit)

			result, err := u.Update(ctx, testUser)
			require.NoError(t, err)
			require.Equal(t, LockFailure, result)
			requireRefs(t, db, map[git.ReferenceName]git.ObjectID{tc.existing: commit})
		})
	}
}

func TestRefUpdate_invalidName(t *testing.T) {
	db, _ := setupRefDirectory(t)

	_, err := db.NewUpdate("refs/heads/a..b", false)
	require.True(t, errors.Is(err, ErrInvalidRefName))
}

func TestRefUpdate_delete(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	for _, tc := range []struct {
		desc     string
		opts     []Option
		name     git.ReferenceName
		packed   bool
		force    bool
		expected git.ObjectID
		result   Result
		deleted  bool
	}{
		{desc: "forced", name: "refs/heads/main", force: true, result: Forced, deleted: true},
		{desc: "packed", name: "refs/heads/main", packed: true, force: true, result: Forced, deleted: true},
		{desc: "unforced", name: "refs/heads/main", result: Rejected},
		{desc: "expected old value mismatch", name: "refs/heads/main", force: true, expected: oidB, result: LockFailure},
		{desc: "current branch", name: "refs/heads/master", force: true, result: RejectedCurrentBranch},
		{desc: "current branch of bare repository", opts: []Option{WithBare(true)}, name: "refs/heads/master", force: true, result: Forced, deleted: true},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			tombstones, err := tombstone.New(16)
			require.NoError(t, err)

			db, g := setupRefDirectory(t, append(tc.opts, WithTombstones(tombstones))...)
			commit := g.AddCommit()
			if tc.packed {
				writePackedRefsFile(t, db, []PackedRef{{Name: tc.name, ID: commit}})
			} else {
				setRef(t, ctx, db, tc.name, commit)
			}

			u, err := db.NewUpdate(tc.name, false)
			require.NoError(t, err)
			u.SetForceUpdate(tc.force)
			if tc.expected != "" {
				u.SetExpectedOldObjectID(tc.expected)
			}

			result, err := u.Delete(ctx, testUser)
			require.NoError(t, err)
			require.Equal(t, tc.result, result)

			if !tc.deleted {
				requireRefs(t, db, map[git.ReferenceName]git.ObjectID{tc.name: commit})
				require.False(t, tombstones.ContainsPeek(commit))
				return
			}

			requireRefs(t, db, map[git.ReferenceName]git.ObjectID{})
			requireNoLooseRef(t, db, tc.name)
			require.Empty(t, readPackedRefsFile(t, db))
			require.True(t, tombstones.ContainsPeek(commit))

			entries, err := db.ReadReflog(tc.name)
			require.NoError(t, err)
			require.Empty(t, entries)
		})
	}
}

func TestRefUpdate_deleteMissing(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	db, _ := setupRefDirectory(t)

	u, err := db.NewUpdate("refs/heads/missing", false)
	require.NoError(t, err)
	u.SetForceUpdate(true)

	result, err := u.Delete(ctx, testUser)
	require.NoError(t, err)
	require.Equal(t, NoChange, result)
}

func TestRefUpdate_deletePrunesDirectories(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	db, g := setupRefDirectory(t)
	setRef(t, ctx, db, "refs/heads/feature/deep/branch", g.AddCommit())

	u, err := db.NewUpdate("refs/heads/feature/deep/branch", false)
	require.NoError(t, err)
	u.SetForceUpdate(true)
	result, err := u.Delete(ctx, testUser)
	require.NoError(t, err)
	require.Equal(t, Forced, result)

	_, err = os.Stat(db.fileFor("refs/heads/feature"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(db.fileFor("refs/heads"))
	require.NoError(t, err)
}

func TestRefUpdate_symbolic(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	t.Run("update through HEAD", func(t *testing.T) {
		db, g := setupRefDirectory(t)
		commit := g.AddCommit()

		u, err := db.NewUpdate(git.HeadName, false)
		require.NoError(t, err)
		u.SetNewObjectID(commit)

		result, err := u.Update(ctx, testUser)
		require.NoError(t, err)
		require.Equal(t, New, result)
		requireRefs(t, db, map[git.ReferenceName]git.ObjectID{"refs/heads/master": commit})

		head, err := db.Ref(git.HeadName)
		require.NoError(t, err)
		require.Equal(t, git.NewSymbolicReference(git.HeadName, "refs/heads/master"), head)

		resolved, err := db.ResolveID(git.HeadName)
		require.NoError(t, err)
		require.Equal(t, commit, resolved)

		for _, name := range []git.ReferenceName{git.HeadName, "refs/heads/master"} {
			entries, err := db.ReadReflog(name)
			require.NoError(t, err)
			require.Len(t, entries, 1, name)
		}
	})

	t.Run("detach HEAD", func(t *testing.T) {
		db, g := setupRefDirectory(t)
		commit1 := g.AddCommit()
		commit2 := g.AddCommit(commit1)
		setRef(t, ctx, db, "refs/heads/master", commit1)

		u, err := db.NewUpdate(git.HeadName, true)
		require.NoError(t, err)
		u.SetNewObjectID(commit2)

		result, err := u.Update(ctx, testUser)
		require.NoError(t, err)
		require.Equal(t, FastForward, result)

		head, err := db.Ref(git.HeadName)
		require.NoError(t, err)
		require.Equal(t, git.NewReference(git.HeadName, commit2), head)
		requireRefs(t, db, map[git.ReferenceName]git.ObjectID{"refs/heads/master": commit1})
	})
}

func TestRefUpdate_link(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	db, g := setupRefDirectory(t)
	commit := g.AddCommit()
	setRef(t, ctx, db, "refs/heads/topic", commit)

	link := func(name, target git.ReferenceName) (Result, error) {
		u, err := db.NewUpdate(name, false)
		require.NoError(t, err)
		return u.Link(ctx, testUser, target)
	}

	result, err := link(git.HeadName, "refs/heads/topic")
	require.NoError(t, err)
	require.Equal(t, Forced, result)
	require.Equal(t, "ref: refs/heads/topic\n", string(testhelper.MustReadFile(t, db.fileFor(git.HeadName))))

	resolved, err := db.ResolveID(git.HeadName)
	require.NoError(t, err)
	require.Equal(t, commit, resolved)

	result, err = link(git.HeadName, "refs/heads/topic")
	require.NoError(t, err)
	require.Equal(t, NoChange, result)

	result, err = link("refs/heads/alias", "refs/heads/topic")
	require.NoError(t, err)
	require.Equal(t, New, result)

	_, err = link(git.HeadName, "topic")
	require.True(t, errors.Is(err, ErrInvalidRefName))

	entries, err := db.ReadReflog(git.HeadName)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, commit, entries[0].New)
}

type fakeReplicator struct {
	mu      sync.Mutex
	updates []Command
	batches [][]Command
	heads   []git.ReferenceName

	result  Result
	results []Result
	err     error
	apply   func(cmd *Command)
}

func (r *fakeReplicator) ReplicateUpdate(_ context.Context, _ *RefDirectory, _ Identity, cmd *Command) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.updates = append(r.updates, *cmd)
	if r.apply != nil {
		r.apply(cmd)
	}
	return r.result, r.err
}

func (r *fakeReplicator) ReplicateBatch(_ context.Context, _ *RefDirectory, _ Identity, cmds []*Command) ([]Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := make([]Command, 0, len(cmds))
	for _, cmd := range cmds {
		batch = append(batch, *cmd)
	}
	r.batches = append(r.batches, batch)
	return r.results, r.err
}

func (r *fakeReplicator) SetHead(_ context.Context, _ *RefDirectory, target git.ReferenceName) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.heads = append(r.heads, target)
	return r.err
}

func TestRefUpdate_replicated(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	for _, tc := range []struct {
		desc     string
		existing bool
		expected git.ObjectID
		newID    func(commits []git.ObjectID) git.ObjectID
		force    bool
		delete   bool
		command  func(commits []git.ObjectID) Command
	}{
		{
			desc:     "expected old value is sent",
			existing: true,
			expected: oidB,
			newID:    func(commits []git.ObjectID) git.ObjectID { return commits[1] },
			command: func(commits []git.ObjectID) Command {
				return Command{Name: "refs/heads/main", OldID: oidB, NewID: commits[1], Type: Update}
			},
		},
		{
			desc:     "current value is sent",
			existing: true,
			newID:    func(commits []git.ObjectID) git.ObjectID { return commits[1] },
			force:    true,
			command: func(commits []git.ObjectID) Command {
				return Command{Name: "refs/heads/main", OldID: commits[0], NewID: commits[1], Type: UpdateNonFastForward}
			},
		},
		{
			desc:  "zero value is sent for new refs",
			newID: func(commits []git.ObjectID) git.ObjectID { return commits[1] },
			command: func(commits []git.ObjectID) Command {
				return Command{Name: "refs/heads/main", OldID: git.ZeroOID, NewID: commits[1], Type: Create}
			},
		},
		{
			desc:     "delete",
			existing: true,
			delete:   true,
			command: func(commits []git.ObjectID) Command {
				return Command{Name: "refs/heads/main", OldID: commits[0], NewID: git.ZeroOID, Type: Delete}
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			replicator := &fakeReplicator{result: Forced}
			db, g := setupRefDirectory(t, WithReplicator(replicator))
			commit1 := g.AddCommit()
			commits := []git.ObjectID{commit1, g.AddCommit(commit1)}
			if tc.existing {
				require.NoError(t, os.WriteFile(db.fileFor("refs/heads/main"), []byte(commits[0]+"\n"), 0o644))
			}

			u, err := db.NewUpdate("refs/heads/main", false)
			require.NoError(t, err)
			u.SetForceUpdate(tc.force)
			if tc.expected != "" {
				u.SetExpectedOldObjectID(tc.expected)
			}

			var result Result
			if tc.delete {
				result, err = u.Delete(ctx, testUser)
			} else {
				u.SetNewObjectID(tc.newID(commits))
				result, err = u.Update(ctx, testUser)
			}
			require.NoError(t, err)
			require.Equal(t, Forced, result)
			require.Equal(t, []Command{tc.command(commits)}, replicator.updates)
		})
	}
}

func TestRefUpdate_replicatedRefreshesCache(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	replicator := &fakeReplicator{result: FastForward}
	db, g := setupRefDirectory(t, WithReplicator(replicator))
	commit1 := g.AddCommit()
	commit2 := g.AddCommit(commit1)

	path := db.fileFor("refs/heads/main")
	require.NoError(t, os.WriteFile(path, []byte(commit1+"\n"), 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)

	ref, err := db.Ref("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, string(commit1), ref.Target)

	// The engine rewrites the ref within the same timestamp tick, which the snapshot of the
	// cached value cannot tell apart from the old file.
	replicator.apply = func(cmd *Command) {
		require.NoError(t, os.WriteFile(path, []byte(cmd.NewID+"\n"), 0o644))
		require.NoError(t, os.Chtimes(path, info.ModTime(), info.ModTime()))
	}

	u, err := db.NewUpdate("refs/heads/main", false)
	require.NoError(t, err)
	u.SetNewObjectID(commit2)
	result, err := u.Update(ctx, testUser)
	require.NoError(t, err)
	require.Equal(t, FastForward, result)

	ref, err = db.Ref("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, string(commit2), ref.Target)
}

func TestRefUpdate_replicatedFailure(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	engineErr := errors.New("engine unavailable")
	replicator := &fakeReplicator{err: engineErr}
	db, g := setupRefDirectory(t, WithReplicator(replicator))

	u, err := db.NewUpdate("refs/heads/main", false)
	require.NoError(t, err)
	u.SetNewObjectID(g.AddCommit())

	result, err := u.Update(ctx, testUser)
	require.True(t, errors.Is(err, engineErr))
	require.Equal(t, IOFailure, result)
	require.Equal(t, IOFailure, u.Result())
	requireRefs(t, db, map[git.ReferenceName]git.ObjectID{})
}

func TestRefUpdate_replicatedLink(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	replicator := &fakeReplicator{}
	db, _ := setupRefDirectory(t, WithReplicator(replicator))

	u, err := db.NewUpdate(git.HeadName, false)
	require.NoError(t, err)
	result, err := u.Link(ctx, testUser, "refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, Forced, result)
	require.Equal(t, []git.ReferenceName{"refs/heads/main"}, replicator.heads)

	head, err := db.Ref(git.HeadName)
	require.NoError(t, err)
	require.Equal(t, "refs/heads/main", head.Target)
}
