package refdb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/WANdisco/jgit-sub000/internal/git"
	"github.com/WANdisco/jgit-sub000/internal/git/graph"
	"github.com/WANdisco/jgit-sub000/internal/safe"
	"github.com/WANdisco/jgit-sub000/internal/tombstone"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
)

var (
	// ErrLockHeld is returned when a reference or the packed log is locked by someone else.
	ErrLockHeld = errors.New("reference lock held")
	// ErrInvalidRefName is returned for reference names which cannot be stored.
	ErrInvalidRefName = git.ErrInvalidReferenceName
	// ErrSymbolicRefNotSupported is returned when a symbolic reference is used where only
	// direct references are allowed.
	ErrSymbolicRefNotSupported = errors.New("symbolic reference not supported")
)

const (
	symrefPrefix = "ref: "
	// maxSymrefDepth bounds how many symbolic references are followed.
	maxSymrefDepth = 5
)

// DefaultRetrySleep is the schedule of waits between attempts to acquire a set of locks.
var DefaultRetrySleep = []time.Duration{
	0,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
	1600 * time.Millisecond,
}

type looseRef struct {
	ref      git.Reference
	snapshot fileSnapshot
}

// RefDirectory stores references of a repository on disk: one file per loose reference below
// `refs/`, the sorted packed log in `packed-refs`, the symbolic `HEAD` and reflogs below
// `logs/`. Reads are served from caches validated against file snapshots.
type RefDirectory struct {
	gitDir     string
	graph      graph.Graph
	bare       bool
	atomic     bool
	retrySleep []time.Duration
	strategy   commitStrategy
	tombstones *tombstone.Cache
	now        func() time.Time

	// packedMu serializes rewrites of the packed log within this process.
	packedMu sync.Mutex

	cacheMu sync.Mutex
	packed  *PackedRefList
	loose   map[git.ReferenceName]looseRef

	listenersMu  sync.Mutex
	listeners    map[int]func()
	nextListener int
}

// Option configures a RefDirectory.
type Option func(*RefDirectory)

// WithBare marks the repository as bare. Bare repositories have no current branch which
// needs protection from deletion.
func WithBare(bare bool) Option {
	return func(db *RefDirectory) {
		db.bare = bare
	}
}

// WithRetrySleep sets the schedule of waits between attempts to acquire locks. The number of
// entries is the number of attempts.
func WithRetrySleep(schedule []time.Duration) Option {
	return func(db *RefDirectory) {
		if len(schedule) > 0 {
			db.retrySleep = schedule
		}
	}
}

// WithAtomicTransactions sets whether batches may be executed atomically.
func WithAtomicTransactions(atomic bool) Option {
	return func(db *RefDirectory) {
		db.atomic = atomic
	}
}

// WithReplicator makes every update go through the replication engine instead of being
// written locally.
func WithReplicator(replicator Replicator) Option {
	return func(db *RefDirectory) {
		db.strategy = replicatedCommit{replicator: replicator}
	}
}

// WithTombstones records the targets of deleted references in the given cache.
func WithTombstones(tombstones *tombstone.Cache) Option {
	return func(db *RefDirectory) {
		db.tombstones = tombstones
	}
}

// WithClock sets the source of reflog timestamps.
func WithClock(now func() time.Time) Option {
	return func(db *RefDirectory) {
		db.now = now
	}
}

// NewRefDirectory returns the reference database of the repository at gitDir.
func NewRefDirectory(gitDir string, g graph.Graph, opts ...Option) *RefDirectory {
	db := &RefDirectory{
		gitDir:     gitDir,
		graph:      g,
		atomic:     true,
		retrySleep: DefaultRetrySleep,
		strategy:   localCommit{},
		now:        time.Now,
		loose:      map[git.ReferenceName]looseRef{},
		listeners:  map[int]func(){},
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// GitDir returns the repository directory.
func (db *RefDirectory) GitDir() string {
	return db.gitDir
}

// Graph returns the commit-graph used to validate updates.
func (db *RefDirectory) Graph() graph.Graph {
	return db.graph
}

// IsBare tells whether the repository is bare.
func (db *RefDirectory) IsBare() bool {
	return db.bare
}

// IsReplicated tells whether updates are handed to the replication engine.
func (db *RefDirectory) IsReplicated() bool {
	_, ok := db.strategy.(replicatedCommit)
	return ok
}

// PerformsAtomicTransactions tells whether batches can be applied all-or-nothing.
func (db *RefDirectory) PerformsAtomicTransactions() bool {
	return db.atomic
}

// Tombstones returns the tombstone cache, which may be nil.
func (db *RefDirectory) Tombstones() *tombstone.Cache {
	return db.tombstones
}

func (db *RefDirectory) fileFor(name git.ReferenceName) string {
	return filepath.Join(db.gitDir, filepath.FromSlash(name.String()))
}

func (db *RefDirectory) logFor(name git.ReferenceName) string {
	return filepath.Join(db.gitDir, "logs", filepath.FromSlash(name.String()))
}

func (db *RefDirectory) packedRefsPath() string {
	return filepath.Join(db.gitDir, packedRefsFile)
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR)
}

func parseLooseRef(name git.ReferenceName, content []byte) (git.Reference, error) {
	line := strings.TrimRight(string(content), "\n")

	if strings.HasPrefix(line, symrefPrefix) {
		target := strings.TrimSpace(line[len(symrefPrefix):])
		if target == "" {
			return git.Reference{}, fmt.Errorf("%s: empty symbolic reference", name)
		}
		return git.NewSymbolicReference(name, git.ReferenceName(target)), nil
	}

	if len(line) > git.ObjectIDHexLength {
		line = line[:git.ObjectIDHexLength]
	}
	oid, err := git.NewObjectIDFromHex(line)
	if err != nil {
		return git.Reference{}, fmt.Errorf("%s: %w", name, err)
	}

	return git.NewReference(name, oid), nil
}

// readLoose returns the loose reference stored for name, or nil if there is none.
func (db *RefDirectory) readLoose(name git.ReferenceName) (*git.Reference, error) {
	path := db.fileFor(name)

	info, err := os.Stat(path)
	if err != nil {
		if isNotExist(err) {
			db.invalidate(name)
			return nil, nil
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, nil
	}
	snapshot := snapshotFromInfo(info)

	db.cacheMu.Lock()
	cached, ok := db.loose[name]
	db.cacheMu.Unlock()
	if ok && cached.snapshot.equal(snapshot) {
		ref := cached.ref
		return &ref, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if isNotExist(err) {
			db.invalidate(name)
			return nil, nil
		}
		return nil, err
	}

	ref, err := parseLooseRef(name, content)
	if err != nil {
		return nil, err
	}

	db.cacheMu.Lock()
	db.loose[name] = looseRef{ref: ref, snapshot: snapshot}
	db.cacheMu.Unlock()

	return &ref, nil
}

func (db *RefDirectory) invalidate(name git.ReferenceName) {
	db.cacheMu.Lock()
	delete(db.loose, name)
	db.cacheMu.Unlock()
}

// readPackedRefs reads the packed log from disk, bypassing the cache.
func (db *RefDirectory) readPackedRefs() (*PackedRefList, error) {
	f, err := os.Open(db.packedRefsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return newPackedRefList(nil, fileSnapshot{}), nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	refs, err := parsePackedRefs(f)
	if err != nil {
		return nil, err
	}

	return newPackedRefList(refs, snapshotFromInfo(info)), nil
}

// PackedRefs returns the current packed log.
func (db *RefDirectory) PackedRefs() (*PackedRefList, error) {
	snapshot, err := snapshotOf(db.packedRefsPath())
	if err != nil {
		return nil, err
	}

	db.cacheMu.Lock()
	cached := db.packed
	db.cacheMu.Unlock()
	if cached != nil && cached.snapshot.equal(snapshot) {
		return cached, nil
	}

	list, err := db.readPackedRefs()
	if err != nil {
		return nil, fmt.Errorf("reading packed refs: %w", err)
	}

	db.cacheMu.Lock()
	db.packed = list
	db.cacheMu.Unlock()

	return list, nil
}

// findRef returns the reference called name without following symbolic references, or nil
// if it does not exist. Loose references shadow packed ones.
func (db *RefDirectory) findRef(name git.ReferenceName) (*git.Reference, error) {
	ref, err := db.readLoose(name)
	if err != nil || ref != nil {
		return ref, err
	}
	if name == git.HeadName {
		return nil, nil
	}

	packed, err := db.PackedRefs()
	if err != nil {
		return nil, err
	}
	if p, ok := packed.Get(name); ok {
		ref := git.NewReference(name, p.ID)
		return &ref, nil
	}

	return nil, nil
}

// Ref returns the reference called name without following symbolic references.
func (db *RefDirectory) Ref(name git.ReferenceName) (git.Reference, error) {
	ref, err := db.findRef(name)
	if err != nil {
		return git.Reference{}, err
	}
	if ref == nil {
		return git.Reference{}, fmt.Errorf("%w: %s", git.ErrReferenceNotFound, name)
	}
	return *ref, nil
}

// resolve follows symbolic references starting at name. It returns the name of the last
// reference in the chain and that reference, which is nil if it does not exist.
func (db *RefDirectory) resolve(name git.ReferenceName) (git.ReferenceName, *git.Reference, error) {
	for depth := 0; depth <= maxSymrefDepth; depth++ {
		ref, err := db.findRef(name)
		if err != nil {
			return "", nil, err
		}
		if ref == nil || !ref.IsSymbolic {
			return name, ref, nil
		}
		name = git.ReferenceName(ref.Target)
	}

	return "", nil, fmt.Errorf("%s: too many levels of symbolic references", name)
}

// ResolveID returns the object a reference points to, following symbolic references.
func (db *RefDirectory) ResolveID(name git.ReferenceName) (git.ObjectID, error) {
	leaf, ref, err := db.resolve(name)
	if err != nil {
		return "", err
	}
	if ref == nil {
		return "", fmt.Errorf("%w: %s", git.ErrReferenceNotFound, leaf)
	}
	return git.ObjectID(ref.Target), nil
}

// Refs returns every reference below `refs/`, sorted by name.
func (db *RefDirectory) Refs() ([]git.Reference, error) {
	packed, err := db.PackedRefs()
	if err != nil {
		return nil, err
	}

	byName := make(map[git.ReferenceName]git.Reference, packed.Len())
	for _, p := range packed.refs {
		byName[p.Name] = git.NewReference(p.Name, p.ID)
	}

	root := filepath.Join(db.gitDir, "refs")
	if err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if isNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() || strings.HasSuffix(path, safe.LockSuffix) {
			return nil
		}

		rel, err := filepath.Rel(db.gitDir, path)
		if err != nil {
			return err
		}
		name := git.ReferenceName(filepath.ToSlash(rel))

		ref, err := db.readLoose(name)
		if err != nil {
			return err
		}
		if ref != nil {
			byName[name] = *ref
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("scanning loose refs: %w", err)
	}

	refs := make([]git.Reference, 0, len(byName))
	for _, ref := range byName {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })

	return refs, nil
}

// IsNameConflicting tells whether name is a directory prefix of an existing reference, or an
// existing reference is a directory prefix of name.
func (db *RefDirectory) IsNameConflicting(name git.ReferenceName) (bool, error) {
	refs, err := db.Refs()
	if err != nil {
		return false, err
	}
	for _, ref := range refs {
		if ref.Name.Conflicts(name) {
			return true, nil
		}
	}
	return false, nil
}

// Refresh drops all cached references so that the next read goes to disk.
func (db *RefDirectory) Refresh() {
	db.cacheMu.Lock()
	db.packed = nil
	db.loose = map[git.ReferenceName]looseRef{}
	db.cacheMu.Unlock()
}

// RefreshAndReload drops all cached references and reloads the packed log. It is needed after
// a write which bypassed this RefDirectory, like one performed by the replication engine.
func (db *RefDirectory) RefreshAndReload() error {
	db.Refresh()
	_, err := db.PackedRefs()
	return err
}

// AddListener registers fn to be called whenever references have changed. The returned
// function removes the listener again.
func (db *RefDirectory) AddListener(fn func()) func() {
	db.listenersMu.Lock()
	defer db.listenersMu.Unlock()

	id := db.nextListener
	db.nextListener++
	db.listeners[id] = fn

	return func() {
		db.listenersMu.Lock()
		defer db.listenersMu.Unlock()
		delete(db.listeners, id)
	}
}

func (db *RefDirectory) fireRefsChanged() {
	db.listenersMu.Lock()
	listeners := make([]func(), 0, len(db.listeners))
	for _, fn := range db.listeners {
		listeners = append(listeners, fn)
	}
	db.listenersMu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

func (db *RefDirectory) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lockRef takes the lock of a single loose reference.
func (db *RefDirectory) lockRef(name git.ReferenceName) (*safe.LockFile, error) {
	lock := safe.NewLockFile(db.fileFor(name))
	if err := lock.Lock(); err != nil {
		// A file where a directory is needed is a conflicting reference holding the name.
		if errors.Is(err, safe.ErrFileLocked) || errors.Is(err, syscall.ENOTDIR) {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
		}
		return nil, err
	}
	return lock, nil
}

// lockPackedRefs takes the file lock of the packed log, retrying along the retry schedule.
func (db *RefDirectory) lockPackedRefs(ctx context.Context) (*safe.LockFile, error) {
	for i, wait := range db.retrySleep {
		if i > 0 {
			lockRetriesTotal.Inc()
		}
		if err := db.sleep(ctx, wait); err != nil {
			return nil, err
		}

		lock := safe.NewLockFile(db.packedRefsPath())
		err := lock.Lock()
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, safe.ErrFileLocked) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrLockHeld, packedRefsFile)
}

// commitPackedRefs writes refs into the locked packed log and makes them the cached list.
func (db *RefDirectory) commitPackedRefs(lock *safe.LockFile, refs []PackedRef) (*PackedRefList, error) {
	if err := writePackedRefs(lock, refs); err != nil {
		return nil, fmt.Errorf("writing packed refs: %w", err)
	}
	if err := lock.Commit(); err != nil {
		return nil, fmt.Errorf("committing packed refs: %w", err)
	}

	snapshot, err := snapshotOf(db.packedRefsPath())
	if err != nil {
		return nil, err
	}
	list := newPackedRefList(refs, snapshot)

	db.cacheMu.Lock()
	db.packed = list
	db.cacheMu.Unlock()

	return list, nil
}

func unlock(ctx context.Context, lock *safe.LockFile) {
	if lock == nil {
		return
	}
	if err := lock.Unlock(); err != nil {
		ctxlogrus.Extract(ctx).WithError(err).WithField("lock", lock.LockPath()).Warn("unlocking failed")
	}
}

// peeledRef creates the packed entry of name pointing at oid, recording the peeled object of
// annotated tags.
func (db *RefDirectory) peeledRef(ctx context.Context, name git.ReferenceName, oid git.ObjectID) (PackedRef, error) {
	ref := PackedRef{Name: name, ID: oid}

	peeled, err := db.graph.Peel(ctx, oid)
	if err != nil {
		if errors.Is(err, graph.ErrObjectNotFound) {
			return ref, nil
		}
		return PackedRef{}, err
	}
	if peeled != oid {
		ref.Peeled = peeled
	}

	return ref, nil
}

// Pack moves the given loose references into the packed log. Symbolic and missing references
// are skipped.
func (db *RefDirectory) Pack(ctx context.Context, names []git.ReferenceName) error {
	db.packedMu.Lock()
	defer db.packedMu.Unlock()

	_, err := db.pack(ctx, names, nil)
	return err
}

// pack must be called with packedMu held. Loose references whose locks are in held are
// deleted under those locks, which stay held. The returned list is the packed log read under
// its file lock.
func (db *RefDirectory) pack(ctx context.Context, names []git.ReferenceName, held map[git.ReferenceName]*safe.LockFile) (*PackedRefList, error) {
	lock, err := db.lockPackedRefs(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock(ctx, lock)

	packed, err := db.readPackedRefs()
	if err != nil {
		return nil, err
	}

	refs := packed.refs
	dirty := false
	for _, name := range names {
		loose, err := db.readLoose(name)
		if err != nil {
			return nil, err
		}
		if loose == nil || loose.IsSymbolic {
			continue
		}

		oid := git.ObjectID(loose.Target)
		if i, ok := findPackedRef(refs, name); ok && refs[i].ID == oid {
			continue
		}

		packedRef, err := db.peeledRef(ctx, name, oid)
		if err != nil {
			return nil, err
		}
		refs = setPackedRef(refs, packedRef)
		dirty = true
	}

	if !dirty {
		db.cacheMu.Lock()
		db.packed = packed
		db.cacheMu.Unlock()
		return packed, nil
	}

	result, err := db.commitPackedRefs(lock, refs)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		db.deletePackedLoose(ctx, name, result, held[name])
	}

	return result, nil
}

// deletePackedLoose removes the loose file of name if it holds the value now in packed.
func (db *RefDirectory) deletePackedLoose(ctx context.Context, name git.ReferenceName, packed *PackedRefList, held *safe.LockFile) {
	path := db.fileFor(name)
	if _, err := os.Lstat(path); err != nil {
		return
	}

	lock := held
	if lock == nil {
		var err error
		if lock, err = db.lockRef(name); err != nil {
			return
		}
		defer unlock(ctx, lock)
	}

	db.invalidate(name)
	loose, err := db.readLoose(name)
	if err != nil || loose == nil || loose.IsSymbolic {
		return
	}

	if p, ok := packed.Get(name); !ok || p.ID != git.ObjectID(loose.Target) {
		return
	}

	if err := os.Remove(path); err != nil && !isNotExist(err) {
		ctxlogrus.Extract(ctx).WithError(err).WithField("ref", name).Warn("removing packed loose ref")
		return
	}
	db.invalidate(name)

	if held == nil {
		unlock(ctx, lock)
		pruneEmptyParents(db.gitDir, name)
	}
}

// pruneEmptyParents removes the now empty directories which held name, stopping at the
// `refs/<kind>` level.
func pruneEmptyParents(root string, name git.ReferenceName) {
	parts := strings.Split(name.String(), "/")
	for i := len(parts) - 1; i > 2; i-- {
		if err := os.Remove(filepath.Join(root, filepath.FromSlash(strings.Join(parts[:i], "/")))); err != nil {
			return
		}
	}
}

// writeLoose stores oid as the new value of the locked loose reference.
func (db *RefDirectory) writeLoose(name git.ReferenceName, lock *safe.LockFile, content string) error {
	if _, err := lock.Write([]byte(content)); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := lock.Commit(); err != nil {
		return fmt.Errorf("committing %s: %w", name, err)
	}
	db.invalidate(name)
	return nil
}

// deleteRef removes name from the packed log, its loose file and its reflog. lock is the
// held lock of the loose reference and is released.
func (db *RefDirectory) deleteRef(ctx context.Context, name git.ReferenceName, lock *safe.LockFile, oldID git.ObjectID) error {
	packed, err := db.PackedRefs()
	if err != nil {
		return err
	}

	if _, ok := packed.Get(name); ok {
		if err := func() error {
			db.packedMu.Lock()
			defer db.packedMu.Unlock()

			packedLock, err := db.lockPackedRefs(ctx)
			if err != nil {
				return err
			}
			defer unlock(ctx, packedLock)

			packed, err := db.readPackedRefs()
			if err != nil {
				return err
			}
			if _, ok := packed.Get(name); ok {
				if _, err := db.commitPackedRefs(packedLock, removePackedRef(packed.refs, name)); err != nil {
					return err
				}
			}
			return nil
		}(); err != nil {
			return fmt.Errorf("removing %s from packed refs: %w", name, err)
		}
	}

	if err := os.Remove(db.logFor(name)); err != nil && !isNotExist(err) {
		ctxlogrus.Extract(ctx).WithError(err).WithField("ref", name).Warn("removing reflog")
	} else {
		pruneEmptyParents(filepath.Join(db.gitDir, "logs"), name)
	}

	if err := os.Remove(db.fileFor(name)); err != nil && !isNotExist(err) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	db.invalidate(name)
	unlock(ctx, lock)
	pruneEmptyParents(db.gitDir, name)

	db.recordTombstone(ctx, oldID)
	db.fireRefsChanged()

	return nil
}

func (db *RefDirectory) recordTombstone(ctx context.Context, oid git.ObjectID) {
	if db.tombstones == nil || oid.IsZeroOID() {
		return
	}
	db.tombstones.Add(oid)
	ctxlogrus.Extract(ctx).WithFields(logrus.Fields{"object": oid}).Debug("recorded tombstone")
}
