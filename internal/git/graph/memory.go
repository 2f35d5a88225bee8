package graph

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/WANdisco/jgit-sub000/internal/git"
)

type memoryObject struct {
	objectType ObjectType
	// parents of a commit, or the single target of a tag
	links []git.ObjectID
}

// Memory is an in-process Graph. Objects are added explicitly and receive deterministic IDs.
// It is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	objects map[git.ObjectID]memoryObject
	counter int
}

// NewMemory returns an empty in-memory graph.
func NewMemory() *Memory {
	return &Memory{objects: map[git.ObjectID]memoryObject{}}
}

func (m *Memory) add(objectType ObjectType, links ...git.ObjectID) git.ObjectID {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counter++
	sum := sha1.Sum([]byte(fmt.Sprintf("%s %d", objectType, m.counter)))
	oid := git.ObjectID(hex.EncodeToString(sum[:]))
	m.objects[oid] = memoryObject{objectType: objectType, links: links}

	return oid
}

// AddCommit adds a commit with the given parents.
func (m *Memory) AddCommit(parents ...git.ObjectID) git.ObjectID {
	return m.add(ObjectTypeCommit, parents...)
}

// AddTag adds an annotated tag pointing at target.
func (m *Memory) AddTag(target git.ObjectID) git.ObjectID {
	return m.add(ObjectTypeTag, target)
}

// AddBlob adds a blob.
func (m *Memory) AddBlob() git.ObjectID {
	return m.add(ObjectTypeBlob)
}

// Remove deletes an object from the graph.
func (m *Memory) Remove(oid git.ObjectID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, oid)
}

func (m *Memory) lookup(oid git.ObjectID) (memoryObject, error) {
	object, ok := m.objects[oid]
	if !ok {
		return memoryObject{}, fmt.Errorf("%s: %w", oid, ErrObjectNotFound)
	}
	return object, nil
}

// ObjectType implements Graph.
func (m *Memory) ObjectType(_ context.Context, oid git.ObjectID) (ObjectType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	object, err := m.lookup(oid)
	if err != nil {
		return "", err
	}
	return object.objectType, nil
}

// IsAncestor implements Graph.
func (m *Memory) IsAncestor(_ context.Context, ancestor, descendant git.ObjectID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, err := m.lookup(ancestor); err != nil {
		return false, err
	}

	reachable, err := m.reachable([]git.ObjectID{descendant})
	if err != nil {
		return false, err
	}
	_, ok := reachable[ancestor]
	return ok, nil
}

// Peel implements Graph.
func (m *Memory) Peel(_ context.Context, oid git.ObjectID) (git.ObjectID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for {
		object, err := m.lookup(oid)
		if err != nil {
			return "", err
		}
		if object.objectType != ObjectTypeTag {
			return oid, nil
		}
		oid = object.links[0]
	}
}

// PackObjects implements Graph. The "pack" is the sorted list of object IDs, one per line.
func (m *Memory) PackObjects(_ context.Context, w io.Writer, include, exclude []git.ObjectID) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	included, err := m.reachable(include)
	if err != nil {
		return err
	}
	excluded, err := m.reachable(exclude)
	if err != nil {
		return err
	}

	var oids []string
	for oid := range included {
		if _, ok := excluded[oid]; !ok {
			oids = append(oids, oid.String())
		}
	}
	sort.Strings(oids)

	for _, oid := range oids {
		if _, err := fmt.Fprintln(w, oid); err != nil {
			return err
		}
	}

	return nil
}

// reachable must be called with the read lock held. Zero IDs are skipped.
func (m *Memory) reachable(tips []git.ObjectID) (map[git.ObjectID]struct{}, error) {
	seen := map[git.ObjectID]struct{}{}
	queue := make([]git.ObjectID, 0, len(tips))
	for _, tip := range tips {
		if !tip.IsZeroOID() {
			queue = append(queue, tip)
		}
	}

	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]
		if _, ok := seen[oid]; ok {
			continue
		}

		object, err := m.lookup(oid)
		if err != nil {
			return nil, err
		}
		seen[oid] = struct{}{}
		queue = append(queue, object.links...)
	}

	return seen, nil
}
