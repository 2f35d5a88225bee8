// Package graph provides the commit-graph collaborator of the reference database: the small set
// of object store queries a reference update needs.
package graph

import (
	"context"
	"errors"
	"io"

	"github.com/WANdisco/jgit-sub000/internal/git"
)

// ObjectType is the type of a git object.
type ObjectType string

const (
	// ObjectTypeCommit is the type of commits.
	ObjectTypeCommit = ObjectType("commit")
	// ObjectTypeTag is the type of annotated tags.
	ObjectTypeTag = ObjectType("tag")
	// ObjectTypeTree is the type of trees.
	ObjectTypeTree = ObjectType("tree")
	// ObjectTypeBlob is the type of blobs.
	ObjectTypeBlob = ObjectType("blob")
)

// ErrObjectNotFound is returned when an object does not exist in the object store.
var ErrObjectNotFound = errors.New("object not found")

// Graph answers the questions a reference update asks the object store.
type Graph interface {
	// ObjectType returns the type of the object. It returns ErrObjectNotFound if the object
	// does not exist.
	ObjectType(ctx context.Context, oid git.ObjectID) (ObjectType, error)
	// IsAncestor returns true if ancestor is reachable from descendant. An object is its own
	// ancestor.
	IsAncestor(ctx context.Context, ancestor, descendant git.ObjectID) (bool, error)
	// Peel follows annotated tags until a non-tag object is reached. Peeling a non-tag object
	// returns the object itself.
	Peel(ctx context.Context, oid git.ObjectID) (git.ObjectID, error)
	// PackObjects writes the objects reachable from include but not from exclude to w. It is
	// the content shipped along with a replicated update.
	PackObjects(ctx context.Context, w io.Writer, include, exclude []git.ObjectID) error
}

// Exists returns whether the object exists in the graph.
func Exists(ctx context.Context, g Graph, oid git.ObjectID) (bool, error) {
	if oid.IsZeroOID() {
		return false, nil
	}

	if _, err := g.ObjectType(ctx, oid); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// IsMergedInto returns whether a reference moving from oldID to newID is a fast-forward. Both
// objects are peeled first. A move away from a non-commit object is never a fast-forward.
func IsMergedInto(ctx context.Context, g Graph, oldID, newID git.ObjectID) (bool, error) {
	oldPeeled, err := g.Peel(ctx, oldID)
	if err != nil {
		return false, err
	}
	newPeeled, err := g.Peel(ctx, newID)
	if err != nil {
		return false, err
	}

	oldType, err := g.ObjectType(ctx, oldPeeled)
	if err != nil {
		return false, err
	}
	newType, err := g.ObjectType(ctx, newPeeled)
	if err != nil {
		return false, err
	}
	if oldType != ObjectTypeCommit || newType != ObjectTypeCommit {
		return false, nil
	}

	return g.IsAncestor(ctx, oldPeeled, newPeeled)
}
