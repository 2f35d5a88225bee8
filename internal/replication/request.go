// Package replication submits reference changes to the replication engine, which applies them
// on every node of a replicated repository.
package replication

import (
	"bytes"
	"context"
	"fmt"

	"github.com/WANdisco/jgit-sub000/internal/git"
	"github.com/WANdisco/jgit-sub000/internal/git/graph"
	"github.com/WANdisco/jgit-sub000/internal/refdb"
	"github.com/WANdisco/jgit-sub000/internal/tombstone"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
)

// UpdateRequest asks the engine to move a single reference.
type UpdateRequest struct {
	RequestID string `json:"requestId,omitempty"`
	RefName   string `json:"refName"`
	OldRev    string `json:"oldRev"`
	NewRev    string `json:"newRev"`
	UserID    string `json:"userid"`
	GitDir    string `json:"gitDir"`
	// Content holds the objects the receiving nodes need to apply the change.
	Content []byte `json:"content,omitempty"`
}

// BatchRequest asks the engine to apply a list of changes atomically.
type BatchRequest struct {
	RequestID string           `json:"requestId,omitempty"`
	UserID    string           `json:"userid"`
	GitDir    string           `json:"gitDir"`
	Updates   []*UpdateRequest `json:"updates"`
}

// UpdateResult is the engine's decision about a single change.
type UpdateResult struct {
	Result  refdb.Result `json:"result"`
	Message string       `json:"message,omitempty"`
}

// BatchResult holds one result per change of a batch, in request order.
type BatchResult struct {
	Results []UpdateResult `json:"results"`
}

func newRequestID() string {
	return uuid.New().String()
}

// UserID is the form of user handed to the engine and the update helper.
func UserID(user refdb.Identity) string {
	return user.String()
}

// NewUpdateRequest derives the request for cmd, including the objects reachable from the new
// value but not from the old one. An old value which has been deleted by this process is not
// excluded from the content because the receiving nodes may have dropped it as well.
func NewUpdateRequest(ctx context.Context, g graph.Graph, tombstones *tombstone.Cache, gitDir string, user string, cmd *refdb.Command) (*UpdateRequest, error) {
	req := &UpdateRequest{
		RefName: cmd.Name.String(),
		OldRev:  cmd.OldID.OrZero().String(),
		NewRev:  cmd.NewID.OrZero().String(),
		UserID:  user,
		GitDir:  gitDir,
	}

	if cmd.NewID.IsZeroOID() {
		return req, nil
	}

	var exclude []git.ObjectID
	if !cmd.OldID.IsZeroOID() {
		if tombstones != nil && tombstones.ContainsPeek(cmd.OldID) {
			ctxlogrus.Extract(ctx).WithField("object", cmd.OldID).Debug("not excluding deleted object from content")
		} else {
			exclude = append(exclude, cmd.OldID)
		}
	}
	if tombstones != nil && tombstones.ContainsUpdateLastAccessed(cmd.NewID) {
		ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
			"ref":    cmd.Name,
			"object": cmd.NewID,
		}).Info("recreating reference to deleted object")
	}

	var content bytes.Buffer
	if err := g.PackObjects(ctx, &content, []git.ObjectID{cmd.NewID}, exclude); err != nil {
		return nil, fmt.Errorf("packing objects for %s: %w", cmd.Name, err)
	}
	req.Content = content.Bytes()

	return req, nil
}
