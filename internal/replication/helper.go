package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/WANdisco/jgit-sub000/internal/command"
	"github.com/WANdisco/jgit-sub000/internal/refdb"
)

const (
	// EnvUser names the environment variable the helper reads the requesting user from.
	EnvUser = "ACP_USER"
	// DefaultHelper is the name of the update helper binary.
	DefaultHelper = "rp-git-update"
)

// HelperError is returned when the update helper exits unsuccessfully.
type HelperError struct {
	ExitCode int
	Output   string
}

func (e HelperError) Error() string {
	return fmt.Sprintf("update helper exited with code %d: %s", e.ExitCode, e.Output)
}

// Helper derives update requests by running the update helper in the repository.
type Helper struct {
	path string
}

// NewHelper returns a Helper running the binary at path.
func NewHelper(path string) *Helper {
	if path == "" {
		path = DefaultHelper
	}
	return &Helper{path: path}
}

// Request runs `<helper> -r <ref> <old> <new>` in gitDir and decodes the request it prints.
func (h *Helper) Request(ctx context.Context, gitDir, user string, cmd *refdb.Command) (*UpdateRequest, error) {
	c := exec.Command(h.path, "-r", cmd.Name.String(), cmd.OldID.OrZero().String(), cmd.NewID.OrZero().String())
	c.Dir = gitDir

	var stdout bytes.Buffer
	proc, err := command.New(ctx, c, nil, &stdout, nil, "GIT_DIR=.", EnvUser+"="+user)
	if err != nil {
		return nil, fmt.Errorf("starting update helper: %w", err)
	}

	if err := proc.Wait(); err != nil {
		exitCode := -1
		if status, ok := command.ExitStatus(err); ok {
			exitCode = status
		}
		return nil, HelperError{ExitCode: exitCode, Output: stdout.String() + proc.Stderr()}
	}

	var req UpdateRequest
	if err := json.Unmarshal(stdout.Bytes(), &req); err != nil {
		return nil, fmt.Errorf("decoding update helper output: %w", err)
	}
	req.GitDir = gitDir

	return &req, nil
}
