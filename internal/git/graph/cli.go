package graph

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/WANdisco/jgit-sub000/internal/command"
	"github.com/WANdisco/jgit-sub000/internal/git"
)

// CLI is a Graph backed by the git executable operating on a single repository.
type CLI struct {
	gitBinary string
	gitDir    string
}

// NewCLI returns a Graph which runs gitBinary against the repository at gitDir.
func NewCLI(gitBinary, gitDir string) *CLI {
	if gitBinary == "" {
		gitBinary = "git"
	}
	return &CLI{gitBinary: gitBinary, gitDir: gitDir}
}

func (c *CLI) run(ctx context.Context, stdin io.Reader, stdout io.Writer, args ...string) (*command.Command, error) {
	cmd := exec.Command(c.gitBinary, append([]string{"--git-dir", c.gitDir}, args...)...)
	return command.New(ctx, cmd, stdin, stdout, nil)
}

// ObjectType implements Graph using `git cat-file --batch-check`.
func (c *CLI) ObjectType(ctx context.Context, oid git.ObjectID) (ObjectType, error) {
	var stdout bytes.Buffer
	cmd, err := c.run(ctx, strings.NewReader(oid.String()+"\n"), &stdout, "cat-file", "--batch-check")
	if err != nil {
		return "", err
	}
	if err := cmd.Wait(); err != nil {
		return "", fmt.Errorf("cat-file: %w, stderr: %q", err, cmd.Stderr())
	}

	info, err := parseObjectInfo(bufio.NewReader(&stdout))
	if err != nil {
		return "", fmt.Errorf("%s: %w", oid, err)
	}

	return info, nil
}

// parseObjectInfo parses a `<oid> <type> <size>` or `<oid> missing` line.
func parseObjectInfo(stdout *bufio.Reader) (ObjectType, error) {
	infoLine, err := stdout.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read info line: %w", err)
	}

	infoLine = strings.TrimSuffix(infoLine, "\n")
	if strings.HasSuffix(infoLine, " missing") {
		return "", ErrObjectNotFound
	}

	info := strings.Split(infoLine, " ")
	if len(info) != 3 {
		return "", fmt.Errorf("invalid info line: %q", infoLine)
	}

	return ObjectType(info[1]), nil
}

// IsAncestor implements Graph using `git merge-base --is-ancestor`.
func (c *CLI) IsAncestor(ctx context.Context, ancestor, descendant git.ObjectID) (bool, error) {
	cmd, err := c.run(ctx, nil, io.Discard, "merge-base", "--is-ancestor", ancestor.String(), descendant.String())
	if err != nil {
		return false, err
	}

	err = cmd.Wait()
	if err == nil {
		return true, nil
	}
	if status, ok := command.ExitStatus(err); ok && status == 1 {
		return false, nil
	}

	return false, fmt.Errorf("merge-base: %w, stderr: %q", err, cmd.Stderr())
}

// Peel implements Graph using `git rev-parse <oid>^{}`.
func (c *CLI) Peel(ctx context.Context, oid git.ObjectID) (git.ObjectID, error) {
	var stdout bytes.Buffer
	cmd, err := c.run(ctx, nil, &stdout, "rev-parse", "--verify", "--quiet", oid.String()+"^{}")
	if err != nil {
		return "", err
	}
	if err := cmd.Wait(); err != nil {
		if status, ok := command.ExitStatus(err); ok && status == 1 {
			return "", fmt.Errorf("%s: %w", oid, ErrObjectNotFound)
		}
		return "", fmt.Errorf("rev-parse: %w, stderr: %q", err, cmd.Stderr())
	}

	return git.NewObjectIDFromHex(strings.TrimSpace(stdout.String()))
}

// PackObjects implements Graph using `git pack-objects --stdout --revs`.
func (c *CLI) PackObjects(ctx context.Context, w io.Writer, include, exclude []git.ObjectID) error {
	var revs strings.Builder
	for _, oid := range include {
		if !oid.IsZeroOID() {
			revs.WriteString(oid.String() + "\n")
		}
	}
	for _, oid := range exclude {
		if !oid.IsZeroOID() {
			revs.WriteString("^" + oid.String() + "\n")
		}
	}

	cmd, err := c.run(ctx, strings.NewReader(revs.String()), w, "pack-objects", "--stdout", "--revs", "--quiet")
	if err != nil {
		return err
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("pack-objects: %w, stderr: %q", err, cmd.Stderr())
	}

	return nil
}
