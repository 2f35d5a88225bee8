package refdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/WANdisco/jgit-sub000/internal/git"
	"github.com/WANdisco/jgit-sub000/internal/safe"
)

// ErrRepositoryExists is returned by Init when gitDir already holds a HEAD.
var ErrRepositoryExists = errors.New("repository already exists")

// Init lays out an empty reference directory at gitDir with HEAD pointing at
// `refs/heads/master`.
func Init(gitDir string) error {
	head := filepath.Join(gitDir, git.HeadName.String())
	if _, err := os.Lstat(head); err == nil {
		return fmt.Errorf("%w: %s", ErrRepositoryExists, gitDir)
	} else if !os.IsNotExist(err) {
		return err
	}

	for _, dir := range []string{"refs/heads", "refs/tags", "logs", "objects/info", "objects/pack"} {
		if err := os.MkdirAll(filepath.Join(gitDir, filepath.FromSlash(dir)), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	content := symrefPrefix + git.HeadsPrefix + "master\n"
	if err := safe.WriteFile(head, []byte(content)); err != nil {
		return fmt.Errorf("writing HEAD: %w", err)
	}

	return nil
}
