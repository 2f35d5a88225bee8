package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"

	"github.com/WANdisco/jgit-sub000/internal/git"
)

const showCmdName = "show"

type showSubcommand struct{}

func (s *showSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(showCmdName, flag.ExitOnError)
	fs.Usage = func() {
		printfErr("Usage of %s:\n", showCmdName)
		printfErr("  lists all references with their target and where they are stored\n")
	}
	return fs
}

func (s *showSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, env environment) error {
	if err := requireArgs(flags); err != nil {
		return err
	}

	repo, err := env.open()
	if err != nil {
		return err
	}

	refs, err := repo.Refs().Refs()
	if err != nil {
		return err
	}

	if head, err := repo.Refs().Ref(git.HeadName); err == nil {
		refs = append([]git.Reference{head}, refs...)
	}

	table := env.table("REF", "TARGET", "STORAGE")
	for _, ref := range refs {
		table.Append([]string{ref.Name.String(), ref.Target, storageOf(env.gitDir, ref)})
	}
	table.Render()

	return nil
}

func storageOf(gitDir string, ref git.Reference) string {
	if ref.IsSymbolic {
		return "symbolic"
	}
	if _, err := os.Stat(filepath.Join(gitDir, filepath.FromSlash(ref.Name.String()))); err == nil {
		return "loose"
	}
	return "packed"
}
