package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/WANdisco/jgit-sub000/internal/git"
)

const renameCmdName = "rename"

type renameSubcommand struct{}

func (s *renameSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(renameCmdName, flag.ExitOnError)
	fs.Usage = func() {
		printfErr("Usage of %s:\n", renameCmdName)
		printfErr("  %s <from> <to>\n", renameCmdName)
	}
	return fs
}

func (s *renameSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, env environment) error {
	if err := requireArgs(flags, "from", "to"); err != nil {
		return err
	}

	repo, err := env.open()
	if err != nil {
		return err
	}

	from, to := git.ReferenceName(flags.Arg(0)), git.ReferenceName(flags.Arg(1))
	result, err := repo.Refs().Rename(ctx, env.user, from, to)
	if err != nil {
		return err
	}

	fmt.Fprintf(env.stdout, "%s -> %s %s\n", from, to, result)
	return resultError(from, result)
}
