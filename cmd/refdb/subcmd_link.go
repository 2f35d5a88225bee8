package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/WANdisco/jgit-sub000/internal/git"
)

const linkCmdName = "link"

type linkSubcommand struct{}

func (s *linkSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(linkCmdName, flag.ExitOnError)
	fs.Usage = func() {
		printfErr("Usage of %s:\n", linkCmdName)
		printfErr("  %s <ref> <target-ref>\n", linkCmdName)
		printfErr("  points <ref> at <target-ref> as a symbolic reference\n")
	}
	return fs
}

func (s *linkSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, env environment) error {
	if err := requireArgs(flags, "ref", "target-ref"); err != nil {
		return err
	}

	repo, err := env.open()
	if err != nil {
		return err
	}

	name := git.ReferenceName(flags.Arg(0))
	u, err := repo.Refs().NewUpdate(name, true)
	if err != nil {
		return err
	}

	result, err := u.Link(ctx, env.user, git.ReferenceName(flags.Arg(1)))
	if err != nil {
		return err
	}

	fmt.Fprintf(env.stdout, "%s %s\n", name, result)
	return resultError(name, result)
}
