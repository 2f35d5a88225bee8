package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/WANdisco/jgit-sub000/internal/git"
)

const deleteCmdName = "delete"

type deleteSubcommand struct {
	old string
}

func (s *deleteSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(deleteCmdName, flag.ExitOnError)
	fs.StringVar(&s.old, "old", "", "expected current object ID of the reference")
	fs.Usage = func() {
		printfErr("Usage of %s:\n", deleteCmdName)
		printfErr("  %s [flags] <ref>\n", deleteCmdName)
		fs.PrintDefaults()
	}
	return fs
}

func (s *deleteSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, env environment) error {
	if err := requireArgs(flags, "ref"); err != nil {
		return err
	}

	oldID, err := parseObjectID(s.old)
	if err != nil {
		return err
	}

	repo, err := env.open()
	if err != nil {
		return err
	}

	u, err := repo.Refs().NewUpdate(git.ReferenceName(flags.Arg(0)), false)
	if err != nil {
		return err
	}
	u.SetForceUpdate(true)
	if s.old != "" {
		u.SetExpectedOldObjectID(oldID)
	}

	result, err := u.Delete(ctx, env.user)
	if err != nil {
		return err
	}

	fmt.Fprintf(env.stdout, "%s %s\n", u.Name(), result)
	return resultError(u.Name(), result)
}
