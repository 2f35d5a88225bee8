package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/WANdisco/jgit-sub000/internal/git"
)

const updateCmdName = "update"

type updateSubcommand struct {
	old     string
	force   bool
	message string
}

func (s *updateSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(updateCmdName, flag.ExitOnError)
	fs.StringVar(&s.old, "old", "", "expected current object ID of the reference")
	fs.BoolVar(&s.force, "force", false, "allow non-fast-forward updates")
	fs.StringVar(&s.message, "m", "", "reflog message")
	fs.Usage = func() {
		printfErr("Usage of %s:\n", updateCmdName)
		printfErr("  %s [flags] <ref> <new-object-id>\n", updateCmdName)
		fs.PrintDefaults()
	}
	return fs
}

func (s *updateSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, env environment) error {
	if err := requireArgs(flags, "ref", "new-object-id"); err != nil {
		return err
	}

	name := git.ReferenceName(flags.Arg(0))
	newID, err := parseObjectID(flags.Arg(1))
	if err != nil {
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

	u, err := repo.Refs().NewUpdate(name, false)
	if err != nil {
		return err
	}
	u.SetNewObjectID(newID)
	u.SetForceUpdate(s.force)
	if s.old != "" {
		u.SetExpectedOldObjectID(oldID)
	}
	if s.message != "" {
		u.SetRefLogMessage(s.message, true)
	}

	result, err := u.Update(ctx, env.user)
	if err != nil {
		return err
	}

	fmt.Fprintf(env.stdout, "%s %s\n", u.Name(), result)
	return resultError(u.Name(), result)
}
