package main

import (
	"context"
	"flag"
	"time"

	"github.com/WANdisco/jgit-sub000/internal/git"
)

const reflogCmdName = "reflog"

type reflogSubcommand struct{}

func (s *reflogSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(reflogCmdName, flag.ExitOnError)
	fs.Usage = func() {
		printfErr("Usage of %s:\n", reflogCmdName)
		printfErr("  %s <ref>\n", reflogCmdName)
	}
	return fs
}

func (s *reflogSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, env environment) error {
	if err := requireArgs(flags, "ref"); err != nil {
		return err
	}

	repo, err := env.open()
	if err != nil {
		return err
	}

	entries, err := repo.Refs().ReadReflog(git.ReferenceName(flags.Arg(0)))
	if err != nil {
		return err
	}

	table := env.table("OLD", "NEW", "WHO", "WHEN", "MESSAGE")
	for _, entry := range entries {
		table.Append([]string{
			entry.Old.Short(),
			entry.New.Short(),
			entry.Who,
			entry.When.Format(time.RFC3339),
			entry.Message,
		})
	}
	table.Render()

	return nil
}
