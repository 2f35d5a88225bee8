package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/WANdisco/jgit-sub000/internal/repository"
)

const createCmdName = "create"

type createSubcommand struct{}

func (s *createSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(createCmdName, flag.ExitOnError)
	fs.Usage = func() {
		printfErr("Usage of %s:\n", createCmdName)
		printfErr("  creates an empty repository at the -repository path, deploying it through the replication engine if one is configured\n")
	}
	return fs
}

func (s *createSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, env environment) error {
	if err := requireArgs(flags); err != nil {
		return err
	}

	repo, err := repository.Create(ctx, env.cfg, env.gitDir, env.repoOpts...)
	if err != nil {
		return err
	}
	env.register(repo)

	fmt.Fprintf(env.stdout, "created repository %s\n", repo.GitDir())
	return nil
}
