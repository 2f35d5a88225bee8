package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/WANdisco/jgit-sub000/internal/git"
)

const packCmdName = "pack"

type packSubcommand struct{}

func (s *packSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(packCmdName, flag.ExitOnError)
	fs.Usage = func() {
		printfErr("Usage of %s:\n", packCmdName)
		printfErr("  %s [ref...]\n", packCmdName)
		printfErr("  moves the given loose references, or all of them, into packed-refs\n")
	}
	return fs
}

func (s *packSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, env environment) error {
	repo, err := env.open()
	if err != nil {
		return err
	}

	var names []git.ReferenceName
	if flags.NArg() > 0 {
		for _, arg := range flags.Args() {
			names = append(names, git.ReferenceName(arg))
		}
	} else {
		refs, err := repo.Refs().Refs()
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if !ref.IsSymbolic && storageOf(env.gitDir, ref) == "loose" {
				names = append(names, ref.Name)
			}
		}
	}

	if len(names) == 0 {
		fmt.Fprintln(env.stdout, "nothing to pack")
		return nil
	}

	if err := repo.Refs().Pack(ctx, names); err != nil {
		return err
	}

	fmt.Fprintf(env.stdout, "packed %d references\n", len(names))
	return nil
}
