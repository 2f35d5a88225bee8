package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/WANdisco/jgit-sub000/internal/config"
	"github.com/WANdisco/jgit-sub000/internal/git"
	"github.com/WANdisco/jgit-sub000/internal/refdb"
	"github.com/WANdisco/jgit-sub000/internal/repository"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
)

// environment is what every subcommand operates on.
type environment struct {
	cfg      config.Cfg
	gitDir   string
	user     refdb.Identity
	stdin    io.Reader
	stdout   io.Writer
	repoOpts []repository.Option
	// registry receives the collectors of the opened repository if metrics are served.
	registry *prometheus.Registry
}

func (env environment) open() (*repository.Repository, error) {
	repo, err := repository.Open(env.cfg, env.gitDir, env.repoOpts...)
	if err != nil {
		return nil, err
	}
	env.register(repo)
	return repo, nil
}

func (env environment) register(repo *repository.Repository) {
	if env.registry != nil && repo.Coordinator() != nil {
		env.registry.MustRegister(repo.Coordinator())
	}
}

func (env environment) table(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(env.stdout)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	return table
}

type subcmd interface {
	FlagSet() *flag.FlagSet
	Exec(ctx context.Context, flags *flag.FlagSet, env environment) error
}

var subcommands = map[string]subcmd{
	showCmdName:   &showSubcommand{},
	updateCmdName: &updateSubcommand{},
	deleteCmdName: &deleteSubcommand{},
	batchCmdName:  &batchSubcommand{},
	linkCmdName:   &linkSubcommand{},
	renameCmdName: &renameSubcommand{},
	packCmdName:   &packSubcommand{},
	reflogCmdName: &reflogSubcommand{},
	createCmdName: &createSubcommand{},
}

// subCommand returns an exit code, to be fed into os.Exit.
func subCommand(ctx context.Context, env environment, arg0 string, argRest []string) int {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-interrupt:
			cancel()
		case <-ctx.Done():
		}
	}()

	subcmd, ok := subcommands[arg0]
	if !ok {
		printfErr("%s: unknown subcommand: %q\n", progname, arg0)
		return 1
	}

	flags := subcmd.FlagSet()
	if err := flags.Parse(argRest); err != nil {
		printfErr("%s\n", err)
		return 1
	}

	if err := subcmd.Exec(ctx, flags, env); err != nil {
		printfErr("%s\n", err)
		return 1
	}

	return 0
}

// requireArgs checks the number of positional arguments.
func requireArgs(flags *flag.FlagSet, names ...string) error {
	if flags.NArg() != len(names) {
		return fmt.Errorf("%s expects %d positional arguments: %v", flags.Name(), len(names), names)
	}
	return nil
}

func parseObjectID(value string) (git.ObjectID, error) {
	if value == "" {
		return "", nil
	}
	return git.NewObjectIDFromHex(value)
}

// resultError turns an unsuccessful result into an error so that the exit code reflects it.
func resultError(name git.ReferenceName, result refdb.Result) error {
	if result.IsSuccess() {
		return nil
	}
	return fmt.Errorf("%s: %s", name, result)
}
