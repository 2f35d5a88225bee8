// Command rp-git-update derives the replication request of a single reference update. With -r
// the request is printed as JSON for the caller to submit, otherwise it is submitted to the
// configured replication engine and the engine's result is printed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/WANdisco/jgit-sub000/internal/config"
	"github.com/WANdisco/jgit-sub000/internal/git"
	"github.com/WANdisco/jgit-sub000/internal/git/graph"
	"github.com/WANdisco/jgit-sub000/internal/log"
	"github.com/WANdisco/jgit-sub000/internal/refdb"
	"github.com/WANdisco/jgit-sub000/internal/replication"
	"github.com/WANdisco/jgit-sub000/internal/tombstone"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
)

const progname = "rp-git-update"

var errNoEngine = errors.New("no replication engine configured")

// invocation carries everything a run depends on.
type invocation struct {
	gitDir     string
	user       string
	graph      graph.Graph
	tombstones *tombstone.Cache
	engine     replication.Engine
	stdout     io.Writer
}

func main() {
	logger, closer, err := log.NewHelperLogger(progname)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progname, err)
		os.Exit(1)
	}
	defer closer.Close()

	if tracer := config.ConfigureTracing(progname); tracer != nil {
		defer tracer.Close()
	}

	if err := runMain(logger, os.Args[1:]); err != nil {
		logger.WithError(err).Error("update helper failed")
		fmt.Fprintf(os.Stderr, "%s: %v\n", progname, err)
		closer.Close()
		os.Exit(1)
	}
}

func runMain(logger *logrus.Logger, args []string) error {
	cfg, err := config.Load(strings.NewReader(""))
	if err != nil {
		return err
	}

	gitDir := os.Getenv("GIT_DIR")
	if gitDir == "" {
		gitDir = "."
	}

	tombstones, err := tombstone.New(cfg.Tombstones.Capacity, tombstone.WithLogger(logger))
	if err != nil {
		return err
	}

	inv := invocation{
		gitDir:     gitDir,
		user:       os.Getenv(replication.EnvUser),
		graph:      graph.NewCLI(cfg.Git.BinPath, gitDir),
		tombstones: tombstones,
		stdout:     os.Stdout,
	}

	if engineURL := cfg.Replication.EngineURL(); engineURL != "" {
		engine, err := replication.NewHTTPEngine(replication.HTTPConfig{
			URL:        engineURL,
			MaxRetries: cfg.Replication.MaxRetries,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		inv.engine = engine
	}

	ctx := ctxlogrus.ToContext(context.Background(), logrus.NewEntry(logger))
	return run(ctx, inv, args)
}

func run(ctx context.Context, inv invocation, args []string) error {
	flags := flag.NewFlagSet(progname, flag.ContinueOnError)
	requestOnly := flags.Bool("r", false, "print the replication request instead of submitting it")
	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), "Usage: %s [-r] <ref> <old-object-id> <new-object-id>\n", progname)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 3 {
		flags.Usage()
		return fmt.Errorf("expected 3 arguments, got %d", flags.NArg())
	}

	name := git.ReferenceName(flags.Arg(0))
	if err := name.Validate(); err != nil {
		return err
	}
	oldID, err := git.NewObjectIDFromHex(flags.Arg(1))
	if err != nil {
		return fmt.Errorf("old object ID: %w", err)
	}
	newID, err := git.NewObjectIDFromHex(flags.Arg(2))
	if err != nil {
		return fmt.Errorf("new object ID: %w", err)
	}

	cmd := refdb.NewCommand(name, oldID, newID)
	if err := cmd.UpdateType(ctx, inv.graph); err != nil {
		return err
	}

	req, err := replication.NewUpdateRequest(ctx, inv.graph, inv.tombstones, inv.gitDir, inv.user, cmd)
	if err != nil {
		return err
	}

	if *requestOnly {
		return json.NewEncoder(inv.stdout).Encode(req)
	}

	if inv.engine == nil {
		return errNoEngine
	}

	result, err := inv.engine.Update(ctx, req)
	if err != nil {
		return err
	}
	if result == nil {
		return replication.ErrNoResult
	}

	ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
		"ref":    name,
		"result": result.Result,
	}).Info("update submitted")

	return json.NewEncoder(inv.stdout).Encode(result)
}
