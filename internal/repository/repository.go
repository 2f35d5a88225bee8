// Package repository wires a reference database together with the collaborators it needs.
package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/WANdisco/jgit-sub000/internal/config"
	"github.com/WANdisco/jgit-sub000/internal/git/graph"
	"github.com/WANdisco/jgit-sub000/internal/refdb"
	"github.com/WANdisco/jgit-sub000/internal/replication"
	"github.com/WANdisco/jgit-sub000/internal/tombstone"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
)

// Repository is an opened repository.
type Repository struct {
	gitDir      string
	graph       graph.Graph
	refs        *refdb.RefDirectory
	coordinator *replication.Coordinator
}

type options struct {
	graph      graph.Graph
	engine     replication.Engine
	tombstones *tombstone.Cache
	logger     logrus.FieldLogger
}

// Option configures how a repository is opened.
type Option func(*options)

// WithGraph replaces the git executable as the object store collaborator.
func WithGraph(g graph.Graph) Option {
	return func(o *options) {
		o.graph = g
	}
}

// WithEngine replaces the HTTP replication engine client.
func WithEngine(engine replication.Engine) Option {
	return func(o *options) {
		o.engine = engine
	}
}

// WithTombstones shares a tombstone cache between repositories.
func WithTombstones(tombstones *tombstone.Cache) Option {
	return func(o *options) {
		o.tombstones = tombstones
	}
}

// WithLogger sets the logger of the HTTP engine client.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// engineFor returns the configured replication engine, or nil if replication is disabled or no
// engine is reachable.
func (o *options) engineFor(cfg config.Cfg) (replication.Engine, error) {
	if !cfg.Replication.Enabled {
		return nil, nil
	}
	if o.engine != nil {
		return o.engine, nil
	}

	engineURL := cfg.Replication.EngineURL()
	if engineURL == "" {
		return nil, nil
	}

	return replication.NewHTTPEngine(replication.HTTPConfig{
		URL:        engineURL,
		MaxRetries: cfg.Replication.MaxRetries,
		Logger:     o.logger,
	})
}

func newCoordinator(cfg config.Cfg, engine replication.Engine) *replication.Coordinator {
	opts := []replication.Option{replication.WithVerbose(cfg.Replication.Verbose)}
	if cfg.Replication.UseUpdateHelper {
		opts = append(opts, replication.WithHelper(replication.NewHelper(cfg.Replication.UpdateHelper)))
	}
	return replication.NewCoordinator(engine, opts...)
}

// Open opens the repository at gitDir.
func Open(cfg config.Cfg, gitDir string, opts ...Option) (*Repository, error) {
	o := newOptions(opts)

	if info, err := os.Stat(filepath.Join(gitDir, "HEAD")); err != nil || info.IsDir() {
		return nil, fmt.Errorf("not a repository: %s", gitDir)
	}

	g := o.graph
	if g == nil {
		g = graph.NewCLI(cfg.Git.BinPath, gitDir)
	}

	tombstones := o.tombstones
	if tombstones == nil {
		var err error
		if tombstones, err = tombstone.New(cfg.Tombstones.Capacity, tombstone.WithSeed(cfg.Tombstones.Seed)); err != nil {
			return nil, err
		}
	}

	refOpts := []refdb.Option{
		refdb.WithBare(cfg.Refs.Bare),
		refdb.WithAtomicTransactions(cfg.Refs.Atomic()),
		refdb.WithRetrySleep(cfg.Refs.Schedule()),
		refdb.WithTombstones(tombstones),
	}

	engine, err := o.engineFor(cfg)
	if err != nil {
		return nil, err
	}

	repo := &Repository{gitDir: gitDir, graph: g}
	if engine != nil {
		repo.coordinator = newCoordinator(cfg, engine)
		refOpts = append(refOpts, refdb.WithReplicator(repo.coordinator))
	}
	repo.refs = refdb.NewRefDirectory(gitDir, g, refOpts...)

	return repo, nil
}

// Create creates an empty repository at gitDir and opens it. Replicated repositories are
// deployed through the replication engine, falling back to a local repository when no engine
// is configured. An existing repository fails with replication.ErrRepositoryExists.
func Create(ctx context.Context, cfg config.Cfg, gitDir string, opts ...Option) (*Repository, error) {
	o := newOptions(opts)

	engine, err := o.engineFor(cfg)
	if err != nil {
		return nil, err
	}

	logger := ctxlogrus.Extract(ctx).WithField("repository", gitDir)
	if engine != nil {
		if err := newCoordinator(cfg, engine).Deploy(ctx, gitDir, cfg.Replication.DeployTimeout.Duration()); err != nil {
			return nil, fmt.Errorf("deploying repository: %w", err)
		}
		logger.Info("repository deployed")
	} else {
		if cfg.Replication.Enabled {
			logger.Warn("no replication engine configured, creating repository locally")
		}
		if err := refdb.Init(gitDir); err != nil {
			if errors.Is(err, refdb.ErrRepositoryExists) {
				return nil, fmt.Errorf("%w: %s", replication.ErrRepositoryExists, gitDir)
			}
			return nil, err
		}
	}

	return Open(cfg, gitDir, opts...)
}

// GitDir returns the path of the repository.
func (r *Repository) GitDir() string {
	return r.gitDir
}

// Graph returns the object store collaborator.
func (r *Repository) Graph() graph.Graph {
	return r.graph
}

// Refs returns the reference database.
func (r *Repository) Refs() *refdb.RefDirectory {
	return r.refs
}

// Coordinator returns the replication coordinator, or nil if the repository is not replicated.
func (r *Repository) Coordinator() *replication.Coordinator {
	return r.coordinator
}
