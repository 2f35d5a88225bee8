package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/WANdisco/jgit-sub000/internal/git"
	"github.com/WANdisco/jgit-sub000/internal/refdb"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Coordinator implements refdb.Replicator on top of an Engine.
type Coordinator struct {
	engine  Engine
	helper  *Helper
	verbose bool

	requestsTotal *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHelper makes the coordinator derive requests with the out-of-process update helper
// instead of in-process.
func WithHelper(helper *Helper) Option {
	return func(c *Coordinator) {
		c.helper = helper
	}
}

// WithVerbose logs every request and response at info level.
func WithVerbose(verbose bool) Option {
	return func(c *Coordinator) {
		c.verbose = verbose
	}
}

// NewCoordinator creates a Coordinator submitting requests to engine.
func NewCoordinator(engine Engine, opts ...Option) *Coordinator {
	c := &Coordinator{
		engine: engine,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refdb_replication_requests_total",
				Help: "Total number of requests submitted to the replication engine",
			},
			[]string{"kind", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "refdb_replication_latency_seconds",
				Help:    "Round trip time of requests to the replication engine",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Describe implements prometheus.Collector.
func (c *Coordinator) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, descs)
}

// Collect implements prometheus.Collector.
func (c *Coordinator) Collect(metrics chan<- prometheus.Metric) {
	c.requestsTotal.Collect(metrics)
	c.latency.Collect(metrics)
}

func (c *Coordinator) log(ctx context.Context) logrus.FieldLogger {
	return ctxlogrus.Extract(ctx).WithField("component", "replication.Coordinator")
}

// observe records the outcome of a round trip of the given kind which started at start.
func (c *Coordinator) observe(kind string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.requestsTotal.WithLabelValues(kind, outcome).Inc()
	c.latency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

func (c *Coordinator) request(ctx context.Context, db *refdb.RefDirectory, user string, cmd *refdb.Command) (*UpdateRequest, error) {
	if c.helper != nil {
		return c.helper.Request(ctx, db.GitDir(), user, cmd)
	}
	return NewUpdateRequest(ctx, db.Graph(), db.Tombstones(), db.GitDir(), user, cmd)
}

// ReplicateUpdate implements refdb.Replicator.
func (c *Coordinator) ReplicateUpdate(ctx context.Context, db *refdb.RefDirectory, user refdb.Identity, cmd *refdb.Command) (refdb.Result, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "replication.Update",
		opentracing.Tag{Key: "ref", Value: cmd.Name.String()})
	defer span.Finish()

	req, err := c.request(ctx, db, UserID(user), cmd)
	if err != nil {
		return refdb.IOFailure, fmt.Errorf("building request: %w", err)
	}
	req.RequestID = newRequestID()

	logger := c.log(ctx).WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"ref":        req.RefName,
		"old":        req.OldRev,
		"new":        req.NewRev,
	})
	if c.verbose {
		logger.Info("submitting update")
	}

	start := time.Now()
	res, err := c.engine.Update(ctx, req)
	if err == nil && (res == nil || res.Result == refdb.NotAttempted) {
		err = ErrNoResult
	}
	c.observe("update", start, err)
	if err != nil {
		logger.WithError(err).WithField("request", req).Debug("update failed")
		span.SetTag("error", true)
		return refdb.IOFailure, fmt.Errorf("update %s: %w", req.RequestID, err)
	}

	if c.verbose {
		logger.WithField("result", res.Result).Info("update replicated")
	}

	if err := db.RefreshAndReload(); err != nil {
		return refdb.IOFailure, err
	}
	if cmd.Type == refdb.Delete && res.Result.IsSuccess() {
		recordTombstones(db, cmd)
	}

	return res.Result, nil
}

// ReplicateBatch implements refdb.Replicator.
func (c *Coordinator) ReplicateBatch(ctx context.Context, db *refdb.RefDirectory, user refdb.Identity, cmds []*refdb.Command) ([]refdb.Result, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "replication.Batch",
		opentracing.Tag{Key: "commands", Value: len(cmds)})
	defer span.Finish()

	userID := UserID(user)
	batch := &BatchRequest{
		RequestID: newRequestID(),
		UserID:    userID,
		GitDir:    db.GitDir(),
		Updates:   make([]*UpdateRequest, len(cmds)),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i, cmd := range cmds {
		i, cmd := i, cmd
		group.Go(func() error {
			req, err := c.request(groupCtx, db, userID, cmd)
			if err != nil {
				return err
			}
			batch.Updates[i] = req
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("building batch request: %w", err)
	}

	logger := c.log(ctx).WithFields(logrus.Fields{
		"request_id": batch.RequestID,
		"commands":   len(cmds),
	})
	if c.verbose {
		logger.Info("submitting batch")
	}

	start := time.Now()
	res, err := c.engine.Batch(ctx, batch)
	if err == nil && res == nil {
		err = ErrNoResult
	}
	c.observe("batch", start, err)
	if err != nil {
		logger.WithError(err).WithField("request", batch).Debug("batch failed")
		span.SetTag("error", true)
		return nil, fmt.Errorf("batch %s: %w", batch.RequestID, err)
	}

	results := make([]refdb.Result, len(res.Results))
	for i, r := range res.Results {
		results[i] = r.Result
	}
	if c.verbose {
		logger.WithField("results", results).Info("batch replicated")
	}

	if len(results) == len(cmds) {
		for i, cmd := range cmds {
			if cmd.Type == refdb.Delete && results[i].IsSuccess() {
				recordTombstones(db, cmd)
			}
		}
	}

	return results, nil
}

// SetHead implements refdb.Replicator.
func (c *Coordinator) SetHead(ctx context.Context, db *refdb.RefDirectory, target git.ReferenceName) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "replication.SetHead")
	defer span.Finish()

	start := time.Now()
	err := c.engine.SetHead(ctx, db.GitDir(), target)
	c.observe("set_head", start, err)
	if err != nil {
		return fmt.Errorf("setting HEAD to %s: %w", target, err)
	}

	if c.verbose {
		c.log(ctx).WithField("target", target).Info("HEAD replicated")
	}
	return nil
}

// Deploy creates the repository at repoPath through the engine.
func (c *Coordinator) Deploy(ctx context.Context, repoPath string, timeout time.Duration) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "replication.Deploy")
	defer span.Finish()

	start := time.Now()
	err := c.engine.Deploy(ctx, repoPath, timeout)
	c.observe("deploy", start, err)
	return err
}

func recordTombstones(db *refdb.RefDirectory, cmd *refdb.Command) {
	if tombstones := db.Tombstones(); tombstones != nil && !cmd.OldID.IsZeroOID() {
		tombstones.Add(cmd.OldID)
	}
}
