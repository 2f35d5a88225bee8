package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/WANdisco/jgit-sub000/internal/config"
	"github.com/WANdisco/jgit-sub000/internal/log"
	"github.com/WANdisco/jgit-sub000/internal/refdb"
	"github.com/WANdisco/jgit-sub000/internal/repository"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const progname = "refdb"

var (
	flagConfig     = flag.String("config", "", "Location for the config.toml")
	flagRepository = flag.String("repository", ".", "Path of the git directory to operate on")
	flagUser       = flag.String("user", "", `Identity recorded for changes, as "Name <email>"`)

	logger = log.Default()

	errMissingSubcommand = errors.New("a subcommand must be given")
)

func main() {
	flag.Usage = func() {
		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
		printfErr("  subcommand\n")
		printfErr("\tOne of %s\n", strings.Join(subcommandNames(), ", "))
	}
	flag.Parse()

	cfg, err := loadConfig(*flagConfig)
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	if err := log.Configure(log.Loggers, cfg.Logging.Format, cfg.Logging.Level); err != nil {
		printfErr("%s: %v\n", progname, err)
		os.Exit(1)
	}
	if closer := config.ConfigureTracing(progname); closer != nil {
		defer closer.Close()
	}

	args := flag.Args()
	if len(args) == 0 {
		printfErr("%s: %v\n", progname, errMissingSubcommand)
		flag.Usage()
		os.Exit(2)
	}

	env := environment{
		cfg:    cfg,
		gitDir: *flagRepository,
		user:   parseUser(*flagUser),
		stdin:  os.Stdin,
		stdout: os.Stdout,
		repoOpts: []repository.Option{
			repository.WithLogger(logger),
		},
	}
	if cfg.PrometheusListenAddr != "" {
		env.registry = prometheus.NewRegistry()
		go serveMetrics(cfg.PrometheusListenAddr, env.registry)
	}

	ctx, cancel := context.WithCancel(context.Background())
	code := subCommand(ctxlogrus.ToContext(ctx, logger), env, args[0], args[1:])
	cancel()
	os.Exit(code)
}

func loadConfig(path string) (config.Cfg, error) {
	var cfg config.Cfg
	var err error

	if path == "" {
		cfg, err = config.Load(strings.NewReader(""))
	} else {
		var f *os.File
		if f, err = os.Open(path); err != nil {
			return config.Cfg{}, err
		}
		defer f.Close()
		cfg, err = config.Load(f)
	}
	if err != nil {
		return config.Cfg{}, err
	}

	if err := cfg.Validate(); err != nil {
		return config.Cfg{}, err
	}
	return cfg, nil
}

func serveMetrics(addr string, registry *prometheus.Registry) {
	registry.MustRegister(prometheus.NewGoCollector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.Gatherers{registry, prometheus.DefaultGatherer}, promhttp.HandlerOpts{}))

	logger.WithField("address", addr).Info("starting prometheus listener")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.WithError(err).Error("prometheus listener failed")
	}
}

// parseUser splits `Name <email>`. A bare string is taken as the name.
func parseUser(user string) refdb.Identity {
	if user == "" {
		user = os.Getenv("USER")
	}
	if i := strings.LastIndex(user, " <"); i >= 0 && strings.HasSuffix(user, ">") {
		return refdb.Identity{Name: user[:i], Email: user[i+2 : len(user)-1]}
	}
	return refdb.Identity{Name: user}
}

func subcommandNames() []string {
	names := make([]string, 0, len(subcommands))
	for name := range subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func printfErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
}
