// Command iore runs parallel file-system I/O benchmarks.
//
// Usage:
//
//	iore run -config <file> [-np N | -rank R -size N -coordinator host:port] [-experiment id]
//	iore history -db <dir> [-experiment id] [-format table|csv]
//	iore serve -db <dir> [-addr :8080]
//	iore version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/iore/iore/pkg/backend"
	"github.com/iore/iore/pkg/comm"
	"github.com/iore/iore/pkg/config"
	"github.com/iore/iore/pkg/control"
	"github.com/iore/iore/pkg/engine"
	"github.com/iore/iore/pkg/metrics"
	"github.com/iore/iore/pkg/report"
	"github.com/iore/iore/pkg/store"
	"github.com/iore/iore/pkg/task"
	"github.com/iore/iore/pkg/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "history":
		runHistory(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "version":
		fmt.Println("iore", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, "iore: parallel file-system I/O benchmark\n\n")
	fmt.Fprint(os.Stderr, "Usage:\n")
	fmt.Fprint(os.Stderr, "  iore <command> [flags]\n\n")
	fmt.Fprint(os.Stderr, "Commands:\n")
	fmt.Fprint(os.Stderr, "  run      Execute the runs of an experiment file\n")
	fmt.Fprint(os.Stderr, "  history  List archived results\n")
	fmt.Fprint(os.Stderr, "  serve    Collect results posted by the http telemetry sink\n")
	fmt.Fprint(os.Stderr, "  version  Print the version\n\n")
	fmt.Fprint(os.Stderr, "Use \"iore <command> -help\" for more information about a command.\n")
}

// runRun implements "iore run".
func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Experiment file (.yaml, .json or .toml)")
	np := fs.Int("np", 0, "Run N tasks in this process")
	rank := fs.Int("rank", -1, "Rank of this process in a TCP world")
	size := fs.Int("size", 0, "Number of processes in a TCP world")
	coordinator := fs.String("coordinator", "", "host:port of the hub hosted by rank 0")
	experimentID := fs.String("experiment", "", "Experiment id for archived results (default: random UUID)")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: iore run [flags]\n\n")
		fmt.Fprint(os.Stderr, "Without -np or -rank/-size the topology is read from IORE_RANK, IORE_SIZE and\n")
		fmt.Fprint(os.Stderr, "IORE_COORDINATOR, falling back to SLURM_PROCID and SLURM_NTASKS.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprint(os.Stderr, "\nExamples:\n")
		fmt.Fprint(os.Stderr, "  iore run -config bench.yaml -np 8\n")
		fmt.Fprint(os.Stderr, "  srun -n 64 iore run -config bench.yaml -coordinator node001:7070\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		fs.Usage()
		os.Exit(1)
	}

	exp, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: exp.Verbosity.Level()})))

	topo, err := resolveTopology(*np, *rank, *size, *coordinator, os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	id := *experimentID
	if id == "" {
		id = uuid.NewString()
	}
	if err := store.CheckExperimentID(id); err != nil {
		fmt.Fprintf(os.Stderr, "Error: -experiment: %v\n", err)
		os.Exit(1)
	}
	if err := execute(ctx, exp, topo, id); err != nil {
		slog.Error("experiment failed", "component", "main", "experiment", id, "error", err)
		cancel()
		os.Exit(1)
	}
}

// execute runs the experiment on this process's share of the population.
func execute(ctx context.Context, exp *config.Experiment, topo topology, id string) error {
	reg, err := newRegistry(exp)
	if err != nil {
		return err
	}
	defer reg.Close()

	// Only the process hosting world rank 0 reports.
	coordinator := topo.local || topo.rank == task.Coordinator
	var sinks []engine.Sink
	if coordinator {
		s, closeSinks, err := newSinks(exp, id)
		if err != nil {
			return err
		}
		defer closeSinks()
		sinks = s

		if exp.Metrics.MetricsEnabled() {
			stop := startMetrics(exp)
			defer close(stop)
		}
	}

	runTask := func(ctx context.Context, c comm.Comm) error {
		tc, err := task.New(ctx, c, nil)
		if err != nil {
			c.Abort(err)
			return err
		}
		e := &engine.Engine{Task: tc, Backends: reg, Verbosity: exp.Verbosity}
		if tc.IsCoordinator() {
			e.Sinks = sinks
		}
		return e.Execute(ctx, engine.NewRuns(exp))
	}

	if topo.local {
		slog.Info("starting in-process tasks", "component", "main", "tasks", topo.tasks, "experiment", id)
		return comm.RunLocal(ctx, topo.tasks, runTask)
	}
	return executeTCP(ctx, topo, runTask)
}

func executeTCP(ctx context.Context, topo topology, runTask func(context.Context, comm.Comm) error) error {
	hubErr := make(chan error, 1)
	if topo.rank == task.Coordinator {
		_, port, err := net.SplitHostPort(topo.coordinator)
		if err != nil {
			return fmt.Errorf("main: coordinator address %q: %w", topo.coordinator, err)
		}
		ln, err := net.Listen("tcp", net.JoinHostPort("", port))
		if err != nil {
			return fmt.Errorf("main: listen: %w", err)
		}
		hub := comm.NewHub(ln, topo.size)
		slog.Info("hub listening", "component", "main", "addr", hub.Addr().String(), "tasks", topo.size)
		go func() { hubErr <- hub.Serve(ctx) }()
	} else {
		close(hubErr)
	}

	c, err := comm.DialTCP(ctx, topo.coordinator, topo.rank, topo.size)
	if err != nil {
		return err
	}
	runErr := runTask(ctx, c)
	if err := c.Free(); err != nil {
		slog.Debug("closing hub connection", "component", "main", "error", err)
	}
	if err, ok := <-hubErr; ok && err != nil && runErr == nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("main: hub: %w", err)
	}
	return runErr
}

func newRegistry(exp *config.Experiment) (*backend.Registry, error) {
	reg := backend.NewRegistry()
	if err := reg.Register(backend.NewPosixBackend()); err != nil {
		return nil, err
	}
	if rc := exp.Rclone; rc != nil {
		params := make(map[string]string, len(rc.Config)+1)
		for k, v := range rc.Config {
			params[k] = v
		}
		b, err := backend.NewRcloneBackend("RCLONE", rc.Type, rc.Root, params)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(b); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// newSinks builds the coordinator's result sinks. The returned function
// closes whatever was opened.
func newSinks(exp *config.Experiment, id string) ([]engine.Sink, func(), error) {
	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Warn("closing sink", "component", "main", "error", err)
			}
		}
	}

	host := report.HostInfo()
	quiet := exp.Verbosity == config.Quiet
	if !quiet {
		host.Print(os.Stdout)
		fmt.Printf("Experiment: %s\n", id)
	}
	sinks := []engine.Sink{report.NewConsole(os.Stdout, !quiet)}

	if exp.Telemetry.Enabled {
		col, err := telemetry.NewCollector(exp.Telemetry)
		if err != nil {
			slog.Warn("telemetry collector failed to initialize", "component", "main", "error", err)
		} else {
			closers = append(closers, col.Close)
			sinks = append(sinks, telemetry.NewSink(col, id, host.Hostname))
			slog.Info("telemetry enabled", "component", "main", "sink", exp.Telemetry.Sink)
		}
	}

	if exp.ResultsDB != "" {
		st, err := store.Open(exp.ResultsDB)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, st.Close)
		sinks = append(sinks, st.NewSink(id, host.Hostname))
	}
	return sinks, closeAll, nil
}

func startMetrics(exp *config.Experiment) chan struct{} {
	seen := make(map[string]bool)
	for _, r := range exp.Runs {
		if r.API != "POSIX" {
			continue
		}
		dir := filepath.Dir(r.RootFileName)
		if !seen[dir] {
			seen[dir] = true
			metrics.RegisterHealthCheck("dir:"+dir, metrics.DirHealthCheck(dir))
		}
	}

	stop := make(chan struct{})
	go func() {
		if err := metrics.MetricsServer(exp.Metrics.Addr, stop); err != nil {
			slog.Error("metrics server error", "component", "main", "error", err)
		}
	}()
	slog.Info("metrics server started", "component", "main", "addr", exp.Metrics.Addr)
	return stop
}

// runHistory implements "iore history".
func runHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	dbPath := fs.String("db", "", "Results database directory (results_db)")
	experimentID := fs.String("experiment", "", "Only show this experiment")
	format := fs.String("format", "table", "Output format: table or csv")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -db is required")
		fs.Usage()
		os.Exit(1)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	recs, err := st.List(*experimentID)
	if err == nil {
		err = report.History(os.Stdout, recs, *format)
	}
	if err != nil {
		st.Close()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runServe implements "iore serve".
func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dbPath := fs.String("db", "", "Results database directory")
	addr := fs.String("addr", ":8080", "Listen address")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -db is required")
		fs.Usage()
		os.Exit(1)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := control.NewServer(*addr, st).Run(ctx); err != nil {
		slog.Error("results server failed", "component", "main", "error", err)
		st.Close()
		os.Exit(1)
	}
}
