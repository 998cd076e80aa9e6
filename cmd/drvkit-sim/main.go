// Command drvkit-sim runs the driver manager against simulated buses.
//
// A scenario file describes the buses and devices, the modules and the
// fault behaviour of their drivers, and optionally a list of steps to play.
// Without -interactive the steps are played and the command exits; with it
// a console accepts the same actions from the keyboard.
//
// Usage:
//
//	drvkit-sim -scenario <file> [flags]
//
// Flags:
//
//	-scenario string      Scenario file (required)
//	-config string        Configuration file path
//	-log-level string     Log level: debug, info, warn, error
//	-trace string         Write the CBOR trace to this file
//	-state string         Persist state in a badger database at this path
//	-metrics-addr string  Serve Prometheus metrics on this address
//	-nats-url string      Publish events to this NATS server
//	-otel                 Print OpenTelemetry spans to stdout
//	-interactive          Start the console instead of playing the steps
//
// Examples:
//
//	# Play the keyboard scenario
//	drvkit-sim -scenario scenarios/keyboard.yaml
//
//	# Explore by hand with metrics exposed
//	drvkit-sim -scenario scenarios/keyboard.yaml -interactive -metrics-addr :9464
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/drvkit/drvkit-go/cmd/drvkit-sim/interactive"
	"github.com/drvkit/drvkit-go/pkg/backoff"
	"github.com/drvkit/drvkit-go/pkg/config"
	"github.com/drvkit/drvkit-go/pkg/core"
	"github.com/drvkit/drvkit-go/pkg/metrics"
	"github.com/drvkit/drvkit-go/pkg/natsbridge"
	"github.com/drvkit/drvkit-go/pkg/simbus"
)

// Flags holds the command line.
type Flags struct {
	Scenario    string
	ConfigFile  string
	LogLevel    string
	TraceFile   string
	StatePath   string
	MetricsAddr string
	NATSURL     string
	OTel        bool
	Interactive bool
}

var flags Flags

func init() {
	flag.StringVar(&flags.Scenario, "scenario", "", "Scenario file (required)")
	flag.StringVar(&flags.ConfigFile, "config", "", "Configuration file path")
	flag.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.StringVar(&flags.TraceFile, "trace", "", "Write the CBOR trace to this file")
	flag.StringVar(&flags.StatePath, "state", "", "Persist state in a badger database at this path")
	flag.StringVar(&flags.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flag.StringVar(&flags.NATSURL, "nats-url", "", "Publish events to this NATS server")
	flag.BoolVar(&flags.OTel, "otel", false, "Print OpenTelemetry spans to stdout")
	flag.BoolVar(&flags.Interactive, "interactive", false, "Start the console instead of playing the steps")
}

func main() {
	flag.Parse()
	if flags.Scenario == "" {
		fmt.Fprintln(os.Stderr, "drvkit-sim: -scenario is required")
		flag.Usage()
		os.Exit(2)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "drvkit-sim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	out := &switchWriter{w: os.Stderr}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))

	sc, err := simbus.LoadScenario(flags.Scenario)
	if err != nil {
		return err
	}
	sim, err := simbus.Build(sc)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := append(sim.Options(), core.WithLogger(logger))

	if flags.OTel {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		opts = append(opts, core.WithTracerProvider(tp))
	}

	if flags.MetricsAddr != "" {
		collector := metrics.New(cfg.Metrics.Namespace)
		opts = append(opts, core.WithMetrics(collector))
		srv := serveMetrics(flags.MetricsAddr, collector, logger)
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if flags.NATSURL != "" {
		nc, err := natsbridge.Connect(ctx, flags.NATSURL, "drvkit-sim", backoff.Config{}, logger.With("component", "nats"))
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer nc.Close()
		opts = append(opts, core.WithPublisher(nc))
	}

	m, err := core.Initialize(cfg, opts...)
	if err != nil {
		return err
	}
	if err := sim.Register(m); err != nil {
		_ = m.Shutdown(context.Background())
		return err
	}
	if err := m.RestoreModules(ctx); err != nil {
		logger.Warn("module restore incomplete", "error", err)
	}

	logger.Info("simulation ready", "scenario", sim.Name, "session", m.SessionID(), "steps", len(sim.Steps))

	var wg sync.WaitGroup
	runCtx, stop := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Run(runCtx); err != nil {
			logger.Error("manager stopped", "error", err)
		}
	}()

	var runErr error
	if flags.Interactive {
		console, err := interactive.New(m, sim)
		if err != nil {
			runErr = err
		} else {
			out.Set(console.Stdout())
			console.Run(runCtx, stop)
			out.Set(os.Stderr)
		}
	} else {
		runErr = play(runCtx, sim, m, logger)
	}

	stop()
	wg.Wait()

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := m.Shutdown(sctx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return runErr
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if flags.ConfigFile != "" {
		c, err := config.Load(flags.ConfigFile)
		if err != nil {
			return config.Config{}, err
		}
		cfg = c
	}
	if flags.LogLevel != "" {
		cfg.LogLevel = flags.LogLevel
	}
	if flags.TraceFile != "" {
		cfg.Trace.File = flags.TraceFile
	}
	if flags.StatePath != "" {
		cfg.State.Backend = "badger"
		cfg.State.Path = flags.StatePath
	}
	if flags.NATSURL != "" {
		cfg.NATS.URL = flags.NATSURL
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func play(ctx context.Context, sim *simbus.Sim, m *core.Manager, logger *slog.Logger) error {
	results, err := sim.Run(ctx, m, logger)
	for i, r := range results {
		status := "ok"
		if r.Err != nil {
			status = "FAILED"
		} else if r.Step.ExpectError {
			status = "failed as expected"
		}
		fmt.Printf("%3d  %-30s %-20s %s\n", i, r.Step, status, r.Output)
	}

	fmt.Println()
	for _, d := range m.Devices() {
		fmt.Printf("  %-24s %-12s %s\n", d.ID, d.State, d.DriverID)
	}
	if leaks := m.Leaks(); len(leaks) > 0 {
		fmt.Printf("\n%d resource leaks suspected\n", len(leaks))
	}
	return err
}

func serveMetrics(addr string, c *metrics.Collector, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}

// switchWriter lets the console take over log output once readline owns
// the terminal.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *switchWriter) Set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}
