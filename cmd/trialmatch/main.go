// Trialmatch is an autonomous clinical-trial matching agent.
//
// A language model plans each search itself: it calls tools to query
// ClinicalTrials.gov, screen eligibility, rank candidates and save the
// result, and the agent loop feeds every tool result back until the
// model answers or the iteration ceiling is reached. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	trialmatch serve                    Start the API server
//	trialmatch search <criteria.json>   Run one search and print the outcome
//	trialmatch init [dir]               Write an example config and criteria file
//	trialmatch version                  Print version and build information
//	trialmatch -o json search c.json    Print the full outcome as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/trialmatch/internal/activitylog"
	"github.com/nugget/trialmatch/internal/agent"
	"github.com/nugget/trialmatch/internal/api"
	"github.com/nugget/trialmatch/internal/buildinfo"
	"github.com/nugget/trialmatch/internal/config"
	"github.com/nugget/trialmatch/internal/events"
	"github.com/nugget/trialmatch/internal/health"
	"github.com/nugget/trialmatch/internal/llm"
	"github.com/nugget/trialmatch/internal/matching"
	"github.com/nugget/trialmatch/internal/metrics"
	"github.com/nugget/trialmatch/internal/mqtt"
	"github.com/nugget/trialmatch/internal/outcomes"
	"github.com/nugget/trialmatch/internal/tools"
	"github.com/nugget/trialmatch/internal/trials"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the trialmatch command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it stops a
//     search at its next iteration and shuts the server down.
//   - stdout and stderr receive all program output. Structured logs go
//     to stderr; command results go to stdout.
//   - args is os.Args[1:]. We parse these manually rather than using
//     the flag package to avoid global state that interferes with
//     parallel tests.
//
// run returns nil on success and a non-nil error for any failure,
// including a search that did not succeed.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stderr, configPath)
	case "search":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: trialmatch search <criteria.json>")
		}
		return runSearch(ctx, stdout, stderr, configPath, cmdArgs[0], outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Trialmatch - Autonomous Clinical Trial Matching Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: trialmatch [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                 Start the API server")
	fmt.Fprintln(w, "  search <criteria>     Run one search for a patient criteria JSON file (- for stdin)")
	fmt.Fprintln(w, "  init [dir]            Write example config and criteria files (default: .)")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runtime holds the components shared by serve and search.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	client   llm.Client
	trials   *trials.Client
	registry *tools.Registry
	emitter  *events.Emitter
	loop     *agent.Loop
	runLog   *activitylog.Writer
}

func (rt *runtime) Close() {
	if rt.runLog != nil {
		if err := rt.runLog.Close(); err != nil {
			rt.logger.Warn("closing run logs failed", "error", err)
		}
	}
}

// newRuntime builds the agent and its tools from cfg. The run log
// console echo, when enabled, goes to console.
func newRuntime(cfg *config.Config, logger *slog.Logger, console io.Writer) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	rt.trials = trials.NewClient(trials.Config{
		BaseURL:    cfg.Trials.BaseURL,
		Timeout:    cfg.Trials.Timeout,
		Retries:    cfg.Trials.Retries,
		RetryDelay: cfg.Trials.RetryDelay,
	}, logger)

	rt.registry = tools.NewRegistry()
	if err := matching.Register(rt.registry, matching.Deps{
		Trials: rt.trials,
		Saved:  matching.NewSavedSearches(),
		Logger: logger,
	}); err != nil {
		return nil, err
	}
	executor := tools.NewExecutor(rt.registry, logger, tools.WithMaxConcurrency(cfg.Agent.MaxConcurrency))

	rt.emitter = events.NewEmitter(logger)
	if cfg.Logging.Dir != "" {
		var opts []activitylog.Option
		if cfg.Logging.Console {
			opts = append(opts, activitylog.WithConsole(console))
		}
		w, err := activitylog.New(cfg.Logging.Dir, logger, opts...)
		if err != nil {
			return nil, err
		}
		rt.runLog = w
		rt.emitter.Add(w)
	}

	rt.client = createLLMClient(cfg, logger)
	rt.loop = agent.NewLoop(logger, rt.client, rt.registry, executor, rt.emitter, agent.Options{
		MaxIterations: cfg.Agent.MaxIterations,
		ParallelTools: cfg.Agent.ParallelTools,
		Model:         cfg.Models.Default,
		MaxTokens:     cfg.Agent.MaxTokens,
		Temperature:   cfg.Agent.Temperature,
	})
	return rt, nil
}

// runSearch handles "trialmatch search <criteria.json>". It runs one
// search in the foreground, archives the outcome, and prints it. A
// search that does not succeed is reported as an error after the
// outcome is printed.
func runSearch(ctx context.Context, stdout, stderr io.Writer, configPath, criteriaPath, outputFmt string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(cfg.Logging.NewHandler(stderr))
	logger.Info("config loaded", "path", cfgPath)

	criteria, err := readCriteria(criteriaPath)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg, logger, stderr)
	if err != nil {
		return err
	}
	defer rt.Close()

	rec := &events.Recorder{}
	rt.emitter.Add(rec)

	store, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	out := rt.loop.Run(ctx, criteria)
	if out.RunID != "" {
		if err := store.Save(context.WithoutCancel(ctx), out); err != nil {
			logger.Warn("failed to archive outcome", "run_id", out.RunID, "error", err)
		}
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		printOutcome(stdout, out, rec)
	}

	if !out.Success {
		return fmt.Errorf("search %s: %s", out.Status, out.Error)
	}
	return nil
}

// printOutcome writes a human-readable summary of a run.
func printOutcome(w io.Writer, out *agent.Outcome, rec *events.Recorder) {
	fmt.Fprintf(w, "Run:        %s\n", out.RunID)
	fmt.Fprintf(w, "Patient:    %s\n", out.PatientID)
	fmt.Fprintf(w, "Status:     %s\n", out.Status)
	fmt.Fprintf(w, "Iterations: %d\n", out.Iterations)
	fmt.Fprintf(w, "Tool calls: %d\n", rec.Count(events.KindToolCall))
	fmt.Fprintf(w, "Tokens:     %d in / %d out\n", out.InputTokens, out.OutputTokens)
	fmt.Fprintf(w, "Duration:   %s\n", out.Duration().Round(time.Millisecond))
	fmt.Fprintln(w)
	if out.Success {
		fmt.Fprintln(w, out.FinalResponse)
	}
}

// readCriteria parses a patient criteria JSON file, or stdin for "-".
func readCriteria(path string) (agent.PatientCriteria, error) {
	var c agent.PatientCriteria
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return c, fmt.Errorf("read criteria: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse criteria %s: %w", path, err)
	}
	return c, nil
}

// openArchive opens the outcome store in the data directory.
func openArchive(cfg *config.Config) (*outcomes.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := outcomes.Open(filepath.Join(cfg.DataDir, "outcomes.db"))
	if err != nil {
		return nil, fmt.Errorf("open outcome archive: %w", err)
	}
	return store, nil
}

// runServe handles "trialmatch serve". It wires the agent, archive,
// event stream, metrics and MQTT publisher into the API server and
// blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. In-flight searches stop at their next iteration boundary
//  3. The HTTP server drains, then the MQTT queue is flushed
//  4. The archive and run logs are closed via defers
func runServe(ctx context.Context, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(cfg.Logging.NewHandler(stderr))
	logger.Info("starting trialmatch", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"max_iterations", cfg.Agent.MaxIterations,
		"parallel_tools", cfg.Agent.ParallelTools,
	)

	rt, err := newRuntime(cfg, logger, stderr)
	if err != nil {
		return err
	}
	defer rt.Close()

	store, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.New()
	rt.emitter.Add(bus)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, rt.loop, logger)
	server.SetArchive(store)
	server.SetEventBus(bus)

	var obs *metrics.Observer
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		obs, err = metrics.New(reg)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		rt.emitter.Add(obs)
		server.SetMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		logger.Info("prometheus metrics enabled", "path", "/metrics")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	monitor := health.NewMonitor(logger, health.OnChange(func(r health.Report) {
		if obs != nil {
			obs.SetServiceUp(r.Service, r.Up)
		}
	}))
	defer monitor.Stop()
	for _, svc := range []struct {
		name  string
		probe health.Probe
	}{
		{"llm", rt.client.Ping},
		{"clinicaltrials", rt.trials.Ping},
	} {
		if err := monitor.Watch(ctx, svc.name, svc.probe); err != nil {
			return err
		}
	}
	server.SetHealthChecker(monitor)

	var mqttPub *mqtt.Publisher
	var mqttQueue *events.Async
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, logger)
		mqttQueue = events.NewAsync(mqttPub, 0, logger)
		rt.emitter.Add(mqttQueue)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed to start", "error", err)
			}
		}()
		logger.Info("mqtt activity publishing enabled", "broker", cfg.MQTT.Broker, "topic_base", cfg.MQTT.TopicBase)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	err = server.Start(ctx)

	if mqttQueue != nil {
		mqttQueue.Close()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := mqttPub.Stop(stopCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("trialmatch stopped")
	return nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds a multi-provider LLM client from the
// configuration. Each listed model is mapped to its provider. Models not
// listed go to Anthropic when it is configured and to Ollama otherwise.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollamaClient := llm.NewOllamaClient(cfg.Ollama.URL, logger)

	var fallback llm.Client = ollamaClient
	defaultProvider := "ollama"
	var anthropicClient *llm.AnthropicClient
	if cfg.Anthropic.Configured() {
		anthropicClient = llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, logger)
		fallback = anthropicClient
		defaultProvider = "anthropic"
		logger.Info("Anthropic provider configured")
	}

	multi := llm.NewMultiClient(fallback)
	multi.AddProvider("ollama", ollamaClient)
	if anthropicClient != nil {
		multi.AddProvider("anthropic", anthropicClient)
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
		if m.Name == cfg.Models.Default {
			defaultProvider = m.Provider
		}
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider)

	return multi
}
