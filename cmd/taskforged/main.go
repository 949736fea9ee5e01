// Taskforged drives development work-items from assignment to merged-ready
// pull request: interpret requirements, analyze the repository, generate
// changes, run tests, open a PR.
//
// Configuration is loaded from a YAML file plus TASKFORGE_* environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	taskforged
//
//	# Explicit config file
//	taskforged --config /etc/taskforge/config.yaml
//
//	# Configure via environment
//	TASKFORGE_SERVER_PORT=9000 TASKFORGE_LLM_API_KEY=... taskforged
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/harrowlabs/taskforge/internal/capability"
	"github.com/harrowlabs/taskforge/internal/capability/analyze"
	"github.com/harrowlabs/taskforge/internal/capability/generate"
	"github.com/harrowlabs/taskforge/internal/capability/interpret"
	"github.com/harrowlabs/taskforge/internal/capability/openpr"
	"github.com/harrowlabs/taskforge/internal/capability/testexec"
	"github.com/harrowlabs/taskforge/internal/config"
	"github.com/harrowlabs/taskforge/internal/gitrepo"
	"github.com/harrowlabs/taskforge/internal/httpapi"
	"github.com/harrowlabs/taskforge/internal/logging"
	"github.com/harrowlabs/taskforge/internal/metrics"
	"github.com/harrowlabs/taskforge/internal/orchestrator"
	"github.com/harrowlabs/taskforge/internal/pipeline"
	"github.com/harrowlabs/taskforge/internal/retry"
	"github.com/harrowlabs/taskforge/internal/store"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  taskforged           Start the taskforge daemon\n")
			fmt.Fprintf(os.Stderr, "  taskforged version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("taskforged by Harrow Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the full daemon and blocks until ctx is cancelled: config,
// logger, git workspace, capabilities, pipeline, orchestrator, HTTP API.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	logger.Info("taskforged starting",
		zap.String("version", version),
		zap.String("commit", gitCommit),
		zap.Int("workers", cfg.Orchestrator.Workers),
	)

	git, err := gitrepo.NewHandler(cfg.Workspace.Dir, cfg.GitHub.Token.Value(), logger.Named("gitrepo"))
	if err != nil {
		return fmt.Errorf("initialize workspace: %w", err)
	}

	registry, err := buildRegistry(cfg, git, logger)
	if err != nil {
		return fmt.Errorf("register capabilities: %w", err)
	}

	def, err := buildPipeline(cfg.Stages)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	executor, err := pipeline.NewExecutor(def, registry, logger.Named("pipeline"))
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}

	policy := retry.NewPolicy(cfg.Retry.BaseBackoff.Duration(), cfg.Retry.MaxBackoff.Duration())

	st := store.New()
	sinks := store.MultiSink{st, store.NewLogSink(logger.Named("transitions"))}

	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer nc.Close()
		sinks = append(sinks, store.NewNATSPublisher(nc, cfg.NATS.Subject, logger.Named("nats")))
		logger.Info("transition publishing enabled",
			zap.String("url", cfg.NATS.URL),
			zap.String("subject", cfg.NATS.Subject),
		)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.New(promReg)

	orch, err := orchestrator.New(
		orchestrator.Config{Workers: cfg.Orchestrator.Workers},
		def, executor, policy, sinks, st, met, logger.Named("orchestrator"),
	)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	server, err := httpapi.NewServer(orch, st, promReg, logger.Named("http"), &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("build http server: %w", err)
	}

	orchDone := make(chan struct{})
	go func() {
		defer close(orchDone)
		_ = orch.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	<-orchDone

	return nil
}

// buildRegistry constructs every capability with its classifier.
func buildRegistry(cfg *config.Config, git *gitrepo.Handler, logger *zap.Logger) (*capability.Registry, error) {
	llmClient, err := generate.NewHTTPClient(cfg.LLM.APIKey.Value(), cfg.LLM.BaseURL, cfg.LLM.Model)
	if err != nil {
		return nil, fmt.Errorf("llm client: %w", err)
	}
	generator, err := generate.New(llmClient, cfg.LLM.RequestsPerMinute, logger.Named("generate"))
	if err != nil {
		return nil, err
	}

	registry := capability.NewRegistry()
	for _, reg := range []struct {
		cap      capability.Capability
		classify capability.Classifier
	}{
		{interpret.New(logger.Named("interpret")), nil},
		{analyze.New(git, logger.Named("analyze")), nil},
		{generator, generate.Classify},
		{testexec.New(git, logger.Named("testexec")), nil},
		{openpr.New(git, cfg.GitHub.Token.Value(), cfg.GitHub.BaseBranch, logger.Named("openpr")), openpr.Classify},
	} {
		if err := registry.Register(reg.cap, reg.classify); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// buildPipeline applies per-stage config overrides to the default pipeline.
func buildPipeline(overrides []config.StageConfig) (*pipeline.Definition, error) {
	stages := pipeline.Default().Stages()
	for _, o := range overrides {
		found := false
		for i := range stages {
			if stages[i].Name != o.Name {
				continue
			}
			found = true
			if o.Timeout > 0 {
				stages[i].Timeout = o.Timeout.Duration()
			}
			if o.MaxAttempts > 0 {
				stages[i].MaxAttempts = o.MaxAttempts
			}
		}
		if !found {
			return nil, fmt.Errorf("stage override %q matches no pipeline stage", o.Name)
		}
	}
	return pipeline.NewDefinition(stages...)
}
