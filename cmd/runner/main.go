// Command rivet-runner polls an orchestrator for scheduled jobs, executes
// them against a container engine, and streams logs and results back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/rivet-ci/rivet/internal/config"
	"github.com/rivet-ci/rivet/internal/containerstack"
	"github.com/rivet-ci/rivet/internal/logging"
	"github.com/rivet-ci/rivet/internal/runner"
	"github.com/rivet-ci/rivet/pkg/client"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Logging)

	runnerID := os.Getenv("RUNNER_ID")
	if runnerID == "" {
		host, _ := os.Hostname()
		runnerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	c := client.New(client.Config{BaseURL: cfg.OrchestratorURL})
	engine := containerstack.NewExecEngine(cfg.Container.EngineBin)

	workerCfg := runner.Config{
		RunnerID:        runnerID,
		Tags:            parseTags(os.Getenv("RUNNER_TAGS")),
		MaxParallelJobs: int64(cfg.Scheduling.MaxParallelJobs),
		PollInterval:    2 * time.Second,
		HeartbeatEvery:  cfg.Scheduling.HeartbeatInterval,
		DefaultImage:    cfg.Container.DefaultImage,
		WorkspaceRoot:   cfg.Container.WorkspaceRoot,
		LogSendInterval: cfg.Scheduling.LogSendInterval,
		LogBatchMax:     cfg.Scheduling.LogBatchMax,
		EnvSubset:       parseTags(os.Getenv("RUNNER_ENV_PASSTHROUGH")),
	}

	w := runner.NewWorker(workerCfg, runner.NewClientAdapter(c), engine, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("runner starting", "runner_id", runnerID, "orchestrator_url", cfg.OrchestratorURL)
	w.Run(ctx)
	logger.Info("runner stopped")
	return nil
}

// parseTags decodes a "key=value,key2=value2" string into a map, the
// format RUNNER_TAGS and RUNNER_ENV_PASSTHROUGH both use.
func parseTags(raw string) map[string]string {
	tags := make(map[string]string)
	if raw == "" {
		return tags
	}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		tags[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return tags
}
