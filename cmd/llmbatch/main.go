// Command llmbatch drives a JSONL file of chat requests through a single
// provider under RPM/TPM/concurrency limits, writing one response or
// permanent-failure line per request to an append-only output file.
//
// Wires together: config → provider adapter → bootstrap rate-limit
// resolution → capacity/status trackers → dispatcher → response log. Flag
// parsing uses a custom Usage and a signal-driven context.WithCancel for
// graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llmbatch/pkg/capacity"
	"llmbatch/pkg/config"
	"llmbatch/pkg/dispatch"
	"llmbatch/pkg/logx"
	"llmbatch/pkg/metrics"
	"llmbatch/pkg/provider"
	"llmbatch/pkg/provider/anthropic"
	"llmbatch/pkg/provider/ollama"
	"llmbatch/pkg/provider/openaicompat"
	"llmbatch/pkg/responselog"
	"llmbatch/pkg/status"
	"llmbatch/pkg/statusrender"
)

// mustFprintf ignores fmt.Fprintf errors, since stderr output here is
// best-effort diagnostic text.
func mustFprintf(w *os.File, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// cliConfig holds the flags this command accepts.
type cliConfig struct {
	ConfigPath   string
	RequestsPath string
	ResponsePath string
	MetricsAddr  string
	Quiet        bool
}

func main() {
	var cli cliConfig

	flag.StringVar(&cli.ConfigPath, "config", "", "Path to the run's YAML config file")
	flag.StringVar(&cli.RequestsPath, "requests", "", "Path to the JSONL request file")
	flag.StringVar(&cli.ResponsePath, "responses", "", "Path to the JSONL response file (created or resumed)")
	flag.StringVar(&cli.MetricsAddr, "metrics-addr", "", "Address to serve Prometheus /metrics on (disabled if empty)")
	flag.BoolVar(&cli.Quiet, "quiet", false, "Suppress the live terminal status line")

	flag.Usage = func() {
		mustFprintf(os.Stderr, "llmbatch - batch LLM request dispatcher\n\n")
		mustFprintf(os.Stderr, "Usage:\n  %s -config run.yaml -requests requests.jsonl -responses responses.jsonl\n\n", os.Args[0])
		mustFprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if cli.ConfigPath == "" || cli.RequestsPath == "" || cli.ResponsePath == "" {
		flag.Usage()
		os.Exit(1)
	}

	logger := logx.NewLogger("llmbatch")

	exitCode, err := run(cli, logger)
	if err != nil {
		logger.Error("run failed: %v", err)
	}
	os.Exit(exitCode)
}

func run(cli cliConfig, logger *logx.Logger) (int, error) {
	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return 1, fmt.Errorf("load config: %w", err)
	}

	apiKey, err := cfg.APIKey()
	if err != nil && cfg.Provider != config.ProviderOllama {
		return 1, fmt.Errorf("resolve API key: %w", err)
	}

	adapter, err := buildAdapter(cfg)
	if err != nil {
		return 1, fmt.Errorf("build provider adapter: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Warn("shutdown signal received, draining in-flight requests")
		cancel()
	}()

	rpm, tpm := bootstrapRateLimits(ctx, cfg, adapter, apiKey, logger)

	capTracker := capacity.New(
		provider.TokenLimitStrategy(cfg.TokenLimitStrategy),
		rpm,
		tpm,
		cfg.MaxOutputTokensPerMinute,
	)
	statusTracker := status.New(capTracker, cfg.SecondsToPauseOnRateLimitDuration())

	resumeSet, err := responselog.ResumeSet(cli.ResponsePath)
	if err != nil {
		return 1, fmt.Errorf("scan existing response log: %w", err)
	}
	responseLog, err := responselog.Open(cli.ResponsePath)
	if err != nil {
		return 1, fmt.Errorf("open response log: %w", err)
	}
	defer responseLog.Close()

	var recorder metrics.Recorder = metrics.NewNoop()
	if cli.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		recorder = metrics.NewPrometheus(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: cli.MetricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	var sink dispatch.StatusSink
	var renderer *statusrender.Renderer
	if !cli.Quiet {
		renderer = statusrender.New(os.Stderr)
		sink = renderer
	}

	dcfg := dispatch.Config{
		APIKey:                    apiKey,
		Model:                     cfg.Model,
		MaxConcurrentRequests:     cfg.MaxConcurrentRequests,
		MaxBatch:                  cfg.MaxBatch,
		MaxRetries:                cfg.MaxRetries,
		SecondsToPauseOnRateLimit: cfg.SecondsToPauseOnRateLimitDuration(),
		InvalidFinishReasons:      cfg.InvalidFinishReasons,
		ReturnCompletionsObject:   cfg.ReturnCompletionsObject,
		Recorder:                  recorder,
	}
	d := dispatch.New(dcfg, adapter, statusTracker, responseLog, sink, logx.NewLogger("dispatch"))

	if err := d.Run(ctx, cli.RequestsPath, resumeSet); err != nil {
		if renderer != nil {
			renderer.Finish()
		}
		return 1, fmt.Errorf("run dispatcher: %w", err)
	}
	if renderer != nil {
		renderer.Finish()
	}

	snap := statusTracker.Snapshot()
	logger.Info("done: succeeded=%d failed=%d cost=$%.4f", snap.TasksSucceeded, snap.TasksFailed, snap.TotalCostUSD)
	return 0, nil
}

// buildAdapter selects and constructs the provider.Adapter named in cfg.
func buildAdapter(cfg *config.Config) (provider.Adapter, error) {
	switch cfg.Provider {
	case config.ProviderOpenAICompat:
		return openaicompat.New(cfg.BaseURL, cfg.Model, cfg.MaxTokensHint)
	case config.ProviderAnthropic:
		return anthropic.New(cfg.BaseURL, cfg.Model, cfg.MaxTokensHint)
	case config.ProviderOllama:
		return ollama.New(cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown provider %q (want one of %s, %s, %s)",
			cfg.Provider, config.ProviderOpenAICompat, config.ProviderAnthropic, config.ProviderOllama)
	}
}

// bootstrapRateLimits resolves admission limits for the run following a
// fallback chain: explicit config values win outright;
// anything left unset (zero) is probed from the provider's rate-limit
// headers via a throwaway request; anything still unset falls back to the
// built-in per-model table of last resort.
func bootstrapRateLimits(ctx context.Context, cfg *config.Config, adapter provider.Adapter, apiKey string, logger *logx.Logger) (rpm, tpm int) {
	rpm, tpm = cfg.MaxRequestsPerMinute, cfg.MaxTokensPerMinute
	if rpm > 0 && tpm > 0 {
		return rpm, tpm
	}

	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	limits, err := adapter.ProbeRateLimits(probeCtx, apiKey, cfg.Model)
	if err != nil {
		logger.Warn("rate-limit header probe failed, falling back to built-in defaults: %v", err)
	} else if limits != nil {
		if rpm == 0 {
			rpm = limits.RequestsPerMinute
		}
		if tpm == 0 {
			tpm = limits.TokensPerMinute
		}
	}

	def := config.DefaultFor(cfg.Model)
	if rpm == 0 {
		rpm = def.MaxRequestsPerMinute
	}
	if tpm == 0 {
		tpm = def.MaxTokensPerMinute
	}
	logger.Info("bootstrapped limits: rpm=%d tpm=%d", rpm, tpm)
	return rpm, tpm
}
