package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel"

	"delver/engine"
	"delver/engine/models"
)

// Exit codes: 0 success, 1 runtime failure, 2 configuration error,
// 130 interrupted (partial report produced).
const (
	exitOK          = 0
	exitRuntime     = 1
	exitConfig      = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		query       string
		resumeID    string
		maxCost     float64
		outputDir   string
		configPath  string
		metricsAddr string
	)
	flag.StringVar(&query, "query", "", "Research query to execute")
	flag.StringVar(&resumeID, "resume", "", "Resume an interrupted run by id")
	flag.Float64Var(&maxCost, "max-cost", 0, "Override cost ceiling in USD")
	flag.StringVar(&outputDir, "output", "", "Override report output directory")
	flag.StringVar(&configPath, "config", "", "Path to yaml config file")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Bind address for the Prometheus /metrics endpoint")
	flag.Parse()

	if query == "" && flag.NArg() > 0 {
		query = flag.Arg(0)
	}
	if query == "" && resumeID == "" {
		fmt.Fprintln(os.Stderr, "usage: delver [-config file] [-resume run_id] <query>")
		return exitConfig
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}
	applyEnvCredentials(&cfg)
	if maxCost > 0 {
		cfg.Costs.MaxPerRun = maxCost
	}
	if outputDir != "" {
		cfg.Report.OutputDir = outputDir
	}

	eng, err := engine.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfig
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	if metricsAddr != "" {
		if handler := eng.MetricsHandler(); handler != nil {
			mux := http.NewServeMux()
			mux.Handle("/metrics", handler)
			go func() {
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					slog.Warn("metrics endpoint failed", "error", err)
				}
			}()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupted := armSignals(ctx, eng)

	if configPath != "" {
		if stop, err := eng.WatchBudget(ctx, configPath); err == nil {
			defer stop()
		}
	}

	var result *engine.Result
	if resumeID != "" {
		result, err = eng.Resume(ctx, resumeID)
	} else {
		result, err = eng.Run(ctx, query)
	}

	if result != nil && result.ReportPath != "" {
		fmt.Printf("report: %s\n", result.ReportPath)
	}
	if err != nil {
		runID := ""
		if result != nil {
			runID = result.RunID
		}
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		if runID != "" {
			fmt.Fprintf(os.Stderr, "resume with: delver -resume %s\n", runID)
		}
		if errors.Is(err, models.ErrCancelled) || *interrupted {
			return exitInterrupted
		}
		if errors.Is(err, models.ErrConfigInvalid) {
			return exitConfig
		}
		return exitRuntime
	}
	if *interrupted {
		// Cooperative drain finished with a partial report.
		return exitInterrupted
	}
	return exitOK
}

// armSignals feeds SIGINT/SIGTERM into the shutdown coordinator. The first
// signal drains to the next checkpoint; a second within two seconds aborts
// immediately (the last checkpoint remains valid).
func armSignals(ctx context.Context, eng *engine.Engine) *bool {
	interrupted := new(bool)
	coordinator := eng.Shutdown()
	coordinator.SetOnAbort(func() { os.Exit(exitInterrupted) })
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(sigs)
				return
			case <-sigs:
				*interrupted = true
				coordinator.Signal()
			}
		}
	}()
	return interrupted
}

// applyEnvCredentials fills API keys from the environment when the config
// file leaves them blank.
func applyEnvCredentials(cfg *engine.Config) {
	if cfg.LLM.AnthropicAPIKey == "" {
		cfg.LLM.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.LLM.OpenAIAPIKey == "" {
		cfg.LLM.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Search.TavilyAPIKey == "" {
		cfg.Search.TavilyAPIKey = os.Getenv("TAVILY_API_KEY")
	}
	if cfg.Search.SearxNGURL == "" {
		cfg.Search.SearxNGURL = os.Getenv("SEARXNG_URL")
	}
}
