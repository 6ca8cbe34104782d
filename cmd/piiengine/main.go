// Command piiengine detects PII in text and files and replaces it with
// consistent placeholders, redactions or tokens.
//
// Usage:
//
//	# Run the JSON API
//	./piiengine serve
//
//	# Anonymize stdin
//	echo "mail john@example.com" | ./piiengine process
//
//	# Anonymize files into one template
//	./piiengine process --save --template-name customers a.csv b.txt
//
//	# Inspect stored templates
//	./piiengine templates
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pii-engine/internal/config"
	"pii-engine/internal/detector"
	"pii-engine/internal/engine"
	"pii-engine/internal/extract"
	"pii-engine/internal/logger"
	"pii-engine/internal/metrics"
	"pii-engine/internal/recognizer"
	"pii-engine/internal/template"
)

var cfgFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "piiengine",
		Short:         "PII detection and consistent anonymization",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default "+config.DefaultFile+" if present)")
	root.AddCommand(newServeCmd(), newProcessCmd(), newTemplatesCmd())
	return root
}

// app is everything a command needs, built from config.
type app struct {
	cfg    *config.Config
	engine *engine.Engine
	store  template.Store
}

func (a *app) Close() error { return a.store.Close() }

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger.Configure(cfg.LogFormat)
	log := logger.New("main", cfg.LogLevel)

	registry, err := recognizer.NewRegistry(
		recognizer.WithRecognizerFile(cfg.Detection.RecognizerFile),
		recognizer.WithEnabledEntities(cfg.Detection.EnabledEntities),
		recognizer.WithDisabledEntities(cfg.Detection.DisabledEntities),
	)
	if err != nil {
		return nil, fmt.Errorf("load recognizers: %w", err)
	}
	strategy, err := detector.ParseStrategy(cfg.Detection.Context)
	if err != nil {
		return nil, err
	}

	store, err := template.Open(ctx, cfg.Store.Backend, cfg.Store.Path, logger.New("template", cfg.LogLevel))
	if err != nil {
		return nil, err
	}
	if cfg.Store.CacheSize > 0 {
		store = template.NewCachedStore(store, cfg.Store.CacheSize)
	}

	minConf := cfg.MinConfidence()
	eng := engine.New(engine.Options{
		Registry:      registry,
		Strategy:      strategy,
		MinConfidence: &minConf,
		Store:         store,
		Extractor:     extract.New(cfg.Batch.MaxFileBytes),
		Workers:       cfg.Batch.Workers,
		Logger:        logger.New("engine", cfg.LogLevel),
		Metrics:       metrics.New(),
	})
	log.Debugf("setup", "%d built-in recognizers, store=%s", len(registry.Builtins()), cfg.Store.Backend)
	return &app{cfg: cfg, engine: eng, store: store}, nil
}

func printBanner(cfg *config.Config) {
	auth := "disabled"
	if cfg.APIToken != "" {
		auth = "bearer token"
	}
	fileRoot := "any readable path"
	if cfg.Batch.Root != "" {
		fileRoot = cfg.Batch.Root
	}
	rateLimit := "off"
	if cfg.RateLimit.RPM > 0 {
		rateLimit = fmt.Sprintf("%d/min (burst %d)", cfg.RateLimit.RPM, cfg.RateLimit.Burst)
	}

	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          PII Detection & Anonymization Engine        ║
╚══════════════════════════════════════════════════════╝
  Listen address  : %s
  Template store  : %s (%s)
  Sensitivity     : %s (min confidence %.2f)
  Context scoring : %s
  Batch workers   : %d
  File root       : %s
  Auth            : %s
  Rate limit      : %s

  Try it:
    curl -s http://%s/v1/process_text -d '{"text":"mail john@example.com"}'
`, cfg.ListenAddr,
		cfg.Store.Backend, cfg.Store.Path,
		cfg.Detection.Sensitivity, cfg.MinConfidence(),
		cfg.Detection.Context,
		cfg.Batch.Workers, fileRoot,
		auth, rateLimit,
		cfg.ListenAddr)
}
