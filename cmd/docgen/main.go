package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/docgen/internal/api"
	"git.home.luguber.info/inful/docgen/internal/assemble"
	"git.home.luguber.info/inful/docgen/internal/audit"
	"git.home.luguber.info/inful/docgen/internal/blobstore"
	"git.home.luguber.info/inful/docgen/internal/config"
	"git.home.luguber.info/inful/docgen/internal/generate"
	"git.home.luguber.info/inful/docgen/internal/llm"
	"git.home.luguber.info/inful/docgen/internal/metrics"
	"git.home.luguber.info/inful/docgen/internal/pipeline"
	"git.home.luguber.info/inful/docgen/internal/regen"
	"git.home.luguber.info/inful/docgen/internal/render"
	"git.home.luguber.info/inful/docgen/internal/scheduler"
	"git.home.luguber.info/inful/docgen/internal/seed"
	"git.home.luguber.info/inful/docgen/internal/store"
	"git.home.luguber.info/inful/docgen/internal/validate"
	"git.home.luguber.info/inful/docgen/internal/watcher"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Serve struct {
	} `cmd:"" help:"Run the HTTP server, job workers and template inbox watcher"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`

	Seed struct {
	} `cmd:"" help:"Install the demo fixture set"`

	Generate struct {
		Document      string `arg:"" help:"Document id to generate"`
		VersionIntent int    `help:"Target version (default: next)"`
		Force         bool   `help:"Fail instead of reusing an already rendered version"`
	} `cmd:"" help:"Run the generation pipeline for one document and exit"`
}

func main() {
	kctx := kong.Parse(&CLI)

	if kctx.Command() == "init" {
		if err := config.Init(CLI.Config, CLI.Init.Force); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("wrote", CLI.Config)
		return
	}

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if CLI.Verbose {
		cfg.Logging.Level = config.LogLevelDebug
	}
	logger := config.SetupLogging(cfg.Logging)

	app, err := buildApp(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer app.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch kctx.Command() {
	case "serve":
		err = app.serve(ctx, cfg)
	case "seed":
		err = app.seeder.Seed(ctx)
	case "generate <document>":
		err = app.generateOnce(ctx)
	default:
		err = fmt.Errorf("unknown command %q", kctx.Command())
	}
	if err != nil && err != context.Canceled {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// app holds the wired component graph.
type app struct {
	store       *store.Store
	blobs       blobstore.Store
	audit       *audit.Recorder
	coordinator *pipeline.Coordinator
	templates   *pipeline.TemplateProcessor
	planner     *regen.Planner
	renderer    *render.Renderer
	seeder      *seed.Seeder
	scheduler   *scheduler.Scheduler
	registry    *prometheus.Registry
	nats        *nats.Conn
	logger      *slog.Logger
}

func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	blobs, err := openBlobs(cfg.Blobs)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &app{store: st, blobs: blobs, logger: logger}

	auditOpts := []audit.RecorderOption{audit.WithLogger(logger)}
	if cfg.Audit.NATSURL != "" {
		nc, err := nats.Connect(cfg.Audit.NATSURL, nats.Name("docgen"))
		if err != nil {
			return nil, fmt.Errorf("connect audit bus: %w", err)
		}
		a.nats = nc
		auditOpts = append(auditOpts, audit.WithPublisher(nc, cfg.Audit.Subject))
	}
	a.audit = audit.NewRecorder(st, auditOpts...)

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(a.registry)
	}

	constraints, err := constraintsFrom(cfg.Validator)
	if err != nil {
		return nil, err
	}
	generator := generate.NewGenerator(st, openInvoker(cfg.Model), constraints,
		generate.WithMaxRetries(cfg.Retry.MaxRetries),
		generate.WithCallTimeout(cfg.Model.RequestTimeout.Std()),
		generate.WithLogger(logger))
	executor := generate.NewExecutor(st, generator, logger)
	assembler := assemble.NewAssembler(st, blobs, logger)
	a.renderer = render.NewRenderer(st, blobs, logger)

	a.coordinator = pipeline.NewCoordinator(st, blobs, executor, assembler, a.renderer, a.audit,
		pipeline.WithMetrics(recorder), pipeline.WithLogger(logger))
	a.templates = pipeline.NewTemplateProcessor(st, blobs, a.audit, logger)
	a.planner = regen.NewPlanner(st, a.audit, logger)
	a.seeder = seed.New(st, blobs, a.audit, logger)

	a.scheduler = scheduler.New(st,
		scheduler.WithWorkers(cfg.Workers.Count),
		scheduler.WithPollInterval(cfg.Workers.PollInterval.Std()),
		scheduler.WithStuckTimeout(cfg.Workers.StuckTimeout.Std()),
		scheduler.WithMetrics(recorder),
		scheduler.WithLogger(logger))
	a.scheduler.Register(store.JobParse, a.templates.HandleParseJob)
	a.scheduler.Register(store.JobClassify, a.templates.HandleClassifyJob)
	a.scheduler.Register(store.JobGenerate, a.coordinator.HandleGenerateJob)

	return a, nil
}

func (a *app) close() {
	if a.nats != nil {
		a.nats.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("store close failed", "error", err)
	}
}

// serve runs the HTTP edge, the worker pool and (optionally) the inbox
// watcher until a shutdown signal arrives.
func (a *app) serve(ctx context.Context, cfg *config.Config) error {
	server := api.NewServer(cfg.Server.Addr, api.Deps{
		Store:     a.store,
		Blobs:     a.blobs,
		Planner:   a.planner,
		Templates: a.templates,
		Renderer:  a.renderer,
		Audit:     a.audit,
		Seeder:    a.seeder,
		Registry:  a.registry,
	})

	errChan := make(chan error, 3)
	go func() {
		a.logger.Info("http server listening", "addr", cfg.Server.Addr)
		errChan <- server.Start()
	}()
	go func() {
		errChan <- a.scheduler.Run(ctx)
	}()
	if cfg.Watcher.Enabled {
		w := watcher.New(cfg.Watcher.Inbox, a.templates, watcher.WithLogger(a.logger))
		go func() {
			errChan <- w.Run(ctx)
		}()
	}

	select {
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			return err
		}
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// generateOnce runs the pipeline synchronously for one document.
func (a *app) generateOnce(ctx context.Context) error {
	docID, err := uuid.Parse(CLI.Generate.Document)
	if err != nil {
		return fmt.Errorf("document id must be a uuid: %w", err)
	}
	doc, err := a.store.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	intent := CLI.Generate.VersionIntent
	if intent == 0 {
		intent = doc.CurrentVersion + 1
	}

	version, err := a.coordinator.Generate(ctx, pipeline.GenerateParams{
		DocumentID:        docID,
		TemplateVersionID: doc.TemplateVersionID,
		VersionIntent:     intent,
		ForceRegenerate:   CLI.Generate.Force,
	})
	if err != nil {
		return err
	}
	a.logger.Info("document generated",
		"document_id", docID, "version", version.VersionNumber,
		"blob_key", version.RenderedBlobKey)
	return nil
}

func openBlobs(cfg config.BlobConfig) (blobstore.Store, error) {
	switch cfg.Backend {
	case "memory":
		return blobstore.NewMemoryStore(), nil
	default:
		return blobstore.NewFSStore(cfg.Directory)
	}
}

func openInvoker(cfg config.ModelConfig) llm.Invoker {
	if cfg.Mode == "http" {
		opts := []llm.HTTPOption{llm.WithTimeout(cfg.RequestTimeout.Std())}
		if cfg.APIKey != "" {
			opts = append(opts, llm.WithAPIKey(cfg.APIKey))
		}
		return llm.NewHTTPClient(cfg.Endpoint, opts...)
	}
	return llm.DeterministicMock{}
}

func constraintsFrom(cfg config.ValidatorConfig) (validate.Constraints, error) {
	c := validate.Constraints{
		MinMeaningful:      cfg.MinMeaningful,
		MinLength:          cfg.MinLength,
		MaxLength:          cfg.MaxLength,
		MaxRepetitionRatio: cfg.MaxRepetitionRatio,
		MinUniqueWords:     cfg.MinUniqueWords,
	}
	for _, raw := range cfg.CustomPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return c, fmt.Errorf("validator: custom pattern %q: %w", raw, err)
		}
		c.CustomPatterns = append(c.CustomPatterns, re)
	}
	return c, nil
}
