package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"photomatch/internal/config"
	"photomatch/internal/domain"
	"photomatch/internal/indexer"
	"photomatch/internal/logger"
	"photomatch/internal/matcher"
	"photomatch/internal/server"
	"photomatch/internal/service"
	"photomatch/internal/telemetry"
	"photomatch/internal/tui"
)

const usage = `Usage: photomatch [--config=config.yaml] <command> [args]

Commands:
  identify <image> [image ...]   match photos against the embedding database
  index [dir]                    rebuild the database from an image directory
  add <id> <image> [locator]     embed one image and upsert it
  remove <id>                    delete a record
  serve                          run the HTTP API
  tui                            interactive identify console
`

func main() {
	_ = godotenv.Load()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "Path to YAML config file (optional; uses ./config.yaml or ~/.config/photomatch/config.yaml if not provided)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	var cfg *config.AppConfig
	var err error
	if cfgPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lg := logger.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if args[0] == "tui" {
		// Keep log output off the alternate screen.
		lg = logger.Discard()
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Assemble components
	ex, err := buildExtractor(cfg.Extractor)
	if err != nil {
		log.Fatalf("extractor: %v", err)
	}
	st, closeStore, err := buildStorage(ctx, cfg.Embeddings)
	if err != nil {
		log.Fatalf("embeddings store: %v", err)
	}
	defer closeStore()
	dims, err := buildDimension(cfg.Dimension, st)
	if err != nil {
		log.Fatalf("dimension source: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	obs := telemetry.NewPrometheusObserver(reg)

	svc := service.NewMatchService(ex, st, dims, matcher.NewRanker(cfg.Matcher.AcceptThreshold()),
		service.WithLogger(lg), service.WithObserver(obs))
	ix := indexer.New(ex, st, indexer.Config{URLPrefix: cfg.Indexer.URLPrefix, Workers: cfg.Indexer.Workers}, lg)

	switch cmd, rest := args[0], args[1:]; cmd {
	case "identify":
		if len(rest) == 0 {
			log.Fatalf("identify needs at least one image path")
		}
		enc := newDecisionEncoder(os.Stdout)
		for _, p := range rest {
			data, err := os.ReadFile(p)
			if err != nil {
				log.Fatalf("read %s: %v", p, err)
			}
			d, err := svc.IdentifyFromImage(ctx, domain.Image{Name: filepath.Base(p), Data: data})
			if err != nil {
				log.Fatalf("identify %s: %v", p, err)
			}
			if err := enc.Encode(identifyResult{Query: p, Decision: d}); err != nil {
				log.Fatalf("write result for %s: %v", p, err)
			}
		}
	case "index":
		dir := cfg.Indexer.ImagesDir
		if len(rest) > 0 {
			dir = rest[0]
		}
		rep, err := ix.Reindex(ctx, dir)
		if err != nil {
			log.Fatalf("reindex failed: %v", err)
		}
		fmt.Printf("indexed %d images (%d via fallback), skipped %d in %s\n", rep.Indexed, rep.Fallback, len(rep.Skipped), rep.Took)
	case "add":
		if len(rest) < 2 {
			log.Fatalf("add needs <id> <image>")
		}
		locator := ""
		if len(rest) > 2 {
			locator = rest[2]
		}
		rec, err := ix.Upsert(ctx, rest[0], rest[1], locator)
		if err != nil {
			log.Fatalf("add failed: %v", err)
		}
		fmt.Printf("stored %s -> %s (%d dims)\n", rec.ID, rec.Image, len(rec.Vector))
	case "remove":
		if len(rest) != 1 {
			log.Fatalf("remove needs <id>")
		}
		if err := ix.Remove(ctx, rest[0]); err != nil {
			log.Fatalf("remove failed: %v", err)
		}
	case "serve":
		srv := server.New(svc, ix, reg, server.Config{
			MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
			ImagesDir:      cfg.Indexer.ImagesDir,
			URLPrefix:      cfg.Indexer.URLPrefix,
		}, lg)
		if err := srv.Run(ctx, cfg.Server.Addr); err != nil {
			log.Fatalf("server: %v", err)
		}
	case "tui":
		n, err := svc.Reload(ctx)
		if err != nil {
			log.Fatalf("load embeddings failed: %v", err)
		}
		dim, err := svc.ExpectedDimension(ctx)
		if err != nil {
			log.Printf("expected dimension unavailable: %v", err)
		}
		dimLabel := describeDimension(dim, err)
		summary := fmt.Sprintf("%d records, dimension %s, extractor %s, threshold %.2f", n, dimLabel, ex.Name(), cfg.Matcher.AcceptThreshold())
		m := tui.New(svc, summary)
		if _, err := tea.NewProgram(m).Run(); err != nil {
			log.Fatal(err)
		}
	default:
		flag.Usage()
		os.Exit(1)
	}
}
