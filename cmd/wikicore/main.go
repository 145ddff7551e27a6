// Command wikicore is the command-line interface for the offline
// encyclopedia core: it acquires a MediaWiki dump, indexes and embeds
// it, and serves the HTTP gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/offlinewiki/wikicore/internal/acquire"
	"github.com/offlinewiki/wikicore/internal/config"
	"github.com/offlinewiki/wikicore/internal/gateway"
	"github.com/offlinewiki/wikicore/internal/llmclient"
	"github.com/offlinewiki/wikicore/internal/orchestrator"
	"github.com/offlinewiki/wikicore/internal/parser"
	"github.com/offlinewiki/wikicore/internal/relstore"
	"github.com/offlinewiki/wikicore/internal/serverlifecycle"
	"github.com/offlinewiki/wikicore/internal/vectorstore"
)

const (
	defaultAddr            = "localhost:8080"
	defaultVectorDimension = 384
)

// Globals holds flags shared by every command.
type Globals struct {
	DataDir string           `default:"." help:"Directory holding wiki.db, vectors/, dump/, and config.json." placeholder:"PATH" short:"d" type:"path"`
	Debug   bool             `help:"Enable debug logging."`
	Version kong.VersionFlag `help:"Show the program's version and exit."`
}

func (g *Globals) logger() zerolog.Logger {
	level := zerolog.InfoLevel
	if g.Debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func (g *Globals) configFile() (*config.File, errors.E) {
	return config.Load(filepath.Join(g.DataDir, "config.json"))
}

// InstallCommand acquires the dump and runs the ingest pipeline for the
// first time.
type InstallCommand struct{}

func (c *InstallCommand) Run(g *Globals) errors.E {
	return runPipeline(g)
}

// UpdateCommand re-runs the ingest pipeline to pick up a newer dump and
// backfill any missing embeddings.
type UpdateCommand struct{}

func (c *UpdateCommand) Run(g *Globals) errors.E {
	return runPipeline(g)
}

// UninstallCommand removes the data directory's generated state.
type UninstallCommand struct {
	Force bool `help:"Has no effect: uninstall never asks for confirmation."`
}

func (c *UninstallCommand) Run(g *Globals) errors.E {
	for _, name := range []string{"wiki.db", "wiki.db-wal", "wiki.db-shm", "vectors", "dump"} {
		path := filepath.Join(g.DataDir, name)
		if err := os.RemoveAll(path); err != nil {
			return xerrorsWrap(err, "removing "+name)
		}
	}
	return nil
}

// StartCommand serves the HTTP gateway.
type StartCommand struct {
	Addr string `default:"localhost:8080" help:"Address to listen on." placeholder:"HOST:PORT"`
}

func (c *StartCommand) Run(g *Globals) errors.E {
	logger := g.logger()
	cfg, errE := g.configFile()
	if errE != nil {
		return errE
	}

	ctx := context.Background()

	relStore, errE := relstore.Open(ctx, filepath.Join(g.DataDir, "wiki.db"))
	if errE != nil {
		return errE
	}
	defer relStore.Close() //nolint:errcheck

	dimension := cfg.VectorDimension
	if dimension <= 0 {
		dimension = defaultVectorDimension
	}
	vecStore, errE := vectorstore.Open(filepath.Join(g.DataDir, "vectors", "vectors.db"), dimension)
	if errE != nil {
		return errE
	}
	defer vecStore.Close() //nolint:errcheck

	llm := llmclient.New(llmclient.Config{
		BaseURL:         cfg.GeneratorURL,
		EmbedModel:      cfg.EmbedModel,
		GenerateModel:   cfg.GenerateModel,
		EmbedTimeout:    cfg.EmbedTimeout(),
		GenerateTimeout: cfg.GenerateTimeout(),
		EmbedDimension:  dimension,
	})

	addr := c.Addr
	if addr == "" {
		addr = defaultAddr
	}

	handler := gateway.NewRouter(gateway.Config{
		RelStore:       relStore,
		VectorStore:    vecStore,
		LLM:            llm,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	return serverlifecycle.Run(ctx, addr, handler, logger)
}

// StatusCommand reports whether the data directory is initialized and
// its relational store opens, with its article count, without starting
// the HTTP gateway. The vector store is not checked.
type StatusCommand struct{}

func (c *StatusCommand) Run(g *Globals) errors.E {
	ctx := context.Background()

	dbPath := filepath.Join(g.DataDir, "wiki.db")
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Println("not installed: wiki.db not found")
		return nil
	}

	relStore, errE := relstore.Open(ctx, dbPath)
	if errE != nil {
		return errE
	}
	defer relStore.Close() //nolint:errcheck

	count, errE := relStore.CountArticles(ctx)
	if errE != nil {
		return errE
	}

	fmt.Printf("ok: %d articles indexed\n", count)
	return nil
}

func runPipeline(g *Globals) errors.E {
	logger := g.logger()
	cfg, errE := g.configFile()
	if errE != nil {
		return errE
	}

	ctx := context.Background()

	relStore, errE := relstore.Open(ctx, filepath.Join(g.DataDir, "wiki.db"))
	if errE != nil {
		return errE
	}
	defer relStore.Close() //nolint:errcheck

	dimension := cfg.VectorDimension
	if dimension <= 0 {
		dimension = defaultVectorDimension
	}
	vecStore, errE := vectorstore.Open(filepath.Join(g.DataDir, "vectors", "vectors.db"), dimension)
	if errE != nil {
		return errE
	}
	defer vecStore.Close() //nolint:errcheck

	llm := llmclient.New(llmclient.Config{
		BaseURL:         cfg.GeneratorURL,
		EmbedModel:      cfg.EmbedModel,
		GenerateModel:   cfg.GenerateModel,
		EmbedTimeout:    cfg.EmbedTimeout(),
		GenerateTimeout: cfg.GenerateTimeout(),
		EmbedDimension:  dimension,
	})

	var httpClient *retryablehttp.Client = acquire.NewHTTPClient()

	_, errE = orchestrator.Run(ctx, orchestrator.Config{
		DumpURL:      cfg.DumpURL,
		DumpPath:     filepath.Join(g.DataDir, "dump", "wiki.xml.bz2"),
		ParserOpts:   parser.DefaultOptions(),
		HTTPClient:   httpClient,
		RelStore:     relStore,
		VectorStore:  vecStore,
		LLM:          llm,
		EmbedWorkers: cfg.EmbedConcurrency,
		Logger:       logger,
		Progress: func(stage string, fraction float64, message string) {
			logger.Info().Str("stage", stage).Float64("fraction", fraction).Msg(message)
		},
	})
	return errE
}

func xerrorsWrap(err error, message string) errors.E {
	return errors.WithMessage(errors.WithStack(err), message)
}

func main() {
	var cli struct {
		Globals

		Install   InstallCommand   `cmd:"" help:"Acquire the dump and build the stores for the first time."`
		Update    UpdateCommand    `cmd:"" help:"Re-run ingest to pick up a newer dump and backfill embeddings."`
		Uninstall UninstallCommand `cmd:"" help:"Remove the data directory's generated state."`
		Start     StartCommand     `cmd:"" default:"withargs" help:"Serve the HTTP gateway."`
		Status    StatusCommand    `cmd:"" help:"Report whether the data directory is initialized."`
	}

	ctx := kong.Parse(&cli, kong.Name("wikicore"), kong.Description("Offline encyclopedia core."))

	err := ctx.Run(&cli.Globals)
	if err != nil {
		if errE, ok := err.(errors.E); ok { //nolint:errorlint
			fmt.Fprintln(os.Stderr, "error:", errE.Error())
		} else {
			fmt.Fprintln(os.Stderr, "error:", err.Error())
		}
		os.Exit(2)
	}
}
