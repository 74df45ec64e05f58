package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tilestream/internal/config"
	"tilestream/internal/coordinator"
	httphandlers "tilestream/internal/http"
	"tilestream/internal/logger"
	"tilestream/internal/provider"
	"tilestream/internal/provider/mbtiles"
	"tilestream/internal/telemetry"
	"tilestream/internal/tile"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "tilestream",
		Usage:   "Tile loading service with a byte-budgeted cache",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML or JSON config file",
				Sources: cli.EnvVars("TILESTREAM_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			fetchCommand(),
			importCommand(),
		},
	}
}

// runtime holds everything a command needs to load tiles.
type runtime struct {
	cfg    *config.Config
	log    *zap.Logger
	source *provider.Source
	coord  *coordinator.Coordinator
}

func setup(ctx context.Context, cmd *cli.Command) (*runtime, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	source, err := provider.New(ctx, cfg.Provider, cfg.Tiles.TileSize, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("failed to initialize provider: %w", err)
	}

	coord, err := coordinator.New(source, coordinator.Config{
		LOD:                cfg.LOD(),
		BudgetBytes:        cfg.BudgetBytes(),
		MaxConcurrentLoads: cfg.Tiles.MaxConcurrentLoads,
		FetchTimeout:       cfg.Tiles.FetchTimeout,
	}, log)
	if err != nil {
		source.Close()
		log.Sync()
		return nil, err
	}

	return &runtime{cfg: cfg, log: log, source: source, coord: coord}, nil
}

func (r *runtime) close(ctx context.Context) {
	if err := r.coord.Close(ctx); err != nil {
		r.log.Warn("Tile loads still running at shutdown", zap.Error(err))
	}
	if err := r.source.Close(); err != nil {
		r.log.Warn("Failed to close provider", zap.Error(err))
	}
	r.log.Sync()
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve tiles over HTTP",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			return serve(ctx, rt)
		},
	}
}

func serve(ctx context.Context, rt *runtime) error {
	cfg, log := rt.cfg, rt.log

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Tracing, Version, log)
	if err != nil {
		rt.close(context.Background())
		return err
	}

	handlers := httphandlers.New(rt.coord, cfg.Provider.Extension, cfg.Server.AllowedOrigin, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httphandlers.NewRouter(handlers, cfg.Tracing.Endpoint != ""),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Info("Starting tilestream server",
		zap.String("version", Version),
		zap.Int("port", cfg.Server.Port),
		zap.String("provider", cfg.Provider.Type),
		zap.Stringer("lod", rt.coord.LODRange()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}
		rt.close(shutdownCtx)
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Warn("Failed to flush traces", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info("Server stopped")
	return err
}

func fetchCommand() *cli.Command {
	return &cli.Command{
		Name:  "fetch",
		Usage: "Load one tile through the coordinator and write it to a file",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "z", Usage: "level of detail", Required: true},
			&cli.IntFlag{Name: "x", Usage: "tile column", Required: true},
			&cli.IntFlag{Name: "y", Usage: "tile row", Required: true},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file, - for stdout", Value: "-"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			key := tile.NewKey(int(cmd.Int("x")), int(cmd.Int("y")), int(cmd.Int("z")))
			d, err := rt.coord.Load(ctx, key)
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", key, err)
			}

			out := cmd.String("out")
			if out == "-" {
				_, err = os.Stdout.Write(d.Bytes())
				return err
			}
			if err := os.WriteFile(out, d.Bytes(), 0644); err != nil {
				return fmt.Errorf("failed to write tile: %w", err)
			}

			rt.log.Info("Tile written", zap.Stringer("key", key), zap.String("path", out), zap.Int64("size", d.Size))
			return nil
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Copy a {z}/{x}/{y} tile directory into an MBTiles archive",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Usage: "tile directory", Required: true},
			&cli.StringFlag{Name: "to", Usage: "MBTiles archive, created if missing", Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer log.Sync()

			store, err := mbtiles.Open(cmd.String("to"), cfg.Tiles.TileSize, log)
			if err != nil {
				return err
			}
			defer store.Close()

			_, err = store.ImportDir(ctx, cmd.String("from"), cfg.Provider.Extension)
			return err
		},
	}
}
