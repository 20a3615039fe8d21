package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/Brownie44l1/detect-api/internal/config"
	"github.com/Brownie44l1/detect-api/internal/handlers"
	"github.com/Brownie44l1/detect-api/internal/imagesource"
	"github.com/Brownie44l1/detect-api/internal/logging"
	"github.com/Brownie44l1/detect-api/internal/model"
)

func main() {
	app := &cli.App{
		Name:  "detect-api",
		Usage: "serve a YOLO detection model behind POST /predict",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
				EnvVars: []string{"DETECT_API_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "port",
				Usage: "listen port, overrides config and PORT",
			},
			&cli.StringFlag{
				Name:  "model",
				Usage: "path to the ONNX weights `FILE`",
			},
			&cli.StringFlag{
				Name:  "metadata",
				Usage: "path to the model metadata JSON `FILE`",
			},
			&cli.StringFlag{
				Name:  "onnxruntime-lib",
				Usage: "path to the onnxruntime shared library",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("port") {
		cfg.Port = c.String("port")
	}
	if c.IsSet("model") {
		cfg.ModelPath = c.String("model")
	}
	if c.IsSet("metadata") {
		cfg.MetadataPath = c.String("metadata")
	}
	if c.IsSet("onnxruntime-lib") {
		cfg.LibraryPath = c.String("onnxruntime-lib")
	}
	if c.Bool("debug") {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger("detect-api", cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Infow("loading model", "model", cfg.ModelPath, "metadata", cfg.MetadataPath)
	modelServer, err := model.NewServer(model.Options{
		ModelPath:     cfg.ModelPath,
		MetadataPath:  cfg.MetadataPath,
		LibraryPath:   cfg.LibraryPath,
		ConfThreshold: cfg.ConfThreshold,
		IoUThreshold:  cfg.IoUThreshold,
		MaxDetections: cfg.MaxDetections,
	}, logger.Named("model"))
	if err != nil {
		return err
	}
	defer func() {
		if err := modelServer.Close(); err != nil {
			logger.Warnw("failed to release model", "error", err)
		}
	}()

	resolver := imagesource.NewResolver(imagesource.Options{
		Timeout:         cfg.FetchTimeout,
		MaxBytes:        cfg.MaxImageBytes,
		MaxPixels:       cfg.MaxImagePixels,
		AllowLocalPaths: cfg.AllowLocalPaths,
		LocalRoot:       cfg.LocalRoot,
	})
	logger.Infow("image resolver ready", "resolver", resolver.String())

	limits := imagesource.Limits{MaxBytes: cfg.MaxImageBytes, MaxPixels: cfg.MaxImagePixels}
	handler := handlers.NewHandler(modelServer, resolver, limits, logger.Named("http"))

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handlers.Wrap(handler.Routes(), cfg.CORSOrigins, logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.FetchTimeout + 60*time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return serve(c.Context, srv, cfg.ShutdownTimeout, logger)
}

// serve runs srv until SIGINT/SIGTERM or ctx is done, then drains in-flight requests.
func serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("server starting",
			"addr", srv.Addr,
			"endpoints", []string{"GET /health", "POST /predict", "POST /predict/image"})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "graceful shutdown failed")
	}
	return nil
}
