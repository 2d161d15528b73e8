package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/gesture-api/internal/auth"
	"github.com/example/gesture-api/internal/config"
	"github.com/example/gesture-api/internal/grpcclient"
	"github.com/example/gesture-api/internal/handlers"
	"github.com/example/gesture-api/internal/httpclient"
	"github.com/example/gesture-api/internal/logging"
	"github.com/example/gesture-api/internal/recognizer"
	"github.com/example/gesture-api/internal/tempstore"
	"github.com/example/gesture-api/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("invalid configuration", zap.Error(err))
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	store, err := tempstore.New(cfg.Upload.TempDir)
	if err != nil {
		logger.Fatal("failed to prepare temp directory", zap.Error(err))
	}
	logger.Info("temp directory ready", zap.String("dir", store.Dir()))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rec, closeRecognizer, err := newRecognizer(ctx, cfg.Recognizer, logger)
	if err != nil {
		logger.Fatal("failed to connect to gesture recognizer", zap.Error(err))
	}
	defer closeRecognizer() //nolint:errcheck

	policy := usecase.UploadPolicy{
		AllowedExtensions: cfg.Upload.AllowedExtensions,
		MaxBytes:          cfg.Upload.MaxBytes,
	}
	uc := usecase.NewRecognitionUseCase(store, rec, policy, logger)

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.MaxMultipartMemory = cfg.Upload.MultipartMemory
	r.Use(handlers.RequestID(), handlers.RequestLogger(logger), handlers.Recovery(logger))

	var guards []gin.HandlerFunc
	if cfg.Auth.Enabled() {
		guards = append(guards, auth.BearerJWT(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience))
		logger.Info("bearer authentication enabled for /predict")
	}
	handlers.RegisterRoutes(r, uc, logger, guards...)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("gesture API listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("recognizer_backend", cfg.Recognizer.Backend),
	)
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// newRecognizer builds the configured model adapter and the function that
// releases it.
func newRecognizer(ctx context.Context, cfg config.RecognizerConfig, logger *zap.Logger) (recognizer.Recognizer, func() error, error) {
	switch cfg.Backend {
	case config.BackendHTTP:
		return httpclient.New(cfg.URL, cfg.Timeout, logger), func() error { return nil }, nil
	default:
		client, conn, err := grpcclient.DialRecognizer(ctx, cfg.Addr, cfg.DialTimeout, cfg.Timeout, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, conn.Close, nil
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
