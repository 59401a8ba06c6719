package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"htpsniff/internal/config"
	"htpsniff/internal/engine"
	"htpsniff/internal/handlers"
	"htpsniff/internal/metrics"
	"htpsniff/internal/models"
)

const shutdownTimeout = 10 * time.Second

func main() {
	pcapFile := flag.String("pcap", "", "parse a pcap file, print results as JSON lines and exit")
	envFile := flag.String("env", "", "optional .env file")
	flag.Parse()

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(config.EnvPrefix, files...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	m := metrics.New(cfg.MetricsNamespace)
	eng := engine.New(cfg, logger, m)

	if *pcapFile != "" {
		if err := replay(eng, *pcapFile, os.Stdout); err != nil {
			logger.Error("replay failed", "file", *pcapFile, "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, eng, m.Handler(), logger)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("htpsniff listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		eng.StopCapture()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("htpsniff terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("htpsniff stopped")
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

// lineWriter is an engine client printing transactions and connections as
// JSON lines.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *lineWriter) SendMessage(msg models.WSMessage) error {
	if msg.Type != models.TypeTransaction && msg.Type != models.TypeConnection {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(msg)
}

func replay(eng *engine.Engine, path string, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.RegisterClient(&lineWriter{enc: json.NewEncoder(out)})
	_, err := eng.LoadPcapFile(ctx, path)
	return err
}
