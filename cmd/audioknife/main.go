// Command audioknife runs the conversation broker's single HTTP/WebSocket
// endpoint, wiring the shared registry, billing collector, and server the
// way the teacher's cmd/api-server composes its dependencies at startup.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/audioknife/internal/billing"
	"github.com/rapidaai/audioknife/internal/config"
	"github.com/rapidaai/audioknife/internal/core"
	"github.com/rapidaai/audioknife/internal/logging"
	"github.com/rapidaai/audioknife/internal/server"
	"github.com/rapidaai/audioknife/internal/service/azure"
	"github.com/rapidaai/audioknife/internal/service/deepgram"
	"github.com/rapidaai/audioknife/internal/service/google"
	"github.com/rapidaai/audioknife/internal/service/openai"
	"github.com/rapidaai/audioknife/internal/service/playback"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		panic(err)
	}

	registry := core.NewRegistry().
		AddService("azure-synthesize", azure.Synthesize{}).
		AddService("azure-transcribe", azure.Transcribe{}).
		AddService("azure-translate", azure.Translate{}).
		AddService("google-synthesize", google.Synthesize{}).
		AddService("google-transcribe", google.Transcribe{}).
		AddService("openai-dialog", openai.Dialog{}).
		AddService("deepgram-transcribe", deepgram.Transcribe{}).
		AddService("playback", playback.Playback{})

	collector := billing.NewCollector()

	srv := server.New(cfg, registry, collector, logger)

	httpServer := &http.Server{
		Addr:    cfg.Address,
		Handler: srv.Handler(),
	}

	// The listener and the signal watcher run as an errgroup so that either
	// one's failure (a listen error, or a shutdown that didn't clear in
	// time) surfaces through a single g.Wait() instead of a bare os.Exit
	// buried inside a goroutine.
	g, gCtx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		logger.Infof("audioknife: listening on %s", cfg.Address)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-stop:
		case <-gCtx.Done():
		}

		logger.Infof("audioknife: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod+5*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("audioknife: %v", err)
		os.Exit(1)
	}
}
