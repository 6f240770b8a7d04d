package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/relay-voice-lab/internal/config"
	"github.com/relay-voice-lab/internal/logging"
	"github.com/relay-voice-lab/internal/metrics"
	"github.com/relay-voice-lab/internal/voice"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	sugar := logging.Init()
	if sugar == nil {
		l, _ := zap.NewProduction()
		defer l.Sync()
		sugar = l.Sugar()
	}

	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalf("configuration invalid: %v", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.MetricsAddr != "" {
		go func() {
			sugar.Infow("metrics listener starting", "addr", cfg.MetricsAddr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				sugar.Warnf("metrics listener failed: %v", err)
			}
		}()
	}

	lost := make(chan error, 1)
	session, err := voice.New(voice.Options{
		Config:  cfg,
		Metrics: m,
		Events: voice.Events{
			AudioLevel: func(speaker string, level float64, isSpeech bool) {
				logging.Debugw("audio level", "speaker", speaker, "level_db", level, "speech", isSpeech)
			},
			Transcription: func(speaker, text string, confidence float64, language string, duration time.Duration) {
				logging.Infow("transcription",
					"speaker", speaker,
					"text", text,
					"confidence", confidence,
					"language", language,
					"duration_ms", duration.Milliseconds())
			},
			ProcessingError: func(speaker string, err error) {
				logging.Warnw("utterance processing failed", "speaker", speaker, "error", err)
			},
			Closed: func(err error) { lost <- err },
		},
	})
	if err != nil {
		sugar.Fatalf("voice.New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = session.Start(ctx)
	cancel()
	if err != nil {
		sugar.Fatalf("session start failed: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		sugar.Infow("shutdown signal received", "signal", sig.String())
	case err := <-lost:
		sugar.Errorw("session lost, shutting down", "error", err)
	}

	session.Stop()

	stats := session.Stats()
	sugar.Infow("final session stats",
		"packets_received", stats.Transport.PacketsReceived,
		"frames_produced", stats.Transport.FramesProduced,
		"utterances_emitted", stats.UtterancesEmitted,
		"transcriptions", stats.Pool.Succeeded,
		"failures", stats.Pool.Failed)

	_ = logging.Sync()
	sugar.Info("shutdown complete")
}
