package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/voicechat/internal/config"
	"github.com/lokutor-ai/voicechat/internal/observability"
	"github.com/lokutor-ai/voicechat/pkg/device"
	"github.com/lokutor-ai/voicechat/pkg/orchestrator"
	"github.com/lokutor-ai/voicechat/pkg/pipeline"
	"github.com/lokutor-ai/voicechat/pkg/settings"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log := observability.NewLogger(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("agent stopped")
		os.Exit(1)
	}
	fmt.Printf("\nShutting down...\n")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	store, err := settings.NewFileStore(cfg.SettingsPath,
		settings.WithOrigin("agent"),
		settings.WithPollInterval(cfg.SettingsPoll),
		settings.WithLogger(log.With().Str("component", "settings").Logger()),
	)
	if err != nil {
		return err
	}
	var catalog *settings.Catalog
	if cfg.PersonalitiesPath != "" {
		if catalog, err = settings.LoadCatalog(cfg.PersonalitiesPath); err != nil {
			return err
		}
	}

	audioCtx, err := device.NewContext(log.With().Str("component", "device").Logger())
	if err != nil {
		return err
	}
	defer audioCtx.Close()

	speaker := device.NewSpeaker(audioCtx)
	ffplay, err := device.NewFFPlay(cfg.FFPlayPath)
	if err != nil {
		log.Warn().Err(err).Msg("compressed responses will not be playable")
	}
	player := device.NewPlayer(speaker, ffplay)
	logger := observability.NewZerologAdapter(log)
	playback := orchestrator.NewPlaybackController(speaker, player, cfg.PlaybackWatchdog, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return store.Run(ctx) })

	var state func() string
	var conv *orchestrator.Conversation
	if cfg.Mode == config.ModePipeline {
		client := pipeline.NewClient(cfg.PipelineURL, pipeline.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: cfg.PipelineTimeout,
			},
		}))
		ocfg := orchestrator.DefaultConfig()
		ocfg.SampleRate = cfg.SampleRate
		ocfg.RecordingFormat = cfg.RecordingFormat
		ocfg.VADTick = cfg.VADTick
		ocfg.LevelTick = cfg.LevelTick
		ocfg.RestartDebounce = cfg.RestartDebounce

		conv, err = orchestrator.NewConversation(store, catalog, ocfg, orchestrator.Dependencies{
			Microphone: device.NewMicrophone(audioCtx, cfg.Channels, device.DefaultPeriod),
			Processor:  client,
			Playback:   playback,
			Volume:     player,
			Logger:     logger,
			Metrics:    metrics,
		})
		if err != nil {
			return err
		}
		state = func() string { return string(conv.Session().State()) }
	}

	if cfg.MetricsAddr != "" {
		mux := observability.NewMux(reg, state)
		g.Go(func() error { return observability.Serve(ctx, cfg.MetricsAddr, mux, log) })
	}

	switch cfg.Mode {
	case config.ModePipeline:
		g.Go(func() error { return runPipeline(ctx, conv, cfg.TestMessage, log) })
	case config.ModeRealtime:
		g.Go(func() error { return runRealtime(ctx, cfg.RealtimeURL, store, playback, player, log) })
	}
	return g.Wait()
}

func runPipeline(ctx context.Context, conv *orchestrator.Conversation, testMessage string, log zerolog.Logger) error {
	defer conv.Close()

	fmt.Printf("Voice agent ready (pipeline mode). Personalities: %d\n", len(conv.Personalities()))
	if err := conv.Start(ctx); err != nil {
		fmt.Printf("❌ [ERROR] %s\n", orchestrator.UserMessage(err))
		return err
	}
	if testMessage != "" {
		if err := conv.Session().SubmitText(ctx, testMessage); err != nil {
			log.Warn().Err(err).Msg("test message not queued")
		}
	}

	events := conv.Session().Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-events:
			printEvent(event)
		}
	}
}

func printEvent(event orchestrator.OrchestratorEvent) {
	switch event.Type {
	case orchestrator.StateChanged:
		fmt.Printf("\r\033[K[STATE] %v\n", event.Data)
	case orchestrator.UserSpeaking:
		fmt.Printf("\r\033[K🎤 [USER] Speaking...\n")
	case orchestrator.UserStopped:
		fmt.Printf("\r\033[K⌛ [PIPELINE] Processing...\n")
	case orchestrator.TranscriptFinal:
		fmt.Printf("\r\033[K📝 [TRANSCRIPT] %v\n", event.Data)
	case orchestrator.BotResponse:
		fmt.Printf("\r\033[K🧠 [ASSISTANT] %v\n", event.Data)
	case orchestrator.BotSpeaking:
		fmt.Printf("\r\033[K🔊 [TTS] Speaking...\n")
	case orchestrator.TimingsReported:
		if t, ok := event.Data.(pipeline.Timings); ok {
			fmt.Printf("\r\033[K⏱  stt %v | llm %v | tts %v | total %v\n", t.STT, t.LLM, t.TTS, t.Total)
		}
	case orchestrator.ErrorEvent:
		if info, ok := event.Data.(orchestrator.ErrorInfo); ok {
			fmt.Printf("\r\033[K❌ [ERROR] %s (%s)\n", info.Message, info.Kind)
		}
	case orchestrator.ErrorCleared:
		fmt.Printf("\r\033[K[ERROR CLEARED]\n")
	}
}

// runRealtime relays a server-side realtime session: the server detects
// turns and answers, the client only plays and prints.
func runRealtime(ctx context.Context, url string, store settings.Store, playback *orchestrator.PlaybackController, volume orchestrator.VolumeControl, log zerolog.Logger) error {
	s, err := store.Load()
	if err != nil {
		return err
	}
	volume.SetVolume(s.Volume)
	unsubscribe := store.Subscribe(func(ch settings.Change) {
		if settings.Compare(ch.Old, ch.New).VolumeChanged {
			volume.SetVolume(ch.New.Volume)
		}
	})
	defer unsubscribe()

	sess, err := pipeline.NewRealtimeClient(url).Connect(ctx, pipeline.RealtimeConfigFrom(s))
	if err != nil {
		fmt.Printf("❌ [ERROR] %s\n", orchestrator.UserMessage(err))
		return err
	}
	defer sess.Close()
	fmt.Printf("Voice agent ready (realtime mode) at %s\n", url)

	// Replies play one after another while events keep flowing.
	go func() {
		for resp := range sess.Responses() {
			res, err := playback.Play(ctx, resp, nil)
			if err != nil {
				log.Warn().Err(err).Str("mode", string(res.Mode)).Msg("realtime playback failed")
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sess.Events():
			if !ok {
				<-sess.Done()
				return sess.Err()
			}
			switch ev.Type {
			case pipeline.EventUserTranscript:
				fmt.Printf("\r\033[K📝 [USER] %s\n", ev.Data.Transcript)
			case pipeline.EventAssistantTranscript:
				fmt.Printf("\r\033[K🧠 [ASSISTANT] %s\n", ev.Data.Transcript)
			case pipeline.EventError:
				fmt.Printf("\r\033[K❌ [ERROR] %s\n", ev.Data.Error)
			}
		}
	}
}
