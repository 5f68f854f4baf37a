package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/voicegate-ai/voicegate/pkg/audio"
	"github.com/voicegate-ai/voicegate/pkg/config"
	"github.com/voicegate-ai/voicegate/pkg/control"
	"github.com/voicegate-ai/voicegate/pkg/observe"
	"github.com/voicegate-ai/voicegate/pkg/observer"
	"github.com/voicegate-ai/voicegate/pkg/room"
	"github.com/voicegate-ai/voicegate/pkg/session"
	"github.com/voicegate-ai/voicegate/pkg/stt"
	"github.com/voicegate-ai/voicegate/pkg/trace"
	"github.com/voicegate-ai/voicegate/pkg/transport"
	"github.com/voicegate-ai/voicegate/pkg/tts"
	"github.com/voicegate-ai/voicegate/pkg/vad"
)

func main() {
	godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Printf("[Main] Invalid configuration: %v", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		log.Printf("[Main] Fatal: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := trace.Initialize(ctx, &trace.Config{
		ServiceName:    "voicegate",
		ServiceVersion: "0.1.0",
		Environment:    "production",
		ExporterType:   cfg.TraceExporter,
		OTLPEndpoint:   cfg.TraceOTLPEndpoint,
		SamplingRate:   1.0,
	}); err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer trace.Shutdown(context.Background())

	metrics, err := observe.New(cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("metrics init: %w", err)
	}
	defer metrics.Shutdown(context.Background())

	sessionID := uuid.NewString()
	state := session.NewState(sessionID, cfg.RoomURL)
	state.LocalStopEnabled.Store(cfg.LocalStopEnabled)
	state.LocalStopGuardMs.Store(cfg.LocalStopGuardMs)
	state.LocalStopMinRMS.Store(cfg.LocalStopMinRMS)
	state.STTMinRMS.Store(cfg.STTMinRMS)
	state.STTSuppressionCooldownMs.Store(cfg.STTCooldownMs)
	state.MicToSTTEnabled.Store(cfg.STTEnabled)

	ctx, span := trace.StartSessionSpan(ctx, sessionID, cfg.RoomURL, cfg.Transport)
	defer span.End()

	// Transport: a real room, or a local loopback device for development.
	var trans transport.Transport
	switch cfg.Transport {
	case config.TransportLocal:
		trans, err = transport.NewLocalTransport()
	default:
		trans, err = room.Join(ctx, room.Config{
			RoomURL: cfg.RoomURL,
			Token:   cfg.RoomToken,
		})
	}
	if err != nil {
		return fmt.Errorf("room_join_failed: %w", err)
	}

	var (
		sttClient *stt.Client
		obs       *observer.Emitter
	)
	ctrl := control.NewClient(control.Config{
		URL:             cfg.ControlURL(),
		FeatureInterval: cfg.OrchFeatureInterval,
	}, nil)

	// Shutdown order: transport first so no more audio flows, then the
	// control stream, the STT stream, and last the telemetry emitter.
	defer func() {
		trans.Close()
		ctrl.Close()
		if sttClient != nil {
			sttClient.Close()
		}
		obs.Close()
	}()

	// STT is optional at runtime: an unreachable sidecar drops transcripts
	// but audio keeps flowing.
	var sttStream session.STTStream
	if cfg.STTEnabled {
		sttClient, err = stt.Dial(ctx, stt.Config{
			UDSPath:  cfg.STTUDSPath,
			Language: cfg.STTLanguage,
		}, state, ctrl)
		if err != nil {
			log.Printf("[Main] STT sidecar unavailable, continuing without transcripts: %v", err)
			sttClient = nil
		} else {
			sttStream = sttClient
		}
	}

	if cfg.ObserverURL != "" {
		obs = observer.NewEmitter(observer.Config{URL: cfg.ObserverURL}, state, state.Stop)
		obs.Start(ctx)
	}

	classifier := buildClassifier(cfg)
	engine := vad.NewEngine(classifier, vad.Config{
		MinStartFrames: cfg.VADMinStartFrames,
		MinBurstFrames: cfg.VADMinBurstFrames,
		HangoverFrames: cfg.VADHangoverFrames(),
		MaxUtteranceMs: cfg.VADMaxUtteranceMs,
	})
	ring := audio.NewRingBuffer(cfg.RingBufferMs, cfg.RingBufferHardCapMs, 20)
	batcher := audio.NewFrameBatcher(cfg.STTBatchMs)

	manager := session.NewManager(state, engine, ring, batcher, sttStream, ctrl, obs, session.ManagerConfig{
		LocalStopRequireInterim: cfg.LocalStopRequireInterim,
		InterimWindowMs:         cfg.InterimWindowMs,
		MinInterimLen:           cfg.MinInterimLen,
		MinStartFramesWhileTTS:  cfg.MinStartFramesWhileTTS,
		STTEnabled:              cfg.STTEnabled,
		STTContinuous:           cfg.STTContinuous,
		STTSilenceRMSFloor:      cfg.STTSilenceRMSFloor,
	})

	adapter := &transport.Adapter{
		OnFrame:   manager.OnFrame,
		InputGain: cfg.InputGain,
		TTSActive: state.Speaking.Load,
	}
	trans.SetRemoteAudioHandler(adapter.HandleRemoteAudio)

	synth := tts.NewElevenLabsClient(tts.ElevenLabsConfig{
		BaseURL:      cfg.ElevenLabsBaseURL,
		APIKey:       cfg.ElevenLabsAPIKey,
		VoiceID:      cfg.ElevenLabsVoiceID,
		ReadTimeout:  cfg.TTSReadTimeout,
		TotalTimeout: cfg.TTSTotalTimeout,
		MaxBytes:     cfg.TTSMaxBytes,
	}, session.NowMs)

	controller := session.NewController(session.ControllerConfig{
		Greeting:               cfg.Greeting,
		AccumDebounce:          cfg.TTSAccumDebounce,
		IdleExit:               cfg.IdleExit,
		StayConnected:          cfg.StayConnected,
		ParticipantTimeout:     cfg.ParticipantTimeout,
		InitialPrebufferFrames: cfg.TTSPrebufferFrames,
		TTSStreaming:           cfg.TTSStreaming,
		Pipeline: tts.PipelineConfig{
			PrebufferTimeout: cfg.TTSPrebufferTimeout,
		},
	}, state, trans, manager, synth, ctrl, obs, metrics)

	ctrl.SetHandler(controller)
	ctrl.Start(ctx)

	metrics.SessionStarted()
	defer metrics.SessionEnded()

	log.Printf("[Main] Session %s starting on %s transport", sessionID, cfg.Transport)
	if err := controller.Run(ctx); err != nil {
		trace.RecordError(span, err)
		return err
	}
	return nil
}

// buildClassifier prefers the Silero model when configured and built in,
// falling back to the adaptive energy classifier.
func buildClassifier(cfg *config.Config) vad.Classifier {
	if cfg.VADModelPath != "" {
		c, err := vad.NewSileroClassifier(cfg.VADModelPath, float32(cfg.VADThreshold))
		if err == nil {
			log.Printf("[Main] Using Silero VAD model %s", cfg.VADModelPath)
			return c
		}
		log.Printf("[Main] Silero VAD unavailable (%v), using energy classifier", err)
	}
	return vad.NewEnergyClassifier(cfg.VADAggressiveness)
}
