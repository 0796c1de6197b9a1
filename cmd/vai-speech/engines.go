package main

import (
	"context"
	"fmt"
	"io"

	"github.com/vango-go/vai-speech/pkg/core/responder"
	"github.com/vango-go/vai-speech/pkg/core/stt"
	"github.com/vango-go/vai-speech/pkg/core/tts"
	"github.com/vango-go/vai-speech/pkg/gateway/config"
	"github.com/vango-go/vai-speech/pkg/gateway/handlers"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// buildEngines creates the process-wide engine clients named by cfg. The
// returned closer releases the ones that hold connections.
func buildEngines(ctx context.Context, cfg config.Config) (handlers.Engines, io.Closer, error) {
	var closers []io.Closer
	closeAll := closerFunc(func() error {
		var first error
		for _, c := range closers {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
		return first
	})

	var e handlers.Engines

	switch cfg.STTProvider {
	case config.STTDeepgram:
		var opts []stt.DeepgramOption
		if cfg.STTModel != "" {
			opts = append(opts, stt.WithDeepgramModel(cfg.STTModel))
		}
		e.STT = stt.NewDeepgram(cfg.STTAPIKey, opts...)
	case config.STTGoogle:
		g, err := stt.NewGoogle(ctx, cfg.STTModel)
		if err != nil {
			return handlers.Engines{}, nil, fmt.Errorf("google stt: %w", err)
		}
		closers = append(closers, g)
		e.STT = g
	case config.STTCartesia:
		e.STT = stt.NewCartesia(cfg.STTAPIKey, cfg.STTModel)
	default:
		return handlers.Engines{}, nil, fmt.Errorf("unknown stt provider %q", cfg.STTProvider)
	}

	switch cfg.TTSProvider {
	case config.TTSElevenLabs:
		el, err := tts.NewElevenLabs(tts.ElevenLabsConfig{
			APIKey:     cfg.TTSAPIKey,
			VoiceID:    cfg.TTSVoice,
			ModelID:    cfg.TTSModel,
			SampleRate: cfg.TTSSampleRate,
		})
		if err != nil {
			_ = closeAll()
			return handlers.Engines{}, nil, fmt.Errorf("elevenlabs tts: %w", err)
		}
		e.TTS = el
	case config.TTSCartesia:
		c, err := tts.NewCartesia(tts.CartesiaConfig{
			APIKey:     cfg.TTSAPIKey,
			VoiceID:    cfg.TTSVoice,
			ModelID:    cfg.TTSModel,
			SampleRate: cfg.TTSSampleRate,
		})
		if err != nil {
			_ = closeAll()
			return handlers.Engines{}, nil, fmt.Errorf("cartesia tts: %w", err)
		}
		e.TTS = c
	case config.TTSDeepgram:
		d, err := tts.NewDeepgram(cfg.TTSAPIKey, cfg.TTSModel, cfg.TTSSampleRate)
		if err != nil {
			_ = closeAll()
			return handlers.Engines{}, nil, fmt.Errorf("deepgram tts: %w", err)
		}
		e.TTS = d
	default:
		_ = closeAll()
		return handlers.Engines{}, nil, fmt.Errorf("unknown tts provider %q", cfg.TTSProvider)
	}

	switch cfg.Responder {
	case config.ResponderEcho:
		e.Responder = &responder.Echo{Prefix: cfg.EchoPrefix}
	case config.ResponderGemini:
		g, err := responder.NewGemini(ctx, responder.GeminiConfig{
			APIKey:          cfg.ResponderAPIKey,
			Model:           cfg.ResponderModel,
			SystemPrompt:    cfg.ResponderSystemPrompt,
			MaxOutputTokens: int32(cfg.ResponderMaxTokens),
		})
		if err != nil {
			_ = closeAll()
			return handlers.Engines{}, nil, fmt.Errorf("gemini responder: %w", err)
		}
		e.Responder = g
	default:
		_ = closeAll()
		return handlers.Engines{}, nil, fmt.Errorf("unknown responder %q", cfg.Responder)
	}

	return e, closeAll, nil
}
