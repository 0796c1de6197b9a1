package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var gatewayEnvKeys = []string{
	"VAI_SPEECH_CONFIG_FILE",
	"VAI_SPEECH_ADDR",
	"VAI_SPEECH_TRUST_PROXY_HEADERS",
	"VAI_SPEECH_CORS_ORIGINS",
	"VAI_SPEECH_LOG_LEVEL",
	"VAI_SPEECH_LOG_FORMAT",
	"VAI_SPEECH_LIMIT_CONNECT_RPS",
	"VAI_SPEECH_LIMIT_CONNECT_BURST",
	"VAI_SPEECH_LIMIT_MAX_SESSIONS_PER_CLIENT",
	"VAI_SPEECH_LIMIT_MAX_SESSIONS",
	"VAI_SPEECH_LIVE_OUTPUT_RATE",
	"VAI_SPEECH_LIVE_MAX_AUDIO_FRAME_BYTES",
	"VAI_SPEECH_LIVE_TURN_TIMEOUT",
	"VAI_SPEECH_LIVE_WS_READ_TIMEOUT",
	"VAI_SPEECH_LIVE_SURFACE_TOKENS",
	"VAI_SPEECH_LIVE_HISTORY_TURNS",
	"VAI_SPEECH_VAD_START_THRESHOLD",
	"VAI_SPEECH_VAD_RELEASE_THRESHOLD",
	"VAI_SPEECH_VAD_SILENCE_TIMEOUT",
	"VAI_SPEECH_STT_PROVIDER",
	"VAI_SPEECH_STT_API_KEY",
	"VAI_SPEECH_STT_MODEL",
	"VAI_SPEECH_TTS_PROVIDER",
	"VAI_SPEECH_TTS_API_KEY",
	"VAI_SPEECH_TTS_VOICE",
	"VAI_SPEECH_RESPONDER",
	"VAI_SPEECH_RESPONDER_API_KEY",
	"VAI_SPEECH_REDIS_URL",
	"VAI_SPEECH_REDIS_TTL",
	"VAI_SPEECH_OTLP_ENDPOINT",
	"VAI_SPEECH_SHUTDOWN_GRACE_PERIOD",
	"DEEPGRAM_API_KEY",
	"CARTESIA_API_KEY",
	"ELEVENLABS_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
}

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, key := range gatewayEnvKeys {
		t.Setenv(key, "")
	}
}

// setEngineKeys satisfies the default deepgram + elevenlabs selection.
func setEngineKeys(t *testing.T) {
	t.Helper()
	t.Setenv("DEEPGRAM_API_KEY", "dg_test")
	t.Setenv("ELEVENLABS_API_KEY", "el_test")
	t.Setenv("VAI_SPEECH_TTS_VOICE", "voice_1")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearGatewayEnv(t)
	setEngineKeys(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.TrustProxyHeaders {
		t.Fatalf("TrustProxyHeaders = true, want false")
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Fatalf("log = %s/%s, want info/text", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.LiveCanonicalRate != 16000 {
		t.Fatalf("LiveCanonicalRate = %d, want 16000", cfg.LiveCanonicalRate)
	}
	if cfg.LiveOutputRate != 24000 {
		t.Fatalf("LiveOutputRate = %d, want 24000", cfg.LiveOutputRate)
	}
	if cfg.LiveTurnTimeout != 60*time.Second {
		t.Fatalf("LiveTurnTimeout = %v, want 60s", cfg.LiveTurnTimeout)
	}
	if cfg.LiveInterruptGrace != 100*time.Millisecond {
		t.Fatalf("LiveInterruptGrace = %v, want 100ms", cfg.LiveInterruptGrace)
	}
	if cfg.LiveEmitterDepth != 10 {
		t.Fatalf("LiveEmitterDepth = %d, want 10", cfg.LiveEmitterDepth)
	}
	if cfg.LiveSubFrame != 20*time.Millisecond {
		t.Fatalf("LiveSubFrame = %v, want 20ms", cfg.LiveSubFrame)
	}
	if cfg.LiveMaxProtocolViolations != 8 {
		t.Fatalf("LiveMaxProtocolViolations = %d, want 8", cfg.LiveMaxProtocolViolations)
	}
	if cfg.LiveWSReadTimeout != 0 {
		t.Fatalf("LiveWSReadTimeout = %v, want 0", cfg.LiveWSReadTimeout)
	}
	if cfg.VADStartThreshold != 0.02 || cfg.VADReleaseThreshold != 0.012 {
		t.Fatalf("VAD thresholds = %v/%v", cfg.VADStartThreshold, cfg.VADReleaseThreshold)
	}
	if cfg.VADSilenceTimeout != 600*time.Millisecond {
		t.Fatalf("VADSilenceTimeout = %v, want 600ms", cfg.VADSilenceTimeout)
	}
	if cfg.STTProvider != STTDeepgram || cfg.STTAPIKey != "dg_test" {
		t.Fatalf("stt = %s key=%q", cfg.STTProvider, cfg.STTAPIKey)
	}
	if cfg.TTSProvider != TTSElevenLabs || cfg.TTSAPIKey != "el_test" {
		t.Fatalf("tts = %s key=%q", cfg.TTSProvider, cfg.TTSAPIKey)
	}
	if cfg.Responder != ResponderEcho {
		t.Fatalf("Responder = %q, want echo", cfg.Responder)
	}
	if cfg.RedisURL != "" || cfg.OTLPEndpoint != "" {
		t.Fatalf("optional integrations enabled by default")
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v, want 30s", cfg.ShutdownGracePeriod)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearGatewayEnv(t)
	setEngineKeys(t)
	t.Setenv("VAI_SPEECH_ADDR", ":9090")
	t.Setenv("VAI_SPEECH_TRUST_PROXY_HEADERS", "true")
	t.Setenv("VAI_SPEECH_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("VAI_SPEECH_LOG_FORMAT", "JSON")
	t.Setenv("VAI_SPEECH_LIVE_OUTPUT_RATE", "48000")
	t.Setenv("VAI_SPEECH_LIVE_SURFACE_TOKENS", "off")
	t.Setenv("VAI_SPEECH_STT_PROVIDER", "google")
	t.Setenv("VAI_SPEECH_RESPONDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "gm_test")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":9090" || !cfg.TrustProxyHeaders {
		t.Fatalf("Addr=%q TrustProxyHeaders=%v", cfg.Addr, cfg.TrustProxyHeaders)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
	if _, ok := cfg.CORSAllowedOrigins["https://b.example"]; !ok {
		t.Fatalf("missing trimmed origin in %v", cfg.CORSAllowedOrigins)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if cfg.LiveOutputRate != 48000 || cfg.LiveSurfaceTokens {
		t.Fatalf("LiveOutputRate=%d LiveSurfaceTokens=%v", cfg.LiveOutputRate, cfg.LiveSurfaceTokens)
	}
	if cfg.STTProvider != STTGoogle {
		t.Fatalf("STTProvider = %q", cfg.STTProvider)
	}
	if cfg.Responder != ResponderGemini || cfg.ResponderAPIKey != "gm_test" {
		t.Fatalf("responder = %q key=%q", cfg.Responder, cfg.ResponderAPIKey)
	}
}

func TestLoadFromEnv_InvalidNumbersFallBackToDefaults(t *testing.T) {
	clearGatewayEnv(t)
	setEngineKeys(t)
	t.Setenv("VAI_SPEECH_LIVE_HISTORY_TURNS", "many")
	t.Setenv("VAI_SPEECH_LIVE_TURN_TIMEOUT", "soon")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.LiveHistoryTurns != 8 {
		t.Fatalf("LiveHistoryTurns = %d, want 8", cfg.LiveHistoryTurns)
	}
	if cfg.LiveTurnTimeout != 60*time.Second {
		t.Fatalf("LiveTurnTimeout = %v, want 60s", cfg.LiveTurnTimeout)
	}
}

func TestLoadFromEnv_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"log level", map[string]string{"VAI_SPEECH_LOG_LEVEL": "loud"}, "VAI_SPEECH_LOG_LEVEL"},
		{"stt provider", map[string]string{"VAI_SPEECH_STT_PROVIDER": "whisper"}, "VAI_SPEECH_STT_PROVIDER"},
		{"stt key", map[string]string{"DEEPGRAM_API_KEY": ""}, "VAI_SPEECH_STT_API_KEY"},
		{"tts voice", map[string]string{"VAI_SPEECH_TTS_VOICE": ""}, "VAI_SPEECH_TTS_VOICE"},
		{"tts provider", map[string]string{"VAI_SPEECH_TTS_PROVIDER": "polly"}, "VAI_SPEECH_TTS_PROVIDER"},
		{"gemini key", map[string]string{"VAI_SPEECH_RESPONDER": "gemini"}, "VAI_SPEECH_RESPONDER_API_KEY"},
		{"frame bytes", map[string]string{"VAI_SPEECH_LIVE_MAX_AUDIO_FRAME_BYTES": "0"}, "VAI_SPEECH_LIVE_MAX_AUDIO_FRAME_BYTES"},
		{"read timeout", map[string]string{"VAI_SPEECH_LIVE_WS_READ_TIMEOUT": "-1s"}, "VAI_SPEECH_LIVE_WS_READ_TIMEOUT"},
		{"release above start", map[string]string{"VAI_SPEECH_VAD_RELEASE_THRESHOLD": "0.5"}, "VAI_SPEECH_VAD_RELEASE_THRESHOLD"},
		{"sessions", map[string]string{"VAI_SPEECH_LIMIT_MAX_SESSIONS": "-1"}, "VAI_SPEECH_LIMIT_MAX_SESSIONS"},
		{"redis ttl", map[string]string{"VAI_SPEECH_REDIS_URL": "redis://localhost:6379", "VAI_SPEECH_REDIS_TTL": "0s"}, "VAI_SPEECH_REDIS_TTL"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearGatewayEnv(t)
			setEngineKeys(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vai-speech.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromEnv_FileOverlay(t *testing.T) {
	clearGatewayEnv(t)
	setEngineKeys(t)
	path := writeConfigFile(t, `
addr: ":7070"
cors_origins:
  - https://app.example
  - https://admin.example
live:
  output_rate: 16000
  turn_timeout: 45s
vad:
  silence_timeout: 800ms
stt:
  provider: google
  model: latest_long
redis:
  url: redis://localhost:6379/0
`)
	t.Setenv("VAI_SPEECH_CONFIG_FILE", path)
	t.Setenv("VAI_SPEECH_LIVE_OUTPUT_RATE", "22050")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":7070" {
		t.Fatalf("Addr = %q, want :7070 from file", cfg.Addr)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
	if cfg.LiveOutputRate != 22050 {
		t.Fatalf("LiveOutputRate = %d, env must override the file", cfg.LiveOutputRate)
	}
	if cfg.LiveTurnTimeout != 45*time.Second {
		t.Fatalf("LiveTurnTimeout = %v, want 45s", cfg.LiveTurnTimeout)
	}
	if cfg.VADSilenceTimeout != 800*time.Millisecond {
		t.Fatalf("VADSilenceTimeout = %v, want 800ms", cfg.VADSilenceTimeout)
	}
	if cfg.STTProvider != STTGoogle || cfg.STTModel != "latest_long" {
		t.Fatalf("stt = %s/%s", cfg.STTProvider, cfg.STTModel)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("RedisURL = %q", cfg.RedisURL)
	}
}

func TestLoadFromEnv_MissingFile(t *testing.T) {
	clearGatewayEnv(t)
	setEngineKeys(t)
	t.Setenv("VAI_SPEECH_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadFile_RejectsNestedLists(t *testing.T) {
	path := writeConfigFile(t, "cors_origins:\n  - [a, b]\n")
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected error for nested list")
	}
}

func TestLoadFile_Flattens(t *testing.T) {
	path := writeConfigFile(t, `
live:
  surface-tokens: false
  max_audio_fps: 60
vad:
  start_threshold: 0.05
`)
	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	want := map[string]string{
		"LIVE_SURFACE_TOKENS": "false",
		"LIVE_MAX_AUDIO_FPS":  "60",
		"VAD_START_THRESHOLD": "0.05",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s = %q, want %q (all: %v)", k, got[k], v, got)
		}
	}
}
