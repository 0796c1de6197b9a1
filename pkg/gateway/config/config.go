package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "VAI_SPEECH_"

type Config struct {
	Addr string

	// If true, trust X-Forwarded-For / X-Real-IP for client identity.
	TrustProxyHeaders bool

	// Browser origins allowed to open live sessions. Empty allows only
	// same-origin and non-browser clients.
	CORSAllowedOrigins map[string]struct{}

	LogLevel  string
	LogFormat string

	// Per-client admission. Connection rate applies to session upgrades.
	LimitConnectRPS           float64
	LimitConnectBurst         int
	LimitMaxSessionsPerClient int
	LimitMaxSessions          int

	// Live session settings.
	LiveCanonicalRate          int
	LiveOutputRate             int
	LiveDefaultLanguage        string
	LiveMaxAudioFrameBytes     int
	LiveMaxJSONMessageBytes    int64
	LiveMaxAudioFPS            int
	LiveMaxAudioBytesPerSecond int64
	LiveInboundBurstSeconds    int
	LiveStartTimeout           time.Duration
	LiveWSPingInterval         time.Duration
	LiveWSWriteTimeout         time.Duration
	LiveWSReadTimeout          time.Duration
	LiveMaxSessionDuration     time.Duration
	LiveTurnTimeout            time.Duration
	LiveInterruptGrace         time.Duration
	LiveEmitterDepth           int
	LiveSubFrame               time.Duration
	LiveMaxProtocolViolations  int
	LiveHistoryTurns           int
	LiveSurfaceTokens          bool
	LivePhraseMinWords         int

	// Voice activity segmentation defaults; session_start may override them.
	VADStartThreshold   float64
	VADReleaseThreshold float64
	VADStartDwell       time.Duration
	VADSilenceTimeout   time.Duration
	VADPreRoll          time.Duration

	STTProvider        string
	STTAPIKey          string
	STTModel           string
	STTConfidenceFloor float64
	STTFinalizeTimeout time.Duration

	TTSProvider      string
	TTSAPIKey        string
	TTSVoice         string
	TTSModel         string
	TTSSampleRate    int
	TTSChunkDuration time.Duration

	Responder             string
	ResponderAPIKey       string
	ResponderModel        string
	ResponderSystemPrompt string
	ResponderMaxTokens    int
	// EchoPrefix is spoken before the transcript by the echo responder.
	EchoPrefix string

	// Optional presence mirror. Empty RedisURL disables it.
	RedisURL       string
	RedisKeyPrefix string
	RedisTTL       time.Duration
	Instance       string

	// Empty disables trace export.
	OTLPEndpoint string
	OTLPInsecure bool

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

const (
	STTDeepgram = "deepgram"
	STTGoogle   = "google"
	STTCartesia = "cartesia"

	TTSElevenLabs = "elevenlabs"
	TTSDeepgram   = "deepgram"
	TTSCartesia   = "cartesia"

	ResponderEcho   = "echo"
	ResponderGemini = "gemini"
)

// LoadFromEnv reads VAI_SPEECH_* variables. When VAI_SPEECH_CONFIG_FILE names
// a YAML file, its values are used as defaults under the environment.
func LoadFromEnv() (Config, error) {
	src := source{}
	if path := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG_FILE")); path != "" {
		file, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}
	return load(src)
}

func load(src source) (Config, error) {
	cfg := Config{
		Addr:               src.envOr("ADDR", ":8080"),
		TrustProxyHeaders:  src.envBoolOr("TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins: make(map[string]struct{}),
		LogLevel:           strings.ToLower(src.envOr("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(src.envOr("LOG_FORMAT", "text")),

		LimitConnectRPS:           src.envFloat64Or("LIMIT_CONNECT_RPS", 1.0),
		LimitConnectBurst:         src.envIntOr("LIMIT_CONNECT_BURST", 5),
		LimitMaxSessionsPerClient: src.envIntOr("LIMIT_MAX_SESSIONS_PER_CLIENT", 4),
		LimitMaxSessions:          src.envIntOr("LIMIT_MAX_SESSIONS", 512),

		LiveCanonicalRate:          src.envIntOr("LIVE_CANONICAL_RATE", 16000),
		LiveOutputRate:             src.envIntOr("LIVE_OUTPUT_RATE", 24000),
		LiveDefaultLanguage:        src.envOr("LIVE_DEFAULT_LANGUAGE", "en-US"),
		LiveMaxAudioFrameBytes:     src.envIntOr("LIVE_MAX_AUDIO_FRAME_BYTES", 32*1024),
		LiveMaxJSONMessageBytes:    src.envInt64Or("LIVE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LiveMaxAudioFPS:            src.envIntOr("LIVE_MAX_AUDIO_FPS", 120),
		LiveMaxAudioBytesPerSecond: src.envInt64Or("LIVE_MAX_AUDIO_BPS", 256*1024),
		LiveInboundBurstSeconds:    src.envIntOr("LIVE_INBOUND_BURST_SECONDS", 2),
		LiveStartTimeout:           src.envDurationOr("LIVE_START_TIMEOUT", 10*time.Second),
		LiveWSPingInterval:         src.envDurationOr("LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:         src.envDurationOr("LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:          src.envDurationOr("LIVE_WS_READ_TIMEOUT", 0),
		LiveMaxSessionDuration:     src.envDurationOr("LIVE_MAX_SESSION_DURATION", 2*time.Hour),
		LiveTurnTimeout:            src.envDurationOr("LIVE_TURN_TIMEOUT", 60*time.Second),
		LiveInterruptGrace:         src.envDurationOr("LIVE_INTERRUPT_GRACE", 100*time.Millisecond),
		LiveEmitterDepth:           src.envIntOr("LIVE_EMITTER_DEPTH", 10),
		LiveSubFrame:               src.envDurationOr("LIVE_SUB_FRAME", 20*time.Millisecond),
		LiveMaxProtocolViolations:  src.envIntOr("LIVE_MAX_PROTOCOL_VIOLATIONS", 8),
		LiveHistoryTurns:           src.envIntOr("LIVE_HISTORY_TURNS", 8),
		LiveSurfaceTokens:          src.envBoolOr("LIVE_SURFACE_TOKENS", true),
		LivePhraseMinWords:         src.envIntOr("LIVE_PHRASE_MIN_WORDS", 5),

		VADStartThreshold:   src.envFloat64Or("VAD_START_THRESHOLD", 0.02),
		VADReleaseThreshold: src.envFloat64Or("VAD_RELEASE_THRESHOLD", 0.012),
		VADStartDwell:       src.envDurationOr("VAD_START_DWELL", 120*time.Millisecond),
		VADSilenceTimeout:   src.envDurationOr("VAD_SILENCE_TIMEOUT", 600*time.Millisecond),
		VADPreRoll:          src.envDurationOr("VAD_PRE_ROLL", 300*time.Millisecond),

		STTProvider:        strings.ToLower(src.envOr("STT_PROVIDER", STTDeepgram)),
		STTModel:           src.envOr("STT_MODEL", ""),
		STTConfidenceFloor: src.envFloat64Or("STT_CONFIDENCE_FLOOR", 0),
		STTFinalizeTimeout: src.envDurationOr("STT_FINALIZE_TIMEOUT", 5*time.Second),

		TTSProvider:      strings.ToLower(src.envOr("TTS_PROVIDER", TTSElevenLabs)),
		TTSVoice:         src.envOr("TTS_VOICE", ""),
		TTSModel:         src.envOr("TTS_MODEL", ""),
		TTSSampleRate:    src.envIntOr("TTS_SAMPLE_RATE", 24000),
		TTSChunkDuration: src.envDurationOr("TTS_CHUNK_DURATION", 40*time.Millisecond),

		Responder:             strings.ToLower(src.envOr("RESPONDER", ResponderEcho)),
		ResponderModel:        src.envOr("RESPONDER_MODEL", ""),
		ResponderSystemPrompt: src.envOr("RESPONDER_SYSTEM_PROMPT", ""),
		ResponderMaxTokens:    src.envIntOr("RESPONDER_MAX_TOKENS", 512),
		EchoPrefix:            src.envOr("ECHO_PREFIX", "You said"),

		RedisURL:       src.envOr("REDIS_URL", ""),
		RedisKeyPrefix: src.envOr("REDIS_KEY_PREFIX", "vai-speech:"),
		RedisTTL:       src.envDurationOr("REDIS_TTL", time.Minute),
		Instance:       src.envOr("INSTANCE", ""),

		OTLPEndpoint: src.envOr("OTLP_ENDPOINT", ""),
		OTLPInsecure: src.envBoolOr("OTLP_INSECURE", false),

		ReadHeaderTimeout:   src.envDurationOr("READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: src.envDurationOr("SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(src.envOr("CORS_ORIGINS", "")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	// Provider keys fall back to the vendor's conventional variable.
	cfg.STTAPIKey = src.envOr("STT_API_KEY", vendorKey(cfg.STTProvider))
	cfg.TTSAPIKey = src.envOr("TTS_API_KEY", vendorKey(cfg.TTSProvider))
	cfg.ResponderAPIKey = src.envOr("RESPONDER_API_KEY", vendorKey(cfg.Responder))

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("VAI_SPEECH_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("VAI_SPEECH_LOG_FORMAT must be one of text|json")
	}

	switch cfg.STTProvider {
	case STTDeepgram, STTCartesia:
		if cfg.STTAPIKey == "" {
			return fmt.Errorf("VAI_SPEECH_STT_API_KEY must be set for stt provider %s", cfg.STTProvider)
		}
	case STTGoogle:
	default:
		return fmt.Errorf("VAI_SPEECH_STT_PROVIDER must be one of deepgram|google|cartesia")
	}
	switch cfg.TTSProvider {
	case TTSElevenLabs:
		if cfg.TTSVoice == "" {
			return fmt.Errorf("VAI_SPEECH_TTS_VOICE must be set for tts provider elevenlabs")
		}
		fallthrough
	case TTSDeepgram, TTSCartesia:
		if cfg.TTSAPIKey == "" {
			return fmt.Errorf("VAI_SPEECH_TTS_API_KEY must be set for tts provider %s", cfg.TTSProvider)
		}
	default:
		return fmt.Errorf("VAI_SPEECH_TTS_PROVIDER must be one of elevenlabs|deepgram|cartesia")
	}
	switch cfg.Responder {
	case ResponderEcho:
	case ResponderGemini:
		if cfg.ResponderAPIKey == "" {
			return fmt.Errorf("VAI_SPEECH_RESPONDER_API_KEY must be set for responder gemini")
		}
	default:
		return fmt.Errorf("VAI_SPEECH_RESPONDER must be one of echo|gemini")
	}

	if cfg.LiveCanonicalRate <= 0 {
		return fmt.Errorf("VAI_SPEECH_LIVE_CANONICAL_RATE must be > 0")
	}
	if cfg.LiveOutputRate <= 0 {
		return fmt.Errorf("VAI_SPEECH_LIVE_OUTPUT_RATE must be > 0")
	}
	if cfg.TTSSampleRate <= 0 {
		return fmt.Errorf("VAI_SPEECH_TTS_SAMPLE_RATE must be > 0")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return fmt.Errorf("VAI_SPEECH_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return fmt.Errorf("VAI_SPEECH_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioFPS <= 0 {
		return fmt.Errorf("VAI_SPEECH_LIVE_MAX_AUDIO_FPS must be > 0")
	}
	if cfg.LiveMaxAudioBytesPerSecond <= 0 {
		return fmt.Errorf("VAI_SPEECH_LIVE_MAX_AUDIO_BPS must be > 0")
	}
	if cfg.LiveInboundBurstSeconds <= 0 {
		return fmt.Errorf("VAI_SPEECH_LIVE_INBOUND_BURST_SECONDS must be > 0")
	}
	if cfg.LiveStartTimeout <= 0 {
		return fmt.Errorf("VAI_SPEECH_LIVE_START_TIMEOUT must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return fmt.Errorf("VAI_SPEECH_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return fmt.Errorf("VAI_SPEECH_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return fmt.Errorf("VAI_SPEECH_LIVE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveMaxSessionDuration <= 0 {
		return fmt.Errorf("VAI_SPEECH_LIVE_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.LiveTurnTimeout <= 0 {
		return fmt.Errorf("VAI_SPEECH_LIVE_TURN_TIMEOUT must be > 0")
	}
	if cfg.LiveInterruptGrace <= 0 {
		return fmt.Errorf("VAI_SPEECH_LIVE_INTERRUPT_GRACE must be > 0")
	}
	if cfg.LiveEmitterDepth <= 0 {
		return fmt.Errorf("VAI_SPEECH_LIVE_EMITTER_DEPTH must be > 0")
	}
	if cfg.LiveSubFrame <= 0 {
		return fmt.Errorf("VAI_SPEECH_LIVE_SUB_FRAME must be > 0")
	}
	if cfg.LiveMaxProtocolViolations <= 0 {
		return fmt.Errorf("VAI_SPEECH_LIVE_MAX_PROTOCOL_VIOLATIONS must be > 0")
	}
	if cfg.LiveHistoryTurns < 0 {
		return fmt.Errorf("VAI_SPEECH_LIVE_HISTORY_TURNS must be >= 0")
	}
	if cfg.TTSChunkDuration <= 0 {
		return fmt.Errorf("VAI_SPEECH_TTS_CHUNK_DURATION must be > 0")
	}
	if cfg.STTFinalizeTimeout <= 0 {
		return fmt.Errorf("VAI_SPEECH_STT_FINALIZE_TIMEOUT must be > 0")
	}
	if cfg.STTConfidenceFloor < 0 || cfg.STTConfidenceFloor >= 1 {
		return fmt.Errorf("VAI_SPEECH_STT_CONFIDENCE_FLOOR must be in [0, 1)")
	}

	if cfg.VADStartThreshold <= 0 || cfg.VADStartThreshold >= 1 {
		return fmt.Errorf("VAI_SPEECH_VAD_START_THRESHOLD must be in (0, 1)")
	}
	if cfg.VADReleaseThreshold <= 0 || cfg.VADReleaseThreshold > cfg.VADStartThreshold {
		return fmt.Errorf("VAI_SPEECH_VAD_RELEASE_THRESHOLD must be in (0, VAI_SPEECH_VAD_START_THRESHOLD]")
	}
	if cfg.VADStartDwell < 0 {
		return fmt.Errorf("VAI_SPEECH_VAD_START_DWELL must be >= 0")
	}
	if cfg.VADSilenceTimeout <= 0 {
		return fmt.Errorf("VAI_SPEECH_VAD_SILENCE_TIMEOUT must be > 0")
	}
	if cfg.VADPreRoll < 0 {
		return fmt.Errorf("VAI_SPEECH_VAD_PRE_ROLL must be >= 0")
	}

	if cfg.LimitConnectRPS < 0 {
		return fmt.Errorf("VAI_SPEECH_LIMIT_CONNECT_RPS must be >= 0")
	}
	if cfg.LimitConnectBurst < 0 {
		return fmt.Errorf("VAI_SPEECH_LIMIT_CONNECT_BURST must be >= 0")
	}
	if cfg.LimitMaxSessionsPerClient < 0 {
		return fmt.Errorf("VAI_SPEECH_LIMIT_MAX_SESSIONS_PER_CLIENT must be >= 0")
	}
	if cfg.LimitMaxSessions < 0 {
		return fmt.Errorf("VAI_SPEECH_LIMIT_MAX_SESSIONS must be >= 0")
	}

	if cfg.RedisURL != "" && cfg.RedisTTL <= 0 {
		return fmt.Errorf("VAI_SPEECH_REDIS_TTL must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VAI_SPEECH_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VAI_SPEECH_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return nil
}

func vendorKey(provider string) string {
	switch provider {
	case STTDeepgram:
		return strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY"))
	case STTCartesia:
		return strings.TrimSpace(os.Getenv("CARTESIA_API_KEY"))
	case TTSElevenLabs:
		return strings.TrimSpace(os.Getenv("ELEVENLABS_API_KEY"))
	case ResponderGemini:
		if v := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); v != "" {
			return v
		}
		return strings.TrimSpace(os.Getenv("GOOGLE_API_KEY"))
	default:
		return ""
	}
}

// source resolves a key from the environment first, then the YAML overlay.
type source struct {
	file map[string]string
}

func (s source) lookup(key string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return strings.TrimSpace(s.file[key])
}

func (s source) envOr(key, def string) string {
	v := s.lookup(key)
	if v == "" {
		return def
	}
	return v
}

func (s source) envInt64Or(key string, def int64) int64 {
	raw := s.lookup(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (s source) envIntOr(key string, def int) int {
	raw := s.lookup(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (s source) envFloat64Or(key string, def float64) float64 {
	raw := s.lookup(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func (s source) envBoolOr(key string, def bool) bool {
	raw := s.lookup(key)
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func (s source) envDurationOr(key string, def time.Duration) time.Duration {
	raw := s.lookup(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
