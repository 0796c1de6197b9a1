package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-speech/pkg/core/audio"
)

// Client message types.
const (
	TypeSessionStart = "session_start"
	TypeAudioEnd     = "audio_end"
	TypeInterrupt    = "interrupt"
	TypeTextInput    = "text_input"
	TypeSessionEnd   = "session_end"
)

// Server message types.
const (
	TypeSessionReady  = "session_ready"
	TypeASRPartial    = "asr_partial"
	TypeASRFinal      = "asr_final"
	TypeResponseToken = "response_token"
	TypeResponseEnd   = "response_end"
	TypeInterrupted   = "interrupted"
	TypeError         = "error"
)

// Error codes carried by server error messages.
const (
	CodeBadRequest        = "bad_request"
	CodeUnsupported       = "unsupported"
	CodeProtocolViolation = "protocol_violation"
	CodeSynthesisFailure  = "synthesis_failure"
	CodeResponderFailure  = "responder_failure"
	CodeTurnTimeout       = "turn_timeout"
	CodeSessionExpired    = "session_expired"
	CodeDraining          = "draining"
	CodeBackpressure      = "backpressure"
	CodeInternal          = "internal_error"
)

const maxTextInputRunes = 4000

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: CodeUnsupported, Message: message, Param: param}
}

// VADOverrides lets a client tune voice activity segmentation. Nil fields keep
// the server defaults.
type VADOverrides struct {
	StartThreshold   *float64 `json:"start_threshold,omitempty"`
	ReleaseThreshold *float64 `json:"release_threshold,omitempty"`
	StartDwellMS     *int     `json:"start_dwell_ms,omitempty"`
	SilenceMS        *int     `json:"silence_ms,omitempty"`
	PreRollMS        *int     `json:"pre_roll_ms,omitempty"`
}

// OutputOptions selects the playback format.
type OutputOptions struct {
	SampleRate int `json:"sample_rate,omitempty"`
}

type SessionStart struct {
	Type   string         `json:"type"`
	Lang   string         `json:"lang"`
	Audio  audio.Format   `json:"audio"`
	VAD    *VADOverrides  `json:"vad,omitempty"`
	Output *OutputOptions `json:"output,omitempty"`
	Voice  string         `json:"voice,omitempty"`
}

type AudioEnd struct {
	Type string `json:"type"`
}

type Interrupt struct {
	Type string `json:"type"`
}

type TextInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type SessionEnd struct {
	Type string `json:"type"`
}

// DecodeClientMessage parses one JSON control frame into its typed message.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeSessionStart:
		var msg SessionStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session_start frame", "")
		}
		msg.Type = typ
		msg.Lang = strings.TrimSpace(msg.Lang)
		if msg.Audio.Encoding == "" {
			msg.Audio.Encoding = audio.EncodingPCMS16LE
		}
		if msg.Audio.Channels == 0 {
			msg.Audio.Channels = 1
		}
		if err := ValidateSessionStart(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAudioEnd:
		return AudioEnd{Type: typ}, nil
	case TypeInterrupt:
		return Interrupt{Type: typ}, nil
	case TypeSessionEnd:
		return SessionEnd{Type: typ}, nil
	case TypeTextInput:
		var msg TextInput
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text_input frame", "")
		}
		msg.Type = typ
		msg.Text = strings.TrimSpace(msg.Text)
		if msg.Text == "" {
			return nil, badRequest("text_input.text is required", "text")
		}
		if len([]rune(msg.Text)) > maxTextInputRunes {
			return nil, badRequest(fmt.Sprintf("text_input.text must be at most %d characters", maxTextInputRunes), "text")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func ValidateSessionStart(msg SessionStart) error {
	if msg.Audio.SampleRate <= 0 {
		return badRequest("session_start.audio.sample_rate must be > 0", "audio.sample_rate")
	}
	if err := msg.Audio.Validate(); err != nil {
		return unsupported(err.Error(), "audio")
	}
	if msg.Output != nil && msg.Output.SampleRate != 0 {
		if msg.Output.SampleRate < 8000 || msg.Output.SampleRate > 48000 {
			return unsupported("session_start.output.sample_rate must be between 8000 and 48000", "output.sample_rate")
		}
	}
	if v := msg.VAD; v != nil {
		if v.StartThreshold != nil && (*v.StartThreshold <= 0 || *v.StartThreshold >= 1) {
			return badRequest("session_start.vad.start_threshold must be in (0, 1)", "vad.start_threshold")
		}
		if v.ReleaseThreshold != nil && (*v.ReleaseThreshold <= 0 || *v.ReleaseThreshold >= 1) {
			return badRequest("session_start.vad.release_threshold must be in (0, 1)", "vad.release_threshold")
		}
		for param, ms := range map[string]*int{
			"vad.start_dwell_ms": v.StartDwellMS,
			"vad.silence_ms":     v.SilenceMS,
			"vad.pre_roll_ms":    v.PreRollMS,
		} {
			if ms != nil && *ms < 0 {
				return badRequest("session_start."+param+" must be >= 0", param)
			}
		}
	}
	return nil
}

type SessionReady struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id"`
	AudioOut  audio.Format `json:"audio_out"`
}

type ASRPartial struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id,omitempty"`
	Text   string `json:"text"`
}

type ASRFinal struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id,omitempty"`
	Text   string `json:"text"`
}

type ResponseToken struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id,omitempty"`
	Token  string `json:"token"`
}

type ResponseEnd struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id,omitempty"`
}

type Interrupted struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id,omitempty"`
	Cause  string `json:"cause,omitempty"`
}

type ServerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
	TurnID  string `json:"turn_id,omitempty"`
}
