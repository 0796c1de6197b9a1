package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeClientMessage_SessionStart(t *testing.T) {
	raw := []byte(`{
		"type":"session_start",
		"lang":"en-US",
		"audio":{"sample_rate":48000,"format":"pcm_s16le","channels":2},
		"vad":{"start_threshold":0.05,"silence_ms":800},
		"output":{"sample_rate":16000}
	}`)

	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	start, ok := msg.(SessionStart)
	if !ok {
		t.Fatalf("decoded type = %T, want SessionStart", msg)
	}
	if start.Audio.SampleRate != 48000 || start.Audio.Channels != 2 {
		t.Fatalf("audio=%+v", start.Audio)
	}
	if start.VAD == nil || start.VAD.SilenceMS == nil || *start.VAD.SilenceMS != 800 {
		t.Fatalf("vad=%+v", start.VAD)
	}
	if start.Output == nil || start.Output.SampleRate != 16000 {
		t.Fatalf("output=%+v", start.Output)
	}
}

func TestDecodeClientMessage_SessionStartDefaults(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"session_start","audio":{"sample_rate":16000}}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	start := msg.(SessionStart)
	if start.Audio.Encoding != "pcm_s16le" || start.Audio.Channels != 1 {
		t.Fatalf("audio=%+v", start.Audio)
	}
}

func TestDecodeClientMessage_SessionStartRejects(t *testing.T) {
	cases := map[string]struct {
		raw  string
		code string
	}{
		"missing rate":  {`{"type":"session_start","audio":{"format":"pcm_s16le"}}`, CodeBadRequest},
		"opus":          {`{"type":"session_start","audio":{"sample_rate":16000,"format":"opus"}}`, CodeUnsupported},
		"six channels":  {`{"type":"session_start","audio":{"sample_rate":16000,"channels":6}}`, CodeUnsupported},
		"bad output":    {`{"type":"session_start","audio":{"sample_rate":16000},"output":{"sample_rate":96000}}`, CodeUnsupported},
		"bad threshold": {`{"type":"session_start","audio":{"sample_rate":16000},"vad":{"start_threshold":2}}`, CodeBadRequest},
		"negative ms":   {`{"type":"session_start","audio":{"sample_rate":16000},"vad":{"silence_ms":-1}}`, CodeBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeClientMessage([]byte(tc.raw))
			if err == nil {
				t.Fatalf("expected error")
			}
			decErr, ok := err.(*DecodeError)
			if !ok {
				t.Fatalf("err type = %T", err)
			}
			if decErr.Code != tc.code {
				t.Fatalf("code=%q, want %q (%v)", decErr.Code, tc.code, decErr)
			}
		})
	}
}

func TestDecodeClientMessage_Controls(t *testing.T) {
	cases := map[string]any{
		`{"type":"audio_end"}`:   AudioEnd{Type: TypeAudioEnd},
		`{"type":"interrupt"}`:   Interrupt{Type: TypeInterrupt},
		`{"type":"session_end"}`: SessionEnd{Type: TypeSessionEnd},
	}
	for raw, want := range cases {
		got, err := DecodeClientMessage([]byte(raw))
		if err != nil {
			t.Fatalf("%s: error = %v", raw, err)
		}
		if got != want {
			t.Fatalf("%s: got %#v, want %#v", raw, got, want)
		}
	}
}

func TestDecodeClientMessage_TextInput(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"text_input","text":"  hello  "}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if in := msg.(TextInput); in.Text != "hello" {
		t.Fatalf("text=%q", in.Text)
	}

	if _, err := DecodeClientMessage([]byte(`{"type":"text_input","text":"   "}`)); err == nil {
		t.Fatalf("expected error for blank text")
	}
	long := `{"type":"text_input","text":"` + strings.Repeat("a", maxTextInputRunes+1) + `"}`
	if _, err := DecodeClientMessage([]byte(long)); err == nil {
		t.Fatalf("expected error for oversized text")
	}
}

func TestDecodeClientMessage_Invalid(t *testing.T) {
	for _, raw := range []string{`not json`, `{}`, `{"type":"reboot"}`} {
		_, err := DecodeClientMessage([]byte(raw))
		if err == nil {
			t.Fatalf("%s: expected error", raw)
		}
		if decErr, ok := err.(*DecodeError); !ok || decErr.Code != CodeBadRequest {
			t.Fatalf("%s: err=%v", raw, err)
		}
	}
}

func TestServerMessagesWireShape(t *testing.T) {
	blob, err := json.Marshal(ServerError{Type: TypeError, Message: "boom", Code: CodeSynthesisFailure})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(blob) != `{"type":"error","message":"boom","code":"synthesis_failure"}` {
		t.Fatalf("error blob=%s", blob)
	}

	blob, err = json.Marshal(SessionReady{Type: TypeSessionReady, SessionID: "sess_1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(blob), `"audio_out":{"format":"","sample_rate":0,"channels":0}`) {
		t.Fatalf("ready blob=%s", blob)
	}
}
