// Command vai-speech-client talks to a vai-speech gateway from the terminal:
// it streams a PCM/WAV file, a microphone capture command or typed text, prints
// transcripts and reply tokens, and plays or dumps the synthesized audio.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/vango-go/vai-speech/pkg/core/audio"
	"github.com/vango-go/vai-speech/pkg/gateway/live/protocol"
)

const inputSampleRate = 16000

type options struct {
	gateway    string
	lang       string
	voice      string
	input      string
	micCmd     string
	text       string
	frameMS    int
	outputRate int
	dumpPCM    string
	noSpeaker  bool
	ffplayPath string
	linger     time.Duration
}

func main() {
	os.Exit(runMain(os.Args[1:], os.Stdout, os.Stderr))
}

func runMain(args []string, stdout, stderr io.Writer) int {
	_ = godotenv.Load(".env")

	fs := flag.NewFlagSet("vai-speech-client", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opt options
	fs.StringVar(&opt.gateway, "gateway", envOr("VAI_SPEECH_GATEWAY", "http://127.0.0.1:8080"), "Gateway base URL (http(s) or ws(s))")
	fs.StringVar(&opt.lang, "lang", "en-US", "Session language")
	fs.StringVar(&opt.voice, "voice", "", "Voice id override")
	fs.StringVar(&opt.input, "in", "", "Audio file to stream: WAV or raw pcm_s16le 16kHz mono; '-' reads stdin")
	fs.StringVar(&opt.micCmd, "mic-cmd", "", "Capture command producing pcm_s16le 16kHz mono on stdout (runs via /bin/sh -c)")
	fs.StringVar(&opt.text, "text", "", "Send this text instead of audio")
	fs.IntVar(&opt.frameMS, "frame-ms", 20, "Audio frame duration in ms")
	fs.IntVar(&opt.outputRate, "output-rate", audio.DefaultOutputRate, "Requested playback sample rate")
	fs.StringVar(&opt.dumpPCM, "dump-pcm", "", "Write received audio to this file (raw pcm_s16le)")
	fs.BoolVar(&opt.noSpeaker, "no-speaker", false, "Do not spawn ffplay")
	fs.StringVar(&opt.ffplayPath, "ffplay-path", "ffplay", "Path to ffplay")
	fs.DurationVar(&opt.linger, "linger", 10*time.Second, "How long to wait for the reply after input ends")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	sources := 0
	for _, s := range []string{opt.input, opt.micCmd, opt.text} {
		if strings.TrimSpace(s) != "" {
			sources++
		}
	}
	if sources != 1 {
		fmt.Fprintln(stderr, "exactly one of --in, --mic-cmd or --text is required")
		return 2
	}
	if opt.frameMS <= 0 {
		fmt.Fprintln(stderr, "--frame-ms must be > 0")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opt, stdout, stderr); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, "vai-speech-client:", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, opt options, stdout, stderr io.Writer) error {
	wsURL, err := liveWSURL(opt.gateway)
	if err != nil {
		return fmt.Errorf("invalid --gateway: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()

	c := &client{conn: conn, stdout: stdout}

	start := protocol.SessionStart{
		Type:   protocol.TypeSessionStart,
		Lang:   opt.lang,
		Audio:  audio.Canonical(inputSampleRate),
		Voice:  opt.voice,
		Output: &protocol.OutputOptions{SampleRate: opt.outputRate},
	}
	if err := c.writeJSON(start); err != nil {
		return fmt.Errorf("send session_start: %w", err)
	}
	ready, err := c.readReady(10 * time.Second)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "session %s ready (audio out %d Hz)\n", ready.SessionID, ready.AudioOut.SampleRate)

	out, err := newPlayer(playerConfig{
		sampleRate: ready.AudioOut.SampleRate,
		noSpeaker:  opt.noSpeaker,
		ffplayPath: opt.ffplayPath,
		dumpPath:   opt.dumpPCM,
		stderr:     stderr,
	})
	if err != nil {
		return err
	}
	defer out.Close()

	turnDone := make(chan struct{}, 16)
	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(out, turnDone) }()

	inputDone := make(chan error, 1)
	go func() { inputDone <- c.sendInput(ctx, opt) }()

	select {
	case err := <-inputDone:
		if err != nil {
			return err
		}
	case err := <-readErr:
		return err
	case <-ctx.Done():
		_ = c.writeJSON(protocol.SessionEnd{Type: protocol.TypeSessionEnd})
		return ctx.Err()
	}

	// Input is exhausted; wait for the reply to the last turn.
	select {
	case <-turnDone:
	case err := <-readErr:
		return err
	case <-time.After(opt.linger):
	case <-ctx.Done():
	}
	_ = c.writeJSON(protocol.SessionEnd{Type: protocol.TypeSessionEnd})
	return nil
}

type client struct {
	conn    *websocket.Conn
	stdout  io.Writer
	writeMu sync.Mutex
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *client) writeAudio(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, p)
}

// serverMessage is the union of server control messages.
type serverMessage struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id"`
	AudioOut  audio.Format `json:"audio_out"`
	TurnID    string       `json:"turn_id"`
	Text      string       `json:"text"`
	Token     string       `json:"token"`
	Cause     string       `json:"cause"`
	Code      string       `json:"code"`
	Message   string       `json:"message"`
	Fatal     bool         `json:"fatal"`
}

func (c *client) readReady(timeout time.Duration) (serverMessage, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return serverMessage{}, fmt.Errorf("waiting for session_ready: %w", err)
		}
		if typ != websocket.TextMessage {
			continue
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return serverMessage{}, fmt.Errorf("decode server message: %w", err)
		}
		switch msg.Type {
		case protocol.TypeSessionReady:
			return msg, nil
		case protocol.TypeError:
			return serverMessage{}, fmt.Errorf("session refused: %s (%s)", msg.Message, msg.Code)
		}
	}
}

func (c *client) readLoop(out *player, turnDone chan<- struct{}) error {
	replying := false
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if typ == websocket.BinaryMessage {
			out.Write(data)
			continue
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode server message: %w", err)
		}
		switch msg.Type {
		case protocol.TypeASRPartial:
			fmt.Fprintf(c.stdout, "\r… %s", msg.Text)
		case protocol.TypeASRFinal:
			fmt.Fprintf(c.stdout, "\ryou [%s]: %s\n", msg.TurnID, msg.Text)
		case protocol.TypeResponseToken:
			if !replying {
				fmt.Fprint(c.stdout, "assistant: ")
				replying = true
			}
			fmt.Fprint(c.stdout, msg.Token)
		case protocol.TypeResponseEnd:
			if replying {
				fmt.Fprintln(c.stdout)
				replying = false
			}
			select {
			case turnDone <- struct{}{}:
			default:
			}
		case protocol.TypeInterrupted:
			if replying {
				fmt.Fprintln(c.stdout)
				replying = false
			}
			fmt.Fprintf(c.stdout, "[%s interrupted: %s]\n", msg.TurnID, msg.Cause)
			out.Reset()
		case protocol.TypeError:
			fmt.Fprintf(c.stdout, "[error %s: %s]\n", msg.Code, msg.Message)
			if msg.Fatal {
				return fmt.Errorf("session ended: %s", msg.Message)
			}
		}
	}
}

func (c *client) sendInput(ctx context.Context, opt options) error {
	if strings.TrimSpace(opt.text) != "" {
		return c.writeJSON(protocol.TextInput{Type: protocol.TypeTextInput, Text: opt.text})
	}

	var src io.Reader
	switch {
	case opt.micCmd != "":
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", opt.micCmd)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start capture: %w", err)
		}
		defer func() {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}()
		src = stdout
	case opt.input == "-":
		src = os.Stdin
	default:
		f, err := os.Open(opt.input)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}

	r, err := pcmReader(bufio.NewReaderSize(src, 64*1024))
	if err != nil {
		return err
	}
	// Files are paced at real time; a live capture paces itself.
	pace := opt.micCmd == ""
	if err := streamFrames(ctx, r, frameBytes(opt.frameMS), pace, c.writeAudio); err != nil {
		return err
	}
	return c.writeJSON(protocol.AudioEnd{Type: protocol.TypeAudioEnd})
}

func frameBytes(frameMS int) int {
	return inputSampleRate * 2 * frameMS / 1000
}

// streamFrames reads fixed-size frames from r and hands them to send, pacing
// one frame per frame duration when pace is set. A short final frame is sent
// as-is.
func streamFrames(ctx context.Context, r io.Reader, size int, pace bool, send func([]byte) error) error {
	interval := time.Duration(size/2) * time.Second / inputSampleRate
	var ticker *time.Ticker
	if pace {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}
	buf := make([]byte, size)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if n%2 == 1 {
				n--
			}
			if n > 0 {
				if sendErr := send(append([]byte(nil), buf[:n]...)); sendErr != nil {
					return sendErr
				}
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func liveWSURL(gateway string) (string, error) {
	raw := strings.TrimSpace(gateway)
	if raw == "" {
		return "", fmt.Errorf("empty gateway")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	// Keep any base path, but always route to the live endpoint.
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/speech/live"
	u.RawQuery = "v=1"
	u.Fragment = ""
	return u.String(), nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
