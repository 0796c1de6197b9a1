package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
)

type playerConfig struct {
	sampleRate int
	noSpeaker  bool
	ffplayPath string
	dumpPath   string
	stderr     io.Writer
}

// player feeds received audio to ffplay and, optionally, a dump file.
type player struct {
	speaker *ffplaySpeaker
	dump    *os.File
	stderr  io.Writer
	warned  bool
	mu      sync.Mutex
}

func newPlayer(cfg playerConfig) (*player, error) {
	p := &player{stderr: cfg.stderr}
	if p.stderr == nil {
		p.stderr = io.Discard
	}
	if cfg.dumpPath != "" {
		f, err := os.Create(cfg.dumpPath)
		if err != nil {
			return nil, fmt.Errorf("create dump file: %w", err)
		}
		p.dump = f
	}
	if !cfg.noSpeaker {
		p.speaker = &ffplaySpeaker{path: cfg.ffplayPath, sampleRate: cfg.sampleRate}
		if err := p.speaker.Start(); err != nil {
			fmt.Fprintln(p.stderr, "speaker unavailable, continuing without playback:", err)
			p.speaker = nil
		}
	}
	return p, nil
}

func (p *player) Write(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dump != nil {
		_, _ = p.dump.Write(pcm)
	}
	if p.speaker != nil {
		if err := p.speaker.Write(pcm); err != nil && !p.warned {
			fmt.Fprintln(p.stderr, "speaker write failed:", err)
			p.warned = true
		}
	}
}

// Reset drops audio ffplay has buffered but not yet played.
func (p *player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.speaker != nil {
		_ = p.speaker.Restart()
	}
}

func (p *player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.speaker != nil {
		_ = p.speaker.Close()
	}
	if p.dump != nil {
		return p.dump.Close()
	}
	return nil
}

type ffplaySpeaker struct {
	path       string
	sampleRate int

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (s *ffplaySpeaker) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *ffplaySpeaker) startLocked() error {
	if s.cmd != nil {
		return nil
	}
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", fmt.Sprintf("%d", s.sampleRate),
		"-i", "-",
	}
	cmd := exec.Command(s.path, args...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL may otherwise pick a silent dummy backend.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return err
	}
	s.cmd = cmd
	s.stdin = stdin
	go func(c *exec.Cmd) {
		_ = c.Wait()
		s.mu.Lock()
		if s.cmd == c {
			s.cmd = nil
			s.stdin = nil
		}
		s.mu.Unlock()
	}(cmd)
	return nil
}

func (s *ffplaySpeaker) Write(p []byte) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("ffplay is not running")
	}
	_, err := stdin.Write(p)
	return err
}

func (s *ffplaySpeaker) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return s.startLocked()
}

func (s *ffplaySpeaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *ffplaySpeaker) closeLocked() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd = nil
	s.stdin = nil
}
