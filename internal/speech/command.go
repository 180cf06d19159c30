package speech

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	espeakBaseWordsPerMinute = 175
	espeakMaxPitch           = 99
	espeakMaxAmplitude       = 200
)

// CommandSynthesizerConfig describes a CommandSynthesizer.
type CommandSynthesizerConfig struct {
	// Command is an espeak-compatible binary.
	Command string
	// Voices preloads the voice list. When empty the list is discovered in
	// the background with "<command> --voices".
	Voices []Voice
	Logger *zap.Logger
}

// CommandSynthesizer speaks through an external espeak-compatible process.
type CommandSynthesizer struct {
	command string
	logger  *zap.Logger

	mu      sync.Mutex
	voices  []Voice
	changed chan struct{}
	current *exec.Cmd
}

// NewCommandSynthesizer constructs the synthesizer and starts voice discovery
// when no voices were configured.
func NewCommandSynthesizer(cfg CommandSynthesizerConfig) *CommandSynthesizer {
	command := cfg.Command
	if command == "" {
		command = "espeak-ng"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &CommandSynthesizer{
		command: command,
		logger:  logger,
		voices:  append([]Voice(nil), cfg.Voices...),
		changed: make(chan struct{}),
	}
	if len(s.voices) > 0 {
		close(s.changed)
	} else {
		go s.discoverVoices()
	}
	return s
}

// Voices implements Synthesizer.
func (s *CommandSynthesizer) Voices() []Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Voice(nil), s.voices...)
}

// VoicesChanged implements Synthesizer. The channel closes once discovery ends.
func (s *CommandSynthesizer) VoicesChanged() <-chan struct{} {
	return s.changed
}

// Speak implements Synthesizer.
func (s *CommandSynthesizer) Speak(_ context.Context, utterance Utterance) error {
	args := espeakArgs(utterance)
	cmd := exec.Command(s.command, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = cmd
	s.mu.Unlock()
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if s.current == cmd {
			s.current = nil
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Debug("synthesizer exited", zap.Error(err))
		}
	}()
	return nil
}

// Cancel implements Synthesizer.
func (s *CommandSynthesizer) Cancel() {
	s.mu.Lock()
	cmd := s.current
	s.current = nil
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (s *CommandSynthesizer) discoverVoices() {
	defer close(s.changed)
	output, err := exec.Command(s.command, "--voices").Output()
	if err != nil {
		s.logger.Warn("voice discovery failed", zap.String("command", s.command), zap.Error(err))
		return
	}
	voices := ParseEspeakVoices(output)
	s.mu.Lock()
	s.voices = voices
	s.mu.Unlock()
	s.logger.Debug("voices discovered", zap.Int("count", len(voices)))
}

// ParseEspeakVoices reads the table printed by "espeak-ng --voices".
func ParseEspeakVoices(output []byte) []Voice {
	var voices []Voice
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[0] == "Pty" {
			continue
		}
		voice := Voice{ID: fields[1], Lang: fields[1], Name: fields[3], Gender: VoiceAuto}
		switch {
		case strings.HasSuffix(fields[2], "/F"):
			voice.Gender = VoiceFemale
		case strings.HasSuffix(fields[2], "/M"):
			voice.Gender = VoiceMale
		}
		voices = append(voices, voice)
	}
	return voices
}

func espeakArgs(utterance Utterance) []string {
	var args []string
	switch {
	case utterance.Voice != nil:
		args = append(args, "-v", utterance.Voice.ID)
	case utterance.Lang != "":
		args = append(args, "-v", strings.ToLower(strings.SplitN(utterance.Lang, "-", 2)[0]))
	}
	words := int(espeakBaseWordsPerMinute * utterance.Rate)
	pitch := int(utterance.Pitch / maxPitch * espeakMaxPitch)
	amplitude := int(utterance.Volume / maxVolume * espeakMaxAmplitude)
	args = append(args,
		"-s", strconv.Itoa(words),
		"-p", strconv.Itoa(pitch),
		"-a", strconv.Itoa(amplitude),
		"--", utterance.Text)
	return args
}

// CommandAudioConfig describes a CommandAudio.
type CommandAudioConfig struct {
	// Command plays Source and exits when playback ends, e.g. "ffplay".
	Command string
	Args    []string
	Source  string
	Logger  *zap.Logger
}

// CommandAudio plays one pre-rendered audio source through an external
// player. Pausing stops the player, so playback always restarts from zero.
type CommandAudio struct {
	command string
	args    []string
	source  string
	logger  *zap.Logger

	mu      sync.Mutex
	current *exec.Cmd
}

// NewCommandAudio constructs a CommandAudio.
func NewCommandAudio(cfg CommandAudioConfig) *CommandAudio {
	command := cfg.Command
	args := cfg.Args
	if command == "" {
		command = "ffplay"
		if args == nil {
			args = []string{"-nodisp", "-autoexit", "-loglevel", "quiet"}
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandAudio{command: command, args: args, source: cfg.Source, logger: logger}
}

// Play implements AudioElement.
func (a *CommandAudio) Play(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		return nil
	}
	if a.source == "" {
		return fmt.Errorf("speech: audio source is empty")
	}
	cmd := exec.Command(a.command, append(append([]string(nil), a.args...), a.source)...)
	if err := cmd.Start(); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("%w: %v", ErrAutoplayBlocked, err)
		}
		return err
	}
	a.current = cmd
	go func() {
		err := cmd.Wait()
		a.mu.Lock()
		if a.current == cmd {
			a.current = nil
		}
		a.mu.Unlock()
		if err != nil {
			a.logger.Debug("audio player exited", zap.String("source", a.source), zap.Error(err))
		}
	}()
	return nil
}

// Pause implements AudioElement.
func (a *CommandAudio) Pause() {
	a.mu.Lock()
	cmd := a.current
	a.current = nil
	a.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// Rewind implements AudioElement. Players always start from zero.
func (a *CommandAudio) Rewind() {}

// Playing implements AudioElement.
func (a *CommandAudio) Playing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil
}
