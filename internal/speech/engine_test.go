package speech

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSynthesizer struct {
	mu            sync.Mutex
	voices        []Voice
	changed       chan struct{}
	calls         []string
	utterances    []Utterance
	panicOnCancel bool
}

func (s *fakeSynthesizer) Voices() []Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Voice(nil), s.voices...)
}

func (s *fakeSynthesizer) VoicesChanged() <-chan struct{} {
	return s.changed
}

func (s *fakeSynthesizer) Speak(_ context.Context, utterance Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "speak")
	s.utterances = append(s.utterances, utterance)
	return nil
}

func (s *fakeSynthesizer) Cancel() {
	s.mu.Lock()
	s.calls = append(s.calls, "cancel")
	shouldPanic := s.panicOnCancel
	s.mu.Unlock()
	if shouldPanic {
		panic("nothing to cancel")
	}
}

func (s *fakeSynthesizer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newTestEngine(t *testing.T, synth *fakeSynthesizer, after func(time.Duration) <-chan time.Time) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{Synthesizer: synth, After: after})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return engine
}

func TestEngineCancelsBeforeSpeaking(t *testing.T) {
	synth := &fakeSynthesizer{voices: []Voice{{ID: "en", Lang: "en-US"}, {ID: "ko", Lang: "ko-KR"}}}
	engine := newTestEngine(t, synth, nil)

	if err := engine.Speak(context.Background(), "  안녕하세요  "); err != nil {
		t.Fatalf("unexpected speak error: %v", err)
	}
	if err := engine.Speak(context.Background(), "second"); err != nil {
		t.Fatalf("unexpected speak error: %v", err)
	}
	calls := synth.Calls()
	want := []string{"cancel", "speak", "cancel", "speak"}
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, calls)
		}
	}
	first := synth.utterances[0]
	if first.Text != "안녕하세요" || first.Voice == nil || first.Voice.ID != "ko" || first.Lang != "ko-KR" {
		t.Fatalf("unexpected utterance %+v", first)
	}
}

func TestEngineIgnoresBlankText(t *testing.T) {
	synth := &fakeSynthesizer{}
	engine := newTestEngine(t, synth, nil)
	if err := engine.Speak(context.Background(), " \n\t "); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls := synth.Calls(); len(calls) != 0 {
		t.Fatalf("expected no synthesizer calls, got %v", calls)
	}
}

func TestEngineFallsBackWhenVoicesNeverArrive(t *testing.T) {
	synth := &fakeSynthesizer{}
	var waited time.Duration
	engine := newTestEngine(t, synth, func(d time.Duration) <-chan time.Time {
		waited = d
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	})
	if err := engine.Speak(context.Background(), "hello"); err != nil {
		t.Fatalf("unexpected speak error: %v", err)
	}
	if waited != defaultVoiceTimeout {
		t.Fatalf("expected the fallback timeout, got %v", waited)
	}
	if synth.utterances[0].Voice != nil {
		t.Fatalf("expected the default voice")
	}
}

func TestEngineWaitsForVoiceEvent(t *testing.T) {
	synth := &fakeSynthesizer{changed: make(chan struct{})}
	engine := newTestEngine(t, synth, func(time.Duration) <-chan time.Time { return nil })

	done := make(chan error, 1)
	go func() { done <- engine.Speak(context.Background(), "hello") }()

	synth.mu.Lock()
	synth.voices = []Voice{{ID: "en-us", Lang: "en-US"}}
	synth.mu.Unlock()
	close(synth.changed)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected speak error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected speak to proceed after voices arrived")
	}
	if voice := synth.utterances[0].Voice; voice == nil || voice.ID != "en-us" {
		t.Fatalf("expected english fallback voice, got %+v", voice)
	}
}

func TestEngineStopNeverPanics(t *testing.T) {
	synth := &fakeSynthesizer{panicOnCancel: true}
	engine := newTestEngine(t, synth, nil)
	engine.Stop()
	engine.Stop()
}

func TestSelectVoice(t *testing.T) {
	voices := []Voice{
		{ID: "de", Lang: "de"},
		{ID: "en-f", Lang: "en-GB", Gender: VoiceFemale},
		{ID: "ko-m", Lang: "ko", Gender: VoiceMale},
		{ID: "ko-f", Lang: "ko_KR", Gender: VoiceFemale},
	}
	if voice := SelectVoice(voices, VoiceAuto); voice == nil || voice.ID != "ko-m" {
		t.Fatalf("expected first korean voice, got %+v", voice)
	}
	if voice := SelectVoice(voices, VoiceFemale); voice == nil || voice.ID != "ko-f" {
		t.Fatalf("expected female korean voice, got %+v", voice)
	}
	if voice := SelectVoice(voices[:2], VoiceMale); voice == nil || voice.ID != "en-f" {
		t.Fatalf("expected english fallback, got %+v", voice)
	}
	if voice := SelectVoice([]Voice{{ID: "kok", Lang: "kok"}}, VoiceAuto); voice != nil {
		t.Fatalf("expected no voice for unrelated languages, got %+v", voice)
	}
}
