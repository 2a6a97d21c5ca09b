package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/minerlex/internal/answer"
	"github.com/loqalabs/minerlex/internal/config"
	"github.com/loqalabs/minerlex/internal/eventstore"
	"github.com/loqalabs/minerlex/internal/input"
	"github.com/loqalabs/minerlex/internal/language"
	"github.com/loqalabs/minerlex/internal/llm"
	"github.com/loqalabs/minerlex/internal/stt"
	"github.com/loqalabs/minerlex/internal/translate"
	"github.com/loqalabs/minerlex/internal/tts"
)

const answerA = "A mining lease is a grant of the right to extract minerals."

type fakeLLM struct {
	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
	delay   time.Duration
	err     error
}

func (f *fakeLLM) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return f.err
	}
	return consumer(llm.Chunk{TurnID: req.TurnID, Content: answerA})
}

type fakeTranslation struct {
	calls   int
	targets []string
	err     error
}

func (f *fakeTranslation) Translate(_ context.Context, texts []string, _, target string) ([]string, error) {
	f.calls++
	f.targets = append(f.targets, target)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = "<" + target + ">" + t
	}
	return out, nil
}

type fakeEngine struct {
	calls  int
	voices []string
	err    error
}

func (f *fakeEngine) Synthesize(_ context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	f.calls++
	f.voices = append(f.voices, req.Voice)
	chunks := make(chan tts.SynthChunk, 1)
	errs := make(chan error, 1)
	if f.err != nil {
		errs <- f.err
	} else {
		chunks <- tts.SynthChunk{TurnID: req.TurnID, Encoding: tts.EncodingPCM16, SampleRate: 16000, Channels: 1, Data: make([]byte, 3200), Final: true}
	}
	close(chunks)
	close(errs)
	return chunks, errs
}

type silentMic struct{}

func (silentMic) Capture(context.Context) ([]float32, error) { return []float32{0.01, 0.02}, nil }
func (silentMic) SampleRate() int                             { return 16000 }

type harness struct {
	llm        *fakeLLM
	translator *fakeTranslation
	engine     *fakeEngine
	recognizer stt.Recognizer
	store      *eventstore.Store
	dir        string
	orch       *Orchestrator
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, mutate func(*harness)) *harness {
	t.Helper()
	h := &harness{
		llm:        &fakeLLM{},
		translator: &fakeTranslation{},
		engine:     &fakeEngine{},
		recognizer: stt.NewMockRecognizer("What is a mining lease?"),
		dir:        t.TempDir(),
	}
	if mutate != nil {
		mutate(h)
	}
	logger := newLogger()
	tables := language.DefaultTables()

	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path: filepath.Join(t.TempDir(), "turns.db"), RetentionMode: "session",
	}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	h.store = store

	orch, err := New(Components{
		Resolver:    input.NewResolver(h.recognizer, silentMic{}, input.Options{ListenWindow: time.Second}, logger),
		Answerer:    answer.New(h.llm, llm.Request{Temperature: 0.7, TopP: 0.95, TopK: 40, MaxTokens: 8192}, 0, logger),
		Translator:  translate.New(h.translator, tables, translate.Options{}, logger),
		Synthesizer: tts.New(h.engine, tables, tts.Options{Dir: h.dir}, logger),
		Tables:      tables,
		Recorder:    store,
	}, Options{TurnTimeout: 5 * time.Second}, logger)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	h.orch = orch
	return h
}

func textInput(s string) input.Request {
	return input.Request{Source: input.SourceText, Text: s}
}

func states(trs []Transition) string {
	var parts []string
	for _, tr := range trs {
		parts = append(parts, string(tr.To))
	}
	return strings.Join(parts, ">")
}

func TestEnglishTurnKeepsAnswer(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.orch.Run(context.Background(), textInput("What is a mining lease?"), "English")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer res.Release()

	if res.Answer != answerA || res.Translation.Text != answerA {
		t.Fatalf("English answer must be returned unchanged: %+v", res.Translation)
	}
	if res.Translation.Status != translate.StatusIdentity || h.translator.calls != 0 {
		t.Fatalf("translation backend must not run for English (calls=%d)", h.translator.calls)
	}
	if res.Audio() == nil || res.Speech.Voice != "en" || h.engine.voices[0] != "en" {
		t.Fatalf("expected English audio, got %+v", res.Speech)
	}
	if got := states(res.Transitions); got != "awaiting_input>generating>translating>synthesizing>complete" {
		t.Fatalf("unexpected transitions %s", got)
	}
	if len(res.Degraded) != 0 {
		t.Fatalf("unexpected degradation %v", res.Degraded)
	}
}

func TestHindiTurnUsesBothCodes(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.orch.Run(context.Background(), textInput("What is a mining lease?"), "Hindi")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer res.Release()

	if h.translator.targets[0] != "hi_IN" {
		t.Fatalf("expected hi_IN, got %v", h.translator.targets)
	}
	if h.engine.voices[0] != "hi" || res.Speech.Voice != "hi" {
		t.Fatalf("expected hi voice, got %v", h.engine.voices)
	}
	if res.Translation.Text == res.Answer || res.Translation.Status != translate.StatusTranslated {
		t.Fatalf("expected a real translation, got %+v", res.Translation)
	}
	if res.Audio() == nil {
		t.Fatalf("expected audio")
	}
}

func TestOdiaTranslatesButSpeaksWithEnglishVoice(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.orch.Run(context.Background(), textInput("What is a mining lease?"), "Odia")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer res.Release()

	if res.Translation.Code != "or_IN" || res.Translation.Status != translate.StatusTranslated {
		t.Fatalf("expected Odia translation, got %+v", res.Translation)
	}
	if res.Speech.Voice != "en" || !res.Speech.VoiceFallback || res.Audio() == nil {
		t.Fatalf("expected English-voiced audio, got %+v", res.Speech)
	}
	if res.Audio().Voice != res.Speech.Voice {
		t.Fatalf("artifact voice %q does not match outcome %q", res.Audio().Voice, res.Speech.Voice)
	}
}

func TestUnknownLanguageBehavesAsEnglish(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.orch.Run(context.Background(), textInput("q"), "Esperanto")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer res.Release()
	if res.Language.Label != language.English || res.Language.Recognized {
		t.Fatalf("unexpected selection %+v", res.Language)
	}
	if res.Translation.Text != answerA || h.translator.calls != 0 || res.Speech.Voice != "en" {
		t.Fatalf("unknown label must behave as English: %+v %+v", res.Translation, res.Speech)
	}
}

func TestTranslationFailureStillCompletes(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.translator.err = errors.New("model offline") })
	res, err := h.orch.Run(context.Background(), textInput("What is a mining lease?"), "Tamil")
	if err != nil {
		t.Fatalf("translation failure must not abort the turn: %v", err)
	}
	defer res.Release()

	if res.Translation.Text != answerA || res.Translation.Status != translate.StatusFallback {
		t.Fatalf("expected fallback to the answer, got %+v", res.Translation)
	}
	if len(res.Degraded) != 1 || res.Degraded[0] != StageTranslation {
		t.Fatalf("expected translation degradation, got %v", res.Degraded)
	}
	if res.State() != Complete || res.Audio() == nil {
		t.Fatalf("turn should complete with audio")
	}
}

func TestSynthesisFailureStillCompletes(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.engine.err = errors.New("speech endpoint down") })
	res, err := h.orch.Run(context.Background(), textInput("What is a mining lease?"), "Hindi")
	if err != nil {
		t.Fatalf("synthesis failure must not abort the turn: %v", err)
	}
	if res.Audio() != nil || res.Speech.Status != tts.StatusUnavailable {
		t.Fatalf("expected no audio, got %+v", res.Speech)
	}
	if len(res.Degraded) != 1 || res.Degraded[0] != StageSpeech {
		t.Fatalf("expected speech degradation, got %v", res.Degraded)
	}
	if got := states(res.Transitions); !strings.HasSuffix(got, ">complete") {
		t.Fatalf("unexpected transitions %s", got)
	}
	if err := res.Release(); err != nil {
		t.Fatalf("release without audio: %v", err)
	}
}

func TestGenerationFailureAbortsBeforeLocalization(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.llm.err = errors.New("missing credentials") })
	var seen []State
	res, err := h.orch.Run(context.Background(), textInput("What is a mining lease?"), "Hindi",
		WithObserver(ObserverFunc(func(tr Transition) { seen = append(seen, tr.To) })))
	if res != nil {
		t.Fatalf("no result expected on generation failure")
	}
	var f *Failure
	if !errors.As(err, &f) || f.Kind != KindGeneration || f.Stage != Generating {
		t.Fatalf("expected generation failure, got %v", err)
	}
	var genErr *answer.GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("cause must be a GenerationError: %v", err)
	}
	if h.translator.calls != 0 || h.engine.calls != 0 {
		t.Fatalf("translation (%d) and synthesis (%d) must not run", h.translator.calls, h.engine.calls)
	}
	if len(seen) != 3 || seen[2] != Aborted {
		t.Fatalf("unexpected transitions %v", seen)
	}
}

func TestEmptyInputNeverReachesGenerator(t *testing.T) {
	h := newHarness(t, nil)
	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := h.orch.Run(context.Background(), textInput(text), "English")
		var f *Failure
		if !errors.As(err, &f) || f.Kind != KindNoInput || f.Stage != AwaitingInput {
			t.Fatalf("expected no-input failure, got %v", err)
		}
	}
	if h.llm.calls.Load() != 0 {
		t.Fatalf("generator called %d times", h.llm.calls.Load())
	}
}

func TestUnintelligibleSpeechAbortsTurn(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.recognizer = unintelligible{} })
	_, err := h.orch.Run(context.Background(), input.Request{Source: input.SourceMicrophone}, "English")
	var f *Failure
	if !errors.As(err, &f) || f.Kind != KindUnintelligible {
		t.Fatalf("expected unintelligible failure, got %v", err)
	}
	var acq *input.AcquisitionError
	if !errors.As(err, &acq) || acq.Reason != input.Unintelligible {
		t.Fatalf("cause must be an AcquisitionError: %v", err)
	}
	if f.UserMessage() == "" {
		t.Fatalf("failure must carry a user message")
	}
	if h.llm.calls.Load() != 0 {
		t.Fatalf("no generation call expected")
	}
}

type unintelligible struct{}

func (unintelligible) Transcribe(context.Context, []float32, int, string) (stt.TranscriptResult, error) {
	return stt.TranscriptResult{}, stt.ErrUnintelligible
}

func TestSpokenQueryIsAnswered(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.orch.Run(context.Background(), input.Request{Source: input.SourceMicrophone}, "English")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer res.Release()
	if res.Query != "What is a mining lease?" {
		t.Fatalf("unexpected recognized query %q", res.Query)
	}
}

func TestTurnsDoNotOverlap(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.llm.delay = 30 * time.Millisecond })
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.orch.Run(context.Background(), textInput("q"), "English")
			if err != nil {
				t.Errorf("run: %v", err)
				return
			}
			res.Release()
		}()
	}
	wg.Wait()
	if h.llm.maxSeen.Load() != 1 {
		t.Fatalf("turns overlapped: %d concurrent generations", h.llm.maxSeen.Load())
	}
}

func TestReleaseRemovesArtifact(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.orch.Run(context.Background(), textInput("q"), "Bengali")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	path := res.Audio().Path
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("artifact missing before release: %v", err)
	}
	if err := res.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("artifact still present after release")
	}
}

func TestTurnIsAudited(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.orch.Run(context.Background(), textInput("q"), "Odia", WithTurnID("turn-42"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer res.Release()

	rec, err := h.store.GetTurn(context.Background(), "turn-42")
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if rec.State != string(Complete) || rec.TranslationStatus != "translated" || rec.Voice != "en" {
		t.Fatalf("unexpected audit record %+v", rec)
	}
	events, err := h.store.ListTurnEvents(context.Background(), "turn-42", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 transitions, got %d", len(events))
	}
}

func TestNewRequiresComponents(t *testing.T) {
	if _, err := New(Components{}, Options{}, newLogger()); err == nil {
		t.Fatalf("expected error for missing components")
	}
}

func TestNoTransitionLeavesTerminalState(t *testing.T) {
	for s, want := range map[State]bool{AwaitingInput: false, Generating: false, Complete: true, Aborted: true} {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v", s, !want)
		}
	}

	var seen []State
	tr := &turn{
		o:        &Orchestrator{logger: newLogger()},
		id:       "t-term",
		observer: ObserverFunc(func(x Transition) { seen = append(seen, x.To) }),
	}
	ctx := context.Background()
	tr.enter(ctx, AwaitingInput, "")
	tr.enter(ctx, Aborted, "no_input")
	tr.enter(ctx, Generating, "")
	if len(seen) != 2 || tr.state != Aborted {
		t.Fatalf("expected the turn to stay aborted, saw %v (state %s)", seen, tr.state)
	}
}
