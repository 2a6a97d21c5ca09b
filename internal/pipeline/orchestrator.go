// Package pipeline runs one turn: resolve input, generate an answer,
// translate it and synthesize speech. Input and generation failures abort
// the turn; translation and synthesis failures degrade the result instead.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/minerlex/internal/eventstore"
	"github.com/loqalabs/minerlex/internal/input"
	"github.com/loqalabs/minerlex/internal/language"
	"github.com/loqalabs/minerlex/internal/translate"
	"github.com/loqalabs/minerlex/internal/tts"
)

const instrumentationName = "github.com/loqalabs/minerlex/internal/pipeline"

type Resolver interface {
	Resolve(ctx context.Context, req input.Request) (string, error)
}

type Answerer interface {
	Answer(ctx context.Context, turnID, query string) (string, error)
}

type Translator interface {
	Translate(ctx context.Context, text string, sel language.Selection) translate.Result
}

type Synthesizer interface {
	Synthesize(ctx context.Context, turnID, text string, sel language.Selection) tts.Outcome
}

// Recorder persists turn metadata. *eventstore.Store implements it.
type Recorder interface {
	BeginTurn(ctx context.Context, t eventstore.Turn) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	FinishTurn(ctx context.Context, t eventstore.Turn) error
}

type Components struct {
	Resolver    Resolver
	Answerer    Answerer
	Translator  Translator
	Synthesizer Synthesizer
	Tables      language.Tables
	// Recorder is optional.
	Recorder Recorder
}

type Options struct {
	// TurnTimeout bounds a whole turn; zero means no bound.
	TurnTimeout time.Duration
}

type Orchestrator struct {
	c      Components
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	turns    metric.Int64Counter
	degraded metric.Int64Counter
	duration metric.Float64Histogram

	// mu serializes turns.
	mu sync.Mutex
}

func New(c Components, opts Options, logger *slog.Logger) (*Orchestrator, error) {
	if c.Resolver == nil || c.Answerer == nil || c.Translator == nil || c.Synthesizer == nil {
		return nil, errors.New("pipeline: resolver, answerer, translator and synthesizer are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.Meter(instrumentationName)
	turns, err := meter.Int64Counter("minerlex.turns",
		metric.WithDescription("Turns by terminal state"))
	if err != nil {
		return nil, fmt.Errorf("create turns counter: %w", err)
	}
	degraded, err := meter.Int64Counter("minerlex.stage.degraded",
		metric.WithDescription("Completed turns whose translation or speech fell back"))
	if err != nil {
		return nil, fmt.Errorf("create degraded counter: %w", err)
	}
	duration, err := meter.Float64Histogram("minerlex.turn.duration",
		metric.WithDescription("Turn latency"), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	return &Orchestrator{
		c:        c,
		opts:     opts,
		logger:   logger.With(slog.String("component", "pipeline")),
		tracer:   otel.Tracer(instrumentationName),
		turns:    turns,
		degraded: degraded,
		duration: duration,
	}, nil
}

// Languages exposes the tables the orchestrator resolves labels against.
func (o *Orchestrator) Languages() language.Tables { return o.c.Tables }

type runConfig struct {
	turnID   string
	observer Observer
}

type RunOption func(*runConfig)

// WithTurnID sets the turn ID instead of generating one.
func WithTurnID(id string) RunOption {
	return func(rc *runConfig) { rc.turnID = id }
}

// WithObserver streams transitions of this turn to obs.
func WithObserver(obs Observer) RunOption {
	return func(rc *runConfig) { rc.observer = obs }
}

// Run executes one turn. It returns either a Result or a *Failure. Turns do
// not overlap: a second call waits until the first has finished.
//
// The caller owns the returned Result and must call Release once the audio
// has been delivered.
func (o *Orchestrator) Run(ctx context.Context, req input.Request, label string, opts ...RunOption) (*Result, error) {
	rc := runConfig{}
	for _, opt := range opts {
		opt(&rc)
	}
	if rc.turnID == "" {
		rc.turnID = uuid.NewString()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.TurnTimeout)
		defer cancel()
	}

	sel := o.c.Tables.Resolve(label)
	ctx, span := o.tracer.Start(ctx, "pipeline.turn", trace.WithAttributes(
		attribute.String("turn.id", rc.turnID),
		attribute.String("turn.source", req.Source.String()),
		attribute.String("turn.language", sel.Label),
	))
	defer span.End()

	t := &turn{
		o:        o,
		id:       rc.turnID,
		traceID:  span.SpanContext().TraceID().String(),
		observer: rc.observer,
		start:    time.Now(),
	}
	if !sel.Recognized {
		o.logger.Info("unknown language, using English", slog.String("turn_id", t.id), slog.String("label", label))
	}
	o.record(func(rctx context.Context) error {
		return o.c.Recorder.BeginTurn(rctx, eventstore.Turn{
			TurnID: t.id, Source: req.Source.String(), Language: sel.Label, State: string(AwaitingInput),
		})
	})
	t.enter(ctx, AwaitingInput, "")

	query, err := o.resolve(ctx, req)
	if err != nil {
		return nil, t.abort(ctx, span, AwaitingInput, classifyInputError(err), err)
	}

	t.enter(ctx, Generating, "")
	answerText, err := o.generate(ctx, t.id, query)
	if err != nil {
		return nil, t.abort(ctx, span, Generating, classifyGenerationError(err), err)
	}

	t.enter(ctx, Translating, sel.TranslationCode)
	translation := o.translate(ctx, answerText, sel)

	t.enter(ctx, Synthesizing, "")
	speech := o.synthesize(ctx, t.id, translation.Text, sel)

	// Nothing between here and the return may fail, but if it panics the
	// artifact must not outlive the turn.
	delivered := false
	defer func() {
		if !delivered {
			_ = speech.Artifact.Release()
		}
	}()

	res := &Result{
		TurnID:      t.id,
		Query:       query,
		Answer:      answerText,
		Language:    sel,
		Translation: translation,
		Speech:      speech,
	}
	if translation.Degraded() {
		res.Degraded = append(res.Degraded, StageTranslation)
	}
	if speech.Degraded() {
		res.Degraded = append(res.Degraded, StageSpeech)
	}
	for _, stage := range res.Degraded {
		o.degraded.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}

	t.enter(ctx, Complete, "")
	res.Transitions = t.transitions
	res.Duration = time.Since(t.start)
	t.finish(ctx, Complete, "", res)
	span.SetStatus(codes.Ok, "")
	delivered = true
	return res, nil
}

func (o *Orchestrator) resolve(ctx context.Context, req input.Request) (string, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.resolve_input")
	defer span.End()
	query, err := o.c.Resolver.Resolve(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return query, err
}

func (o *Orchestrator) generate(ctx context.Context, turnID, query string) (string, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.generate")
	defer span.End()
	text, err := o.c.Answerer.Answer(ctx, turnID, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return text, err
}

func (o *Orchestrator) translate(ctx context.Context, text string, sel language.Selection) translate.Result {
	ctx, span := o.tracer.Start(ctx, "pipeline.translate", trace.WithAttributes(
		attribute.String("translation.code", sel.TranslationCode),
	))
	defer span.End()
	res := o.c.Translator.Translate(ctx, text, sel)
	span.SetAttributes(attribute.String("translation.status", string(res.Status)))
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	return res
}

func (o *Orchestrator) synthesize(ctx context.Context, turnID, text string, sel language.Selection) tts.Outcome {
	ctx, span := o.tracer.Start(ctx, "pipeline.synthesize")
	defer span.End()
	out := o.c.Synthesizer.Synthesize(ctx, turnID, text, sel)
	span.SetAttributes(
		attribute.String("speech.status", string(out.Status)),
		attribute.String("speech.voice", out.Voice),
		attribute.Bool("speech.voice_fallback", out.VoiceFallback),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
	}
	return out
}

// record runs fn against the recorder, if any, detached from the turn's
// cancellation. Failures are logged only.
func (o *Orchestrator) record(fn func(context.Context) error) {
	if o.c.Recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		o.logger.Warn("turn audit write failed", slog.String("error", err.Error()))
	}
}

type turn struct {
	o           *Orchestrator
	id          string
	traceID     string
	observer    Observer
	state       State
	transitions []Transition
	start       time.Time
}

// enter moves the turn to state to. Nothing leaves Complete or Aborted.
func (t *turn) enter(ctx context.Context, to State, detail string) {
	if t.state.Terminal() {
		t.o.logger.Error("transition after terminal state",
			slog.String("turn_id", t.id),
			slog.String("from", string(t.state)),
			slog.String("to", string(to)),
		)
		return
	}
	tr := Transition{TurnID: t.id, From: t.state, To: to, At: time.Now(), Detail: detail}
	t.state = to
	t.transitions = append(t.transitions, tr)
	trace.SpanFromContext(ctx).AddEvent(string(to))
	t.o.record(func(rctx context.Context) error {
		return t.o.c.Recorder.AppendEvent(rctx, eventstore.Event{
			TurnID: t.id, TraceID: t.traceID, State: string(to), Detail: detail, CreatedAt: tr.At,
		})
	})
	if t.observer != nil {
		t.observer.Transition(tr)
	}
}

func (t *turn) abort(ctx context.Context, span trace.Span, stage State, kind FailureKind, err error) *Failure {
	f := &Failure{TurnID: t.id, Stage: stage, Kind: kind, Err: err}
	t.enter(ctx, Aborted, string(kind))
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	t.o.logger.Info("turn aborted",
		slog.String("turn_id", t.id),
		slog.String("stage", string(stage)),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)
	t.finish(ctx, Aborted, kind, nil)
	return f
}

func (t *turn) finish(ctx context.Context, state State, kind FailureKind, res *Result) {
	elapsed := time.Since(t.start)
	attrs := metric.WithAttributes(attribute.String("state", string(state)))
	t.o.turns.Add(ctx, 1, attrs)
	t.o.duration.Record(ctx, elapsed.Seconds(), attrs)

	rec := eventstore.Turn{TurnID: t.id, State: string(state), FailureKind: string(kind), Duration: elapsed}
	if res != nil {
		rec.TranslationStatus = string(res.Translation.Status)
		rec.SpeechStatus = string(res.Speech.Status)
		rec.Voice = res.Speech.Voice
		t.o.logger.Info("turn complete",
			slog.String("turn_id", t.id),
			slog.String("language", res.Language.Label),
			slog.String("translation", string(res.Translation.Status)),
			slog.String("speech", string(res.Speech.Status)),
			slog.Duration("duration", elapsed),
		)
	}
	t.o.record(func(rctx context.Context) error {
		return t.o.c.Recorder.FinishTurn(rctx, rec)
	})
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
