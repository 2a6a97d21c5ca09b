package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/minerlex/internal/answer"
	"github.com/loqalabs/minerlex/internal/input"
)

// State is the position of a turn in the pipeline.
type State string

const (
	AwaitingInput State = "awaiting_input"
	Generating    State = "generating"
	Translating   State = "translating"
	Synthesizing  State = "synthesizing"
	Complete      State = "complete"
	Aborted       State = "aborted"
)

// Terminal reports whether no further transition can follow.
func (s State) Terminal() bool { return s == Complete || s == Aborted }

// Transition is emitted each time a turn changes state.
type Transition struct {
	TurnID string    `json:"turn_id"`
	From   State     `json:"from,omitempty"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// Observer receives transitions synchronously, in order.
type Observer interface {
	Transition(Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

func (f ObserverFunc) Transition(t Transition) { f(t) }

// FailureKind classifies why a turn was aborted.
type FailureKind string

const (
	KindNoInput                FailureKind = "no_input"
	KindUnintelligible         FailureKind = "unintelligible"
	KindRecognitionUnavailable FailureKind = "recognition_unavailable"
	KindGeneration             FailureKind = "generation"
	KindCancelled              FailureKind = "cancelled"
)

// Failure is a hard failure: the turn was aborted and produced no result.
type Failure struct {
	TurnID string
	Stage  State
	Kind   FailureKind
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("turn %s aborted while %s: %s: %v", f.TurnID, f.Stage, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// UserMessage is the text shown to the person who submitted the turn.
func (f *Failure) UserMessage() string {
	switch f.Kind {
	case KindNoInput:
		return "Please type a question or record one."
	case KindUnintelligible:
		return "Could not understand the audio. Please try again."
	case KindRecognitionUnavailable:
		return "Speech recognition is unavailable right now. Please try again or type your question."
	case KindGeneration:
		return "Could not generate an answer. Please try again."
	default:
		return "The request was cancelled."
	}
}

func classifyInputError(err error) FailureKind {
	var acq *input.AcquisitionError
	switch {
	case errors.Is(err, input.ErrNoInput):
		return KindNoInput
	case errors.As(err, &acq) && acq.Reason == input.Unintelligible:
		return KindUnintelligible
	case errors.As(err, &acq):
		return KindRecognitionUnavailable
	case isCancellation(err):
		return KindCancelled
	default:
		return KindRecognitionUnavailable
	}
}

func classifyGenerationError(err error) FailureKind {
	var genErr *answer.GenerationError
	if !errors.As(err, &genErr) && isCancellation(err) {
		return KindCancelled
	}
	if errors.Is(err, answer.ErrEmptyQuery) {
		return KindNoInput
	}
	return KindGeneration
}
