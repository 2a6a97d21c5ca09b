package pipeline

import (
	"time"

	"github.com/loqalabs/minerlex/internal/language"
	"github.com/loqalabs/minerlex/internal/translate"
	"github.com/loqalabs/minerlex/internal/tts"
)

// Stages that can degrade without aborting a turn.
const (
	StageTranslation = "translation"
	StageSpeech      = "speech"
)

// Result is a completed turn. Translation and Speech always carry a value;
// their Status fields tell whether they fell back.
type Result struct {
	TurnID      string
	Query       string
	Answer      string
	Language    language.Selection
	Translation translate.Result
	Speech      tts.Outcome
	// Degraded lists the stages that fell back.
	Degraded    []string
	Transitions []Transition
	Duration    time.Duration
}

// Audio returns the synthesized artifact, or nil when there is none.
func (r *Result) Audio() *tts.Artifact {
	if r == nil {
		return nil
	}
	return r.Speech.Artifact
}

// Release frees the audio artifact. Safe to call more than once.
func (r *Result) Release() error {
	return r.Audio().Release()
}

// State is Complete for every Result.
func (r *Result) State() State { return Complete }
