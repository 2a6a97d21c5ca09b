// Package protocol defines the wire messages shared by the NATS, HTTP and
// WebSocket surfaces.
package protocol

import (
	"strings"
	"time"

	"github.com/loqalabs/minerlex/internal/input"
	"github.com/loqalabs/minerlex/internal/pipeline"
	"github.com/loqalabs/minerlex/internal/tts"
)

const (
	SubjectTurnRequest      = "turn.request"
	SubjectTurnStatusPrefix = "turn.status"
	SubjectTurnStatusAll    = SubjectTurnStatusPrefix + ".>"
)

// StatusSubject is where progress for one turn is published.
func StatusSubject(turnID string) string {
	return SubjectTurnStatusPrefix + "." + turnID
}

// TurnRequest submits one turn. Either Text or Audio is set; Audio holds a
// wav, mp3 or ogg/vorbis clip.
type TurnRequest struct {
	TurnID    string `json:"turn_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Language  string `json:"language"`
	Audio     []byte `json:"audio,omitempty"`
	AudioName string `json:"audio_name,omitempty"`
}

// Turn maps the request onto orchestrator arguments. A clip wins over text;
// a blank language selects defaultLabel.
func (r TurnRequest) Turn(defaultLabel string) (input.Request, string, []pipeline.RunOption) {
	label := strings.TrimSpace(r.Language)
	if label == "" {
		label = defaultLabel
	}
	in := input.Request{Source: input.SourceText, Text: r.Text}
	if len(r.Audio) > 0 {
		in = input.Request{Source: input.SourceClip, Clip: r.Audio, ClipName: r.AudioName}
	}
	var opts []pipeline.RunOption
	if r.TurnID != "" {
		opts = append(opts, pipeline.WithTurnID(r.TurnID))
	}
	return in, label, opts
}

// TurnStatus reports a state transition.
type TurnStatus struct {
	TurnID string    `json:"turn_id"`
	From   string    `json:"from,omitempty"`
	State  string    `json:"state"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// TurnError describes an aborted turn.
type TurnError struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// TurnResponse carries either a completed turn or Error.
type TurnResponse struct {
	TurnID            string     `json:"turn_id"`
	State             string     `json:"state"`
	Query             string     `json:"query,omitempty"`
	Answer            string     `json:"answer,omitempty"`
	Language          string     `json:"language,omitempty"`
	Translation       string     `json:"translation,omitempty"`
	TranslationCode   string     `json:"translation_code,omitempty"`
	TranslationStatus string     `json:"translation_status,omitempty"`
	SpeechStatus      string     `json:"speech_status,omitempty"`
	Voice             string     `json:"voice,omitempty"`
	VoiceFallback     bool       `json:"voice_fallback,omitempty"`
	AudioFormat       string     `json:"audio_format,omitempty"`
	AudioDurationMS   int64      `json:"audio_duration_ms,omitempty"`
	Audio             []byte     `json:"audio,omitempty"`
	Degraded          []string   `json:"degraded,omitempty"`
	DurationMS        int64      `json:"duration_ms,omitempty"`
	Error             *TurnError `json:"error,omitempty"`
}

// StatusFromTransition converts a pipeline transition.
func StatusFromTransition(t pipeline.Transition) TurnStatus {
	return TurnStatus{TurnID: t.TurnID, From: string(t.From), State: string(t.To), Detail: t.Detail, At: t.At}
}

// ResponseFromResult copies a completed turn, reading the audio into memory.
// An unreadable artifact is reported as degraded speech. The caller still
// owns res and must release it.
func ResponseFromResult(res *pipeline.Result) TurnResponse {
	resp := TurnResponse{
		TurnID:            res.TurnID,
		State:             string(pipeline.Complete),
		Query:             res.Query,
		Answer:            res.Answer,
		Language:          res.Language.Label,
		Translation:       res.Translation.Text,
		TranslationCode:   res.Translation.Code,
		TranslationStatus: string(res.Translation.Status),
		SpeechStatus:      string(res.Speech.Status),
		Voice:             res.Speech.Voice,
		VoiceFallback:     res.Speech.VoiceFallback,
		Degraded:          res.Degraded,
		DurationMS:        res.Duration.Milliseconds(),
	}
	if a := res.Audio(); a != nil {
		data, err := a.Bytes()
		if err != nil {
			resp.SpeechStatus = string(tts.StatusUnavailable)
			resp.Degraded = append(append([]string(nil), resp.Degraded...), pipeline.StageSpeech)
			return resp
		}
		resp.Audio = data
		resp.AudioFormat = a.Format
		resp.AudioDurationMS = a.Duration.Milliseconds()
	}
	return resp
}

// ResponseFromFailure describes an aborted turn.
func ResponseFromFailure(turnID string, f *pipeline.Failure) TurnResponse {
	return TurnResponse{
		TurnID: turnID,
		State:  string(pipeline.Aborted),
		Error: &TurnError{
			Kind:    string(f.Kind),
			Stage:   string(f.Stage),
			Message: f.UserMessage(),
			Detail:  f.Err.Error(),
		},
	}
}

// Event types sent over the WebSocket.
const (
	EventStatus = "status"
	EventResult = "result"
)

// Event is one WebSocket frame. Each turn yields its status events followed
// by exactly one result.
type Event struct {
	Type   string        `json:"type"`
	Status *TurnStatus   `json:"status,omitempty"`
	Result *TurnResponse `json:"result,omitempty"`
}
