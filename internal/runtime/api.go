package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/loqalabs/minerlex/internal/language"
	"github.com/loqalabs/minerlex/internal/pipeline"
	"github.com/loqalabs/minerlex/internal/protocol"
)

type languageInfo struct {
	Label           string `json:"label"`
	DisplayName     string `json:"display_name"`
	TranslationCode string `json:"translation_code"`
	SpeechCode      string `json:"speech_code"`
	SpeechFallback  bool   `json:"speech_fallback"`
}

func (r *Runtime) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	tables := r.turns.Languages()
	entries := tables.Entries()
	out := make([]languageInfo, 0, len(entries))
	for _, e := range entries {
		sel := tables.Resolve(e.Label)
		out = append(out, languageInfo{
			Label:           sel.Label,
			DisplayName:     e.DisplayName(),
			TranslationCode: sel.TranslationCode,
			SpeechCode:      sel.SpeechCode,
			SpeechFallback:  sel.SpeechFallback,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"default":   r.defaultLanguage(),
		"languages": out,
	})
}

func (r *Runtime) defaultLanguage() string {
	if r.cfg.Pipeline.DefaultLanguage != "" {
		return r.cfg.Pipeline.DefaultLanguage
	}
	return language.English
}

// handleTurn accepts a JSON TurnRequest or a multipart form with an "audio"
// file and "language" field.
func (r *Runtime) handleTurn(w http.ResponseWriter, req *http.Request) {
	if limit := r.cfg.HTTP.MaxUploadBytes; limit > 0 {
		req.Body = http.MaxBytesReader(w, req.Body, limit)
	}

	turnReq, err := r.decodeTurnRequest(req)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, protocol.TurnResponse{
			State: string(pipeline.Aborted),
			Error: &protocol.TurnError{Kind: "bad_request", Message: "Malformed turn request.", Detail: err.Error()},
		})
		return
	}

	in, label, opts := turnReq.Turn(r.defaultLanguage())
	res, err := r.turns.Run(req.Context(), in, label, opts...)
	if err != nil {
		status, resp := failureResponse(turnReq.TurnID, err)
		if status == http.StatusInternalServerError {
			r.logger.Error("turn failed", slog.String("error", err.Error()))
		}
		writeJSON(w, status, resp)
		return
	}
	defer r.release(res)
	writeJSON(w, http.StatusOK, protocol.ResponseFromResult(res))
}

func (r *Runtime) decodeTurnRequest(req *http.Request) (protocol.TurnRequest, error) {
	var out protocol.TurnRequest
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		if err := json.NewDecoder(req.Body).Decode(&out); err != nil {
			return out, fmt.Errorf("decode json: %w", err)
		}
		return out, nil
	}

	maxMemory := r.cfg.HTTP.MaxUploadBytes
	if maxMemory <= 0 {
		maxMemory = 10 << 20
	}
	if err := req.ParseMultipartForm(maxMemory); err != nil {
		return out, fmt.Errorf("parse form: %w", err)
	}
	out.TurnID = req.FormValue("turn_id")
	out.Text = req.FormValue("text")
	out.Language = req.FormValue("language")

	file, header, err := req.FormFile("audio")
	if errors.Is(err, http.ErrMissingFile) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("read audio: %w", err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return out, fmt.Errorf("read audio: %w", err)
	}
	out.Audio = data
	out.AudioName = header.Filename
	return out, nil
}

func (r *Runtime) release(res *pipeline.Result) {
	if err := res.Release(); err != nil {
		r.logger.Warn("failed to release audio", slog.String("turn_id", res.TurnID), slog.String("error", err.Error()))
	}
}

// failureResponse maps a Run error to an HTTP status and body.
func failureResponse(turnID string, err error) (int, protocol.TurnResponse) {
	var f *pipeline.Failure
	if !errors.As(err, &f) {
		return http.StatusInternalServerError, protocol.TurnResponse{
			TurnID: turnID,
			State:  string(pipeline.Aborted),
			Error:  &protocol.TurnError{Kind: "internal", Message: "The turn could not be run.", Detail: err.Error()},
		}
	}
	status := http.StatusInternalServerError
	switch f.Kind {
	case pipeline.KindNoInput:
		status = http.StatusBadRequest
	case pipeline.KindUnintelligible, pipeline.KindRecognitionUnavailable:
		status = http.StatusUnprocessableEntity
	case pipeline.KindGeneration:
		status = http.StatusBadGateway
	case pipeline.KindCancelled:
		status = http.StatusServiceUnavailable
	}
	return status, protocol.ResponseFromFailure(f.TurnID, f)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
