// Package language holds the label→code tables used to localize answers.
package language

import (
	"fmt"
	"strings"
)

// English is the canonical label of the source language of every answer.
const English = "English"

const (
	defaultTranslationCode = "en_XX"
	defaultSpeechCode      = "en"
)

// Entry describes one supported display language.
type Entry struct {
	Label           string `json:"label"`
	Native          string `json:"native"`
	TranslationCode string `json:"translation_code"`
	SpeechCode      string `json:"speech_code,omitempty"`
}

// DisplayName renders the label the way the language picker shows it.
func (e Entry) DisplayName() string {
	if e.Native == "" || e.Native == e.Label {
		return e.Label
	}
	return fmt.Sprintf("%s (%s)", e.Label, e.Native)
}

// Selection is the language in effect for one turn.
type Selection struct {
	Label           string `json:"label"`
	TranslationCode string `json:"translation_code"`
	SpeechCode      string `json:"speech_code"`
	// SpeechFallback is set when the language has no voice and SpeechCode
	// is the English default.
	SpeechFallback bool `json:"speech_fallback,omitempty"`
	// Recognized is false when the requested label was unknown and the
	// selection was resolved to English.
	Recognized bool `json:"recognized"`
}

// IsEnglish reports whether no translation is needed.
func (s Selection) IsEnglish() bool {
	return s.Label == English
}

// Tables is an immutable pair of lookup tables keyed by canonical label.
// Build it once with NewTables or DefaultTables and share the value.
type Tables struct {
	order       []string
	entries     map[string]Entry
	aliases     map[string]string
	translation map[string]string
	speech      map[string]string
}

// NewTables builds tables from the given entries. Every entry must carry a
// translation code; speech codes are optional.
func NewTables(entries []Entry) (Tables, error) {
	t := Tables{
		entries:     make(map[string]Entry, len(entries)),
		aliases:     make(map[string]string, len(entries)*2),
		translation: make(map[string]string, len(entries)),
		speech:      make(map[string]string, len(entries)),
	}
	for _, e := range entries {
		if strings.TrimSpace(e.Label) == "" {
			return Tables{}, fmt.Errorf("language entry without label")
		}
		if strings.TrimSpace(e.TranslationCode) == "" {
			return Tables{}, fmt.Errorf("language %q has no translation code", e.Label)
		}
		if _, dup := t.entries[e.Label]; dup {
			return Tables{}, fmt.Errorf("language %q declared twice", e.Label)
		}
		t.order = append(t.order, e.Label)
		t.entries[e.Label] = e
		t.translation[e.Label] = e.TranslationCode
		if e.SpeechCode != "" {
			t.speech[e.Label] = e.SpeechCode
		}
		t.aliases[normalize(e.Label)] = e.Label
		t.aliases[normalize(e.DisplayName())] = e.Label
		if e.Native != "" {
			t.aliases[normalize(e.Native)] = e.Label
		}
	}
	if _, ok := t.entries[English]; !ok {
		return Tables{}, fmt.Errorf("tables must include %s", English)
	}
	return t, nil
}

// DefaultTables returns the twelve supported languages. Odia has no voice.
func DefaultTables() Tables {
	t, err := NewTables(defaultEntries)
	if err != nil {
		panic(err)
	}
	return t
}

var defaultEntries = []Entry{
	{Label: English, Native: English, TranslationCode: "en_XX", SpeechCode: "en"},
	{Label: "Hindi", Native: "हिन्दी", TranslationCode: "hi_IN", SpeechCode: "hi"},
	{Label: "Bengali", Native: "বাংলা", TranslationCode: "bn_IN", SpeechCode: "bn"},
	{Label: "Tamil", Native: "தமிழ்", TranslationCode: "ta_IN", SpeechCode: "ta"},
	{Label: "Telugu", Native: "తెలుగు", TranslationCode: "te_IN", SpeechCode: "te"},
	{Label: "Marathi", Native: "मराठी", TranslationCode: "mr_IN", SpeechCode: "mr"},
	{Label: "Gujarati", Native: "ગુજરાતી", TranslationCode: "gu_IN", SpeechCode: "gu"},
	{Label: "Malayalam", Native: "മലയാളം", TranslationCode: "ml_IN", SpeechCode: "ml"},
	{Label: "Kannada", Native: "ಕನ್ನಡ", TranslationCode: "kn_IN", SpeechCode: "kn"},
	{Label: "Odia", Native: "ଓଡ଼ିଆ", TranslationCode: "or_IN"},
	{Label: "Urdu", Native: "اردو", TranslationCode: "ur_PK", SpeechCode: "ur"},
	{Label: "Assamese", Native: "অসমীয়া", TranslationCode: "as_IN", SpeechCode: "as"},
}

// Resolve maps a user-supplied label (canonical, native or display form,
// case-insensitive) to a Selection. Unknown labels resolve to English.
func (t Tables) Resolve(label string) Selection {
	canonical, ok := t.aliases[normalize(label)]
	if !ok {
		return t.selection(English, false)
	}
	return t.selection(canonical, true)
}

func (t Tables) selection(label string, recognized bool) Selection {
	sel := Selection{
		Label:           label,
		TranslationCode: t.TranslationCode(label),
		Recognized:      recognized,
	}
	if code, ok := t.speech[label]; ok {
		sel.SpeechCode = code
	} else {
		sel.SpeechCode = defaultSpeechCode
		sel.SpeechFallback = true
	}
	return sel
}

// TranslationCode returns the translation-model code for a canonical label,
// or the English code when the label is unknown.
func (t Tables) TranslationCode(label string) string {
	if code, ok := t.translation[label]; ok {
		return code
	}
	return defaultTranslationCode
}

// SpeechCode returns the voice code for a canonical label and whether the
// label has its own voice.
func (t Tables) SpeechCode(label string) (string, bool) {
	if code, ok := t.speech[label]; ok {
		return code, true
	}
	return defaultSpeechCode, false
}

// Entries lists the supported languages in picker order.
func (t Tables) Entries() []Entry {
	out := make([]Entry, 0, len(t.order))
	for _, label := range t.order {
		out = append(out, t.entries[label])
	}
	return out
}

// Labels lists the canonical labels in picker order.
func (t Tables) Labels() []string {
	return append([]string(nil), t.order...)
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
