package tts

import (
	"errors"
	"os"
	"sync"
	"time"
)

// Artifact is a synthesized answer on disk. The holder must call Release
// once the audio has been delivered.
type Artifact struct {
	Path     string        `json:"path"`
	Format   string        `json:"format"`
	Voice    string        `json:"voice"`
	Duration time.Duration `json:"duration"`
	Size     int64         `json:"size"`

	once       sync.Once
	releaseErr error
}

// Bytes reads the whole file.
func (a *Artifact) Bytes() ([]byte, error) {
	if a == nil {
		return nil, errors.New("nil artifact")
	}
	return os.ReadFile(a.Path)
}

// Release removes the file. It is safe to call more than once and on a nil
// artifact.
func (a *Artifact) Release() error {
	if a == nil {
		return nil
	}
	a.once.Do(func() {
		if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
			a.releaseErr = err
		}
	})
	return a.releaseErr
}

// MIMEType returns the content type for HTTP responses.
func (a *Artifact) MIMEType() string {
	if a != nil && a.Format == "wav" {
		return "audio/wav"
	}
	return "audio/mpeg"
}
