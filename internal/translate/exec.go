package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execBackend struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Texts  []string `json:"texts"`
	Source string   `json:"source"`
	Target string   `json:"target"`
}

type execResponse struct {
	Translations []string `json:"translations"`
	Error        string   `json:"error,omitempty"`
}

// NewExecBackend runs a helper process per batch, typically an MBart-50
// wrapper, exchanging JSON over stdin/stdout.
func NewExecBackend(command string) (Backend, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse translation command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("translation command empty")
	}
	return &execBackend{cmd: args}, nil
}

func (b *execBackend) Translate(ctx context.Context, texts []string, source, target string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	input, err := json.Marshal(execRequest{Texts: texts, Source: source, Target: target})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, b.cmd[0], b.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("translation command failed: %w: %s", err, stderr.String())
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("decode translation response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("translation command error: %s", resp.Error)
	}
	return resp.Translations, nil
}
