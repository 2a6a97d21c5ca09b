package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type httpBackend struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type libreRequest struct {
	Q      []string `json:"q"`
	Source string   `json:"source"`
	Target string   `json:"target"`
	Format string   `json:"format"`
	APIKey string   `json:"api_key,omitempty"`
}

type libreResponse struct {
	TranslatedText []string `json:"translatedText"`
	Error          string   `json:"error,omitempty"`
}

// NewHTTPBackend speaks the LibreTranslate /translate API. Table codes are
// reduced to ISO-639-1 before sending.
func NewHTTPBackend(endpoint, apiKey string, client *http.Client) Backend {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpBackend{endpoint: endpoint, apiKey: apiKey, client: client}
}

func (b *httpBackend) Translate(ctx context.Context, texts []string, source, target string) ([]string, error) {
	body, err := json.Marshal(libreRequest{
		Q:      texts,
		Source: BaseCode(source),
		Target: BaseCode(target),
		Format: "text",
		APIKey: b.apiKey,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read translation response: %w", err)
	}
	var out libreResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode translation response (status %s): %w", resp.Status, err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("translation service: %s", out.Error)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("translation service returned status %s", resp.Status)
	}
	return out.TranslatedText, nil
}
