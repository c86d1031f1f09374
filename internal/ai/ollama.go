package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OllamaClient talks to a local Ollama instance. It is the default
// backend: no API key, no data leaves the machine.
type OllamaClient struct {
	BaseURL    string
	EmbedModel string
	GenModel   string

	client *http.Client
}

func NewOllamaClient(baseURL, embedModel, genModel string) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if embedModel == "" {
		embedModel = "nomic-embed-text"
	}
	if genModel == "" {
		genModel = "llama3.2:latest"
	}
	return &OllamaClient{
		BaseURL:    baseURL,
		EmbedModel: embedModel,
		GenModel:   genModel,
		client:     &http.Client{Timeout: 120 * time.Second},
	}
}

// postJSON sends a request to an Ollama endpoint and decodes the
// response into out.
func (c *OllamaClient) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *OllamaClient) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	var resp struct {
		Embedding []float32 `json:"embedding"`
	}
	err := c.postJSON(ctx, "/api/embeddings", map[string]any{
		"model":  c.EmbedModel,
		"prompt": text,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

func (c *OllamaClient) GenerateCompletion(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	payload := map[string]any{
		"model":  c.GenModel,
		"prompt": prompt,
		"stream": false,
	}
	if jsonMode {
		payload["format"] = "json"
	}

	var resp struct {
		Response string `json:"response"`
		Done     bool   `json:"done"`
	}
	if err := c.postJSON(ctx, "/api/generate", payload, &resp); err != nil {
		return "", err
	}
	return resp.Response, nil
}
