// Package aiprovider ships the reference capability.AiProvider: an HTTP
// client against a model-registry style inference endpoint, adapted from
// services/orchestrator/plugins.go's ModelInferencePlugin. The AIMerge
// conflict-resolution strategy (internal/replication/aimerge.go) is this
// package's only caller inside the core.
package aiprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/cis-core/internal/capability"
	"github.com/swarmguard/cis-core/internal/cerr"
)

// HTTPProvider implements capability.AiProvider against a model registry's
// chat-style inference endpoint.
type HTTPProvider struct {
	endpoint string
	model    string
	client   *http.Client
	tracer   trace.Tracer
}

var _ capability.AiProvider = (*HTTPProvider)(nil)

// New builds an HTTPProvider that posts to endpoint+"/v1/chat" the way
// ModelInferencePlugin posts to its registry's "/v1/inference".
func New(endpoint, model string) *HTTPProvider {
	return &HTTPProvider{
		endpoint: endpoint,
		model:    model,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer: otel.Tracer("cis-core-aiprovider"),
	}
}

type chatRequest struct {
	Model  string `json:"model_name"`
	Prompt string `json:"input"`
}

type chatResponse struct {
	Output string `json:"output"`
}

// Chat implements capability.AiProvider.
func (p *HTTPProvider) Chat(ctx context.Context, prompt string) (string, error) {
	ctx, span := p.tracer.Start(ctx, "aiprovider.chat", trace.WithAttributes(attribute.String("model", p.model)))
	defer span.End()

	body, err := json.Marshal(chatRequest{Model: p.model, Prompt: prompt})
	if err != nil {
		return "", cerr.Wrap(cerr.KindInternal, err, "marshal chat request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v1/chat", bytes.NewReader(body))
	if err != nil {
		return "", cerr.Wrap(cerr.KindInternal, err, "build chat request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", cerr.Wrap(cerr.KindInternal, err, "call model endpoint %q", p.endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", cerr.New(cerr.KindInternal, "model endpoint %q returned %d: %s", p.endpoint, resp.StatusCode, string(raw))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", cerr.Wrap(cerr.KindInternal, err, "decode chat response")
	}
	if out.Output == "" {
		return "", fmt.Errorf("aiprovider: empty output from %q", p.endpoint)
	}
	return out.Output, nil
}
