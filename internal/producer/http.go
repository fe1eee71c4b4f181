package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fluxori/creditcore/internal/config"
	"github.com/fluxori/creditcore/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const correlationHeader = "X-Correlation-Id"

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPProducer talks JSON to the scraper service. Results come back through the
// callback endpoint served by internal/server.
type HTTPProducer struct {
	baseURL string
	token   string
	client  *http.Client
	log     *zap.Logger
}

func NewHTTPProducer(cfg config.ProducerConfig, log *zap.Logger) (*HTTPProducer, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("producer base url is required in %s mode", config.ProducerModeHTTP)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProducer{
		baseURL: baseURL,
		token:   strings.TrimSpace(cfg.CallbackToken),
		client:  &http.Client{Timeout: timeout},
		log:     log.Named("producer.http"),
	}, nil
}

func (p *HTTPProducer) Submit(ctx context.Context, batch Batch) error {
	if batch.RequestID == 0 || len(batch.Items) == 0 {
		return ErrInvalidBatch
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	resp, err := p.do(ctx, http.MethodPost, "/v1/batches", body, "request:"+batch.RequestID.String())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests {
		return ErrUnavailable
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp, "producer_submit_failed")
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (p *HTTPProducer) Health(ctx context.Context) (Health, error) {
	resp, err := p.do(ctx, http.MethodGet, "/v1/health", nil, "")
	if err != nil {
		return Health{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Health{}, decodeError(resp, "producer_health_failed")
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, err
	}
	if h.CheckedAt.IsZero() {
		h.CheckedAt = time.Now().UTC()
	}
	return h, nil
}

func (p *HTTPProducer) do(ctx context.Context, method, path string, body []byte, idempotencyKey string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if id := correlation.ExtractCorrelationID(ctx); id != "" {
		req.Header.Set(correlationHeader, id)
	}
	return p.client.Do(req)
}

func decodeError(resp *http.Response, fallback string) error {
	var payload errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || strings.TrimSpace(payload.Error) == "" {
		return fmt.Errorf("%s: status %d", fallback, resp.StatusCode)
	}
	return fmt.Errorf("%s: %s", fallback, strings.TrimSpace(payload.Error))
}
