package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fluxori/creditcore/internal/config"
	creditdomain "github.com/fluxori/creditcore/internal/credit/domain"
	"github.com/fluxori/creditcore/internal/maintenance"
	"github.com/fluxori/creditcore/internal/observability"
	pricingdomain "github.com/fluxori/creditcore/internal/pricing/domain"
	"github.com/fluxori/creditcore/internal/producer"
	queuedomain "github.com/fluxori/creditcore/internal/queue/domain"
	"github.com/fluxori/creditcore/internal/ratelimit"
	researchdomain "github.com/fluxori/creditcore/internal/research/domain"
	resultcachedomain "github.com/fluxori/creditcore/internal/resultcache/domain"
	"github.com/fluxori/creditcore/internal/txn"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeResearch struct {
	researchdomain.Service
	received []producer.BatchResult
	err      error
}

func (f *fakeResearch) HandleResult(_ context.Context, result producer.BatchResult) error {
	f.received = append(f.received, result)
	return f.err
}

func newTestServer(t *testing.T, cfg config.Config, research *fakeResearch) *Server {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	availability := producer.NewAvailability()
	availability.Update(producer.Health{Connected: true, AvailableScopes: []string{"takealot"}, Capacity: 4, Active: 1, CheckedAt: time.Now()})

	return NewServer(Params{
		Engine:       NewEngine(observability.Config{}),
		Config:       cfg,
		Log:          zap.NewNop(),
		Research:     research,
		Availability: availability,
		DB:           db,
	})
}

func postResult(t *testing.T, s *Server, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/internal/producer/results", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func encodeResult(t *testing.T, result producer.BatchResult) []byte {
	t.Helper()
	body, err := json.Marshal(result)
	require.NoError(t, err)
	return body
}

func TestProducerResultsDelivered(t *testing.T) {
	research := &fakeResearch{}
	s := newTestServer(t, config.Config{Environment: "development"}, research)

	volume := int64(880)
	body := encodeResult(t, producer.BatchResult{
		RequestID: snowflake.ID(42),
		Items: []producer.ItemResult{{
			Subject:      "earbuds",
			Scope:        "takealot",
			Success:      true,
			Payload:      json.RawMessage(`{"search_volume":880}`),
			SearchVolume: &volume,
		}},
	})

	rec := postResult(t, s, "", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, research.received, 1)
	assert.Equal(t, snowflake.ID(42), research.received[0].RequestID)
	require.Len(t, research.received[0].Items, 1)
	assert.JSONEq(t, `{"search_volume":880}`, string(research.received[0].Items[0].Payload))
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
}

func TestProducerResultsRequiresToken(t *testing.T) {
	research := &fakeResearch{}
	s := newTestServer(t, config.Config{Producer: config.ProducerConfig{CallbackToken: "s3cret"}}, research)
	body := encodeResult(t, producer.BatchResult{RequestID: snowflake.ID(7)})

	assert.Equal(t, http.StatusUnauthorized, postResult(t, s, "", body).Code)
	assert.Equal(t, http.StatusUnauthorized, postResult(t, s, "wrong", body).Code)
	assert.Empty(t, research.received)

	assert.Equal(t, http.StatusAccepted, postResult(t, s, "s3cret", body).Code)
	assert.Len(t, research.received, 1)
}

func TestProducerResultsRejectsWithoutTokenInProduction(t *testing.T) {
	s := newTestServer(t, config.Config{Environment: "production"}, &fakeResearch{})
	rec := postResult(t, s, "", encodeResult(t, producer.BatchResult{RequestID: snowflake.ID(7)}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProducerResultsValidation(t *testing.T) {
	research := &fakeResearch{}
	s := newTestServer(t, config.Config{}, research)

	rec := postResult(t, s, "", []byte(`{"request_id":`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postResult(t, s, "", []byte(`{"items":[]}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Error.Errors, 1)
	assert.Equal(t, "request_id", resp.Error.Errors[0].Field)
	assert.Empty(t, research.received)
}

func TestProducerResultsMapsDomainErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "not_found", err: queuedomain.ErrRequestNotFound, want: http.StatusNotFound},
		{name: "invalid_transition", err: queuedomain.ErrInvalidTransition, want: http.StatusConflict},
		{name: "invalid_result", err: resultcachedomain.ErrInvalidResult, want: http.StatusBadRequest},
		{name: "unexpected", err: fmt.Errorf("boom"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, config.Config{}, &fakeResearch{err: tc.err})
			rec := postResult(t, s, "", encodeResult(t, producer.BatchResult{RequestID: snowflake.ID(9)}))
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestMapErrorTypedDomainErrors(t *testing.T) {
	status, payload := mapError(&researchdomain.InsufficientCreditError{Available: 10, Required: 50})
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, "insufficient_credit", payload.Type)
	assert.Equal(t, map[string]any{"available": int64(10), "required": int64(50)}, payload.Details)

	status, payload = mapError(fmt.Errorf("dispatch: %w", &researchdomain.UnavailableError{Marketplaces: []string{"amazon"}}))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "service unavailable", payload.Message)
	assert.Equal(t, []string{"amazon"}, payload.Details["marketplaces"])

	status, payload = mapError(&txn.ExhaustedError{Attempts: 5, Err: txn.ErrConflict})
	assert.Equal(t, http.StatusConflict, status)
	assert.Nil(t, payload.Details)

	status, _ = mapError(fmt.Errorf("estimate: %w", pricingdomain.ErrUnknownOperation))
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = mapError(fmt.Errorf("list: %w", ratelimit.ErrRateLimited))
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, config.Config{}, &fakeResearch{})

	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status   string             `json:"status"`
		Producer producerHealthView `json:"producer"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.Producer.Reported)
	assert.True(t, body.Producer.Connected)
	assert.Equal(t, 4, body.Producer.Capacity)
}

func TestTriggerMaintenanceUnknownJob(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	sched, err := maintenance.New(maintenance.Params{
		Log:      zap.NewNop(),
		GenID:    node,
		Research: &fakeResearch{},
		Cache:    struct{ resultcachedomain.Service }{},
		Credits:  struct{ creditdomain.Service }{},
	})
	require.NoError(t, err)

	s := NewServer(Params{
		Engine:    NewEngine(observability.Config{}),
		Log:       zap.NewNop(),
		Research:  &fakeResearch{},
		Scheduler: sched,
	})

	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/maintenance/jobs/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
