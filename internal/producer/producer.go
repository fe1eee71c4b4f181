package producer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fluxori/creditcore/pkg/telemetry/correlation"
)

var (
	ErrUnavailable  = errors.New("producer_unavailable")
	ErrInvalidBatch = errors.New("invalid_producer_batch")
	ErrNoHandler    = errors.New("producer_result_handler_missing")
)

type BatchItem struct {
	Subject string `json:"subject"`
	Scope   string `json:"scope"`
}

// Batch is one request's cache misses handed to the producer.
type Batch struct {
	RequestID snowflake.ID `json:"request_id"`
	OrgID     string       `json:"organization_id"`
	Priority  int          `json:"priority"`
	// Refresh marks a system-initiated recompute of popular cache entries.
	Refresh bool                `json:"refresh,omitempty"`
	Items   []BatchItem         `json:"items"`
	Trace   correlation.Carrier `json:"trace"`
}

type Health struct {
	Connected       bool      `json:"connected"`
	AvailableScopes []string  `json:"available_scopes"`
	Capacity        int       `json:"capacity"`
	Active          int       `json:"active"`
	CheckedAt       time.Time `json:"checked_at"`
}

type ItemResult struct {
	Subject      string          `json:"subject"`
	Scope        string          `json:"scope"`
	Success      bool            `json:"success"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	SearchVolume *int64          `json:"search_volume,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// BatchResult is delivered asynchronously. A non-empty Error fails the whole batch.
type BatchResult struct {
	RequestID snowflake.ID `json:"request_id"`
	Refresh   bool         `json:"refresh,omitempty"`
	Items     []ItemResult `json:"items"`
	Error     string       `json:"error,omitempty"`
	// Trace echoes the carrier of the submitted batch.
	Trace correlation.Carrier `json:"trace"`
}

// Producer submits work to the external keyword source. Submit returns once the
// batch is accepted; results arrive later through a ResultHandler.
type Producer interface {
	Submit(ctx context.Context, batch Batch) error
	Health(ctx context.Context) (Health, error)
}

type ResultHandler interface {
	HandleResult(ctx context.Context, result BatchResult) error
}

// HandlerBinder is implemented by producers that deliver results in-process.
type HandlerBinder interface {
	SetHandler(h ResultHandler)
}

// Availability holds the last health snapshot reported by the producer.
type Availability struct {
	current atomic.Pointer[Health]
}

func NewAvailability() *Availability {
	return &Availability{}
}

func (a *Availability) Update(h Health) {
	scopes := make([]string, 0, len(h.AvailableScopes))
	for _, s := range h.AvailableScopes {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			scopes = append(scopes, s)
		}
	}
	h.AvailableScopes = scopes
	a.current.Store(&h)
}

func (a *Availability) MarkDisconnected(at time.Time) {
	a.current.Store(&Health{Connected: false, CheckedAt: at})
}

func (a *Availability) Snapshot() (Health, bool) {
	h := a.current.Load()
	if h == nil {
		return Health{}, false
	}
	return *h, true
}

// UnavailableScopes returns the scopes that cannot currently be served. Before the
// first health report every scope is assumed available.
func (a *Availability) UnavailableScopes(scopes []string) []string {
	h := a.current.Load()
	if h == nil {
		return nil
	}
	if !h.Connected {
		return append([]string(nil), scopes...)
	}
	if len(h.AvailableScopes) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(h.AvailableScopes))
	for _, s := range h.AvailableScopes {
		allowed[s] = struct{}{}
	}
	var out []string
	for _, s := range scopes {
		if _, ok := allowed[strings.ToLower(strings.TrimSpace(s))]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// FreeCapacity is the number of batches the producer can accept now, or fallback
// when no health report has arrived yet.
func (a *Availability) FreeCapacity(fallback int) int {
	h := a.current.Load()
	if h == nil {
		return fallback
	}
	if !h.Connected {
		return 0
	}
	free := h.Capacity - h.Active
	if free < 0 {
		return 0
	}
	return free
}
