package producer

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/fluxori/creditcore/internal/clock"
	"github.com/fluxori/creditcore/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const defaultMemoryCapacity = 8

// Generator produces the result for a single item. It runs on a producer goroutine.
type Generator func(ctx context.Context, item BatchItem) ItemResult

// MemoryProducer runs batches in-process and delivers results to the handler
// asynchronously. It backs local development and tests.
type MemoryProducer struct {
	log      *zap.Logger
	clock    clock.Clock
	generate Generator
	capacity int

	mu      sync.Mutex
	handler ResultHandler
	active  int
	closed  bool
	scopes  []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type MemoryOption func(*MemoryProducer)

func WithGenerator(g Generator) MemoryOption {
	return func(p *MemoryProducer) {
		if g != nil {
			p.generate = g
		}
	}
}

func WithCapacity(n int) MemoryOption {
	return func(p *MemoryProducer) {
		if n > 0 {
			p.capacity = n
		}
	}
}

func WithScopes(scopes ...string) MemoryOption {
	return func(p *MemoryProducer) {
		p.scopes = append([]string(nil), scopes...)
	}
}

func NewMemoryProducer(log *zap.Logger, clk clock.Clock, opts ...MemoryOption) *MemoryProducer {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &MemoryProducer{
		log:      log.Named("producer.memory"),
		clock:    clk,
		generate: SimulatedResult,
		capacity: defaultMemoryCapacity,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetHandler wires the consumer of batch results. It must be called before Submit.
func (p *MemoryProducer) SetHandler(h ResultHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *MemoryProducer) Submit(ctx context.Context, batch Batch) error {
	if batch.RequestID == 0 || len(batch.Items) == 0 {
		return ErrInvalidBatch
	}

	p.mu.Lock()
	if p.closed || p.active >= p.capacity {
		p.mu.Unlock()
		return ErrUnavailable
	}
	handler := p.handler
	if handler == nil {
		p.mu.Unlock()
		return ErrNoHandler
	}
	p.active++
	p.wg.Add(1)
	p.mu.Unlock()

	batch.Items = append([]BatchItem(nil), batch.Items...)
	go p.run(batch, handler)
	return nil
}

func (p *MemoryProducer) run(batch Batch, handler ResultHandler) {
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		p.wg.Done()
	}()

	ctx := correlation.Restore(p.ctx, batch.Trace)
	result := BatchResult{
		RequestID: batch.RequestID,
		Refresh:   batch.Refresh,
		Items:     make([]ItemResult, 0, len(batch.Items)),
		Trace:     batch.Trace,
	}
	for _, item := range batch.Items {
		if ctx.Err() != nil {
			return
		}
		result.Items = append(result.Items, p.generate(ctx, item))
	}

	if err := handler.HandleResult(ctx, result); err != nil {
		p.log.Warn("result handler failed",
			zap.String("request_id", batch.RequestID.String()),
			zap.Error(err),
		)
	}
}

func (p *MemoryProducer) Health(context.Context) (Health, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Health{
		Connected:       !p.closed,
		AvailableScopes: append([]string(nil), p.scopes...),
		Capacity:        p.capacity,
		Active:          p.active,
		CheckedAt:       p.clock.Now().UTC(),
	}, nil
}

// Close stops accepting batches, cancels in-flight work and waits for it.
func (p *MemoryProducer) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type simulatedPayload struct {
	Keyword      string    `json:"keyword"`
	Marketplace  string    `json:"marketplace"`
	SearchVolume int64     `json:"search_volume"`
	Competition  float64   `json:"competition"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// SimulatedResult derives a stable payload from the item so repeated runs agree.
func SimulatedResult(_ context.Context, item BatchItem) ItemResult {
	h := fnv.New64a()
	_, _ = h.Write([]byte(item.Subject + "|" + item.Scope))
	sum := h.Sum64()

	volume := int64(sum%50000) + 100
	payload, err := json.Marshal(simulatedPayload{
		Keyword:      item.Subject,
		Marketplace:  item.Scope,
		SearchVolume: volume,
		Competition:  float64(sum%100) / 100,
		GeneratedAt:  time.Now().UTC(),
	})
	if err != nil {
		return ItemResult{Subject: item.Subject, Scope: item.Scope, Error: err.Error()}
	}
	return ItemResult{
		Subject:      item.Subject,
		Scope:        item.Scope,
		Success:      true,
		Payload:      payload,
		SearchVolume: &volume,
	}
}
