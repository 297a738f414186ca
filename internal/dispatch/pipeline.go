package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultBatchWindow = 500 * time.Millisecond
	defaultPoll        = 100 * time.Millisecond
	defaultMaxBatch    = 20
	defaultQueueCap    = 4096
)

// MetricsCallback mirrors the bus hook so the application root can feed
// batch counters into prometheus.
type MetricsCallback func(metric string, value float64, tags map[string]string)

// PipelineConfig tunes the batching worker.
type PipelineConfig struct {
	BatchWindow     time.Duration
	PollInterval    time.Duration
	MaxBatch        int
	QueueCap        int
	MetricsCallback MetricsCallback
}

// Pipeline is the asynchronous sink worker: it fills batches of up to
// MaxBatch items inside a batch window, submitting early when the queue
// drains, and hands each batch to the provider. Provider errors are
// logged, never propagated to the enqueueing side.
type Pipeline struct {
	cfg      PipelineConfig
	provider DataProvider

	queue   chan Item
	pending sync.WaitGroup
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewPipeline creates a stopped pipeline; call Start.
func NewPipeline(provider DataProvider, cfg PipelineConfig) *Pipeline {
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = defaultBatchWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPoll
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = defaultQueueCap
	}
	return &Pipeline{
		cfg:      cfg,
		provider: provider,
		queue:    make(chan Item, cfg.QueueCap),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the batching worker.
func (p *Pipeline) Start() {
	go p.worker()
}

// Enqueue adds one record without blocking. A full queue drops the item
// with a warning; the log sink keeps the evidence.
func (p *Pipeline) Enqueue(data map[string]any, sheet string) {
	p.pending.Add(1)
	select {
	case p.queue <- Item{Data: data, Sheet: sheet}:
		p.count("dispatch_enqueued_total", map[string]string{"sheet": sheet})
	default:
		p.pending.Done()
		log.Warn().Str("sheet", sheet).Msg("dispatch queue full, dropping item")
		p.count("dispatch_dropped_total", map[string]string{"sheet": sheet})
	}
}

// Join blocks until every enqueued item has been processed or the
// timeout elapses.
func (p *Pipeline) Join(timeout time.Duration) bool {
	ch := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stop terminates the worker after the in-flight batch.
func (p *Pipeline) Stop() {
	p.once.Do(func() { close(p.stop) })
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("dispatch worker did not stop within timeout")
	}
}

func (p *Pipeline) worker() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		batch := p.collectBatch()
		if len(batch) == 0 {
			continue
		}
		p.submit(batch)
	}
}

// collectBatch fills up to MaxBatch items using short polls inside the
// batch window; once at least one item arrived, a drained queue submits
// the batch immediately.
func (p *Pipeline) collectBatch() []Item {
	var batch []Item
	deadline := time.NewTimer(p.cfg.BatchWindow)
	defer deadline.Stop()

	for len(batch) < p.cfg.MaxBatch {
		poll := time.NewTimer(p.cfg.PollInterval)
		select {
		case <-p.stop:
			poll.Stop()
			return batch
		case item := <-p.queue:
			poll.Stop()
			batch = append(batch, item)
			if len(p.queue) == 0 {
				return batch
			}
		case <-deadline.C:
			poll.Stop()
			return batch
		case <-poll.C:
		}
	}
	return batch
}

func (p *Pipeline) submit(batch []Item) {
	defer func() {
		// Task accounting matches queue semantics: items count as done
		// whether or not the provider accepted them, so Join terminates.
		for range batch {
			p.pending.Done()
		}
	}()

	batchID := uuid.NewString()[:8]
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.provider.ProcessData(ctx, batch); err != nil {
		log.Error().Err(err).Str("batch", batchID).Int("size", len(batch)).
			Msg("provider rejected batch")
		p.count("dispatch_batches_failed_total", nil)
		return
	}
	log.Info().Str("batch", batchID).Int("size", len(batch)).Msg("batch submitted")
	p.count("dispatch_batches_total", nil)
}

func (p *Pipeline) count(metric string, tags map[string]string) {
	if p.cfg.MetricsCallback != nil {
		p.cfg.MetricsCallback(metric, 1, tags)
	}
}
