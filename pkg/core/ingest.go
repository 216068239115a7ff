package core

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/engramlabs/engram-go/pkg/agents"
	"github.com/engramlabs/engram-go/pkg/storage"
)

// Ingest pipeline defaults.
const (
	defaultIngestWorkers  = 2
	defaultIngestQueue    = 64
	defaultIngestAttempts = 5
	ingestBackoffBase     = time.Second
	ingestBackoffCap      = 2 * time.Minute
)

// ingestPipeline runs extraction off the conversation hot path.
//
// Turns are enqueued after synchronous persistence; a small worker pool
// drains the queue. Transient extraction failures retry with exponential
// backoff, malformed output is dropped. A full queue never blocks the
// caller: the turn stays recorded and extraction is skipped with a warning.
//
// Workers run on a detached context so an enqueued turn is still extracted
// after the request that produced it is cancelled. Only closing the pipeline
// stops them.
type ingestPipeline struct {
	extractor *agents.Extractor
	logger    *slog.Logger

	queue       chan *storage.ConversationTurn
	maxAttempts int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newIngestPipeline(extractor *agents.Extractor, cfg *IngestConfig, logger *slog.Logger) *ingestPipeline {
	workers := defaultIngestWorkers
	queueSize := defaultIngestQueue
	attempts := defaultIngestAttempts
	if cfg != nil {
		if cfg.Workers > 0 {
			workers = cfg.Workers
		}
		if cfg.QueueSize > 0 {
			queueSize = cfg.QueueSize
		}
		if cfg.MaxAttempts > 0 {
			attempts = cfg.MaxAttempts
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ingestPipeline{
		extractor:   extractor,
		logger:      logger,
		queue:       make(chan *storage.ConversationTurn, queueSize),
		maxAttempts: attempts,
		cancel:      cancel,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(ctx)
	}
	return p
}

// enqueue hands a turn to the worker pool. It never blocks: with a full
// queue the turn's extraction is skipped and a warning logged.
func (p *ingestPipeline) enqueue(turn *storage.ConversationTurn) {
	select {
	case p.queue <- turn:
	default:
		p.logger.Warn("ingest queue full, extraction skipped",
			"namespace", turn.Namespace, "turn", turn.ID)
	}
}

// close stops the workers and waits for in-flight extractions to finish.
func (p *ingestPipeline) close() {
	p.cancel()
	p.wg.Wait()
}

func (p *ingestPipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case turn := <-p.queue:
			p.process(ctx, turn)
		}
	}
}

// process extracts one turn, retrying transient failures with exponential
// backoff and jitter.
func (p *ingestPipeline) process(ctx context.Context, turn *storage.ConversationTurn) {
	backoff := ingestBackoffBase
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		records, err := p.extractor.ProcessTurn(ctx, turn)
		if err == nil {
			if len(records) > 0 {
				p.logger.Debug("extracted memories",
					"namespace", turn.Namespace, "turn", turn.ID, "records", len(records))
			}
			return
		}
		if errors.Is(err, agents.ErrMalformedExtraction) {
			p.logger.Warn("dropping malformed extraction",
				"namespace", turn.Namespace, "turn", turn.ID, "error", err)
			return
		}
		if ctx.Err() != nil {
			return
		}

		p.logger.Warn("extraction attempt failed",
			"namespace", turn.Namespace, "turn", turn.ID, "attempt", attempt, "error", err)
		if attempt == p.maxAttempts {
			return
		}

		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > ingestBackoffCap {
			backoff = ingestBackoffCap
		}
	}
}
