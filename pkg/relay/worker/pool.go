// Copyright 2025 Certen Protocol
//
// Pool runs a fixed number of goroutines draining a work queue of
// request ids, each driving a Machine to completion or a scheduled
// retry. Concurrency is sized by config rather than hardcoded.

package worker

import (
	"context"
	"log"
	"time"

	"github.com/cloak-protocol/cloak/pkg/database"
	"github.com/cloak-protocol/cloak/pkg/metrics"
	"github.com/google/uuid"
)

// Pool drives a Machine across a fixed number of worker goroutines.
type Pool struct {
	machine *Machine
	jobs    chan uuid.UUID
	logger  *log.Logger
}

// NewPool constructs a Pool with an internally buffered job queue. The
// worker count is chosen by Run.
func NewPool(machine *Machine, queueDepth int) *Pool {
	if queueDepth < 1 {
		queueDepth = 1024
	}
	return &Pool{
		machine: machine,
		jobs:    make(chan uuid.UUID, queueDepth),
		logger:  log.New(log.Writer(), "[RelayWorkerPool] ", log.LstdFlags),
	}
}

// Enqueue hands requestID to the pool. It is the function the planner
// passes to planner.New, and is safe to call from any goroutine.
func (p *Pool) Enqueue(requestID uuid.UUID) {
	select {
	case p.jobs <- requestID:
	default:
		// Queue saturated: the reconciler sweep will pick this request
		// back up on its next pass, so dropping here never loses work.
		p.logger.Printf("job queue full, dropping immediate enqueue for %s (reconciler will retry)", requestID)
	}
}

// Run starts size worker goroutines, blocking until ctx is canceled.
func (p *Pool) Run(ctx context.Context, size int) {
	if size < 1 {
		size = 1
	}
	done := make(chan struct{})
	for i := 0; i < size; i++ {
		go p.runOne(ctx, done)
	}
	<-ctx.Done()
	for i := 0; i < size; i++ {
		<-done
	}
}

func (p *Pool) runOne(ctx context.Context, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.jobs:
			p.drive(ctx, id)
		}
	}
}

// drive steps id forward until it reaches a terminal state or a
// scheduled retry.
func (p *Pool) drive(ctx context.Context, id uuid.UUID) {
	for {
		result, err := p.machine.Step(ctx, id)
		if err != nil {
			p.logger.Printf("step failed for request %s: %v", id, err)
			return
		}
		switch result.Outcome {
		case Advanced:
			continue
		case Terminal:
			return
		case WaitRetry:
			delay := result.Delay
			time.AfterFunc(delay, func() { p.Enqueue(id) })
			return
		}
	}
}

// Reconciler periodically re-enqueues requests stuck in any non-terminal
// state, recovering work lost to a crashed pool or a dropped Enqueue.
type Reconciler struct {
	requests *database.RequestRepository
	pool     *Pool
	interval time.Duration
	logger   *log.Logger
}

// NewReconciler constructs a Reconciler sweeping every interval.
func NewReconciler(requests *database.RequestRepository, pool *Pool, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reconciler{
		requests: requests,
		pool:     pool,
		interval: interval,
		logger:   log.New(log.Writer(), "[Reconciler] ", log.LstdFlags),
	}
}

var nonTerminalStates = []database.RequestState{
	database.RequestReceived,
	database.RequestValidated,
	database.RequestClaimReserved,
	database.RequestTxBuilt,
	database.RequestSubmitted,
}

// Run sweeps on a ticker until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reconciler) sweepOnce(ctx context.Context) {
	counts, err := r.requests.CountByStates(ctx, append(nonTerminalStates, database.RequestFinalized, database.RequestFailed)...)
	if err != nil {
		r.logger.Printf("sweep: failed to count requests by state: %v", err)
	} else {
		for state, n := range counts {
			metrics.RequestsByState.WithLabelValues(string(state)).Set(float64(n))
		}
	}

	const sweepBatchSize = 500
	for _, state := range nonTerminalStates {
		reqs, err := r.requests.ListByState(ctx, state, sweepBatchSize)
		if err != nil {
			r.logger.Printf("sweep: failed to list requests in state %s: %v", state, err)
			continue
		}
		for _, req := range reqs {
			r.pool.Enqueue(req.RequestID)
		}
	}
}
