// Copyright 2025 Certen Protocol
//
// Root publisher: periodically pushes the accumulator's current root
// on-chain without blocking deposit ingestion — an independent
// ticker-driven goroutine that never shares a lock with the hot ingestion
// path, with exponential backoff on failure from chain.BackoffSchedule.

package publisher

import (
	"context"
	"log"
	"time"

	"github.com/cloak-protocol/cloak/pkg/chain"
	"github.com/cloak-protocol/cloak/pkg/database"
	"github.com/cloak-protocol/cloak/pkg/indexer/store"
	"github.com/cloak-protocol/cloak/pkg/metrics"
)

// Publisher periodically submits the current root to the chain.
type Publisher struct {
	store  *store.CommitmentStore
	roots  *database.RootRepository
	chain  chain.Client
	every  int // publish after this many new appends
	period time.Duration

	logger *log.Logger
}

// New constructs a Publisher. period is the maximum interval between
// publish attempts even with no new deposits; every triggers an
// out-of-cycle attempt once that many leaves have been appended since
// the last publish.
func New(cs *store.CommitmentStore, roots *database.RootRepository, chainClient chain.Client, period time.Duration, every int) *Publisher {
	if every < 1 {
		every = 1
	}
	return &Publisher{
		store:  cs,
		roots:  roots,
		chain:  chainClient,
		every:  every,
		period: period,
		logger: log.New(log.Writer(), "[RootPublisher] ", log.LstdFlags),
	}
}

// Run drives the publish loop until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	var lastPublishedIndex uint64
	attempt := 0

	for {
		periodic := false
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			periodic = true
		case <-poll.C:
		}

		next := p.store.NextIndex()
		if next == lastPublishedIndex {
			continue // nothing new since the last publish
		}
		if !periodic && (attempt > 0 || next-lastPublishedIndex < uint64(p.every)) {
			continue // out-of-cycle check: below the append threshold, or waiting out a backoff
		}

		if err := p.publishOnce(ctx); err != nil {
			attempt++
			metrics.RootPublishAttempts.WithLabelValues("transient_error").Inc()
			p.logger.Printf("publish attempt %d failed: %v", attempt, err)
			backoff := chain.BackoffSchedule(attempt - 1)
			ticker.Reset(backoff)
			continue
		}

		attempt = 0
		lastPublishedIndex = next
		ticker.Reset(p.period)
	}
}

func (p *Publisher) publishOnce(ctx context.Context) error {
	start := time.Now()
	root := p.store.Root()

	res, err := p.chain.PushRoot(ctx, root)
	if err != nil {
		return err
	}
	_ = res.Signature

	if err := p.roots.MarkPublished(ctx, root); err != nil {
		return err
	}

	metrics.RootPublishAttempts.WithLabelValues("success").Inc()
	metrics.RootPublishLatency.Observe(time.Since(start).Seconds())
	p.logger.Printf("published root %s at leaf count %d", root.Hex(), p.store.NextIndex())
	return nil
}
