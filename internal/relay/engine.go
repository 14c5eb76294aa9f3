package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pacerlabs/stride/internal/record"
	"go.uber.org/zap"
)

const (
	defaultPublishTimeout = 10 * time.Second
	defaultQueryWindow    = 3 * time.Second
	watchBufferSize       = 32
)

var (
	errMissingPool = errors.New("relay pool is required")
	// ErrInvalidQuorum indicates the requested quorum cannot be satisfied
	// by the configured pool.
	ErrInvalidQuorum = errors.New("relay: quorum out of range")
	// ErrAllSubscriptionsFailed indicates no relay accepted a watch
	// subscription at setup time.
	ErrAllSubscriptionsFailed = errors.New("relay: all relay subscriptions failed")
)

const (
	opEngineNew = "relay.engine.new"
	opPublish   = "relay.publish"
	opQuery     = "relay.query"
	opWatch     = "relay.watch"
)

// SyncResult is the per-operation outcome reported to callers. Relay
// failures are aggregated here rather than raised, so a caller always
// learns which relays responded.
type SyncResult struct {
	Records          map[record.Key]record.Record
	QuorumReached    bool
	RespondingRelays int
	Errors           []string
}

// Update is one superseding record observed by a watch stream.
type Update struct {
	Key    record.Key
	Record record.Record
}

// EngineConfig describes the dependencies for a sync engine.
type EngineConfig struct {
	Pool           *Pool
	Logger         *zap.Logger
	PublishTimeout time.Duration
	QueryWindow    time.Duration
}

// Engine fans records out to every relay in the pool and fans query
// results back in, deduplicating by replaceable key with
// last-write-wins resolution. Safe for concurrent use.
type Engine struct {
	pool           *Pool
	logger         *zap.Logger
	publishTimeout time.Duration
	queryWindow    time.Duration
}

// NewEngine validates the configuration and returns an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Pool == nil || cfg.Pool.Size() == 0 {
		return nil, fmt.Errorf("%s: %w", opEngineNew, errMissingPool)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	queryWindow := cfg.QueryWindow
	if queryWindow <= 0 {
		queryWindow = defaultQueryWindow
	}
	return &Engine{
		pool:           cfg.Pool,
		logger:         logger,
		publishTimeout: publishTimeout,
		queryWindow:    queryWindow,
	}, nil
}

// Publish sends the record to every relay concurrently and returns once
// at least quorum distinct relays acknowledge, every relay has
// responded, or the timeout elapses, whichever comes first. Retrying a
// failed publish is safe: the version is unchanged and relays treat the
// record as a replace.
func (e *Engine) Publish(ctx context.Context, rec record.Record, quorum int) (SyncResult, error) {
	if rec.Sig == "" {
		return SyncResult{}, record.ErrUnsignedRecord
	}
	clients := e.pool.Clients()
	if quorum < 1 || quorum > len(clients) {
		return SyncResult{}, fmt.Errorf("%w: %d of %d relays", ErrInvalidQuorum, quorum, len(clients))
	}

	publishCtx, cancel := context.WithTimeout(ctx, e.publishTimeout)
	defer cancel()

	type relayOutcome struct {
		url string
		err error
	}
	outcomes := make(chan relayOutcome, len(clients))
	for _, client := range clients {
		go func(c Client) {
			outcomes <- relayOutcome{url: c.URL(), err: c.Publish(publishCtx, rec)}
		}(client)
	}

	result := SyncResult{}
	for responded := 0; responded < len(clients); responded++ {
		select {
		case outcome := <-outcomes:
			if outcome.err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", outcome.url, outcome.err))
				continue
			}
			result.RespondingRelays++
			if result.RespondingRelays >= quorum {
				result.QuorumReached = true
				return result, nil
			}
		case <-publishCtx.Done():
			result.Errors = append(result.Errors, fmt.Sprintf("publish window elapsed: %v", publishCtx.Err()))
			e.logger.Warn("publish quorum not reached before timeout",
				zap.String("operation", opPublish),
				zap.String("record_id", rec.ID),
				zap.Int("acked", result.RespondingRelays),
				zap.Int("quorum", quorum))
			return result, nil
		}
	}

	result.QuorumReached = result.RespondingRelays >= quorum
	return result, nil
}

// Query opens subscriptions on every relay concurrently, collects
// matching records for the collect window, then closes all
// subscriptions. Records sharing a key are reconciled with
// last-write-wins resolution so the final state is independent of
// arrival order. Relays are not required to signal completion; the
// window is the only terminator.
func (e *Engine) Query(ctx context.Context, filter record.Filter, collectWindow time.Duration) (SyncResult, error) {
	if collectWindow <= 0 {
		collectWindow = e.queryWindow
	}
	queryCtx, cancel := context.WithTimeout(ctx, collectWindow)
	defer cancel()

	clients := e.pool.Clients()
	merged := make(map[record.Key]record.Record)
	var mu sync.Mutex
	var errs []string
	responding := 0

	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		go func(c Client) {
			defer wg.Done()
			stream, err := c.Subscribe(queryCtx, filter)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Sprintf("%s: %v", c.URL(), err))
				mu.Unlock()
				return
			}
			for rec := range stream {
				if !filter.Matches(rec) {
					continue
				}
				key, err := rec.Key()
				if err != nil {
					continue
				}
				mu.Lock()
				if current, ok := merged[key]; !ok || record.Supersedes(rec, current) {
					merged[key] = rec
				}
				mu.Unlock()
			}
			mu.Lock()
			responding++
			mu.Unlock()
		}(client)
	}
	wg.Wait()

	result := SyncResult{
		Records:          merged,
		QuorumReached:    responding > 0,
		RespondingRelays: responding,
		Errors:           errs,
	}
	if responding == 0 {
		e.logger.Warn("query reached no relays",
			zap.String("operation", opQuery),
			zap.Strings("errors", errs))
	}
	return result, nil
}

// Watch is the long-lived form of Query: it emits exactly one Update
// for every record that supersedes the currently-known version of its
// key, dropping duplicates and stale arrivals silently. The returned
// cancel function stops all relay consumption; no further sends occur
// after it returns. The stream channel is closed once every relay
// forwarder has exited.
func (e *Engine) Watch(ctx context.Context, filter record.Filter) (<-chan Update, func(), error) {
	watchCtx, cancelCtx := context.WithCancel(ctx)

	clients := e.pool.Clients()
	streams := make([]<-chan record.Record, 0, len(clients))
	var setupErrs []string
	for _, client := range clients {
		stream, err := client.Subscribe(watchCtx, filter)
		if err != nil {
			setupErrs = append(setupErrs, fmt.Sprintf("%s: %v", client.URL(), err))
			continue
		}
		streams = append(streams, stream)
	}
	if len(streams) == 0 {
		cancelCtx()
		return nil, nil, fmt.Errorf("%w: %v", ErrAllSubscriptionsFailed, setupErrs)
	}
	if len(setupErrs) > 0 {
		e.logger.Warn("watch running with partial relay coverage",
			zap.String("operation", opWatch),
			zap.Strings("errors", setupErrs))
	}

	updates := make(chan Update, watchBufferSize)
	known := make(map[record.Key]record.Record)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, stream := range streams {
		wg.Add(1)
		go func(stream <-chan record.Record) {
			defer wg.Done()
			for rec := range stream {
				if !filter.Matches(rec) {
					continue
				}
				key, err := rec.Key()
				if err != nil {
					continue
				}
				mu.Lock()
				current, seen := known[key]
				accepted := !seen || record.Supersedes(rec, current)
				if accepted {
					known[key] = rec
				}
				mu.Unlock()
				if !accepted {
					continue
				}
				select {
				case updates <- Update{Key: key, Record: rec}:
				case <-watchCtx.Done():
					return
				}
			}
		}(stream)
	}

	go func() {
		wg.Wait()
		close(updates)
	}()

	cancel := func() {
		cancelCtx()
		wg.Wait()
	}
	return updates, cancel, nil
}
