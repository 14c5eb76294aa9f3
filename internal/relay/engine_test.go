package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pacerlabs/stride/internal/record"
)

type fakeRelay struct {
	url          string
	publishErr   error
	publishDelay time.Duration
	stored       []record.Record
	subscribeErr error

	mu        sync.Mutex
	published []record.Record
	injectors []chan record.Record
}

func newFakeRelay(url string, stored ...record.Record) *fakeRelay {
	return &fakeRelay{url: url, stored: stored}
}

func (f *fakeRelay) URL() string {
	return f.url
}

func (f *fakeRelay) Publish(ctx context.Context, rec record.Record) error {
	if f.publishDelay > 0 {
		select {
		case <-time.After(f.publishDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	f.published = append(f.published, rec)
	f.mu.Unlock()
	return nil
}

func (f *fakeRelay) Subscribe(ctx context.Context, _ record.Filter) (<-chan record.Record, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	stream := make(chan record.Record, len(f.stored)+8)
	inject := make(chan record.Record, 8)
	f.mu.Lock()
	f.injectors = append(f.injectors, inject)
	f.mu.Unlock()
	go func() {
		defer close(stream)
		for _, rec := range f.stored {
			select {
			case stream <- rec:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case rec := <-inject:
				select {
				case stream <- rec:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return stream, nil
}

func (f *fakeRelay) inject(rec record.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inject := range f.injectors {
		inject <- rec
	}
}

func signedRecord(t *testing.T, dTag string, createdAt int64) record.Record {
	t.Helper()
	rec := record.Record{
		Author:    "captain-1",
		Kind:      record.KindPeopleRoster,
		Tags:      [][]string{{record.TagD, dTag}},
		Content:   "{}",
		CreatedAt: createdAt,
	}
	signer, err := record.NewHMACSigner([]byte("test-secret"))
	if err != nil {
		t.Fatalf("unexpected signer error: %v", err)
	}
	if err := signer.Sign(context.Background(), &rec); err != nil {
		t.Fatalf("unexpected sign error: %v", err)
	}
	return rec
}

func mustEngine(t *testing.T, cfg EngineConfig) *Engine {
	t.Helper()
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	return engine
}

func mustPool(t *testing.T, clients ...Client) *Pool {
	t.Helper()
	pool, err := NewPool(clients...)
	if err != nil {
		t.Fatalf("unexpected pool error: %v", err)
	}
	return pool
}

func TestNewPoolRejectsEmptyAndDuplicateClients(t *testing.T) {
	if _, err := NewPool(); !errors.Is(err, ErrEmptyPool) {
		t.Fatalf("expected empty pool error, got %v", err)
	}
	a := newFakeRelay("wss://relay-a")
	b := newFakeRelay("wss://relay-a")
	if _, err := NewPool(a, b); !errors.Is(err, ErrDuplicateRelay) {
		t.Fatalf("expected duplicate relay error, got %v", err)
	}
}

func TestPublishReachesQuorumWithOneFailingRelay(t *testing.T) {
	relayA := newFakeRelay("wss://relay-a")
	relayB := newFakeRelay("wss://relay-b")
	relayB.publishErr = errors.New("connection refused")
	relayC := newFakeRelay("wss://relay-c")

	engine := mustEngine(t, EngineConfig{Pool: mustPool(t, relayA, relayB, relayC)})
	result, err := engine.Publish(context.Background(), signedRecord(t, "roster-a", 100), 2)
	if err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	if !result.QuorumReached {
		t.Fatalf("expected quorum to be reached")
	}
	if result.RespondingRelays != 2 {
		t.Fatalf("expected 2 responding relays, got %d", result.RespondingRelays)
	}
}

func TestPublishTimesOutWithoutQuorum(t *testing.T) {
	relayA := newFakeRelay("wss://relay-a")
	relayB := newFakeRelay("wss://relay-b")
	relayB.publishDelay = time.Second
	relayC := newFakeRelay("wss://relay-c")
	relayC.publishDelay = time.Second

	engine := mustEngine(t, EngineConfig{
		Pool:           mustPool(t, relayA, relayB, relayC),
		PublishTimeout: 50 * time.Millisecond,
	})
	start := time.Now()
	result, err := engine.Publish(context.Background(), signedRecord(t, "roster-a", 100), 3)
	if err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("publish blocked past its timeout: %v", elapsed)
	}
	if result.QuorumReached {
		t.Fatalf("expected quorum failure")
	}
	if result.RespondingRelays != 1 {
		t.Fatalf("expected the fast relay to be counted, got %d", result.RespondingRelays)
	}
	if len(result.Errors) == 0 {
		t.Fatalf("expected timeout to be reported in errors")
	}
}

func TestPublishRejectsUnsignedRecord(t *testing.T) {
	engine := mustEngine(t, EngineConfig{Pool: mustPool(t, newFakeRelay("wss://relay-a"))})
	unsigned := record.Record{Author: "captain-1", Kind: record.KindPeopleRoster}
	if _, err := engine.Publish(context.Background(), unsigned, 1); !errors.Is(err, record.ErrUnsignedRecord) {
		t.Fatalf("expected unsigned record error, got %v", err)
	}
}

func TestPublishRejectsQuorumLargerThanPool(t *testing.T) {
	engine := mustEngine(t, EngineConfig{Pool: mustPool(t, newFakeRelay("wss://relay-a"))})
	if _, err := engine.Publish(context.Background(), signedRecord(t, "roster-a", 100), 2); !errors.Is(err, ErrInvalidQuorum) {
		t.Fatalf("expected quorum error, got %v", err)
	}
}

func TestQueryResolvesHighestVersionAcrossRelays(t *testing.T) {
	v100 := signedRecord(t, "roster-a", 100)
	v105 := signedRecord(t, "roster-a", 105)
	v103 := signedRecord(t, "roster-a", 103)

	engine := mustEngine(t, EngineConfig{
		Pool: mustPool(t,
			newFakeRelay("wss://relay-a", v100),
			newFakeRelay("wss://relay-b", v105),
			newFakeRelay("wss://relay-c", v103),
		),
		QueryWindow: 100 * time.Millisecond,
	})

	filter := record.Filter{Kinds: []int{record.KindPeopleRoster}}
	result, err := engine.Query(context.Background(), filter, 0)
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if result.RespondingRelays != 3 {
		t.Fatalf("expected 3 responding relays, got %d", result.RespondingRelays)
	}
	key, err := v105.Key()
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}
	winner, ok := result.Records[key]
	if !ok {
		t.Fatalf("expected a record for %s", key)
	}
	if winner.CreatedAt != 105 {
		t.Fatalf("expected version 105 to win, got %d", winner.CreatedAt)
	}
}

func TestQueryAggregatesRelayFailuresWithoutAborting(t *testing.T) {
	healthy := newFakeRelay("wss://relay-a", signedRecord(t, "roster-a", 100))
	broken := newFakeRelay("wss://relay-b")
	broken.subscribeErr = errors.New("relay unreachable")

	engine := mustEngine(t, EngineConfig{
		Pool:        mustPool(t, healthy, broken),
		QueryWindow: 100 * time.Millisecond,
	})
	result, err := engine.Query(context.Background(), record.Filter{Kinds: []int{record.KindPeopleRoster}}, 0)
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatalf("expected 1 record despite relay failure, got %d", len(result.Records))
	}
	if result.RespondingRelays != 1 {
		t.Fatalf("expected 1 responding relay, got %d", result.RespondingRelays)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 aggregated error, got %v", result.Errors)
	}
}

func TestQuerySkipsRecordsOutsideFilter(t *testing.T) {
	matching := signedRecord(t, "roster-a", 100)
	foreign := record.Record{
		ID: "foreign", Author: "someone", Kind: 1,
		Tags: [][]string{{record.TagD, "x"}}, CreatedAt: 200, Sig: "sig",
	}
	engine := mustEngine(t, EngineConfig{
		Pool:        mustPool(t, newFakeRelay("wss://relay-a", matching, foreign)),
		QueryWindow: 100 * time.Millisecond,
	})
	result, err := engine.Query(context.Background(), record.Filter{Kinds: []int{record.KindPeopleRoster}}, 0)
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatalf("expected only the matching record, got %d", len(result.Records))
	}
}

func TestWatchEmitsOnlySupersedingRecords(t *testing.T) {
	initial := signedRecord(t, "roster-a", 100)
	relayA := newFakeRelay("wss://relay-a", initial)
	relayB := newFakeRelay("wss://relay-b", initial)

	engine := mustEngine(t, EngineConfig{Pool: mustPool(t, relayA, relayB)})
	updates, cancel, err := engine.Watch(context.Background(), record.Filter{Kinds: []int{record.KindPeopleRoster}})
	if err != nil {
		t.Fatalf("unexpected watch error: %v", err)
	}
	defer cancel()

	select {
	case update := <-updates:
		if update.Record.CreatedAt != 100 {
			t.Fatalf("expected first update at version 100, got %d", update.Record.CreatedAt)
		}
	case <-time.After(time.Second):
		t.Fatal("expected initial update within deadline")
	}

	// The duplicate copy from the second relay must be dropped; a newer
	// version must come through exactly once.
	newer := signedRecord(t, "roster-a", 110)
	relayA.inject(newer)
	relayB.inject(newer)

	select {
	case update := <-updates:
		if update.Record.CreatedAt != 110 {
			t.Fatalf("expected superseding update at version 110, got %d", update.Record.CreatedAt)
		}
	case <-time.After(time.Second):
		t.Fatal("expected superseding update within deadline")
	}

	stale := signedRecord(t, "roster-a", 90)
	relayA.inject(stale)
	select {
	case update := <-updates:
		t.Fatalf("stale record must not trigger an update: %#v", update)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchCancelStopsUpdates(t *testing.T) {
	relayA := newFakeRelay("wss://relay-a", signedRecord(t, "roster-a", 100))
	engine := mustEngine(t, EngineConfig{Pool: mustPool(t, relayA)})

	updates, cancel, err := engine.Watch(context.Background(), record.Filter{Kinds: []int{record.KindPeopleRoster}})
	if err != nil {
		t.Fatalf("unexpected watch error: %v", err)
	}

	select {
	case <-updates:
	case <-time.After(time.Second):
		t.Fatal("expected initial update before cancel")
	}

	cancel()

	select {
	case _, open := <-updates:
		if open {
			t.Fatal("expected stream to be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("expected stream close within deadline")
	}
}

func TestWatchFailsWhenEveryRelayRejectsSubscription(t *testing.T) {
	broken := newFakeRelay("wss://relay-a")
	broken.subscribeErr = errors.New("relay unreachable")
	engine := mustEngine(t, EngineConfig{Pool: mustPool(t, broken)})

	if _, _, err := engine.Watch(context.Background(), record.Filter{}); !errors.Is(err, ErrAllSubscriptionsFailed) {
		t.Fatalf("expected all-subscriptions-failed error, got %v", err)
	}
}
