package roster

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pacerlabs/stride/internal/record"
	"github.com/pacerlabs/stride/internal/relay"
	"github.com/pacerlabs/stride/internal/store"
)

type stubIDProvider struct {
	id string
}

func (p stubIDProvider) NewID() (string, error) {
	return p.id, nil
}

type stubRelay struct {
	url          string
	stored       []record.Record
	subscribeErr error
}

func (r *stubRelay) URL() string {
	return r.url
}

func (r *stubRelay) Publish(_ context.Context, rec record.Record) error {
	r.stored = append(r.stored, rec)
	return nil
}

func (r *stubRelay) Subscribe(ctx context.Context, _ record.Filter) (<-chan record.Record, error) {
	if r.subscribeErr != nil {
		return nil, r.subscribeErr
	}
	stream := make(chan record.Record, len(r.stored))
	for _, rec := range r.stored {
		stream <- rec
	}
	go func() {
		<-ctx.Done()
		close(stream)
	}()
	return stream, nil
}

func newTestService(t *testing.T, cache *store.Store, relays ...relay.Client) *Service {
	t.Helper()
	if len(relays) == 0 {
		relays = []relay.Client{&stubRelay{url: "wss://relay-a"}}
	}
	pool, err := relay.NewPool(relays...)
	if err != nil {
		t.Fatalf("unexpected pool error: %v", err)
	}
	engine, err := relay.NewEngine(relay.EngineConfig{Pool: pool, QueryWindow: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Engine:     engine,
		Cache:      cache,
		Clock:      func() time.Time { return time.Unix(1700000000, 0) },
		IDProvider: stubIDProvider{id: "roster-uuid"},
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return service
}

func signList(t *testing.T, rec *record.Record) {
	t.Helper()
	signer, err := record.NewHMACSigner([]byte("test-secret"))
	if err != nil {
		t.Fatalf("unexpected signer error: %v", err)
	}
	if err := signer.Sign(context.Background(), rec); err != nil {
		t.Fatalf("unexpected sign error: %v", err)
	}
}

func TestCreateBuildsWholeStateRecord(t *testing.T) {
	service := newTestService(t, nil)

	rec, err := service.Create("captain-1", "Morning Crew", "Sunrise runs", []string{"runner-1", "runner-2", "runner-1"}, record.KindPeopleRoster)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if rec.Sig != "" {
		t.Fatalf("create must return an unsigned record")
	}
	if dTag, _ := rec.FirstTag(record.TagD); dTag != "roster-uuid" {
		t.Fatalf("expected minted d tag, got %s", dTag)
	}
	members := rec.TagValues(record.TagPerson)
	if len(members) != 2 {
		t.Fatalf("expected duplicate initial member to collapse, got %v", members)
	}
	if rec.CreatedAt != 1700000000 {
		t.Fatalf("expected clock-derived version, got %d", rec.CreatedAt)
	}
}

func TestCreateRejectsUnknownKind(t *testing.T) {
	service := newTestService(t, nil)
	if _, err := service.Create("captain-1", "x", "", nil, record.KindLeague); !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("expected unsupported kind error, got %v", err)
	}
}

func TestAddMemberIsIdempotent(t *testing.T) {
	service := newTestService(t, nil)
	list := MembershipList{
		Key:       mustKey(t, "captain-1", record.KindPeopleRoster, "roster-a"),
		Owner:     "captain-1",
		Members:   []string{"runner-1"},
		UpdatedAt: 1699999999,
	}

	rec, changed, err := service.AddMember(list, "runner-2")
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	if !changed {
		t.Fatalf("expected a new version for a new member")
	}
	if got := rec.TagValues(record.TagPerson); len(got) != 2 {
		t.Fatalf("expected 2 members, got %v", got)
	}

	updated, err := Project(signAndReturn(t, rec))
	if err != nil {
		t.Fatalf("unexpected project error: %v", err)
	}
	_, changed, err = service.AddMember(updated, "runner-2")
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	if changed {
		t.Fatalf("adding an existing member must be a no-op")
	}
}

func TestAddMemberVersionIsStrictlyNewer(t *testing.T) {
	service := newTestService(t, nil)
	// Snapshot version is at the frozen clock, so the next version must
	// step past it rather than tie.
	list := MembershipList{
		Key:       mustKey(t, "captain-1", record.KindPeopleRoster, "roster-a"),
		Owner:     "captain-1",
		Members:   []string{"runner-1"},
		UpdatedAt: 1700000000,
	}
	rec, changed, err := service.AddMember(list, "runner-2")
	if err != nil || !changed {
		t.Fatalf("unexpected add outcome: changed=%v err=%v", changed, err)
	}
	if rec.CreatedAt != 1700000001 {
		t.Fatalf("expected version to step past snapshot, got %d", rec.CreatedAt)
	}
}

func TestRemoveMemberOnNonMemberIsNoOp(t *testing.T) {
	service := newTestService(t, nil)
	list := MembershipList{
		Key:     mustKey(t, "captain-1", record.KindPeopleRoster, "roster-a"),
		Owner:   "captain-1",
		Members: []string{"runner-1"},
	}
	_, changed, err := service.RemoveMember(list, "runner-9")
	if err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	if changed {
		t.Fatalf("removing a non-member must be a no-op")
	}

	rec, changed, err := service.RemoveMember(list, "runner-1")
	if err != nil || !changed {
		t.Fatalf("unexpected remove outcome: changed=%v err=%v", changed, err)
	}
	if got := rec.TagValues(record.TagPerson); len(got) != 0 {
		t.Fatalf("expected empty member set, got %v", got)
	}
}

func TestCreateSignProjectRoundTrip(t *testing.T) {
	service := newTestService(t, nil)
	rec, err := service.Create("captain-1", "Morning Crew", "Sunrise runs", []string{"runner-1", "runner-2"}, record.KindPeopleRoster)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	signList(t, &rec)

	list, err := Project(rec)
	if err != nil {
		t.Fatalf("unexpected project error: %v", err)
	}
	if list.DisplayName != "Morning Crew" || list.Description != "Sunrise runs" {
		t.Fatalf("unexpected projected content: %#v", list)
	}
	if len(list.Members) != 2 || !list.Has("runner-1") || !list.Has("runner-2") {
		t.Fatalf("round trip lost members: %v", list.Members)
	}
	if list.Owner != "captain-1" {
		t.Fatalf("unexpected owner: %s", list.Owner)
	}
}

func TestFetchProjectsWinningVersion(t *testing.T) {
	older := buildSignedList(t, "roster-a", 100, "runner-1")
	newer := buildSignedList(t, "roster-a", 110, "runner-1", "runner-2")
	service := newTestService(t, nil,
		&stubRelay{url: "wss://relay-a", stored: []record.Record{older}},
		&stubRelay{url: "wss://relay-b", stored: []record.Record{newer}},
	)

	list, err := service.Fetch(context.Background(), "captain-1", "roster-a", record.KindPeopleRoster)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if len(list.Members) != 2 {
		t.Fatalf("expected the newer version to win, got %v", list.Members)
	}
	if list.UpdatedAt != 110 {
		t.Fatalf("expected version 110, got %d", list.UpdatedAt)
	}
}

func TestFetchFallsBackToCacheWhenNoRelayResponds(t *testing.T) {
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"), nil)
	if err != nil {
		t.Fatalf("unexpected sqlite error: %v", err)
	}
	cache, err := store.New(store.Config{Database: db})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}

	cached := buildSignedList(t, "roster-a", 100, "runner-1")
	if _, err := cache.Put(context.Background(), cached); err != nil {
		t.Fatalf("unexpected cache error: %v", err)
	}

	broken := &stubRelay{url: "wss://relay-a", subscribeErr: errors.New("relay unreachable")}
	service := newTestService(t, cache, broken)

	list, err := service.Fetch(context.Background(), "captain-1", "roster-a", record.KindPeopleRoster)
	if err != nil {
		t.Fatalf("expected cache fallback, got error: %v", err)
	}
	if !list.Has("runner-1") {
		t.Fatalf("expected cached members, got %v", list.Members)
	}
}

func TestFetchMissingListReturnsNotFound(t *testing.T) {
	service := newTestService(t, nil, &stubRelay{url: "wss://relay-a"})
	_, err := service.Fetch(context.Background(), "captain-1", "absent", record.KindPeopleRoster)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIsMemberTreatsMissingListAsNonMembership(t *testing.T) {
	stored := buildSignedList(t, "roster-a", 100, "runner-1")
	service := newTestService(t, nil, &stubRelay{url: "wss://relay-a", stored: []record.Record{stored}})

	ok, err := service.IsMember(context.Background(), "captain-1", "roster-a", record.KindPeopleRoster, "runner-1")
	if err != nil || !ok {
		t.Fatalf("expected membership: ok=%v err=%v", ok, err)
	}
	ok, err = service.IsMember(context.Background(), "captain-1", "absent", record.KindPeopleRoster, "runner-1")
	if err != nil {
		t.Fatalf("unexpected error for missing list: %v", err)
	}
	if ok {
		t.Fatalf("missing list must read as non-membership")
	}
}

func mustKey(t *testing.T, author string, kind int, dTag string) record.Key {
	t.Helper()
	key, err := record.NewKey(author, kind, dTag)
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}
	return key
}

func signAndReturn(t *testing.T, rec record.Record) record.Record {
	t.Helper()
	signList(t, &rec)
	return rec
}

func buildSignedList(t *testing.T, dTag string, version int64, members ...string) record.Record {
	t.Helper()
	tags := [][]string{{record.TagD, dTag}}
	for _, member := range members {
		tags = append(tags, []string{record.TagPerson, member})
	}
	rec := record.Record{
		Author:    "captain-1",
		Kind:      record.KindPeopleRoster,
		Tags:      tags,
		Content:   `{"name":"Morning Crew"}`,
		CreatedAt: version,
	}
	signList(t, &rec)
	return rec
}
