package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pacerlabs/stride/internal/record"
	"github.com/pacerlabs/stride/internal/relay"
	"github.com/pacerlabs/stride/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingEngine     = errors.New("relay engine is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrNotFound indicates no roster record exists for the key on any
	// reachable relay or in the cache.
	ErrNotFound = errors.New("roster: list not found")
	noOpLogger  = zap.NewNop()
)

const (
	opServiceNew = "roster.service.new"
	opFetch      = "roster.fetch"
)

// ServiceConfig describes the dependencies for the list store.
type ServiceConfig struct {
	Engine     *relay.Engine
	Cache      *store.Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service manages replicated membership lists. Mutations never perform
// I/O: they build unsigned whole-state records the caller signs and
// publishes, which keeps roster changes composable with competition
// creation. Reads delegate to the relay engine with the local cache as
// fallback.
type Service struct {
	engine     *relay.Engine
	cache      *store.Store
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingEngine)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		engine:     cfg.Engine,
		cache:      cfg.Cache,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create builds the first version of a list as an unsigned record.
func (s *Service) Create(ownerID, name, description string, members []string, kind int) (record.Record, error) {
	memberTag, err := memberTagForKind(kind)
	if err != nil {
		return record.Record{}, err
	}
	dTag, err := s.idProvider.NewID()
	if err != nil {
		return record.Record{}, fmt.Errorf("roster: id generation failed: %w", err)
	}
	key, err := record.NewKey(ownerID, kind, dTag)
	if err != nil {
		return record.Record{}, err
	}
	return buildListRecord(key, memberTag, name, description, dedupe(members), s.clock().Unix())
}

// AddMember produces the next version of the list with the member
// included. It reports false without building a record when the member
// is already present.
//
// Whole-state replace means two writers adding against the same
// snapshot race: the later publish wins and drops the earlier addition.
// Roster writers are captains in practice, so contention is low.
func (s *Service) AddMember(current MembershipList, memberID string) (record.Record, bool, error) {
	if memberID == "" {
		return record.Record{}, false, fmt.Errorf("%w: empty member id", ErrInvalidList)
	}
	if current.Has(memberID) {
		return record.Record{}, false, nil
	}
	members := append(append([]string(nil), current.Members...), memberID)
	rec, err := s.nextVersion(current, members)
	if err != nil {
		return record.Record{}, false, err
	}
	return rec, true, nil
}

// RemoveMember produces the next version of the list with the member
// excluded, reporting false when the member was never present.
func (s *Service) RemoveMember(current MembershipList, memberID string) (record.Record, bool, error) {
	if !current.Has(memberID) {
		return record.Record{}, false, nil
	}
	members := make([]string, 0, len(current.Members))
	for _, member := range current.Members {
		if member != memberID {
			members = append(members, member)
		}
	}
	rec, err := s.nextVersion(current, members)
	if err != nil {
		return record.Record{}, false, err
	}
	return rec, true, nil
}

// Fetch queries relays for the current version of a list and projects
// it. When no relay responds the cache serves the last seen version.
func (s *Service) Fetch(ctx context.Context, ownerID, dTag string, kind int) (MembershipList, error) {
	key, err := record.NewKey(ownerID, kind, dTag)
	if err != nil {
		return MembershipList{}, err
	}
	filter := record.Filter{
		Kinds:   []int{kind},
		Authors: []string{ownerID},
		Tags:    map[string][]string{record.TagD: {dTag}},
	}
	result, err := s.engine.Query(ctx, filter, 0)
	if err != nil {
		return MembershipList{}, err
	}

	if rec, ok := result.Records[key]; ok {
		if cached, cacheErr := s.putCache(ctx, rec); cacheErr != nil {
			s.logger.Warn("list cache write failed",
				zap.String("operation", opFetch),
				zap.String("key", key.String()),
				zap.Bool("cached", cached),
				zap.Error(cacheErr))
		}
		return Project(rec)
	}

	if result.RespondingRelays == 0 && s.cache != nil {
		rec, ok, cacheErr := s.cache.Get(ctx, key)
		if cacheErr != nil {
			return MembershipList{}, cacheErr
		}
		if ok {
			return Project(rec)
		}
	}
	return MembershipList{}, fmt.Errorf("%w: %s", ErrNotFound, key)
}

// IsMember fetches the list and checks membership. A missing list is
// reported as non-membership, not an error.
func (s *Service) IsMember(ctx context.Context, ownerID, dTag string, kind int, userID string) (bool, error) {
	list, err := s.Fetch(ctx, ownerID, dTag, kind)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return list.Has(userID), nil
}

// nextVersion rebuilds the whole list under the same key with a version
// strictly greater than the snapshot's, so the replace always wins over
// the version it was derived from.
func (s *Service) nextVersion(current MembershipList, members []string) (record.Record, error) {
	memberTag, err := memberTagForKind(current.Key.Kind)
	if err != nil {
		return record.Record{}, err
	}
	version := s.clock().Unix()
	if version <= current.UpdatedAt {
		version = current.UpdatedAt + 1
	}
	return buildListRecord(current.Key, memberTag, current.DisplayName, current.Description, members, version)
}

func buildListRecord(key record.Key, memberTag, name, description string, members []string, version int64) (record.Record, error) {
	content, err := json.Marshal(listContent{Name: name, Description: description})
	if err != nil {
		return record.Record{}, fmt.Errorf("%w: %v", ErrInvalidList, err)
	}
	tags := [][]string{{record.TagD, key.DTag}}
	for _, member := range members {
		tags = append(tags, []string{memberTag, member})
	}
	return record.Record{
		Author:    key.Author,
		Kind:      key.Kind,
		Tags:      tags,
		Content:   string(content),
		CreatedAt: version,
	}, nil
}

func (s *Service) putCache(ctx context.Context, rec record.Record) (bool, error) {
	if s.cache == nil {
		return false, nil
	}
	return s.cache.Put(ctx, rec)
}
