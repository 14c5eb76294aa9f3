package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pacerlabs/stride/internal/record"
	"github.com/pacerlabs/stride/internal/recurrence"
	"github.com/pacerlabs/stride/internal/relay"
	"github.com/pacerlabs/stride/internal/roster"
	"github.com/pacerlabs/stride/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingEngine  = errors.New("relay engine is required")
	errMissingRosters = errors.New("roster service is required")
	errMissingSigner  = errors.New("record signer is required")
	// ErrConflictingActive is the structured refusal issued before any
	// publish when the team already runs an active competition of the
	// same kind. Uniqueness is a client-side convention: relays happily
	// store two active competitions.
	ErrConflictingActive = errors.New("registry: team already has an active competition of this kind")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew  = "registry.service.new"
	opCreate      = "registry.create_competition"
	opQueryByTeam = "registry.query_by_team"
)

const defaultPublishQuorum = 1

// PaymentLookup is the external wallet capability consumed when entry
// fees gate competition membership.
type PaymentLookup interface {
	LookupPayment(ctx context.Context, paymentID string) (bool, error)
}

// ServiceConfig describes the dependencies for the competition registry.
type ServiceConfig struct {
	Engine        *relay.Engine
	Rosters       *roster.Service
	Cache         *store.Store
	Signer        record.Signer
	IDProvider    roster.IDProvider
	Clock         func() time.Time
	Logger        *zap.Logger
	PublishQuorum int
}

// Service manages replicated competition definitions. Safe for
// concurrent use; the in-memory definition memo applies
// last-version-wins on every write.
type Service struct {
	engine     *relay.Engine
	rosters    *roster.Service
	cache      *store.Store
	signer     record.Signer
	idProvider roster.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	quorum     int

	definitions sync.Map // record.Key -> Definition
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingEngine)
	}
	if cfg.Rosters == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingRosters)
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("%s: %w", opServiceNew, errMissingSigner)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = roster.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	quorum := cfg.PublishQuorum
	if quorum <= 0 {
		quorum = defaultPublishQuorum
	}
	return &Service{
		engine:     cfg.Engine,
		rosters:    cfg.Rosters,
		cache:      cfg.Cache,
		signer:     cfg.Signer,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
		quorum:     quorum,
	}, nil
}

// CreateOutcome is the tri-state result of a competition creation. The
// definition and roster publishes are independent network operations;
// a partial failure is surfaced so the caller can re-publish only the
// failed half instead of rolling back.
type CreateOutcome struct {
	Definition       Definition
	DefinitionRecord record.Record
	RosterRecord     record.Record
	DefOK            bool
	ListOK           bool
	DefResult        relay.SyncResult
	ListResult       relay.SyncResult
}

// Succeeded reports full success on both publishes.
func (o CreateOutcome) Succeeded() bool {
	return o.DefOK && o.ListOK
}

// PartialFailure reports that exactly one of the two publishes landed.
func (o CreateOutcome) PartialFailure() bool {
	return o.DefOK != o.ListOK
}

// CreateCompetition publishes a new competition definition together
// with its paired participant roster. The conflict check is a
// structured refusal issued before anything is published. The two
// publishes are sequenced, not atomic: there is no cross-relay
// transaction primitive.
func (s *Service) CreateCompetition(ctx context.Context, ownerID string, def Definition, initialMembers []string) (CreateOutcome, error) {
	if err := validateInput(def); err != nil {
		return CreateOutcome{}, err
	}

	report, err := s.HasConflictingActive(ctx, def.TeamID)
	if err != nil {
		return CreateOutcome{}, err
	}
	if (def.Kind == KindLeague && report.ActiveLeagues > 0) ||
		(def.Kind == KindEvent && report.ActiveEvents > 0) {
		return CreateOutcome{}, fmt.Errorf("%w: %s", ErrConflictingActive, def.Kind)
	}

	rosterRec, err := s.rosters.Create(ownerID, def.Name, "participants", initialMembers, record.KindPeopleRoster)
	if err != nil {
		return CreateOutcome{}, err
	}
	rosterDTag, _ := rosterRec.FirstTag(record.TagD)
	def.RosterDTag = rosterDTag

	recordKind, err := recordKindFor(def.Kind)
	if err != nil {
		return CreateOutcome{}, err
	}
	dTag, err := s.idProvider.NewID()
	if err != nil {
		return CreateOutcome{}, fmt.Errorf("registry: id generation failed: %w", err)
	}
	def.Key, err = record.NewKey(ownerID, recordKind, dTag)
	if err != nil {
		return CreateOutcome{}, err
	}
	if def.Status == "" {
		def.Status = StatusUpcoming
	}
	version := s.clock().Unix()
	def.UpdatedAt = version
	defRec, err := encodeDefinition(def, version)
	if err != nil {
		return CreateOutcome{}, err
	}

	if err := s.signer.Sign(ctx, &rosterRec); err != nil {
		return CreateOutcome{}, fmt.Errorf("%s.sign_roster_failed: %w", opCreate, err)
	}
	if err := s.signer.Sign(ctx, &defRec); err != nil {
		return CreateOutcome{}, fmt.Errorf("%s.sign_definition_failed: %w", opCreate, err)
	}

	outcome := CreateOutcome{
		Definition:       def,
		DefinitionRecord: defRec,
		RosterRecord:     rosterRec,
	}

	listResult, err := s.engine.Publish(ctx, rosterRec, s.quorum)
	if err != nil {
		return CreateOutcome{}, err
	}
	outcome.ListResult = listResult
	outcome.ListOK = listResult.QuorumReached

	defResult, err := s.engine.Publish(ctx, defRec, s.quorum)
	if err != nil {
		return CreateOutcome{}, err
	}
	outcome.DefResult = defResult
	outcome.DefOK = defResult.QuorumReached

	if outcome.Succeeded() {
		s.remember(def)
		s.cachePut(ctx, defRec)
		s.cachePut(ctx, rosterRec)
	} else {
		s.logger.Warn("competition create did not fully replicate",
			zap.String("operation", opCreate),
			zap.String("key", def.Key.String()),
			zap.Bool("definition_ok", outcome.DefOK),
			zap.Bool("roster_ok", outcome.ListOK),
			zap.Strings("definition_errors", defResult.Errors),
			zap.Strings("roster_errors", listResult.Errors))
	}
	return outcome, nil
}

// QueryByTeam returns the current competition definitions for a team.
// Records failing schema validation are dropped, not errored: relay
// data is a superset including foreign traffic. When no relay responds
// the local cache serves the last seen definitions.
func (s *Service) QueryByTeam(ctx context.Context, teamID string, statusFilter *Status, sinceWindow time.Duration) ([]Definition, error) {
	if teamID == "" {
		return nil, fmt.Errorf("%w: empty team id", ErrInvalidDefinition)
	}
	filter := record.Filter{
		Kinds: []int{record.KindLeague, record.KindEvent},
		Tags:  map[string][]string{record.TagTeam: {teamID}},
	}
	if sinceWindow > 0 {
		filter.Since = s.clock().Add(-sinceWindow).Unix()
	}

	result, err := s.engine.Query(ctx, filter, 0)
	if err != nil {
		return nil, err
	}

	records := make([]record.Record, 0, len(result.Records))
	for _, rec := range result.Records {
		records = append(records, rec)
	}
	if result.RespondingRelays == 0 && s.cache != nil {
		cached, cacheErr := s.cache.List(ctx, filter)
		if cacheErr != nil {
			return nil, cacheErr
		}
		records = cached
	}

	definitions := make([]Definition, 0, len(records))
	dropped := 0
	for _, rec := range records {
		def, decodeErr := decodeDefinition(rec)
		if decodeErr != nil {
			dropped++
			continue
		}
		if result.RespondingRelays > 0 {
			s.remember(def)
			s.cachePut(ctx, rec)
		}
		if statusFilter != nil && def.Status != *statusFilter {
			continue
		}
		definitions = append(definitions, def)
	}
	if dropped > 0 {
		s.logger.Debug("dropped records failing definition schema",
			zap.String("operation", opQueryByTeam),
			zap.String("team_id", teamID),
			zap.Int("dropped", dropped))
	}
	return definitions, nil
}

// ErrNotFound indicates no definition exists for the key on any
// reachable relay or in the cache.
var ErrNotFound = errors.New("registry: competition not found")

// FetchDefinition returns the current version of one competition,
// trying both definition kinds under the owner's d tag. The cache
// serves the last seen version when no relay responds.
func (s *Service) FetchDefinition(ctx context.Context, ownerID, dTag string) (Definition, error) {
	filter := record.Filter{
		Kinds:   []int{record.KindLeague, record.KindEvent},
		Authors: []string{ownerID},
		Tags:    map[string][]string{record.TagD: {dTag}},
	}
	result, err := s.engine.Query(ctx, filter, 0)
	if err != nil {
		return Definition{}, err
	}

	records := make([]record.Record, 0, len(result.Records))
	for _, rec := range result.Records {
		records = append(records, rec)
	}
	if result.RespondingRelays == 0 && s.cache != nil {
		cached, cacheErr := s.cache.List(ctx, filter)
		if cacheErr != nil {
			return Definition{}, cacheErr
		}
		records = cached
	}

	var winner *Definition
	for _, rec := range records {
		def, decodeErr := decodeDefinition(rec)
		if decodeErr != nil {
			continue
		}
		if winner == nil || def.UpdatedAt > winner.UpdatedAt {
			copied := def
			winner = &copied
		}
	}
	if winner == nil {
		return Definition{}, fmt.Errorf("%w: %s:%s", ErrNotFound, ownerID, dTag)
	}
	if result.RespondingRelays > 0 {
		s.remember(*winner)
	}
	return *winner, nil
}

// ConflictReport summarizes the team's currently-active competitions.
type ConflictReport struct {
	ActiveLeagues int
	ActiveEvents  int
	Details       []Definition
}

// HasConflictingActive counts the team's active competitions by
// recomputing each schedule window at the current instant. A stored
// status of upcoming or completed is ignored; only the schedule and
// the cancelled marker decide.
func (s *Service) HasConflictingActive(ctx context.Context, teamID string) (ConflictReport, error) {
	definitions, err := s.QueryByTeam(ctx, teamID, nil, 0)
	if err != nil {
		return ConflictReport{}, err
	}
	now := s.clock()
	report := ConflictReport{}
	for _, def := range definitions {
		if !IsActive(def, now) {
			continue
		}
		switch def.Kind {
		case KindLeague:
			report.ActiveLeagues++
		case KindEvent:
			report.ActiveEvents++
		}
		report.Details = append(report.Details, def)
	}
	return report, nil
}

// Apply folds an externally observed record into the in-memory memo
// and cache, keeping the registry converging while a watch stream
// runs. Any strictly-newer version wins, even one that moves status
// backward: republishing to correct a mistake is allowed.
func (s *Service) Apply(ctx context.Context, rec record.Record) (Definition, bool, error) {
	def, err := decodeDefinition(rec)
	if err != nil {
		return Definition{}, false, err
	}
	if existing, ok := s.definitions.Load(def.Key); ok {
		current := existing.(Definition)
		if def.UpdatedAt <= current.UpdatedAt {
			return current, false, nil
		}
	}
	s.remember(def)
	s.cachePut(ctx, rec)
	return def, true, nil
}

func (s *Service) remember(def Definition) {
	for {
		existing, loaded := s.definitions.LoadOrStore(def.Key, def)
		if !loaded {
			return
		}
		current := existing.(Definition)
		if def.UpdatedAt <= current.UpdatedAt {
			return
		}
		if s.definitions.CompareAndSwap(def.Key, existing, def) {
			return
		}
	}
}

func (s *Service) cachePut(ctx context.Context, rec record.Record) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.Put(ctx, rec); err != nil {
		s.logger.Warn("definition cache write failed",
			zap.String("record_id", rec.ID),
			zap.Error(err))
	}
}

func validateInput(def Definition) error {
	if def.TeamID == "" {
		return fmt.Errorf("%w: empty team id", ErrInvalidDefinition)
	}
	if def.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDefinition)
	}
	if _, err := recordKindFor(def.Kind); err != nil {
		return err
	}
	if def.Schedule.IsRecurring() {
		if def.Schedule.AnchorAt <= 0 {
			return fmt.Errorf("%w: recurring schedule needs an anchor date", ErrInvalidDefinition)
		}
		if def.Schedule.Frequency == recurrence.FrequencyWeekly && weekdayFromName(def.Schedule.AnchorDay) == nil {
			return fmt.Errorf("%w: weekly schedule needs an anchor day", ErrInvalidDefinition)
		}
	} else if def.Schedule.StartAt <= 0 {
		return fmt.Errorf("%w: one-shot schedule needs a start", ErrInvalidDefinition)
	}
	return nil
}
