package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pacerlabs/stride/internal/record"
	"github.com/pacerlabs/stride/internal/recurrence"
)

// Kind distinguishes the two competition shapes.
type Kind string

const (
	// KindLeague is a recurring competition scored per period.
	KindLeague Kind = "league"
	// KindEvent is a one-shot competition with a fixed window.
	KindEvent Kind = "event"
)

// Status is the advisory lifecycle marker stored for display. Actual
// temporal activity is always recomputed from the schedule; a stored
// status can be stale relative to other replicas.
type Status string

const (
	StatusUpcoming  Status = "upcoming"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var (
	// ErrInvalidDefinition indicates a record or input could not serve
	// as a competition definition.
	ErrInvalidDefinition = errors.New("registry: invalid competition definition")
)

const (
	tagStart     = "start"
	tagFrequency = "freq"
	tagStatus    = "status"
)

// Schedule is either a one-shot window (StartAt) or a recurrence
// (Frequency + AnchorAt, with AnchorDay for weekly cadences).
type Schedule struct {
	StartAt         int64                `json:"start_at,omitempty"`
	DurationMinutes int                  `json:"duration_minutes,omitempty"`
	Frequency       recurrence.Frequency `json:"frequency,omitempty"`
	AnchorDay       string               `json:"anchor_day,omitempty"`
	AnchorAt        int64                `json:"anchor_at,omitempty"`
}

// IsRecurring reports whether the schedule repeats.
func (s Schedule) IsRecurring() bool {
	return s.Frequency != ""
}

// Settings carries entry policy for a competition.
type Settings struct {
	ApprovalRequired bool  `json:"approval_required,omitempty"`
	Capacity         int   `json:"capacity,omitempty"`
	EntryFeeSats     int64 `json:"entry_fee_sats,omitempty"`
}

// Definition is the projection of a competition record.
type Definition struct {
	Key        record.Key `json:"-"`
	TeamID     string     `json:"team_id"`
	Name       string     `json:"name"`
	Kind       Kind       `json:"kind"`
	Schedule   Schedule   `json:"schedule"`
	Settings   Settings   `json:"settings"`
	Status     Status     `json:"status"`
	RosterDTag string     `json:"roster,omitempty"`
	UpdatedAt  int64      `json:"-"`
}

// IsActive reports whether the competition's computed window contains
// the instant. The stored status is consulted only for the cancelled
// short-circuit; everything else derives from the schedule so stale
// replicas cannot freeze a competition in the wrong state.
func IsActive(def Definition, now time.Time) bool {
	if def.Status == StatusCancelled {
		return false
	}
	if def.Schedule.IsRecurring() {
		return recurrence.CurrentPeriod(recurrenceSchedule(def.Schedule), now) != nil
	}
	if def.Schedule.StartAt <= 0 {
		return false
	}
	start := time.Unix(def.Schedule.StartAt, 0)
	duration := def.Schedule.DurationMinutes
	if duration <= 0 {
		duration = 1440
	}
	end := start.Add(time.Duration(duration) * time.Minute)
	return !now.Before(start) && now.Before(end)
}

// CurrentPeriod exposes the active scoring window of a recurring
// competition, or nil for one-shot schedules.
func CurrentPeriod(def Definition, now time.Time) *recurrence.Period {
	if !def.Schedule.IsRecurring() {
		return nil
	}
	return recurrence.CurrentPeriod(recurrenceSchedule(def.Schedule), now)
}

func recurrenceSchedule(s Schedule) recurrence.Schedule {
	return recurrence.Schedule{
		Frequency:       s.Frequency,
		AnchorDay:       weekdayFromName(s.AnchorDay),
		AnchorDate:      time.Unix(s.AnchorAt, 0),
		DurationMinutes: s.DurationMinutes,
	}
}

func weekdayFromName(name string) *time.Weekday {
	days := map[string]time.Weekday{
		"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
		"wednesday": time.Wednesday, "thursday": time.Thursday,
		"friday": time.Friday, "saturday": time.Saturday,
	}
	day, ok := days[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil
	}
	return &day
}

func recordKindFor(kind Kind) (int, error) {
	switch kind {
	case KindLeague:
		return record.KindLeague, nil
	case KindEvent:
		return record.KindEvent, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidDefinition, kind)
	}
}

func competitionKindFor(recordKind int) (Kind, bool) {
	switch recordKind {
	case record.KindLeague:
		return KindLeague, true
	case record.KindEvent:
		return KindEvent, true
	default:
		return "", false
	}
}

// encodeDefinition renders the definition as an unsigned record. Tags
// mirror the filterable fields; Content carries the full payload.
func encodeDefinition(def Definition, version int64) (record.Record, error) {
	content, err := json.Marshal(def)
	if err != nil {
		return record.Record{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	tags := [][]string{
		{record.TagD, def.Key.DTag},
		{record.TagTeam, def.TeamID},
		{record.TagName, def.Name},
		{tagStatus, string(def.Status)},
	}
	if def.Schedule.IsRecurring() {
		tags = append(tags, []string{tagFrequency, string(def.Schedule.Frequency)})
	} else {
		tags = append(tags, []string{tagStart, strconv.FormatInt(def.Schedule.StartAt, 10)})
	}
	return record.Record{
		Author:    def.Key.Author,
		Kind:      def.Key.Kind,
		Tags:      tags,
		Content:   string(content),
		CreatedAt: version,
	}, nil
}

// decodeDefinition projects a record back into a Definition. It fails
// closed: any missing required tag or unparsable content rejects the
// record so callers drop it instead of erroring whole queries.
func decodeDefinition(rec record.Record) (Definition, error) {
	if !rec.HasRequiredTags() {
		return Definition{}, fmt.Errorf("%w: missing required tags", ErrInvalidDefinition)
	}
	kind, ok := competitionKindFor(rec.Kind)
	if !ok {
		return Definition{}, fmt.Errorf("%w: record kind %d", ErrInvalidDefinition, rec.Kind)
	}
	key, err := rec.Key()
	if err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	var def Definition
	if err := json.Unmarshal([]byte(rec.Content), &def); err != nil {
		return Definition{}, fmt.Errorf("%w: unparsable content", ErrInvalidDefinition)
	}
	def.Key = key
	def.Kind = kind
	def.UpdatedAt = rec.CreatedAt

	// Tags are authoritative for the filterable fields.
	if teamID, ok := rec.FirstTag(record.TagTeam); ok {
		def.TeamID = teamID
	}
	if name, ok := rec.FirstTag(record.TagName); ok {
		def.Name = name
	}
	if def.Status == "" {
		def.Status = StatusUpcoming
	}
	if def.TeamID == "" || def.Name == "" {
		return Definition{}, fmt.Errorf("%w: empty team or name", ErrInvalidDefinition)
	}
	return def, nil
}
