package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind values owned by the registry. Replaceable kinds carry a "d" tag
// forming the (author, kind, d-tag) key; at most one logically-current
// record exists per key.
const (
	// KindPeopleRoster is a membership list whose members are carried as "p" tags.
	KindPeopleRoster = 30000
	// KindTagRoster is a generic list whose members are carried as "t" tags.
	KindTagRoster = 30001
	// KindLeague is a recurring competition definition.
	KindLeague = 31013
	// KindEvent is a one-shot competition definition.
	KindEvent = 31014
)

const (
	// TagD carries the replaceable-key discriminator.
	TagD = "d"
	// TagPerson carries one roster member per entry on people rosters.
	TagPerson = "p"
	// TagTopic carries one roster member per entry on generic tag rosters.
	TagTopic = "t"
	// TagTeam carries the owning team identifier on competition definitions.
	TagTeam = "team"
	// TagName carries the display name on competition definitions.
	TagName = "name"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidKey indicates a replaceable key component is empty or oversized.
	ErrInvalidKey = errors.New("record: invalid key")
	// ErrInvalidRecord indicates an envelope is structurally unusable.
	ErrInvalidRecord = errors.New("record: invalid record")
)

// Key identifies the logically-current version of a replaceable record.
type Key struct {
	Author string
	Kind   int
	DTag   string
}

// NewKey validates the components and returns a Key.
func NewKey(author string, kind int, dTag string) (Key, error) {
	trimmedAuthor := strings.TrimSpace(author)
	if trimmedAuthor == "" || len(trimmedAuthor) > maxIdentifierLength {
		return Key{}, fmt.Errorf("%w: author", ErrInvalidKey)
	}
	if kind <= 0 {
		return Key{}, fmt.Errorf("%w: kind %d", ErrInvalidKey, kind)
	}
	trimmedTag := strings.TrimSpace(dTag)
	if trimmedTag == "" || len(trimmedTag) > maxIdentifierLength {
		return Key{}, fmt.Errorf("%w: d tag", ErrInvalidKey)
	}
	return Key{Author: trimmedAuthor, Kind: kind, DTag: trimmedTag}, nil
}

// String renders the key in author:kind:dtag form for logs and cache keys.
func (k Key) String() string {
	return fmt.Sprintf("%s:%d:%s", k.Author, k.Kind, k.DTag)
}

// Record is the wire envelope replicated across relays. Tags are
// authoritative for filtering; Content is authoritative for full field
// recovery. CreatedAt doubles as the replaceable version.
type Record struct {
	ID        string     `json:"id"`
	Author    string     `json:"pubkey"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	CreatedAt int64      `json:"created_at"`
	Sig       string     `json:"sig"`
}

// Key derives the replaceable key from the envelope's "d" tag.
func (r Record) Key() (Key, error) {
	dTag, ok := r.FirstTag(TagD)
	if !ok {
		return Key{}, fmt.Errorf("%w: missing d tag", ErrInvalidRecord)
	}
	return NewKey(r.Author, r.Kind, dTag)
}

// FirstTag returns the value of the first tag with the given name.
func (r Record) FirstTag(name string) (string, bool) {
	for _, tag := range r.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// TagValues returns every value carried under the given tag name,
// preserving wire order.
func (r Record) TagValues(name string) []string {
	var values []string
	for _, tag := range r.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// HasRequiredTags reports whether the record carries every tag its kind
// requires. Records failing this check are skipped, never errored:
// relay data is a superset that includes foreign traffic.
func (r Record) HasRequiredTags() bool {
	required, known := requiredTagsByKind[r.Kind]
	if !known {
		return false
	}
	for _, name := range required {
		if _, ok := r.FirstTag(name); !ok {
			return false
		}
	}
	return true
}

var requiredTagsByKind = map[int][]string{
	KindPeopleRoster: {TagD},
	KindTagRoster:    {TagD},
	KindLeague:       {TagD, TagTeam, TagName},
	KindEvent:        {TagD, TagTeam, TagName},
}

// Encode renders the envelope as wire JSON.
func (r Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses a wire envelope. Structural failures are reported;
// schema validation is the caller's concern.
func Decode(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if strings.TrimSpace(rec.Author) == "" {
		return Record{}, fmt.Errorf("%w: missing author", ErrInvalidRecord)
	}
	if rec.Kind <= 0 {
		return Record{}, fmt.Errorf("%w: missing kind", ErrInvalidRecord)
	}
	return rec, nil
}
