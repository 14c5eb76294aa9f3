package roster

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pacerlabs/stride/internal/record"
)

var (
	// ErrInvalidList indicates a record could not be projected into a
	// membership list.
	ErrInvalidList = errors.New("roster: invalid membership list record")
	// ErrUnsupportedKind indicates a kind outside the roster family.
	ErrUnsupportedKind = errors.New("roster: unsupported list kind")
)

// MembershipList is the projection of a roster record. Members carry
// set semantics: insertion order is irrelevant and duplicates collapse.
type MembershipList struct {
	Key         record.Key
	Owner       string
	Members     []string
	DisplayName string
	Description string
	UpdatedAt   int64
}

// Has reports whether the member is present on the list.
func (l MembershipList) Has(member string) bool {
	for _, existing := range l.Members {
		if existing == member {
			return true
		}
	}
	return false
}

type listContent struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// memberTagForKind maps the roster kind to the tag carrying members.
func memberTagForKind(kind int) (string, error) {
	switch kind {
	case record.KindPeopleRoster:
		return record.TagPerson, nil
	case record.KindTagRoster:
		return record.TagTopic, nil
	default:
		return "", fmt.Errorf("%w: %d", ErrUnsupportedKind, kind)
	}
}

// Project parses a roster record into a MembershipList. Duplicate
// member tags collapse; records missing required tags are rejected so
// callers can skip them.
func Project(rec record.Record) (MembershipList, error) {
	if !rec.HasRequiredTags() {
		return MembershipList{}, fmt.Errorf("%w: missing required tags", ErrInvalidList)
	}
	memberTag, err := memberTagForKind(rec.Kind)
	if err != nil {
		return MembershipList{}, err
	}
	key, err := rec.Key()
	if err != nil {
		return MembershipList{}, fmt.Errorf("%w: %v", ErrInvalidList, err)
	}

	var content listContent
	if rec.Content != "" {
		if err := json.Unmarshal([]byte(rec.Content), &content); err != nil {
			return MembershipList{}, fmt.Errorf("%w: unparsable content", ErrInvalidList)
		}
	}

	return MembershipList{
		Key:         key,
		Owner:       rec.Author,
		Members:     dedupe(rec.TagValues(memberTag)),
		DisplayName: content.Name,
		Description: content.Description,
		UpdatedAt:   rec.CreatedAt,
	}, nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	deduped := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		deduped = append(deduped, value)
	}
	return deduped
}
