package auth

import (
	"testing"
	"time"
)

func TestIssueAndValidateSessionToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	manager := NewSessionManager(SessionManagerConfig{
		SigningSecret: []byte("gateway-secret"),
		Clock:         func() time.Time { return now },
	})

	token, expiresIn, err := manager.IssueSessionToken("captain-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn <= 0 {
		t.Fatalf("expected positive expiry, got %d", expiresIn)
	}

	subject, err := manager.ValidateSessionToken(token)
	if err != nil {
		t.Fatalf("unexpected validate error: %v", err)
	}
	if subject != "captain-1" {
		t.Fatalf("expected subject captain-1, got %s", subject)
	}
}

func TestValidateSessionTokenRejectsExpired(t *testing.T) {
	issuedAt := time.Unix(1700000000, 0)
	manager := NewSessionManager(SessionManagerConfig{
		SigningSecret: []byte("gateway-secret"),
		SessionTTL:    time.Minute,
		Clock:         func() time.Time { return issuedAt },
	})
	token, _, err := manager.IssueSessionToken("captain-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	later := NewSessionManager(SessionManagerConfig{
		SigningSecret: []byte("gateway-secret"),
		Clock:         func() time.Time { return issuedAt.Add(time.Hour) },
	})
	if _, err := later.ValidateSessionToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestValidateSessionTokenRejectsWrongSecret(t *testing.T) {
	manager := NewSessionManager(SessionManagerConfig{SigningSecret: []byte("gateway-secret")})
	token, _, err := manager.IssueSessionToken("captain-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	other := NewSessionManager(SessionManagerConfig{SigningSecret: []byte("different")})
	if _, err := other.ValidateSessionToken(token); err == nil {
		t.Fatalf("expected token signed with other secret to be rejected")
	}
}

func TestIssueSessionTokenRequiresSubjectAndSecret(t *testing.T) {
	manager := NewSessionManager(SessionManagerConfig{SigningSecret: []byte("gateway-secret")})
	if _, _, err := manager.IssueSessionToken(""); err == nil {
		t.Fatalf("expected empty subject to be rejected")
	}
	empty := NewSessionManager(SessionManagerConfig{})
	if _, _, err := empty.IssueSessionToken("captain-1"); err == nil {
		t.Fatalf("expected missing secret to be rejected")
	}
}
