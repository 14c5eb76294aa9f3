package record

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsignedRecord indicates a record was published without a signature.
var ErrUnsignedRecord = errors.New("record: unsigned record")

// Signer fills in the ID and Sig fields of an unsigned record. The
// production signer lives in the device keystore; this package only
// defines the capability.
type Signer interface {
	Sign(ctx context.Context, rec *Record) error
}

// HMACSigner is a development signer deriving ID and Sig from an HMAC
// over the canonical envelope. It is deterministic and verifiable
// locally but carries no cross-device trust.
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner constructs a development signer from a shared secret.
func NewHMACSigner(secret []byte) (*HMACSigner, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("record: signer secret is required")
	}
	return &HMACSigner{secret: secret}, nil
}

// Sign computes the canonical digest of the envelope and stores it as
// both ID and Sig.
func (s *HMACSigner) Sign(_ context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	canonical, err := json.Marshal([]interface{}{rec.Author, rec.CreatedAt, rec.Kind, rec.Tags, rec.Content})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	digest := sha256.Sum256(canonical)
	rec.ID = hex.EncodeToString(digest[:])

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(digest[:])
	rec.Sig = hex.EncodeToString(mac.Sum(nil))
	return nil
}
