// Package crypto provides HMAC-SHA256 signing and verification for operator
// intents and config override receipts.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/Mycelia-Labs/mycelia/core/pkg/canonicalize"
	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
)

// Signer signs and verifies control-plane artifacts with a shared secret.
type Signer interface {
	SignIntent(id string, typ contracts.IntentType, params map[string]any, operatorID string) (string, error)
	VerifyIntent(rec *contracts.IntentRecord) (bool, error)
	SignReceipt(r *contracts.OverrideReceipt) (string, error)
	VerifyReceipt(r *contracts.OverrideReceipt) (bool, error)
}

// HMACSigner implements Signer over a single operator shared secret.
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner creates a signer from the ops shared secret.
func NewHMACSigner(secret []byte) (*HMACSigner, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("crypto: empty ops secret")
	}
	return &HMACSigner{secret: secret}, nil
}

// SignIntent computes the hex HMAC-SHA256 over the canonical signature tuple
// id|.|type|.|canonical(params)|.|operator_id.
func (s *HMACSigner) SignIntent(id string, typ contracts.IntentType, params map[string]any, operatorID string) (string, error) {
	input, err := intentSignatureInput(id, typ, params, operatorID)
	if err != nil {
		return "", err
	}
	return s.sum(input), nil
}

// VerifyIntent recomputes the intent signature and compares in constant time.
func (s *HMACSigner) VerifyIntent(rec *contracts.IntentRecord) (bool, error) {
	want, err := s.SignIntent(rec.ID, rec.Type, rec.Params, rec.OperatorID)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(rec.Signature)), nil
}

// SignReceipt computes the hex HMAC-SHA256 over the canonical form of the
// receipt with its signature field blanked.
func (s *HMACSigner) SignReceipt(r *contracts.OverrideReceipt) (string, error) {
	unsigned := *r
	unsigned.Signature = ""
	b, err := canonicalize.JCS(unsigned)
	if err != nil {
		return "", fmt.Errorf("crypto: receipt canonicalization failed: %w", err)
	}
	return s.sum(b), nil
}

// VerifyReceipt checks a receipt signature; receipts failing this must be
// discarded on replay.
func (s *HMACSigner) VerifyReceipt(r *contracts.OverrideReceipt) (bool, error) {
	want, err := s.SignReceipt(r)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(r.Signature)), nil
}

func (s *HMACSigner) sum(input []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(input)
	return hex.EncodeToString(mac.Sum(nil))
}

func intentSignatureInput(id string, typ contracts.IntentType, params map[string]any, operatorID string) ([]byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	canonical, err := canonicalize.JCS(params)
	if err != nil {
		return nil, fmt.Errorf("crypto: params canonicalization failed: %w", err)
	}
	input := make([]byte, 0, len(id)+len(typ)+len(canonical)+len(operatorID)+3)
	input = append(input, id...)
	input = append(input, '.')
	input = append(input, typ...)
	input = append(input, '.')
	input = append(input, canonical...)
	input = append(input, '.')
	input = append(input, operatorID...)
	return input, nil
}
