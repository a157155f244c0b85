package gate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	m "github.com/ocx/hubd/internal/model"
)

// Signer issues signed verification receipts. One Signer is
// constructed per daemon instance from a per-daemon secret (spec.md
// §3: "the signature is HMAC-like over (taskId,specHash,verdict,
// issuedAt) using a per-daemon secret").
type Signer struct {
	secret []byte
}

// NewSigner builds a Signer from a raw secret. Callers typically
// derive secret once at startup (see internal/config) and reuse the
// Signer for the daemon's lifetime.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// SpecHash computes a stable content hash of a handoff payload, used
// to bind a receipt to the exact payload it verified rather than any
// sibling handoff to the same recipient.
func SpecHash(p *m.HandoffPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Issue produces a VerificationReceipt for taskID bound to specHash,
// signed over (taskId, specHash, verdict, issuedAt).
func (s *Signer) Issue(taskID, verifier, specHash string, verdict m.VerificationVerdict, issuedAt time.Time) *m.VerificationReceipt {
	sig := s.sign(taskID, specHash, string(verdict), issuedAt)
	return &m.VerificationReceipt{
		TaskID:    taskID,
		Verifier:  verifier,
		Verdict:   verdict,
		SpecHash:  specHash,
		Signature: sig,
		IssuedAt:  issuedAt,
		Passed:    verdict == m.VerdictAccepted,
	}
}

// Verify recomputes the signature over the receipt's own fields and
// reports whether it matches, guarding against a forged or tampered
// receipt being replayed.
func (s *Signer) Verify(r *m.VerificationReceipt) bool {
	want := s.sign(r.TaskID, r.SpecHash, string(r.Verdict), r.IssuedAt)
	return hmac.Equal([]byte(want), []byte(r.Signature))
}

func (s *Signer) sign(taskID, specHash, verdict string, issuedAt time.Time) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%s|%s|%s", taskID, specHash, verdict, issuedAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(mac.Sum(nil))
}
