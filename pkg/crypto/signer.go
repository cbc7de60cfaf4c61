package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
)

const SignatureHeader = "X-Signature"

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Signer computes and checks hex HMAC-SHA256 signatures over request bodies.
// A signer built with an empty secret is disabled and accepts everything.
type Signer struct {
	secretKey []byte
	logger    *slog.Logger
}

func NewSigner(secretKey string, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{
		secretKey: []byte(secretKey),
		logger:    logger,
	}
}

func (s *Signer) Enabled() bool {
	return s != nil && len(s.secretKey) > 0
}

func (s *Signer) Sign(data []byte) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload accepts an optional "sha256=" prefix on the signature.
func (s *Signer) VerifyPayload(payload []byte, signature string) error {
	if !s.Enabled() {
		return nil
	}

	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return ErrMissingSignature
	}

	expected := s.Sign(payload)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		s.logger.Warn("Signature verification failed",
			slog.Int("payload_bytes", len(payload)))
		return ErrInvalidSignature
	}

	return nil
}
