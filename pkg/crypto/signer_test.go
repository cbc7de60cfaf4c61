package crypto

import (
	"errors"
	"testing"
)

func TestSigner_VerifyPayload(t *testing.T) {
	s := NewSigner("test-secret", nil)
	body := []byte(`{"event_id":"evt_1"}`)
	sig := s.Sign(body)

	if err := s.VerifyPayload(body, sig); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := s.VerifyPayload(body, "sha256="+sig); err != nil {
		t.Fatalf("expected prefixed signature to be accepted, got %v", err)
	}
	if err := s.VerifyPayload([]byte(`{"event_id":"evt_2"}`), sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for tampered body, got %v", err)
	}
	if err := s.VerifyPayload(body, ""); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
}

func TestSigner_DisabledAcceptsEverything(t *testing.T) {
	s := NewSigner("", nil)

	if s.Enabled() {
		t.Fatalf("expected signer without secret to be disabled")
	}
	if err := s.VerifyPayload([]byte("anything"), ""); err != nil {
		t.Fatalf("expected disabled signer to accept, got %v", err)
	}
}
