/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package signing provides HMAC-SHA256 signing for control RPC requests
// and for typed-confirmation tokens issued by the approval loop.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Signer signs and verifies requests with a shared key.
type Signer struct {
	key []byte
}

// NewSigner returns a Signer keyed by key.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign returns the hex-encoded HMAC-SHA256 signature over requestID and
// the JSON-marshaled payload.
func (s *Signer) Sign(requestID string, payload any) (string, error) {
	msg, err := canonicalize(requestID, payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature is the correct signature for
// requestID and payload under this Signer's key.
func (s *Signer) Verify(requestID string, payload any, signature string) (bool, error) {
	expected, err := s.Sign(requestID, payload)
	if err != nil {
		return false, err
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	want, err := hex.DecodeString(expected)
	if err != nil {
		return false, err
	}
	return hmac.Equal(got, want), nil
}

func canonicalize(requestID string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("signing: marshal payload: %w", err)
	}
	msg := append([]byte(requestID+"|"), body...)
	return msg, nil
}

// DeriveProbeKey derives a scoped signing key for one actor from the
// engine's master key, so a compromised actor key can't be used to
// forge signatures for another actor.
func DeriveProbeKey(masterKey []byte, actorID string) []byte {
	mac := hmac.New(sha256.New, masterKey)
	mac.Write([]byte("legator-actor-signing|" + actorID))
	return mac.Sum(nil)
}
