/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package jcs

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns the lowercase hex SHA-256 digest of canonical bytes.
func Hash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// HashValue canonicalizes v and returns its hex SHA-256 digest in one step.
func HashValue(v any) (string, error) {
	canon, err := CanonicalizeValue(v)
	if err != nil {
		return "", err
	}
	return Hash(canon), nil
}
