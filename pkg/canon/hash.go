// Copyright 2025 Knowledgecore Project
//
// Package canon implements BLAKE3 digest formatting and canonical
// JSON encoding: the two primitives everything hashed in this module
// is built on. A digest is always "blake3:" plus 64 lowercase hex
// digits; canonical JSON sorts object keys by raw byte order and
// forbids non-integer numbers.
package canon

import (
	"encoding/hex"
	"strings"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
	"lukechampine.com/blake3"
)

const hashPrefix = "blake3:"

// Blake3HexPrefixed hashes data with BLAKE3-256 and returns it as
// "blake3:<64 lowercase hex>".
func Blake3HexPrefixed(data []byte) string {
	sum := blake3.Sum256(data)
	return hashPrefix + hex.EncodeToString(sum[:])
}

// ValidateHash enforces the "blake3:" prefix plus exactly 64 lowercase
// hex digits. Uppercase hex or any other prefix is invalid.
func ValidateHash(h string) error {
	if !strings.HasPrefix(h, hashPrefix) {
		return kcerr.New(kcerr.CodeHashInvalidFormat, kcerr.CategoryStorage,
			"hash must begin with \"blake3:\"")
	}
	rest := h[len(hashPrefix):]
	if len(rest) != 64 {
		return kcerr.New(kcerr.CodeHashInvalidFormat, kcerr.CategoryStorage,
			"hash must have exactly 64 hex digits after the prefix")
	}
	for _, r := range rest {
		isLowerHexDigit := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
		if !isLowerHexDigit {
			return kcerr.New(kcerr.CodeHashInvalidFormat, kcerr.CategoryStorage,
				"hash digits must be lowercase hex")
		}
	}
	if _, err := hex.DecodeString(rest); err != nil {
		return kcerr.Wrap(kcerr.CodeHashDecodeFailed, kcerr.CategoryStorage,
			"failed to decode hash hex", err)
	}
	return nil
}

// RawBytes returns the 32 raw digest bytes of a validated "blake3:..."
// hash string.
func RawBytes(h string) ([]byte, error) {
	if err := ValidateHash(h); err != nil {
		return nil, err
	}
	return hex.DecodeString(h[len(hashPrefix):])
}
