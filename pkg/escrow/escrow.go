// Copyright 2025 Knowledgecore Project
//
// Package escrow implements the pluggable recovery-escrow providers:
// adapters that stash a copy of a recovery key blob somewhere external
// to the vault and can restore it later. Every provider exposes the
// same capability set ({provider_id, status, write, read}) and every
// read validates the restored blob's hash before returning it.
package escrow

import (
	"strings"

	"github.com/saagar210/knowledgecore-sub000/internal/secretenv"
	"github.com/saagar210/knowledgecore-sub000/pkg/canon"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// ProviderPriority is the fixed precedence of the known escrow
// providers; an unrecognized provider id sorts last.
var ProviderPriority = []string{"aws", "gcp", "azure", "hsm", "local", "private_kms"}

func priorityOf(providerID string) int {
	for i, p := range ProviderPriority {
		if p == providerID {
			return i
		}
	}
	return len(ProviderPriority)
}

// Descriptor records where a provider stashed a key blob.
type Descriptor struct {
	Provider    string `json:"provider"`
	ProviderRef string `json:"provider_ref"`
	KeyID       string `json:"key_id"`
	WrappedAtMs int64  `json:"wrapped_at_ms"`
}

// Status reports whether a provider is configured and reachable.
type Status struct {
	Provider    string `json:"provider"`
	Configured  bool   `json:"configured"`
	Available   bool   `json:"available"`
	DetailsJSON string `json:"details_json"`
}

// WriteRequest asks a provider to escrow keyBlob.
type WriteRequest struct {
	VaultID     string
	PayloadHash string
	KeyBlob     []byte
	NowMs       int64
}

// ReadRequest asks a provider to restore the blob a prior Write
// produced.
type ReadRequest struct {
	Descriptor          Descriptor
	ExpectedPayloadHash string
}

// Provider is the capability set every escrow adapter implements.
type Provider interface {
	ProviderID() string
	Status() (Status, error)
	Write(req WriteRequest) (Descriptor, error)
	Read(req ReadRequest) ([]byte, error)
}

// ValidateDescriptor rejects a descriptor with any empty required field
//.
func ValidateDescriptor(d Descriptor) error {
	if strings.TrimSpace(d.Provider) == "" ||
		strings.TrimSpace(d.ProviderRef) == "" ||
		strings.TrimSpace(d.KeyID) == "" {
		return kcerr.New(kcerr.CodeRecoveryEscrowWriteFailed, kcerr.CategoryRecovery,
			"escrow descriptor contains empty required fields")
	}
	return nil
}

// CanonicalDescriptorHash hashes d's canonical JSON encoding.
func CanonicalDescriptorHash(d Descriptor) (string, error) {
	if err := ValidateDescriptor(d); err != nil {
		return "", err
	}
	b, err := canon.MarshalCanonical(d)
	if err != nil {
		return "", err
	}
	return canon.Blake3HexPrefixed(b), nil
}

// ValidatePayloadHash fails with KC_RECOVERY_ESCROW_RESTORE_FAILED if
// blob's hash does not equal expectedPayloadHash.
func ValidatePayloadHash(blob []byte, expectedPayloadHash string) error {
	if canon.Blake3HexPrefixed(blob) != expectedPayloadHash {
		return kcerr.New(kcerr.CodeRecoveryEscrowRestoreFailed, kcerr.CategoryRecovery,
			"escrow payload hash mismatch")
	}
	return nil
}

// NormalizeDescriptors sorts descs by (priority, provider, provider_ref,
// key_id, wrapped_at_ms), the fixed normalization order.
func NormalizeDescriptors(descs []Descriptor) {
	for i := 1; i < len(descs); i++ {
		for j := i; j > 0 && descriptorLess(descs[j], descs[j-1]); j-- {
			descs[j], descs[j-1] = descs[j-1], descs[j]
		}
	}
}

func descriptorLess(a, b Descriptor) bool {
	if pa, pb := priorityOf(a.Provider), priorityOf(b.Provider); pa != pb {
		return pa < pb
	}
	if a.Provider != b.Provider {
		return a.Provider < b.Provider
	}
	if a.ProviderRef != b.ProviderRef {
		return a.ProviderRef < b.ProviderRef
	}
	if a.KeyID != b.KeyID {
		return a.KeyID < b.KeyID
	}
	return a.WrappedAtMs < b.WrappedAtMs
}

func blobFileName(payloadHash string) string {
	return strings.ReplaceAll(payloadHash, ":", "_") + ".enc"
}

// emulationRoot resolves envVar through the shared secretenv.Provider
// abstraction rather
// than calling os.Getenv directly, so tests substitute emulation roots
// without mutating the process environment.
func emulationRoot(secrets secretenv.Provider, envVar string) string {
	return strings.TrimSpace(secretenv.String(secrets, envVar, ""))
}

func unavailableError(providerID, hint string) *kcerr.AppError {
	return kcerr.New(kcerr.CodeRecoveryEscrowUnavailable, kcerr.CategoryRecovery,
		providerID+" recovery escrow provider is unavailable in this runtime").
		WithDetails(map[string]any{"provider": providerID, "hint": hint})
}
