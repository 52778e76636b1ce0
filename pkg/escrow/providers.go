// Copyright 2025 Knowledgecore Project
package escrow

import (
	"github.com/saagar210/knowledgecore-sub000/internal/secretenv"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// NewAWSProvider constructs the "aws" escrow adapter. It reads a
// dedicated KC_RECOVERY_ESCROW_AWS_KMS_KEY_ID environment variable
// (unlike the other cloud providers, which only get an emulate-dir
// variable); this runtime has no AWS KMS SDK wired for escrow (the
// AWS SDK that is wired, aws-sdk-go-v2/service/s3, is for
// pkg/synctransport, a different concern — see DESIGN.md), so the key
// ID is recorded as descriptive metadata only and write/read always go
// through the emulation path.
func NewAWSProvider(secrets secretenv.Provider) *emulatedProvider {
	keyID, _ := secretenv.Required(secrets, "KC_RECOVERY_ESCROW_AWS_KMS_KEY_ID")
	return &emulatedProvider{
		id:            "aws",
		secrets:       secrets,
		emulateEnvVar: "KC_RECOVERY_ESCROW_AWS_EMULATE_DIR",
		configured:    keyID != "",
		keyID:         keyID,
		details:       map[string]any{"kind": "aws-kms", "kms_key_id": keyID},
		missingHint:   "set KC_RECOVERY_ESCROW_AWS_EMULATE_DIR to a local directory to exercise this provider without live AWS credentials",
	}
}

// NewAzureProvider constructs the "azure" escrow adapter (Azure Key
// Vault, by name, has no SDK wired in this runtime —
// requires only that unreachable native providers fall back to
// emulation).
func NewAzureProvider(secrets secretenv.Provider) *emulatedProvider {
	return &emulatedProvider{
		id:            "azure",
		secrets:       secrets,
		emulateEnvVar: "KC_RECOVERY_ESCROW_AZURE_EMULATE_DIR",
		configured:    false,
		keyID:         "azure-key-vault",
		details:       map[string]any{"kind": "azure-keyvault"},
		missingHint:   "set KC_RECOVERY_ESCROW_AZURE_EMULATE_DIR to a local directory to exercise this provider without live Azure credentials",
	}
}

// NewHSMProvider constructs the "hsm" escrow adapter for an on-premises
// hardware security module, reachable in this runtime only through the
// emulation root (no HSM PKCS#11 driver is wired).
func NewHSMProvider(secrets secretenv.Provider) *emulatedProvider {
	return &emulatedProvider{
		id:            "hsm",
		secrets:       secrets,
		emulateEnvVar: "KC_RECOVERY_ESCROW_HSM_EMULATE_DIR",
		configured:    false,
		keyID:         "hsm-slot-0",
		details:       map[string]any{"kind": "hsm-pkcs11"},
		missingHint:   "set KC_RECOVERY_ESCROW_HSM_EMULATE_DIR to a local directory to exercise this provider without a live HSM",
	}
}

// NewPrivateKMSProvider constructs the "private_kms" escrow adapter for
// an operator-run key-management service outside the named public
// clouds. priority is lowest of the six known providers, and like azure/hsm it has no concrete SDK in this
// runtime.
func NewPrivateKMSProvider(secrets secretenv.Provider) *emulatedProvider {
	return &emulatedProvider{
		id:            "private_kms",
		secrets:       secrets,
		emulateEnvVar: "KC_RECOVERY_ESCROW_PRIVATE_KMS_EMULATE_DIR",
		configured:    false,
		keyID:         "private-kms-default",
		details:       map[string]any{"kind": "private-kms"},
		missingHint:   "set KC_RECOVERY_ESCROW_PRIVATE_KMS_EMULATE_DIR to a local directory to exercise this provider without a live private KMS",
	}
}

// Registry returns every known escrow provider in the fixed
// priority order, ready for Status()/Write()/Read() calls. gcp is the
// one provider with real SDK-backed crypto (pkg/escrow/gcp.go) and
// local is a plain directory provider; aws, azure, hsm and private_kms
// are emulation-only.
func Registry(secrets secretenv.Provider) []Provider {
	return []Provider{
		NewAWSProvider(secrets),
		NewGCPProvider(secrets),
		NewAzureProvider(secrets),
		NewHSMProvider(secrets),
		NewLocalProvider(secretenv.String(secrets, "KC_RECOVERY_ESCROW_LOCAL_ROOT", "")),
		NewPrivateKMSProvider(secrets),
	}
}

// ByProviderID looks up one provider from Registry by its ProviderID,
// failing with KC_RECOVERY_ESCROW_UNAVAILABLE if id is unrecognized.
func ByProviderID(secrets secretenv.Provider, id string) (Provider, error) {
	for _, p := range Registry(secrets) {
		if p.ProviderID() == id {
			return p, nil
		}
	}
	return nil, kcerr.New(kcerr.CodeRecoveryEscrowUnavailable, kcerr.CategoryRecovery,
		"unknown escrow provider "+id).
		WithDetails(map[string]any{"provider": id, "known": ProviderPriority})
}
