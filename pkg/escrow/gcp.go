// Copyright 2025 Knowledgecore Project
//
// GCP Cloud KMS escrow provider — the one adapter in this package with
// a genuine cloud SDK behind it (aws, azure, hsm and private_kms are
// emulation-only here, see providers.go; local is a plain directory
// provider, see local.go). When a KMS key resource name
// is configured, Write/Read route the key blob through a real
// cloud.google.com/go/kms/apiv1 Encrypt/Decrypt round trip before/after
// local storage; storage itself still uses the same emulation-root
// directory technique as every other provider, since a key-management
// service wraps keys, it does not host arbitrary blob storage.
package escrow

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"

	"github.com/saagar210/knowledgecore-sub000/internal/secretenv"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

const gcpEmulateEnvVar = "KC_RECOVERY_ESCROW_GCP_EMULATE_DIR"

// gcpKeyNameEnvVar names the Cloud KMS CryptoKey resource
// ("projects/.../locations/.../keyRings/.../cryptoKeys/...") this
// provider wraps blobs under. When unset, the provider stores blobs
// unwrapped, like the other emulation-only adapters.
const gcpKeyNameEnvVar = "KC_RECOVERY_ESCROW_GCP_KMS_KEY_NAME"

// GCPProvider escrows key blobs by wrapping them with Cloud KMS before
// writing them under an emulation-root directory.
type GCPProvider struct {
	secrets       secretenv.Provider
	keyName       string
	emulateEnvVar string
	newClient     func(ctx context.Context) (*kms.KeyManagementClient, error)
}

// NewGCPProvider constructs the "gcp" escrow adapter. keyName comes
// from KC_RECOVERY_ESCROW_GCP_KMS_KEY_NAME; when unset, Write/Read fall
// back to storing/restoring the blob unwrapped under the emulation
// root, exactly like the other emulation-only providers.
func NewGCPProvider(secrets secretenv.Provider) *GCPProvider {
	keyName := strings.TrimSpace(secretenv.String(secrets, gcpKeyNameEnvVar, ""))
	return &GCPProvider{
		secrets:       secrets,
		keyName:       keyName,
		emulateEnvVar: gcpEmulateEnvVar,
		newClient: func(ctx context.Context) (*kms.KeyManagementClient, error) {
			return kms.NewKeyManagementClient(ctx)
		},
	}
}

func (p *GCPProvider) ProviderID() string { return "gcp" }

func (p *GCPProvider) emulationRoot() string { return emulationRoot(p.secrets, p.emulateEnvVar) }

func (p *GCPProvider) blobPath(root, vaultID, payloadHash string) string {
	return filepath.Join(root, vaultID, blobFileName(payloadHash))
}

func (p *GCPProvider) Status() (Status, error) {
	root := p.emulationRoot()
	configured := p.keyName != ""
	details, _ := json.Marshal(map[string]any{
		"kind":              "gcp-cloud-kms",
		"kms_key_name":      p.keyName,
		"emulation_enabled": root != "",
	})
	return Status{
		Provider:    p.ProviderID(),
		Configured:  configured,
		Available:   configured || root != "",
		DetailsJSON: string(details),
	}, nil
}

// wrap encrypts plaintext with Cloud KMS under p.keyName. Returns
// plaintext unchanged (no-op wrap) when p.keyName is unset, matching
// behave-like-the-local-adapter fallback for unconfigured
// adapters.
func (p *GCPProvider) wrap(plaintext []byte) ([]byte, error) {
	if p.keyName == "" {
		return plaintext, nil
	}
	ctx := context.Background()
	client, err := p.newClient(ctx)
	if err != nil {
		return nil, unavailableError("gcp", "failed constructing Cloud KMS client: "+err.Error())
	}
	defer client.Close()
	resp, err := client.Encrypt(ctx, &kmspb.EncryptRequest{Name: p.keyName, Plaintext: plaintext})
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeRecoveryEscrowWriteFailed, kcerr.CategoryRecovery,
			"Cloud KMS Encrypt failed", err)
	}
	return resp.GetCiphertext(), nil
}

// unwrap decrypts ciphertext with Cloud KMS under p.keyName, or returns
// it unchanged when p.keyName is unset (mirroring wrap's no-op path).
func (p *GCPProvider) unwrap(ciphertext []byte) ([]byte, error) {
	if p.keyName == "" {
		return ciphertext, nil
	}
	ctx := context.Background()
	client, err := p.newClient(ctx)
	if err != nil {
		return nil, unavailableError("gcp", "failed constructing Cloud KMS client: "+err.Error())
	}
	defer client.Close()
	resp, err := client.Decrypt(ctx, &kmspb.DecryptRequest{Name: p.keyName, Ciphertext: ciphertext})
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeRecoveryEscrowRestoreFailed, kcerr.CategoryRecovery,
			"Cloud KMS Decrypt failed", err)
	}
	return resp.GetPlaintext(), nil
}

func (p *GCPProvider) Write(req WriteRequest) (Descriptor, error) {
	root := p.emulationRoot()
	if root == "" {
		return Descriptor{}, unavailableError("gcp", "set "+p.emulateEnvVar+" to a local directory to exercise this provider")
	}
	wrapped, err := p.wrap(req.KeyBlob)
	if err != nil {
		return Descriptor{}, err
	}
	path := p.blobPath(root, req.VaultID, req.PayloadHash)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Descriptor{}, kcerr.Wrap(kcerr.CodeRecoveryEscrowWriteFailed, kcerr.CategoryRecovery,
			"failed creating gcp emulation escrow directory", err)
	}
	if err := os.WriteFile(path, wrapped, 0o600); err != nil {
		return Descriptor{}, kcerr.Wrap(kcerr.CodeRecoveryEscrowWriteFailed, kcerr.CategoryRecovery,
			"failed writing gcp emulation escrow payload", err)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	keyID := p.keyName
	if keyID == "" {
		keyID = req.PayloadHash
	}
	d := Descriptor{Provider: p.ProviderID(), ProviderRef: filepath.ToSlash(rel), KeyID: keyID, WrappedAtMs: req.NowMs}
	if err := ValidateDescriptor(d); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

func (p *GCPProvider) Read(req ReadRequest) ([]byte, error) {
	if err := ValidateDescriptor(req.Descriptor); err != nil {
		return nil, err
	}
	if req.Descriptor.Provider != p.ProviderID() {
		return nil, kcerr.New(kcerr.CodeRecoveryEscrowRestoreFailed, kcerr.CategoryRecovery,
			"escrow descriptor provider does not match gcp adapter")
	}
	root := p.emulationRoot()
	if root == "" {
		return nil, unavailableError("gcp", "set "+p.emulateEnvVar+" to a local directory to exercise this provider")
	}
	path := filepath.Join(root, filepath.FromSlash(req.Descriptor.ProviderRef))
	wrapped, err := os.ReadFile(path)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeRecoveryEscrowRestoreFailed, kcerr.CategoryRecovery,
			"failed reading gcp emulation escrow payload", err)
	}
	plaintext, err := p.unwrap(wrapped)
	if err != nil {
		return nil, err
	}
	if err := ValidatePayloadHash(plaintext, req.ExpectedPayloadHash); err != nil {
		return nil, err
	}
	return plaintext, nil
}
