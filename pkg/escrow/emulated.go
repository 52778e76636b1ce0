// Copyright 2025 Knowledgecore Project
package escrow

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/saagar210/knowledgecore-sub000/internal/secretenv"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// emulatedProvider backs every escrow adapter that targets a managed
// cloud/HSM key service this runtime has no live credentials for:
// write/read only succeed when an emulation-root environment variable
// points at a local directory, in which case the adapter behaves like
// LocalProvider under that root. Real status/config
// reporting is provider-specific and supplied by each constructor.
type emulatedProvider struct {
	id            string
	secrets       secretenv.Provider
	emulateEnvVar string
	configured    bool
	keyID         string
	details       map[string]any
	missingHint   string
}

func (p *emulatedProvider) ProviderID() string { return p.id }

func (p *emulatedProvider) emulationRoot() string { return emulationRoot(p.secrets, p.emulateEnvVar) }

func (p *emulatedProvider) blobPath(root, vaultID, payloadHash string) string {
	return filepath.Join(root, vaultID, blobFileName(payloadHash))
}

func (p *emulatedProvider) Status() (Status, error) {
	root := p.emulationRoot()
	available := p.configured && root != ""
	merged := make(map[string]any, len(p.details)+1)
	for k, v := range p.details {
		merged[k] = v
	}
	merged["emulation_enabled"] = root != ""
	details, _ := json.Marshal(merged)
	return Status{Provider: p.id, Configured: p.configured, Available: available, DetailsJSON: string(details)}, nil
}

func (p *emulatedProvider) Write(req WriteRequest) (Descriptor, error) {
	root := p.emulationRoot()
	if root == "" {
		return Descriptor{}, unavailableError(p.id, p.missingHint)
	}
	path := p.blobPath(root, req.VaultID, req.PayloadHash)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Descriptor{}, kcerr.Wrap(kcerr.CodeRecoveryEscrowWriteFailed, kcerr.CategoryRecovery,
			"failed creating "+p.id+" emulation escrow directory", err)
	}
	if err := os.WriteFile(path, req.KeyBlob, 0o600); err != nil {
		return Descriptor{}, kcerr.Wrap(kcerr.CodeRecoveryEscrowWriteFailed, kcerr.CategoryRecovery,
			"failed writing "+p.id+" emulation escrow payload", err)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	d := Descriptor{Provider: p.id, ProviderRef: filepath.ToSlash(rel), KeyID: p.keyID, WrappedAtMs: req.NowMs}
	if err := ValidateDescriptor(d); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

func (p *emulatedProvider) Read(req ReadRequest) ([]byte, error) {
	if err := ValidateDescriptor(req.Descriptor); err != nil {
		return nil, err
	}
	if req.Descriptor.Provider != p.id {
		return nil, kcerr.New(kcerr.CodeRecoveryEscrowRestoreFailed, kcerr.CategoryRecovery,
			"escrow descriptor provider does not match "+p.id+" adapter")
	}
	root := p.emulationRoot()
	if root == "" {
		return nil, unavailableError(p.id, p.missingHint)
	}
	path := filepath.Join(root, filepath.FromSlash(req.Descriptor.ProviderRef))
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeRecoveryEscrowRestoreFailed, kcerr.CategoryRecovery,
			"failed reading "+p.id+" emulation escrow payload", err)
	}
	if err := ValidatePayloadHash(blob, req.ExpectedPayloadHash); err != nil {
		return nil, err
	}
	return blob, nil
}
