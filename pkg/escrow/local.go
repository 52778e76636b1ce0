// Copyright 2025 Knowledgecore Project
package escrow

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// LocalProvider escrows key blobs under a filesystem directory — the
// only provider expected to work with no external service at
// all.
type LocalProvider struct {
	Root string
}

// NewLocalProvider constructs a LocalProvider rooted at root.
func NewLocalProvider(root string) *LocalProvider {
	return &LocalProvider{Root: root}
}

func (p *LocalProvider) ProviderID() string { return "local" }

func (p *LocalProvider) blobPath(vaultID, payloadHash string) string {
	return filepath.Join(p.Root, vaultID, blobFileName(payloadHash))
}

func (p *LocalProvider) relativeRef(path string) string {
	rel, err := filepath.Rel(p.Root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func (p *LocalProvider) Status() (Status, error) {
	configured := p.Root != ""
	details, _ := json.Marshal(map[string]any{
		"root": p.Root, "kind": "filesystem",
		"deterministic_path_template": "<vault_id>/<payload_hash>.enc",
	})
	return Status{Provider: p.ProviderID(), Configured: configured, Available: configured, DetailsJSON: string(details)}, nil
}

func (p *LocalProvider) Write(req WriteRequest) (Descriptor, error) {
	if p.Root == "" {
		return Descriptor{}, kcerr.New(kcerr.CodeRecoveryEscrowUnavailable, kcerr.CategoryRecovery,
			"local recovery escrow root is empty")
	}
	path := p.blobPath(req.VaultID, req.PayloadHash)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Descriptor{}, kcerr.Wrap(kcerr.CodeRecoveryEscrowWriteFailed, kcerr.CategoryRecovery,
			"failed creating local escrow directory", err)
	}
	if err := os.WriteFile(path, req.KeyBlob, 0o600); err != nil {
		return Descriptor{}, kcerr.Wrap(kcerr.CodeRecoveryEscrowWriteFailed, kcerr.CategoryRecovery,
			"failed writing local escrow payload", err)
	}
	d := Descriptor{Provider: p.ProviderID(), ProviderRef: p.relativeRef(path), KeyID: req.PayloadHash, WrappedAtMs: req.NowMs}
	if err := ValidateDescriptor(d); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

func (p *LocalProvider) Read(req ReadRequest) ([]byte, error) {
	if err := ValidateDescriptor(req.Descriptor); err != nil {
		return nil, err
	}
	if req.Descriptor.Provider != p.ProviderID() {
		return nil, kcerr.New(kcerr.CodeRecoveryEscrowRestoreFailed, kcerr.CategoryRecovery,
			"escrow descriptor provider does not match local adapter")
	}
	path := filepath.Join(p.Root, filepath.FromSlash(req.Descriptor.ProviderRef))
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeRecoveryEscrowRestoreFailed, kcerr.CategoryRecovery,
			"failed reading local escrow payload", err)
	}
	if err := ValidatePayloadHash(blob, req.ExpectedPayloadHash); err != nil {
		return nil, err
	}
	return blob, nil
}
