// Copyright 2025 Knowledgecore Project

package vaultmeta

import "path/filepath"

// Paths is a pure function of the vault root directory.
type Paths struct {
	Root           string
	VaultJSON      string
	DB             string
	ObjectsDir     string
	InboxDir       string
	InboxProcessed string
	VectorsDir     string
	RecoveryMarker string
}

// VaultPaths computes every on-disk path for a vault rooted at root.
func VaultPaths(root string) Paths {
	return Paths{
		Root:           root,
		VaultJSON:      filepath.Join(root, "vault.json"),
		DB:             filepath.Join(root, "db", "knowledge.sqlite"),
		ObjectsDir:     filepath.Join(root, "store", "objects"),
		InboxDir:       filepath.Join(root, "Inbox"),
		InboxProcessed: filepath.Join(root, "Inbox", "processed"),
		VectorsDir:     filepath.Join(root, "index", "vectors"),
		RecoveryMarker: filepath.Join(root, ".kc_recovery_last_path"),
	}
}
