// Package jmix builds and indexes JMIX packages: content-addressed zip
// envelopes wrapping a folder of DICOM datasets with manifest, metadata,
// and file-listing documents, indexed by package id and study UID in an
// embedded sqlite database.
package jmix

import (
	"path/filepath"
	"strings"
)

// PackageInfo is one indexed package: its stable identifier, the study
// it covers, the absolute package directory, and the creation time in
// unix seconds.
type PackageInfo struct {
	ID        string `json:"id"`
	StudyUID  string `json:"study_uid"`
	Path      string `json:"path"`
	CreatedAt int64  `json:"created_at"`
}

// ZipPath returns the package's zip location inside its directory.
func (p PackageInfo) ZipPath() string { return filepath.Join(p.Path, p.ID+".zip") }

// ManifestPath returns the package's manifest location.
func (p PackageInfo) ManifestPath() string { return filepath.Join(p.Path, "manifest.json") }

// FallbackStoreRoot receives packages when storage is not configured.
const FallbackStoreRoot = "./tmp/jmix-store"

// StoreRoot derives the package store root from the storage path.
func StoreRoot(storagePath string) string {
	if strings.TrimSpace(storagePath) == "" {
		return FallbackStoreRoot
	}
	return filepath.Join(storagePath, "jmix-store")
}

// IndexPath returns the index database location under a store root.
func IndexPath(storeRoot string) string {
	return filepath.Join(storeRoot, "jmix-index.db")
}
