package jmix

import (
	"archive/zip"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aurabox/harmony/dimse/dicomjson"
	"github.com/google/uuid"
	"github.com/minio/highwayhash"
	log "github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Package identity constants written into every manifest.
const (
	SenderID    = "harmony-gateway"
	RequesterID = "harmony-operator"
)

// The file-listing checksums use a fixed keyed hash; the key is part of
// the package format, not a secret.
var hashKey = []byte("harmony-jmix-files-checksum-key!")

// BuildOptions tune the expensive parts of a build.
type BuildOptions struct {
	SkipHashing bool
	SkipListing bool
}

// BuiltPackage is the result of a build: the indexable info plus the
// packaged file names.
type BuiltPackage struct {
	Info  PackageInfo
	Files []string
}

type fileEntry struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum,omitempty"`
}

// Build packages the datasets under folder into a new JMIX envelope at
// <storeRoot>/<id>/: payload copies, manifest.json, metadata.json,
// files.json, and the <id>.zip archive. The study UID is read from the
// datasets themselves; instances provides a fallback when the files are
// not parseable DICOM.
func Build(folder, storeRoot string, instances []any, opts BuildOptions) (*BuiltPackage, error) {
	var id = uuid.NewString()
	var pkgDir = filepath.Join(storeRoot, id)
	var payloadDir = filepath.Join(pkgDir, "payload")
	if err := os.MkdirAll(payloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating package directory %s: %w", pkgDir, err)
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("reading source folder %s: %w", folder, err)
	}

	var studyUID string
	var files []fileEntry
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var src = filepath.Join(folder, entry.Name())
		var dst = filepath.Join(payloadDir, entry.Name())
		size, copyErr := copyFile(src, dst)
		if copyErr != nil {
			return nil, fmt.Errorf("copying %s into package: %w", entry.Name(), copyErr)
		}
		names = append(names, entry.Name())

		var fe = fileEntry{Name: entry.Name(), Size: size}
		if !opts.SkipHashing {
			if sum, hashErr := hashFile(dst); hashErr == nil {
				fe.Checksum = sum
			} else {
				log.WithFields(log.Fields{"file": entry.Name(), "error": hashErr}).Warn("checksum failed")
			}
		}
		files = append(files, fe)

		if studyUID == "" {
			studyUID = studyUIDFromDataset(src)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("source folder %s holds no datasets", folder)
	}
	if studyUID == "" {
		studyUID = studyUIDFromInstances(instances)
	}

	var createdAt = time.Now().Unix()
	var manifest = map[string]any{
		"id":               id,
		"createdAt":        createdAt,
		"sender":           SenderID,
		"requester":        RequesterID,
		"studyInstanceUid": studyUID,
		"payload":          names,
	}
	if err = writeJSON(filepath.Join(pkgDir, "manifest.json"), manifest); err != nil {
		return nil, err
	}
	if err = writeJSON(filepath.Join(pkgDir, "metadata.json"), map[string]any{
		"studyInstanceUid": studyUID,
		"instanceCount":    len(names),
		"instances":        instances,
	}); err != nil {
		return nil, err
	}
	if !opts.SkipListing {
		if err = writeJSON(filepath.Join(pkgDir, "files.json"), map[string]any{"files": files}); err != nil {
			return nil, err
		}
	}

	if err = writeZip(pkgDir, id); err != nil {
		return nil, err
	}

	var info = PackageInfo{ID: id, StudyUID: studyUID, Path: pkgDir, CreatedAt: createdAt}
	if _, err = os.Stat(info.ZipPath()); err != nil {
		return nil, fmt.Errorf("package zip missing after build: %w", err)
	}
	packagesBuilt.Inc()
	log.WithFields(log.Fields{
		"id":        id,
		"study_uid": studyUID,
		"files":     len(names),
	}).Info("built JMIX package")
	return &BuiltPackage{Info: info, Files: names}, nil
}

// studyUIDFromDataset reads StudyInstanceUID out of a DICOM file,
// returning "" for files the parser rejects.
func studyUIDFromDataset(path string) string {
	var dataset, err = dicom.ParseFile(path, nil)
	if err != nil {
		return ""
	}
	element, err := dataset.FindElementByTag(tag.StudyInstanceUID)
	if err != nil {
		return ""
	}
	if values, ok := element.Value.GetValue().([]string); ok && len(values) > 0 {
		return values[0]
	}
	return ""
}

// studyUIDFromInstances recovers the study UID from the backend's
// instance descriptors: a StudyInstanceUID field or the DICOM JSON
// 0020000D value array.
func studyUIDFromInstances(instances []any) string {
	for _, inst := range instances {
		var m, ok = inst.(map[string]any)
		if !ok {
			continue
		}
		if uid, isStr := m["StudyInstanceUID"].(string); isStr && uid != "" {
			return uid
		}
		if uid := dicomjson.FirstFromRaw(m, dicomjson.TagStudyInstanceUID); uid != "" {
			return uid
		}
	}
	return ""
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	var n int64
	if n, err = io.Copy(out, in); err != nil {
		return 0, err
	}
	return n, out.Close()
}

func hashFile(path string) (string, error) {
	var h, err = highwayhash.New(hashKey)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err = io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeJSON(path string, v any) error {
	var b, err = json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing %s: %w", filepath.Base(path), err)
	}
	if err = os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// writeZip archives the package directory's documents and payload into
// <id>.zip inside the same directory.
func writeZip(pkgDir, id string) error {
	var zipPath = filepath.Join(pkgDir, id+".zip")
	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("creating package zip: %w", err)
	}
	defer out.Close()

	var w = zip.NewWriter(out)
	err = filepath.Walk(pkgDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() || path == zipPath {
			return nil
		}
		rel, relErr := filepath.Rel(pkgDir, path)
		if relErr != nil {
			return relErr
		}
		entry, entryErr := w.Create(filepath.ToSlash(rel))
		if entryErr != nil {
			return entryErr
		}
		f, openErr := os.Open(path)
		if openErr != nil {
			return openErr
		}
		defer f.Close()
		_, copyErr := io.Copy(entry, f)
		return copyErr
	})
	if err != nil {
		w.Close()
		return fmt.Errorf("archiving package %s: %w", id, err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("finalizing package zip: %w", err)
	}
	return out.Close()
}
