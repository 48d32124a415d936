// Package artifact harvests build outputs after a Gradle run, per
// spec.md's stage-8 harvest contract: walk the output tree, record
// size and content hash for every APK/AAB found. The build variant is
// not stored in the descriptor; VariantOf derives it from a path.
// Grounded on original_source/src/services/apk_service.py's
// _scan_apk_files/_analyze_apk_file and
// original_source/src/utils/gradle_utils.py's
// get_build_artifacts/_extract_variant_from_path.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"apkforge/internal/apperr"
	"apkforge/internal/models"
)

// OutputDirs are the directories, relative to a project root, searched
// for build artifacts, in original_source's scan order.
var OutputDirs = []string{
	filepath.Join("app", "build", "outputs", "apk"),
	filepath.Join("app", "build", "outputs", "bundle"),
}

var extensionKinds = map[string]models.ArtifactKind{
	".apk": models.ArtifactKindAPK,
	".aab": models.ArtifactKindAPK,
}

var variantTokens = map[string]bool{
	"debug": true, "release": true, "staging": true, "prod": true,
}

// Harvest walks projectPath's known output directories and returns a
// descriptor for every APK/AAB found, newest first. It returns
// apperr.NoArtifacts if nothing was produced.
func Harvest(projectPath string) ([]models.ArtifactDescriptor, error) {
	type found struct {
		path    string
		modTime int64
	}
	var all []found

	for _, rel := range OutputDirs {
		root := filepath.Join(projectPath, rel)
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			continue
		}
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if _, ok := extensionKinds[strings.ToLower(filepath.Ext(path))]; !ok {
				return nil
			}
			fi, statErr := d.Info()
			if statErr != nil || fi.Size() == 0 {
				return nil
			}
			all = append(all, found{path: path, modTime: fi.ModTime().UnixNano()})
			return nil
		})
	}

	if len(all) == 0 {
		return nil, apperr.New(apperr.NoArtifacts, "no build artifacts were produced")
	}

	sort.Slice(all, func(i, j int) bool { return all[i].modTime > all[j].modTime })

	descriptors := make([]models.ArtifactDescriptor, 0, len(all))
	for _, f := range all {
		desc, err := describe(f.path)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, desc)
	}
	return descriptors, nil
}

func describe(path string) (models.ArtifactDescriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.ArtifactDescriptor{}, apperr.Wrap(apperr.NoArtifacts, "stat artifact", err)
	}
	hash, err := hashFile(path)
	if err != nil {
		return models.ArtifactDescriptor{}, err
	}
	return models.ArtifactDescriptor{
		Filename:    filepath.Base(path),
		Path:        path,
		Size:        info.Size(),
		ContentHash: hash,
		Kind:        extensionKinds[strings.ToLower(filepath.Ext(path))],
		PackageName: "",
		VersionName: "",
		VersionCode: 0,
	}, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", apperr.Wrap(apperr.NoArtifacts, "open artifact for hashing", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", apperr.Wrap(apperr.NoArtifacts, "hash artifact", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VariantOf extracts the build variant token (debug/release/staging/
// prod) from an artifact path, walking path components from the
// rightmost, same as _extract_variant_from_path.
func VariantOf(path string) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if variantTokens[strings.ToLower(parts[i])] {
			return strings.ToLower(parts[i])
		}
	}
	return "unknown"
}
