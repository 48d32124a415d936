// Package extractor implements the archive extractor contract of
// spec.md §6.3: materialise an uploaded resource archive into a
// staging directory and report its single top-level directory name.
// Zip is handled with the standard library; rar and 7z are handled by
// shelling out to the system unrar/7z binaries, the same external-tool
// idiom the teacher uses for git and gradlew.
package extractor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"archive/zip"

	"apkforge/internal/apperr"
)

// Result is the outcome of a successful Extract call.
type Result struct {
	TopLevelName string
	TotalFiles   int
}

// Extract dispatches on archivePath's extension and extracts into
// destDir, which must already exist. It fails with apperr.ExtractorFailure
// for an unsupported extension, a corrupt archive, an archive entry that
// would escape destDir, or an archive with no single top-level directory.
func Extract(archivePath, destDir string) (*Result, error) {
	switch strings.ToLower(filepath.Ext(archivePath)) {
	case ".zip":
		return extractZip(archivePath, destDir)
	case ".rar":
		if err := runExternalExtractor("unrar", []string{"x", "-y", archivePath, destDir + string(os.PathSeparator)}); err != nil {
			return nil, err
		}
		return scanTopLevel(destDir)
	case ".7z":
		if err := runExternalExtractor("7z", []string{"x", archivePath, "-o" + destDir, "-y"}); err != nil {
			return nil, err
		}
		return scanTopLevel(destDir)
	default:
		return nil, apperr.New(apperr.ExtractorFailure, "unsupported archive format: "+filepath.Ext(archivePath))
	}
}

func runExternalExtractor(binary string, args []string) error {
	cmd := exec.Command(binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return apperr.Wrap(apperr.ExtractorFailure, fmt.Sprintf("%s failed: %s", binary, strings.TrimSpace(string(out))), err)
	}
	return nil
}

func extractZip(archivePath, destDir string) (*Result, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, apperr.Wrap(apperr.ExtractorFailure, "corrupt or unreadable zip archive", err)
	}
	defer r.Close()

	topLevels := map[string]struct{}{}
	fileCount := 0

	for _, f := range r.File {
		cleanName := filepath.Clean(f.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return nil, apperr.New(apperr.ExtractorFailure, "path traversal: archive entry escapes destination: "+f.Name)
		}
		target := filepath.Join(destDir, cleanName)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
			return nil, apperr.New(apperr.ExtractorFailure, "path traversal: archive entry escapes destination: "+f.Name)
		}

		if top := topLevelOf(cleanName); top != "" {
			topLevels[top] = struct{}{}
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, apperr.Wrap(apperr.ExtractorFailure, "create directory during extraction", err)
			}
			continue
		}

		if err := extractZipFile(f, target); err != nil {
			return nil, apperr.Wrap(apperr.ExtractorFailure, "extract file "+f.Name, err)
		}
		fileCount++
	}

	top, err := singleTopLevel(topLevels)
	if err != nil {
		return nil, err
	}
	return &Result{TopLevelName: top, TotalFiles: fileCount}, nil
}

func extractZipFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)
	return err
}

func topLevelOf(relPath string) string {
	relPath = filepath.ToSlash(relPath)
	if i := strings.IndexByte(relPath, '/'); i >= 0 {
		return relPath[:i]
	}
	return ""
}

func singleTopLevel(seen map[string]struct{}) (string, error) {
	if len(seen) == 0 {
		return "", apperr.New(apperr.ExtractorFailure, "archive has no top-level directory")
	}
	if len(seen) > 1 {
		names := make([]string, 0, len(seen))
		for n := range seen {
			names = append(names, n)
		}
		return "", apperr.New(apperr.ExtractorFailure, "archive has multiple incompatible top-level entries: "+strings.Join(names, ", "))
	}
	for n := range seen {
		return n, nil
	}
	return "", apperr.New(apperr.ExtractorFailure, "archive has no top-level directory")
}

// scanTopLevel is used after shelling out to unrar/7z, which extract
// directly to disk rather than giving us a file listing to inspect.
func scanTopLevel(destDir string) (*Result, error) {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return nil, apperr.Wrap(apperr.ExtractorFailure, "read extraction output", err)
	}
	topLevels := map[string]struct{}{}
	fileCount := 0
	for _, e := range entries {
		topLevels[e.Name()] = struct{}{}
	}
	err = filepath.Walk(destDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			fileCount++
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.ExtractorFailure, "walk extraction output", err)
	}
	top, err := singleTopLevel(topLevels)
	if err != nil {
		return nil, err
	}
	return &Result{TopLevelName: top, TotalFiles: fileCount}, nil
}
