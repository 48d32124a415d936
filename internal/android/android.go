// Package android detects whether a registered project directory is a
// buildable Android project, per spec.md's Project type: it must carry
// a Gradle wrapper and the asset root app/src/main/assets/apps, and may
// or may not be a git working tree.
package android

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// AssetsRoot is the sub-path under a project where bundled web-asset
// resource packages live, one directory per package name.
const AssetsRoot = "app/src/main/assets/apps"

// Analyzer inspects a project directory for Android/Gradle markers.
type Analyzer interface {
	IsAndroidProject(path string) bool
	ResourcePackages(path string) ([]string, error)
	GradlewPath(path string) (string, error)
}

// RealAnalyzer implements Analyzer against the local filesystem.
type RealAnalyzer struct{}

// NewAnalyzer returns a RealAnalyzer.
func NewAnalyzer() *RealAnalyzer { return &RealAnalyzer{} }

// IsAndroidProject reports whether path has both a gradlew wrapper and
// the assets root.
func (a *RealAnalyzer) IsAndroidProject(path string) bool {
	if _, err := a.GradlewPath(path); err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(path, AssetsRoot))
	return err == nil && info.IsDir()
}

// GradlewPath returns the path to the project's gradlew wrapper,
// choosing gradlew.bat when gradlew itself is absent.
func (a *RealAnalyzer) GradlewPath(path string) (string, error) {
	unix := filepath.Join(path, "gradlew")
	if info, err := os.Stat(unix); err == nil && !info.IsDir() {
		return unix, nil
	}
	win := filepath.Join(path, "gradlew.bat")
	if info, err := os.Stat(win); err == nil && !info.IsDir() {
		return win, nil
	}
	return "", fmt.Errorf("no gradlew wrapper found under %s", path)
}

// ResourcePackages lists the top-level directory names directly under
// the project's assets root, sorted. This is the right-hand side of
// the name check in spec.md §4.5.1 stage 5.
func (a *RealAnalyzer) ResourcePackages(path string) ([]string, error) {
	root := filepath.Join(path, AssetsRoot)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read assets root %s: %w", root, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
