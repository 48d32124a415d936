// Package models holds the plain data types shared across apkforge's
// components: registered Android projects, build tasks, artifacts,
// snapshots, and git operations.
package models

import "time"

// Project is a user-registered Android project tracked by apkforge.
// Path must point to a directory containing a Gradle wrapper and the
// asset root app/src/main/assets/apps; it may or may not be a git tree.
type Project struct {
	ID          string
	Name        string
	Path        string
	Description string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
