package diagnose

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"apkforge/internal/apperr"
)

func TestBuildPrompt(t *testing.T) {
	system, user := buildPrompt(apperr.GradleExitNonZero, "FAILURE: Build failed with an exception.")

	assert.Contains(t, system, "diagnose")
	assert.Contains(t, user, "GradleExitNonZero")
	assert.Contains(t, user, "Build failed with an exception")
}

func TestBuildPromptContent(t *testing.T) {
	tail := strings.Repeat("x", 500)
	_, user := buildPrompt(apperr.NoArtifacts, tail)
	assert.Contains(t, user, tail)
}

func TestShouldDiagnose(t *testing.T) {
	assert.True(t, ShouldDiagnose(apperr.GradleExitNonZero))
	assert.True(t, ShouldDiagnose(apperr.NoArtifacts))
	assert.False(t, ShouldDiagnose(apperr.Timeout))
	assert.False(t, ShouldDiagnose(apperr.WorkingTreeDirty))
	assert.False(t, ShouldDiagnose(apperr.Cancelled))
}
