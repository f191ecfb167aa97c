package version

import (
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet_Defaults(t *testing.T) {
	b := Get()
	assert.Equal(t, "dev", b.Version)
	assert.Equal(t, runtime.Version(), b.GoVersion)
	// тестовый бинарь собирается без VCS-меток
	assert.NotEmpty(t, b.Commit)
	assert.NotEmpty(t, b.Date)
	assert.Contains(t, b.String(), "chicplay dev")
}

func TestFillFromVCS(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "abc123"},
		{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	}

	var b Build
	fillFromVCS(&b, settings)
	assert.Equal(t, "abc123-dirty", b.Commit)
	assert.Equal(t, "2026-10-01T12:00:00Z", b.Date)

	// значения из ldflags не перезаписываются
	pinned := Build{Commit: "release", Date: "today"}
	fillFromVCS(&pinned, settings[:2])
	assert.Equal(t, "release", pinned.Commit)
	assert.Equal(t, "today", pinned.Date)
}
