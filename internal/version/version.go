// Package version хранит сведения о сборке, проставляемые через -ldflags -X.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

// Build — версия бинаря.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

// Get возвращает сведения о сборке. Без ldflags коммит и дата берутся
// из VCS-меток, которые go build кладёт в бинарь.
func Get() Build {
	b := Build{Version: version, Commit: commit, Date: date, GoVersion: runtime.Version()}
	if info, ok := debug.ReadBuildInfo(); ok {
		fillFromVCS(&b, info.Settings)
	}
	if b.Commit == "" {
		b.Commit = "unknown"
	}
	if b.Date == "" {
		b.Date = "unknown"
	}
	return b
}

func fillFromVCS(b *Build, settings []debug.BuildSetting) {
	dirty := false
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "" {
				b.Commit = s.Value
			}
		case "vcs.time":
			if b.Date == "" {
				b.Date = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if dirty && b.Commit != "" && commit == "" {
		b.Commit += "-dirty"
	}
}

func (b Build) String() string {
	return fmt.Sprintf("chicplay %s (commit %s, built %s, %s)", b.Version, b.Commit, b.Date, b.GoVersion)
}
