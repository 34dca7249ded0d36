// Package version reports the attractor build version.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const fallbackModule = "pkt.systems/attractor"

// buildVersion is set via -ldflags "-X pkt.systems/attractor/internal/version.buildVersion=...".
var buildVersion = ""

// VCS is the source control state recorded by the Go toolchain.
type VCS struct {
	Revision string
	Time     time.Time
	Modified bool
}

// Current returns the linker-stamped version, the module version, or a
// pseudo-version derived from VCS settings, in that order.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "v0.0.0-unknown"
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if vcs, ok := vcsFromSettings(info.Settings); ok {
		return vcs.Pseudo()
	}
	return "v0.0.0-unknown"
}

// Module returns the main module path.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return fallbackModule
}

// Pseudo formats v the way the go command formats untagged revisions.
func (v VCS) Pseudo() string {
	rev := v.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	out := "v0.0.0-" + v.Time.UTC().Format("20060102150405") + "-" + rev
	if v.Modified {
		out += "+dirty"
	}
	return out
}

func vcsFromSettings(settings []debug.BuildSetting) (VCS, bool) {
	var (
		vcs     VCS
		rawTime string
	)
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			vcs.Revision = s.Value
		case "vcs.time":
			rawTime = s.Value
		case "vcs.modified":
			vcs.Modified = s.Value == "true"
		}
	}
	if vcs.Revision == "" || rawTime == "" {
		return VCS{}, false
	}
	parsed, err := time.Parse(time.RFC3339, rawTime)
	if err != nil {
		return VCS{}, false
	}
	vcs.Time = parsed
	return vcs, true
}
