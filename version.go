package sambung

import (
	"runtime"
	"runtime/debug"
)

const modulePath = "github.com/ambiyansyah-risyal/sambung"

// Version overrides the reported library version when set, typically via
// -ldflags "-X github.com/ambiyansyah-risyal/sambung.Version=...".
var Version = ""

// BuildInfo identifies the library build linked into a binary.
type BuildInfo struct {
	Version   string
	GoVersion string
}

// ReadBuildInfo reports the linked library version. Without an override it
// uses the module version recorded in the binary, or "devel".
func ReadBuildInfo() BuildInfo {
	info := BuildInfo{Version: Version, GoVersion: runtime.Version()}
	if info.Version != "" {
		return info
	}
	info.Version = "devel"

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	mod := &bi.Main
	for _, dep := range bi.Deps {
		if dep.Path == modulePath {
			mod = dep
			break
		}
	}
	if mod.Replace != nil {
		mod = mod.Replace
	}
	if mod.Path == modulePath && mod.Version != "" && mod.Version != "(devel)" {
		info.Version = mod.Version
	}
	return info
}

func (b BuildInfo) String() string {
	return "sambung " + b.Version + " (" + b.GoVersion + ")"
}
