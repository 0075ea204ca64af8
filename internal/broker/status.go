package broker

import (
	"runtime"
	"runtime/debug"
)

const develVersion = "devel"

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	BuiltAt   string `json:"built,omitempty"`
	GoVersion string `json:"goVersion"`
}

// Status is the getStatus payload.
type Status struct {
	Build BuildInfo `json:"build"`
}

// ReadBuildInfo reads version data stamped into the binary by the Go
// toolchain. Unstamped builds report "devel".
func ReadBuildInfo() BuildInfo {
	info := BuildInfo{Version: develVersion, GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if v := bi.Main.Version; v != "" && v != "(devel)" {
		info.Version = v
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Revision = s.Value
		case "vcs.time":
			info.BuiltAt = s.Value
		}
	}
	return info
}

// GetStatus answers without touching session state.
func (b *Broker) GetStatus() Status {
	return Status{Build: b.cfg.Build}
}
