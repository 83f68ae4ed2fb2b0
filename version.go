package boxlite

import "runtime/debug"

// VersionInfo is the module's own build identity, surfaced so an embedder
// can log or report exactly which boxlite build it's running against. Built
// from debug.ReadBuildInfo; go-cmp isn't part of this module's dependency
// surface, so Equal compares the handful of fields it cares about directly.
type VersionInfo struct {
	ModulePath string `json:"modulePath,omitempty"`
	ModuleSum  string `json:"moduleSum,omitempty"`
	GoVersion  string `json:"goVersion,omitempty"`
}

// Version returns the running build's identity.
func Version() VersionInfo {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return VersionInfo{}
	}
	return VersionInfo{
		ModulePath: bi.Main.Path,
		ModuleSum:  bi.Main.Sum,
		GoVersion:  bi.GoVersion,
	}
}

// Equal reports whether two VersionInfo values describe the same build.
func (v VersionInfo) Equal(other VersionInfo) bool {
	return v.ModulePath == other.ModulePath &&
		v.ModuleSum == other.ModuleSum &&
		v.GoVersion == other.GoVersion
}
