package buildinfo

import "runtime/debug"

// version can be set at link time:
// -ldflags "-X github.com/apptrail-sh/bluegreen/internal/buildinfo.version=v1.2.3"
var version string

// Version returns the build version or revision for the running binary.
func Version() string {
	if version != "" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				return setting.Value
			}
		}
	}
	return "dev"
}

// UserAgent identifies outbound HTTP calls.
func UserAgent(component string) string {
	return component + "/" + Version()
}
