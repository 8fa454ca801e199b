// Package buildinfo carries version data stamped in with -ldflags -X.
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

// Info reports the stamped values, falling back to the VCS settings the Go
// toolchain embeds when the binary was built without ldflags.
func Info() map[string]string {
	commit, built := Commit, BuiltAt
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	return map[string]string{
		"version": Version,
		"commit":  commit,
		"builtAt": built,
	}
}

func String(name string) string {
	i := Info()
	return fmt.Sprintf("%s %s (commit: %s, built: %s)", name, i["version"], i["commit"], i["builtAt"])
}
