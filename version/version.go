// Package version reports the gatekeeper build and the versions of its key
// dependencies.
package version

import (
	"runtime/debug"
	"sort"
)

// ModulePath is the gatekeeper module path.
const ModulePath = "gatekeeper.evalgo.org"

// Version and Commit are set with -ldflags "-X gatekeeper.evalgo.org/version.Version=...".
var (
	Version = ""
	Commit  = ""
)

// DependencyInfo represents a module dependency and its version
type DependencyInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// BuildInfo contains build-time information
type BuildInfo struct {
	Version      string           `json:"version"`
	Commit       string           `json:"commit,omitempty"`
	GoVersion    string           `json:"goVersion"`
	MainModule   string           `json:"mainModule"`
	Dependencies []DependencyInfo `json:"dependencies"`
}

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// Get returns the gatekeeper version: the ldflags value, else the module
// version embedded by the go tool, else "dev".
func Get() string {
	if Version != "" {
		return Version
	}
	info, ok := readBuildInfo()
	if !ok {
		return "unknown"
	}
	if info.Main.Path == ModulePath && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// GetBuildInfo extracts build information from the current binary.
// Dependencies are sorted by path.
func GetBuildInfo() *BuildInfo {
	info, ok := readBuildInfo()
	if !ok {
		return &BuildInfo{
			Version:      Get(),
			Commit:       Commit,
			GoVersion:    "unknown",
			MainModule:   "unknown",
			Dependencies: []DependencyInfo{},
		}
	}

	buildInfo := &BuildInfo{
		Version:      Get(),
		Commit:       Commit,
		GoVersion:    info.GoVersion,
		MainModule:   info.Path,
		Dependencies: make([]DependencyInfo, 0, len(info.Deps)),
	}
	if buildInfo.Commit == "" {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				buildInfo.Commit = s.Value
			}
		}
	}

	for _, dep := range info.Deps {
		buildInfo.Dependencies = append(buildInfo.Dependencies, toDependencyInfo(dep))
	}
	sort.Slice(buildInfo.Dependencies, func(i, j int) bool {
		return buildInfo.Dependencies[i].Path < buildInfo.Dependencies[j].Path
	})

	return buildInfo
}

// GetDependency returns version information for a specific dependency,
// or nil when it is not linked into the binary.
func GetDependency(modulePath string) *DependencyInfo {
	info, ok := readBuildInfo()
	if !ok {
		return nil
	}
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			d := toDependencyInfo(dep)
			return &d
		}
	}
	return nil
}

func toDependencyInfo(dep *debug.Module) DependencyInfo {
	d := DependencyInfo{Path: dep.Path, Version: dep.Version}
	if dep.Replace != nil {
		d.Replace = dep.Replace.Path + "@" + dep.Replace.Version
	}
	return d
}
