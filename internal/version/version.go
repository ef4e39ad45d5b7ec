// Package version reports the build identity of the knowhow binary.
package version

import (
	"runtime/debug"
	"strconv"
	"strings"
)

// Set at build time with -ldflags "-X knowhow/internal/version.Version=v1.2.3".
var (
	Version   = "dev"
	Built     = ""
	GitCommit = ""
)

type VersionInfo struct {
	Version   string `json:"version"`
	Major     int    `json:"major"`
	Minor     int    `json:"minor"`
	Patch     int    `json:"patch"`
	Built     string `json:"built,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
}

var readBuildInfo = debug.ReadBuildInfo

func GetVersionInfo() VersionInfo {
	info := VersionInfo{
		Version:   Version,
		Built:     Built,
		GitCommit: GitCommit,
	}
	if info.GitCommit == "" || info.Built == "" {
		fillFromBuildInfo(&info)
	}
	info.Major, info.Minor, info.Patch = parseSemver(info.Version)
	return info
}

// String renders the one-line form printed by `knowhow version`.
func (info VersionInfo) String() string {
	var builder strings.Builder
	builder.WriteString("knowhow ")
	builder.WriteString(info.Version)
	if info.GitCommit != "" {
		builder.WriteString(" (")
		builder.WriteString(shortCommit(info.GitCommit))
		builder.WriteString(")")
	}
	if info.Built != "" {
		builder.WriteString(" built ")
		builder.WriteString(info.Built)
	}
	return builder.String()
}

func fillFromBuildInfo(info *VersionInfo) {
	build, ok := readBuildInfo()
	if !ok || build == nil {
		return
	}
	for _, setting := range build.Settings {
		switch setting.Key {
		case "vcs.revision":
			if info.GitCommit == "" {
				info.GitCommit = setting.Value
			}
		case "vcs.time":
			if info.Built == "" {
				info.Built = setting.Value
			}
		}
	}
}

// parseSemver accepts "v1.2.3", "1.2" or "1.2.3-rc.1+meta"; anything
// unparseable yields zeros.
func parseSemver(value string) (int, int, int) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "v")
	if cut := strings.IndexAny(value, "-+"); cut >= 0 {
		value = value[:cut]
	}
	parts := strings.SplitN(value, ".", 3)
	numbers := [3]int{}
	for i, part := range parts {
		parsed, err := strconv.Atoi(part)
		if err != nil || parsed < 0 {
			return 0, 0, 0
		}
		numbers[i] = parsed
	}
	return numbers[0], numbers[1], numbers[2]
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
