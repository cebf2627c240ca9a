package version

import (
	"strconv"
	"strings"
)

// Version values are set at build time using -ldflags.
var Version = "dev"
var Built = ""
var GitCommit = ""

type VersionInfo struct {
	Version   string `json:"version"`
	Major     int    `json:"major"`
	Minor     int    `json:"minor"`
	Patch     int    `json:"patch"`
	Built     string `json:"built,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
}

// GetVersionInfo splits Version into its numeric parts. Anything that is not
// a semantic version, such as "dev", reports 0.0.0.
func GetVersionInfo() VersionInfo {
	major, minor, patch := parseSemver(Version)
	return VersionInfo{
		Version:   Version,
		Major:     major,
		Minor:     minor,
		Patch:     patch,
		Built:     Built,
		GitCommit: GitCommit,
	}
}

// String renders the one-line form printed by `promptchain version`.
func (v VersionInfo) String() string {
	var builder strings.Builder
	builder.WriteString("promptchain ")
	builder.WriteString(v.Version)
	if v.GitCommit != "" {
		builder.WriteString(" (" + v.GitCommit + ")")
	}
	if v.Built != "" {
		builder.WriteString(" built " + v.Built)
	}
	return builder.String()
}

// UserAgent identifies outbound HTTP requests.
func UserAgent() string {
	return "promptchain/" + Version
}

func parseSemver(value string) (int, int, int) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "v")
	if cut := strings.IndexAny(value, "-+"); cut >= 0 {
		value = value[:cut]
	}
	parts := strings.Split(value, ".")
	if len(parts) != 3 {
		return 0, 0, 0
	}
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
