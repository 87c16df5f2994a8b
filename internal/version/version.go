package version

import "strings"

// These values are injected at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info is the build information in structured form.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

func Get() Info {
	return Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
	}
}

// String returns compact human-readable version info.
func String() string {
	info := Get()
	parts := []string{}
	if info.Version != "" {
		parts = append(parts, info.Version)
	}
	if info.Commit != "" {
		parts = append(parts, "commit="+info.Commit)
	}
	if info.Date != "" {
		parts = append(parts, "date="+info.Date)
	}
	return strings.Join(parts, " ")
}
