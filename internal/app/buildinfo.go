package app

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
)

var (
	// Version is filled by ldflags in release builds.
	Version = "dev"
	// BuildDate is filled by ldflags in release builds.
	BuildDate = ""
)

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// BuildVersion prefers the ldflags version, then the module version recorded by
// "go install", then "dev".
func BuildVersion() string {
	version := strings.TrimSpace(Version)
	if version != "" && version != "dev" {
		return version
	}
	if info, ok := readBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
	}

	return "dev"
}

func BuildDateYMD() string {
	raw := strings.TrimSpace(BuildDate)
	if raw == "" {
		return ""
	}

	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.Format("2006-01-02")
	}

	if len(raw) >= len("2006-01-02") {
		date := raw[:len("2006-01-02")]
		if _, err := time.Parse("2006-01-02", date); err == nil {
			return date
		}
	}

	return raw
}

func BuildVersionWithDate() string {
	version := BuildVersion()
	if buildDate := BuildDateYMD(); buildDate != "" {
		return fmt.Sprintf("%s (%s)", version, buildDate)
	}

	return version
}

// VCSRevision returns the short commit hash embedded by the go toolchain, if any.
func VCSRevision() string {
	info, ok := readBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			if len(setting.Value) > 12 {
				return setting.Value[:12]
			}
			return setting.Value
		}
	}

	return ""
}

// BuildAttrs returns build details for the startup log line.
func BuildAttrs() []any {
	attrs := []any{slog.String("version", BuildVersion())}
	if date := BuildDateYMD(); date != "" {
		attrs = append(attrs, slog.String("build_date", date))
	}
	if rev := VCSRevision(); rev != "" {
		attrs = append(attrs, slog.String("revision", rev))
	}

	return attrs
}
