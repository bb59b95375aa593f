// Package version formats the version line the CLI tools print.
package version

import (
	"runtime/debug"
	"strings"
)

// String builds a human-friendly version line from ldflags-injected values,
// falling back to Go module build info for any value that is unset or a
// default placeholder.
func String(version string, commit string, date string) string {
	v := strings.TrimSpace(version)
	c := strings.TrimSpace(commit)
	d := strings.TrimSpace(date)

	info, haveInfo := debug.ReadBuildInfo()
	if haveInfo {
		if isPlaceholder(v, "dev", "(devel)") {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
		if isPlaceholder(c, "unknown") {
			if rev := buildSetting(info, "vcs.revision"); rev != "" {
				c = rev
			}
		}
		if isPlaceholder(d, "unknown") {
			if t := buildSetting(info, "vcs.time"); t != "" {
				d = t
			}
		}
	}

	var b strings.Builder
	if v == "" {
		v = "dev"
	}
	b.WriteString(v)
	if c != "" && c != "unknown" {
		b.WriteString(" (")
		b.WriteString(c)
		b.WriteString(")")
	}
	if d != "" && d != "unknown" {
		b.WriteString(" ")
		b.WriteString(d)
	}
	return b.String()
}

func isPlaceholder(v string, placeholders ...string) bool {
	if v == "" {
		return true
	}
	for _, p := range placeholders {
		if v == p {
			return true
		}
	}
	return false
}

func buildSetting(info *debug.BuildInfo, key string) string {
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
