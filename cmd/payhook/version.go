package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// Set with -ldflags "-X main.version=... -X main.gitCommit=... -X main.buildDate=...".
// Unset values fall back to the VCS stamp the toolchain embeds.
var (
	version   = "0.1.0-dev"
	gitCommit = ""
	buildDate = ""
)

const unknownBuildValue = "unknown"

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Modified  bool   `json:"modified,omitempty"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: payhook version [--json]")
		return 1
	}

	info := resolveVersion(vcsStamp())
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	commit := info.Commit
	if info.Modified {
		commit += " (modified)"
	}
	fmt.Printf("payhook %s\n", info.Version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	fmt.Printf("go: %s\n", info.GoVersion)
	return 0
}

// vcsStamp returns the vcs.* settings embedded by the toolchain, if any.
func vcsStamp() map[string]string {
	stamp := map[string]string{}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return stamp
	}
	for _, s := range bi.Settings {
		if strings.HasPrefix(s.Key, "vcs.") {
			stamp[s.Key] = s.Value
		}
	}
	return stamp
}

// resolveVersion prefers linker-injected values over the VCS stamp.
func resolveVersion(stamp map[string]string) versionInfo {
	info := versionInfo{
		Version:   firstSet(version, "0.0.0-dev"),
		Commit:    firstSet(gitCommit, stamp["vcs.revision"]),
		BuildTime: unknownBuildValue,
		GoVersion: runtime.Version(),
	}
	switch {
	case info.Commit == "":
		info.Commit = unknownBuildValue
	case len(info.Commit) > 12:
		info.Commit = info.Commit[:12]
	}
	if gitCommit == "" {
		info.Modified = stamp["vcs.modified"] == "true"
	}
	if t, err := time.Parse(time.RFC3339Nano, firstSet(buildDate, stamp["vcs.time"])); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" && v != unknownBuildValue {
			return v
		}
	}
	return ""
}
