package main

import (
	"runtime/debug"

	"github.com/apexion-ai/agentloop/cmd"
)

// Set via ldflags:
// go build -ldflags "-X main.version=0.1.0 -X main.commit=abc1234 -X main.date=2026-10-01"
var (
	version = "0.1.0"
	commit  = "none"
	date    = "unknown"
)

func init() {
	if commit == "none" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" && len(s.Value) >= 7 {
					commit = s.Value[:7]
					break
				}
			}
		}
	}
}

func main() {
	cmd.Execute(version, commit, date)
}
