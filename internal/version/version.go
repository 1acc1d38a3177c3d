// Package version reports build metadata set via -ldflags, falling back to
// the VCS stamp in debug.ReadBuildInfo.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

const (
	AppName   = "mdxemit"
	Component = "cli"
)

var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	if out.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		out.Version = bi.Main.Version
	}
	var dirty *bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" && s.Value != "" {
				out.BuildDate = s.Value
			}
			out.CommitDate = s.Value
		case "vcs.modified":
			switch s.Value {
			case "true":
				t := true
				dirty = &t
			case "false":
				f := false
				dirty = &f
			}
		}
	}
	if dirty != nil {
		out.VCSDirty = dirty
	}
	return out
}

// String is the one-line form printed by -V.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (commit %s", AppName, i.Version, shortCommit(i.Commit))
	if i.VCSDirty != nil && *i.VCSDirty {
		b.WriteString(", dirty")
	}
	if i.BuildDate != "" {
		fmt.Fprintf(&b, ", built %s", i.BuildDate)
	}
	if i.GoVersion != "" {
		fmt.Fprintf(&b, ", %s", i.GoVersion)
	}
	b.WriteString(")")
	return b.String()
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}
