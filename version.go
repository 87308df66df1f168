package mautrix

import (
	"fmt"
	"regexp"
	"runtime"
	"strings"
)

const Version = "v0.3.0"

var GoModVersion = ""
var Commit = ""
var VersionWithCommit = Version

var DefaultUserAgent = "mautrix-keybackup/" + Version + " go/" + strings.TrimPrefix(runtime.Version(), "go")

var goModVersionRegex = regexp.MustCompile(`v.+\d{14}-([0-9a-f]{12})`)

func init() {
	if GoModVersion != "" {
		match := goModVersionRegex.FindStringSubmatch(GoModVersion)
		if match != nil {
			Commit = match[1]
		}
	}
	if Commit != "" {
		VersionWithCommit = fmt.Sprintf("%s+dev.%s", Version, Commit[:8])
		DefaultUserAgent = strings.Replace(DefaultUserAgent, "mautrix-keybackup/"+Version, "mautrix-keybackup/"+VersionWithCommit, 1)
	}
}
