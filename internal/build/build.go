// Package build carries build-time metadata injected via ldflags.
package build

import "strings"

var (
	Version = "dev"
	AppName = "Synapse"
	Slug    = ""
)

func init() {
	if Slug == "" {
		Slug = strings.ToLower(AppName)
	}
}
