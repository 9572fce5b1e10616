package cmd

import (
	"fmt"
	"runtime/debug"
)

// Version is overridden at build time via
// -ldflags "-X github.com/porterhq/porter/cmd.Version=v1.2.3".
var Version = "dev"

// versionString resolves the displayed version: the ldflags value when set,
// otherwise whatever the module build info carries.
func versionString() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

// runVersion prints version information.
func runVersion() {
	fmt.Printf("porter %s\n", versionString())
}
