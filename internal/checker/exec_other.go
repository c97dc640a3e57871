//go:build !unix

package checker

import "os/exec"

// killProcessGroup is a no-op where process groups are unavailable; the
// default Cancel kills only the direct child and WaitDelay bounds the rest.
func killProcessGroup(*exec.Cmd) {}
