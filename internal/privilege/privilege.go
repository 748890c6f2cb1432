// Package privilege answers whether the process may mutate machine-wide
// state such as HKLM and network adapter settings.
package privilege

import (
	"errors"
	"runtime"

	"github.com/midnight/agent/internal/fault"
)

// IsElevated reports whether the current process runs with administrator
// rights. It is a variable so tests can pin the answer.
var IsElevated = isElevated

// Ensure returns a KindPermissionDenied error when the process is not
// elevated.
func Ensure() error {
	if IsElevated() {
		return nil
	}
	return fault.New(fault.KindPermissionDenied, "elevation check", runtime.GOOS,
		errors.New(hint()))
}
