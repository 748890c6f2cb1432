//go:build !windows

package registry

import (
	"errors"
	"runtime"

	"github.com/midnight/agent/internal/fault"
)

// NewSystemBackend fails on hosts without a Windows registry.
func NewSystemBackend() (Backend, error) {
	return nil, fault.New(fault.KindNotFound, "open registry", runtime.GOOS,
		errors.New("the system registry is only available on windows"))
}
