package netadapter

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/midnight/agent/internal/fault"
	"github.com/midnight/agent/internal/registry"
)

type fakeNIC struct {
	hw       MAC
	override *MAC
	enabled  bool
	guid     string
	desc     string
	subkey   string
}

// fakeController models adapters whose effective address is the OS-level
// override, then the registry NetworkAddress value, then the burned-in one.
type fakeController struct {
	mu   sync.Mutex
	be   *registry.MemoryBackend
	nics map[string]*fakeNIC

	disableErr     error
	enableFailures int   // Enable fails this many times
	enableErr      error // returned for those failures
	guidErr        error
	fallbackErr    error
	resetErr       error
	ignoreRegistry bool

	disables, enables int
}

func newFakeController(be *registry.MemoryBackend) *fakeController {
	return &fakeController{be: be, nics: make(map[string]*fakeNIC)}
}

func (f *fakeController) add(name string, hw MAC, guid, desc, subkey string) {
	f.nics[strings.ToLower(name)] = &fakeNIC{hw: hw, enabled: true, guid: guid, desc: desc, subkey: subkey}
	path := registry.JoinPath(ClassKey, subkey)
	_ = f.be.Set(registry.At(registry.LocalMachine, path, "NetCfgInstanceId"), registry.String(guid))
	_ = f.be.Set(registry.At(registry.LocalMachine, path, "DriverDesc"), registry.String(desc))
}

func (f *fakeController) nic(name string) (*fakeNIC, error) {
	n, ok := f.nics[strings.ToLower(name)]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "adapter", name, nil)
	}
	return n, nil
}

func (f *fakeController) Disable(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disables++
	if f.disableErr != nil {
		return f.disableErr
	}
	n, err := f.nic(name)
	if err != nil {
		return err
	}
	n.enabled = false
	return nil
}

func (f *fakeController) Enable(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enables++
	if f.enableFailures > 0 {
		f.enableFailures--
		return f.enableErr
	}
	n, err := f.nic(name)
	if err != nil {
		return err
	}
	n.enabled = true
	return nil
}

func (f *fakeController) InterfaceGUID(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.guidErr != nil {
		return "", f.guidErr
	}
	n, err := f.nic(name)
	if err != nil {
		return "", err
	}
	return n.guid, nil
}

func (f *fakeController) SetMACFallback(_ context.Context, name string, mac MAC) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fallbackErr != nil {
		return f.fallbackErr
	}
	n, err := f.nic(name)
	if err != nil {
		return err
	}
	n.override = &mac
	return nil
}

func (f *fakeController) ResetMACFallback(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetErr != nil {
		return f.resetErr
	}
	n, err := f.nic(name)
	if err != nil {
		return err
	}
	n.override = nil
	return nil
}

func (f *fakeController) CurrentMAC(_ context.Context, name string) (MAC, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.nic(name)
	if err != nil {
		return MAC{}, err
	}
	if n.override != nil {
		return *n.override, nil
	}
	if !f.ignoreRegistry {
		v, err := f.be.Get(registry.At(registry.LocalMachine, registry.JoinPath(ClassKey, n.subkey), NetworkAddressValue))
		if err == nil {
			if s, ok := v.AsString(); ok {
				if m, err := ParseMAC(s); err == nil {
					return m, nil
				}
			}
		}
	}
	return n.hw, nil
}

func (f *fakeController) Interfaces(context.Context) ([]Interface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Interface
	for name, n := range f.nics {
		out = append(out, Interface{Name: name, Description: n.desc, MAC: n.hw.String(), Up: n.enabled})
	}
	return out, nil
}

func (f *fakeController) isEnabled(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.nic(name)
	return err == nil && n.enabled
}

var errBoom = errors.New("boom")
