package orchestrator

import (
	"fmt"
	"strings"

	"github.com/midnight/agent/internal/fault"
)

// Module is one toggleable step of a session.
type Module int

const (
	ModuleCleanup Module = iota + 1
	ModuleMAC
	ModuleIdentifiers
)

// Modules lists every module in execution order.
var Modules = []Module{ModuleCleanup, ModuleMAC, ModuleIdentifiers}

func (m Module) String() string {
	switch m {
	case ModuleCleanup:
		return "cleanup"
	case ModuleMAC:
		return "mac"
	case ModuleIdentifiers:
		return "identifiers"
	}
	return fmt.Sprintf("module(%d)", int(m))
}

// ParseModule accepts the CLI names as well as the toggle labels shown to
// users ("NEW MAC", "HWID").
func ParseModule(s string) (Module, error) {
	switch strings.ToLower(strings.Join(strings.Fields(s), " ")) {
	case "cleanup", "clean", "cache", "cleaner":
		return ModuleCleanup, nil
	case "mac", "new mac", "mac spoof":
		return ModuleMAC, nil
	case "identifiers", "ids", "guid", "hwid", "new guid":
		return ModuleIdentifiers, nil
	}
	return 0, fault.New(fault.KindInvalid, "parse module", s, nil)
}

// Request is one session's input: which modules run and, for the MAC step,
// the adapter and address selection.
type Request struct {
	Modules   map[Module]bool
	Interface string
	Vendor    string
	MAC       string
}

// Enabled reports whether m runs. Cleanup runs unless explicitly disabled;
// the other modules run only when switched on.
func (r Request) Enabled(m Module) bool {
	on, set := r.Modules[m]
	if m == ModuleCleanup && !set {
		return true
	}
	return on
}

// Callbacks are the session lifecycle hooks. Any of them may be nil.
type Callbacks struct {
	OnStart   func()
	OnSuccess func()
	OnFailure func(reason string)
	OnFinish  func()
}

func (c Callbacks) start() {
	if c.OnStart != nil {
		c.OnStart()
	}
}

func (c Callbacks) success() {
	if c.OnSuccess != nil {
		c.OnSuccess()
	}
}

func (c Callbacks) failure(reason string) {
	if c.OnFailure != nil {
		c.OnFailure(reason)
	}
}

func (c Callbacks) finish() {
	if c.OnFinish != nil {
		c.OnFinish()
	}
}
