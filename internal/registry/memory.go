package registry

import (
	"strings"
	"sync"

	"github.com/midnight/agent/internal/fault"
)

type memEntry struct {
	name  string
	value Value
}

type memKey struct {
	path   string // original casing
	values map[string]memEntry
}

// MemoryBackend is an in-process Backend. It backs tests and offline planning
// on hosts without a Windows registry, and can be told to fail specific
// addresses.
type MemoryBackend struct {
	mu     sync.Mutex
	keys   map[string]*memKey // hive\lower(path)
	faults map[Address]error
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		keys:   make(map[string]*memKey),
		faults: make(map[Address]error),
	}
}

func memKeyID(hive Hive, path string) string {
	return hive.String() + `\` + strings.ToLower(cleanPath(path))
}

// FailOn makes every Set and DeleteValue on addr return err until cleared
// with FailOn(addr, nil).
func (m *MemoryBackend) FailOn(addr Address, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, addr.id())
		return
	}
	m.faults[addr.id()] = err
}

func (m *MemoryBackend) Get(addr Address) (Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[memKeyID(addr.Hive, addr.Path)]
	if !ok {
		return Value{}, fault.New(fault.KindNotFound, "read", addr.String(), nil)
	}
	e, ok := k.values[strings.ToLower(addr.Name)]
	if !ok {
		return Value{}, fault.New(fault.KindNotFound, "read", addr.String(), nil)
	}
	return cloneValue(e.value), nil
}

func (m *MemoryBackend) Set(addr Address, v Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faults[addr.id()]; err != nil {
		return err
	}
	k := m.ensureKey(addr.Hive, addr.Path)
	k.values[strings.ToLower(addr.Name)] = memEntry{name: addr.Name, value: cloneValue(v)}
	return nil
}

func (m *MemoryBackend) DeleteValue(addr Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faults[addr.id()]; err != nil {
		return err
	}
	k, ok := m.keys[memKeyID(addr.Hive, addr.Path)]
	if !ok {
		return fault.New(fault.KindNotFound, "delete", addr.String(), nil)
	}
	name := strings.ToLower(addr.Name)
	if _, ok := k.values[name]; !ok {
		return fault.New(fault.KindNotFound, "delete", addr.String(), nil)
	}
	delete(k.values, name)
	return nil
}

func (m *MemoryBackend) Values(hive Hive, path string) (map[string]Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[memKeyID(hive, path)]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "list", hive.String()+`\`+cleanPath(path), nil)
	}
	out := make(map[string]Value, len(k.values))
	for _, e := range k.values {
		out[e.name] = cloneValue(e.value)
	}
	return out, nil
}

func (m *MemoryBackend) SubKeys(hive Hive, path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parentID := memKeyID(hive, path)
	if _, ok := m.keys[parentID]; !ok {
		return nil, fault.New(fault.KindNotFound, "enumerate", hive.String()+`\`+cleanPath(path), nil)
	}
	prefix := parentID + `\`
	seen := make(map[string]bool)
	var names []string
	for id, k := range m.keys {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		rest := id[len(prefix):]
		if strings.Contains(rest, `\`) {
			continue
		}
		segs := strings.Split(k.path, `\`)
		name := segs[len(segs)-1]
		if !seen[rest] {
			seen[rest] = true
			names = append(names, name)
		}
	}
	return names, nil
}

// ensureKey creates the key and every missing ancestor, like RegCreateKeyEx.
func (m *MemoryBackend) ensureKey(hive Hive, path string) *memKey {
	segs := strings.Split(cleanPath(path), `\`)
	var k *memKey
	for i := range segs {
		p := strings.Join(segs[:i+1], `\`)
		id := memKeyID(hive, p)
		if existing, ok := m.keys[id]; ok {
			k = existing
			continue
		}
		k = &memKey{path: p, values: make(map[string]memEntry)}
		m.keys[id] = k
	}
	return k
}

func cloneValue(v Value) Value {
	switch d := v.Data.(type) {
	case []byte:
		v.Data = append([]byte(nil), d...)
	case []string:
		v.Data = append([]string(nil), d...)
	}
	return v
}
