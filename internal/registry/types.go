package registry

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/midnight/agent/internal/fault"
)

// Hive is a top-level registry namespace root.
type Hive uint8

const (
	HiveUnknown Hive = iota
	LocalMachine
	CurrentUser
	Users
	ClassesRoot
	CurrentConfig
)

func (h Hive) String() string {
	switch h {
	case LocalMachine:
		return "HKLM"
	case CurrentUser:
		return "HKCU"
	case Users:
		return "HKU"
	case ClassesRoot:
		return "HKCR"
	case CurrentConfig:
		return "HKCC"
	default:
		return fmt.Sprintf("HIVE_%d", uint8(h))
	}
}

// ParseHive accepts both the short (HKLM) and long (HKEY_LOCAL_MACHINE) forms.
func ParseHive(s string) (Hive, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HKLM", "HKEY_LOCAL_MACHINE":
		return LocalMachine, nil
	case "HKCU", "HKEY_CURRENT_USER":
		return CurrentUser, nil
	case "HKU", "HKEY_USERS":
		return Users, nil
	case "HKCR", "HKEY_CLASSES_ROOT":
		return ClassesRoot, nil
	case "HKCC", "HKEY_CURRENT_CONFIG":
		return CurrentConfig, nil
	}
	return HiveUnknown, fault.New(fault.KindInvalid, "parse hive", s, nil)
}

// ValueType enumerates the registry value types the store handles. The numbers
// align with the Windows definitions.
type ValueType uint32

const (
	REG_NONE      ValueType = 0
	REG_SZ        ValueType = 1
	REG_EXPAND_SZ ValueType = 2
	REG_BINARY    ValueType = 3
	REG_DWORD     ValueType = 4
	REG_MULTI_SZ  ValueType = 7
	REG_QWORD     ValueType = 11
)

func (t ValueType) String() string {
	switch t {
	case REG_NONE:
		return "REG_NONE"
	case REG_SZ:
		return "REG_SZ"
	case REG_EXPAND_SZ:
		return "REG_EXPAND_SZ"
	case REG_BINARY:
		return "REG_BINARY"
	case REG_DWORD:
		return "REG_DWORD"
	case REG_MULTI_SZ:
		return "REG_MULTI_SZ"
	case REG_QWORD:
		return "REG_QWORD"
	default:
		return fmt.Sprintf("UNKNOWN_TYPE_%d", int32(t))
	}
}

// Address uniquely identifies one registry value. Path and name compare
// case-insensitively, as on Windows.
type Address struct {
	Hive Hive
	Path string
	Name string
}

// At is shorthand for building an address.
func At(hive Hive, path, name string) Address {
	return Address{Hive: hive, Path: path, Name: name}
}

// Key returns "<hive>\<path>", the form used as the key of backup documents.
func (a Address) Key() string {
	return a.Hive.String() + `\` + cleanPath(a.Path)
}

func (a Address) String() string {
	return a.Key() + "::" + a.Name
}

// id is the canonical map key for an address.
func (a Address) id() Address {
	return Address{
		Hive: a.Hive,
		Path: strings.ToLower(cleanPath(a.Path)),
		Name: strings.ToLower(a.Name),
	}
}

func (a Address) validate() error {
	if a.Hive == HiveUnknown || a.Hive > CurrentConfig {
		return fault.New(fault.KindInvalid, "address", a.String(), fmt.Errorf("unknown hive"))
	}
	if cleanPath(a.Path) == "" {
		return fault.New(fault.KindInvalid, "address", a.String(), fmt.Errorf("empty key path"))
	}
	return nil
}

func cleanPath(p string) string {
	p = strings.ReplaceAll(p, "/", `\`)
	return strings.Trim(p, `\`)
}

// joinPath joins key path segments with the registry separator.
func joinPath(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for _, e := range elem {
		if e = cleanPath(e); e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, `\`)
}

// JoinPath is the exported form of joinPath for callers building child keys.
func JoinPath(elem ...string) string { return joinPath(elem...) }

// Value is typed registry data. Data holds a string for REG_SZ and
// REG_EXPAND_SZ, a uint64 for REG_DWORD and REG_QWORD, []byte for REG_BINARY
// and []string for REG_MULTI_SZ.
type Value struct {
	Data any
	Type ValueType
}

func String(s string) Value { return Value{Data: s, Type: REG_SZ} }
func ExpandString(s string) Value { return Value{Data: s, Type: REG_EXPAND_SZ} }
func DWord(v uint32) Value { return Value{Data: uint64(v), Type: REG_DWORD} }
func QWord(v uint64) Value { return Value{Data: v, Type: REG_QWORD} }
func Binary(b []byte) Value { return Value{Data: append([]byte(nil), b...), Type: REG_BINARY} }
func Strings(ss ...string) Value { return Value{Data: append([]string(nil), ss...), Type: REG_MULTI_SZ} }

// AsString returns the data of a string-typed value.
func (v Value) AsString() (string, bool) {
	s, ok := v.Data.(string)
	return s, ok
}

// Equal compares type and data.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch a := v.Data.(type) {
	case string:
		b, ok := o.Data.(string)
		return ok && a == b
	case uint64:
		b, ok := o.Data.(uint64)
		return ok && a == b
	case []byte:
		b, ok := o.Data.([]byte)
		return ok && bytes.Equal(a, b)
	case []string:
		b, ok := o.Data.([]string)
		if !ok || len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	}
	return false
}

// normalize coerces Data into the canonical Go type for Type.
func (v Value) normalize() (Value, error) {
	bad := func() (Value, error) {
		return Value{}, fault.New(fault.KindInvalid, "value", v.Type.String(),
			fmt.Errorf("data of type %T does not fit", v.Data))
	}
	switch v.Type {
	case REG_SZ, REG_EXPAND_SZ:
		if _, ok := v.Data.(string); !ok {
			return bad()
		}
	case REG_DWORD, REG_QWORD:
		var n uint64
		switch d := v.Data.(type) {
		case uint64:
			n = d
		case uint32:
			n = uint64(d)
		case int:
			if d < 0 {
				return bad()
			}
			n = uint64(d)
		case int64:
			if d < 0 {
				return bad()
			}
			n = uint64(d)
		case float64:
			if d < 0 {
				return bad()
			}
			n = uint64(d)
		default:
			return bad()
		}
		if v.Type == REG_DWORD && n > 0xFFFFFFFF {
			return bad()
		}
		v.Data = n
	case REG_BINARY:
		if _, ok := v.Data.([]byte); !ok {
			return bad()
		}
	case REG_MULTI_SZ:
		if _, ok := v.Data.([]string); !ok {
			return bad()
		}
	default:
		return Value{}, fault.New(fault.KindInvalid, "value", v.Type.String(), fmt.Errorf("unsupported value type"))
	}
	return v, nil
}

func truncate(v any, max int) string {
	s := fmt.Sprint(v)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
