//go:build windows

package registry

import (
	"errors"

	"golang.org/x/sys/windows"
	winreg "golang.org/x/sys/windows/registry"

	"github.com/midnight/agent/internal/fault"
)

// WindowsBackend talks to the live registry. Keys are opened with
// WOW64_64KEY so a 32-bit build sees the same values as the OS.
type WindowsBackend struct{}

// NewSystemBackend returns the live registry backend.
func NewSystemBackend() (Backend, error) {
	return WindowsBackend{}, nil
}

func rootKey(h Hive) (winreg.Key, error) {
	switch h {
	case LocalMachine:
		return winreg.LOCAL_MACHINE, nil
	case CurrentUser:
		return winreg.CURRENT_USER, nil
	case Users:
		return winreg.USERS, nil
	case ClassesRoot:
		return winreg.CLASSES_ROOT, nil
	case CurrentConfig:
		return winreg.CURRENT_CONFIG, nil
	}
	return 0, fault.New(fault.KindInvalid, "open", h.String(), errors.New("unknown hive"))
}

func translate(op, subject string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, winreg.ErrNotExist):
		return fault.New(fault.KindNotFound, op, subject, nil)
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		return fault.New(fault.KindPermissionDenied, op, subject, err)
	}
	return fault.New(fault.KindUnknown, op, subject, err)
}

func openKey(hive Hive, path string, access uint32) (winreg.Key, error) {
	root, err := rootKey(hive)
	if err != nil {
		return 0, err
	}
	return winreg.OpenKey(root, cleanPath(path), access|winreg.WOW64_64KEY)
}

func (WindowsBackend) Get(addr Address) (Value, error) {
	k, err := openKey(addr.Hive, addr.Path, winreg.QUERY_VALUE)
	if err != nil {
		return Value{}, translate("read", addr.String(), err)
	}
	defer k.Close()

	_, vt, err := k.GetValue(addr.Name, nil)
	if err != nil {
		return Value{}, translate("read", addr.String(), err)
	}

	switch vt {
	case winreg.SZ, winreg.EXPAND_SZ:
		s, _, err := k.GetStringValue(addr.Name)
		if err != nil {
			return Value{}, translate("read", addr.String(), err)
		}
		return Value{Data: s, Type: ValueType(vt)}, nil
	case winreg.DWORD, winreg.QWORD:
		n, _, err := k.GetIntegerValue(addr.Name)
		if err != nil {
			return Value{}, translate("read", addr.String(), err)
		}
		return Value{Data: n, Type: ValueType(vt)}, nil
	case winreg.BINARY:
		b, _, err := k.GetBinaryValue(addr.Name)
		if err != nil {
			return Value{}, translate("read", addr.String(), err)
		}
		return Binary(b), nil
	case winreg.MULTI_SZ:
		ss, _, err := k.GetStringsValue(addr.Name)
		if err != nil {
			return Value{}, translate("read", addr.String(), err)
		}
		return Strings(ss...), nil
	}
	return Value{}, fault.New(fault.KindInvalid, "read", addr.String(),
		errors.New("unsupported value type "+ValueType(vt).String()))
}

func (WindowsBackend) Set(addr Address, v Value) error {
	root, err := rootKey(addr.Hive)
	if err != nil {
		return err
	}
	k, _, err := winreg.CreateKey(root, cleanPath(addr.Path), winreg.SET_VALUE|winreg.WOW64_64KEY)
	if err != nil {
		return translate("write", addr.String(), err)
	}
	defer k.Close()

	switch v.Type {
	case REG_SZ:
		err = k.SetStringValue(addr.Name, v.Data.(string))
	case REG_EXPAND_SZ:
		err = k.SetExpandStringValue(addr.Name, v.Data.(string))
	case REG_DWORD:
		err = k.SetDWordValue(addr.Name, uint32(v.Data.(uint64)))
	case REG_QWORD:
		err = k.SetQWordValue(addr.Name, v.Data.(uint64))
	case REG_BINARY:
		err = k.SetBinaryValue(addr.Name, v.Data.([]byte))
	case REG_MULTI_SZ:
		err = k.SetStringsValue(addr.Name, v.Data.([]string))
	default:
		return fault.New(fault.KindInvalid, "write", addr.String(), errors.New("unsupported value type"))
	}
	return translate("write", addr.String(), err)
}

func (WindowsBackend) DeleteValue(addr Address) error {
	k, err := openKey(addr.Hive, addr.Path, winreg.SET_VALUE)
	if err != nil {
		return translate("delete", addr.String(), err)
	}
	defer k.Close()
	return translate("delete", addr.String(), k.DeleteValue(addr.Name))
}

func (b WindowsBackend) Values(hive Hive, path string) (map[string]Value, error) {
	subject := hive.String() + `\` + cleanPath(path)
	k, err := openKey(hive, path, winreg.QUERY_VALUE)
	if err != nil {
		return nil, translate("list", subject, err)
	}
	names, err := k.ReadValueNames(-1)
	k.Close()
	if err != nil {
		return nil, translate("list", subject, err)
	}

	out := make(map[string]Value, len(names))
	for _, name := range names {
		v, err := b.Get(At(hive, path, name))
		if err != nil {
			// Value types we do not model are skipped rather than failing the listing.
			if fault.Is(err, fault.KindInvalid) {
				continue
			}
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func (WindowsBackend) SubKeys(hive Hive, path string) ([]string, error) {
	subject := hive.String() + `\` + cleanPath(path)
	k, err := openKey(hive, path, winreg.ENUMERATE_SUB_KEYS)
	if err != nil {
		return nil, translate("enumerate", subject, err)
	}
	defer k.Close()
	names, err := k.ReadSubKeyNames(-1)
	return names, translate("enumerate", subject, err)
}
