//go:build windows

package privilege

import "golang.org/x/sys/windows"

// isElevated checks membership in BUILTIN\Administrators for the process token.
func isElevated() bool {
	var sid *windows.SID

	// Well-known SID S-1-5-32-544. See golang/go#28804.
	err := windows.AllocateAndInitializeSid(
		&windows.SECURITY_NT_AUTHORITY,
		2,
		windows.SECURITY_BUILTIN_DOMAIN_RID,
		windows.DOMAIN_ALIAS_RID_ADMINS,
		0, 0, 0, 0, 0, 0,
		&sid)
	if err != nil {
		return false
	}
	defer windows.FreeSid(sid)

	token := windows.Token(0)
	member, err := token.IsMember(sid)
	if err != nil {
		return false
	}
	return member
}

func hint() string {
	return "run from an elevated prompt (Run as administrator)"
}
