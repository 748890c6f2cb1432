package executor

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/midnight/agent/internal/fault"
)

const (
	// MaxArgumentLength is the maximum allowed length of one argument
	MaxArgumentLength = 4096
	// MaxScriptSize is the maximum allowed size for an inline PowerShell script
	MaxScriptSize = 64 * 1024
)

// allowedPrograms is every tool the agent is expected to launch.
var allowedPrograms = map[string]bool{
	"netsh":      true,
	"powershell": true,
	"ipconfig":   true,
	"getmac":     true,
	"taskkill":   true,
	"nbtstat":    true,
}

// blacklistedScriptPatterns reject script content the agent never emits.
var blacklistedScriptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)invoke-expression|\biex\b`),
	regexp.MustCompile(`(?i)downloadstring|downloadfile|invoke-webrequest|\biwr\b`),
	regexp.MustCompile(`(?i)-encodedcommand`),
	regexp.MustCompile(`(?i)format-volume|clear-disk`),
}

// ValidateInvocation checks that program is allow-listed and that no
// argument carries control or bidirectional override characters.
func ValidateInvocation(program string, args []string) error {
	return validateInvocation(program, args, nil)
}

func validateInvocation(program string, args []string, extra map[string]bool) error {
	base := programName(program)
	if !allowedPrograms[base] && !extra[base] {
		return fault.New(fault.KindInvalid, "run", program, fmt.Errorf("program is not in the allow-list"))
	}
	for i, arg := range args {
		if err := sanitizeArgument(arg); err != nil {
			return fault.New(fault.KindInvalid, "run", program, fmt.Errorf("argument %d: %w", i, err))
		}
	}
	return nil
}

func programName(program string) string {
	base := strings.ToLower(filepath.Base(strings.ReplaceAll(program, `\`, "/")))
	return strings.TrimSuffix(base, ".exe")
}

func sanitizeArgument(arg string) error {
	if len(arg) > MaxArgumentLength {
		return fmt.Errorf("exceeds maximum length of %d characters", MaxArgumentLength)
	}
	for _, ch := range arg {
		if ch == 0 {
			return fmt.Errorf("contains null bytes")
		}
		// Block non-printable characters except common whitespace
		if ch < 32 && ch != '\t' && ch != '\n' && ch != '\r' {
			return fmt.Errorf("contains non-printable characters")
		}
		if ch >= 0x202A && ch <= 0x202E {
			return fmt.Errorf("contains bidirectional override characters")
		}
	}
	return nil
}

// ValidateScript validates PowerShell script content before execution.
func ValidateScript(script string) error {
	if len(script) > MaxScriptSize {
		return fault.New(fault.KindInvalid, "validate script", "", fmt.Errorf("exceeds maximum size of %d bytes", MaxScriptSize))
	}
	if strings.TrimSpace(script) == "" {
		return fault.New(fault.KindInvalid, "validate script", "", fmt.Errorf("script cannot be empty"))
	}
	for _, pattern := range blacklistedScriptPatterns {
		if pattern.MatchString(script) {
			return fault.New(fault.KindInvalid, "validate script", "",
				fmt.Errorf("script contains blacklisted pattern: %s", pattern.String()))
		}
	}
	return nil
}

// QuotePS renders s as a single-quoted PowerShell literal. Embedded single
// quotes are doubled, which is the only escape single-quoted strings honor.
func QuotePS(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
