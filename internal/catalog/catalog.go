// Package catalog knows which registry values identify this machine, how to
// generate replacements for them, and how to rewrite them as one transaction.
package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/midnight/agent/internal/registry"
)

// Target is one identifier value in the registry.
type Target struct {
	Addr        registry.Address
	Type        registry.ValueType
	Category    Category
	Critical    bool // written even when currently absent
	Braced      bool // stored as "{value}"
	Description string
}

// Render formats a generated value the way this target stores it.
func (t Target) Render(value string) string {
	if t.Braced {
		return "{" + value + "}"
	}
	return value
}

// Catalog is an immutable, validated table of targets.
type Catalog struct {
	targets []Target
}

// New validates targets and builds a catalog.
func New(targets ...Target) (*Catalog, error) {
	c := &Catalog{targets: append([]Target(nil), targets...)}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects empty tables, unknown categories, non-string types and
// duplicate addresses.
func (c *Catalog) Validate() error {
	if len(c.targets) == 0 {
		return errors.New("catalog has no targets")
	}
	seen := make(map[string]string, len(c.targets))
	for _, t := range c.targets {
		if !t.Category.valid() {
			return fmt.Errorf("%s: unknown category %d", t.Addr, int(t.Category))
		}
		if t.Type != registry.REG_SZ && t.Type != registry.REG_EXPAND_SZ {
			return fmt.Errorf("%s: identifiers must be string values, got %s", t.Addr, t.Type)
		}
		if _, err := registry.ParseHive(t.Addr.Hive.String()); err != nil {
			return fmt.Errorf("%s: %w", t.Addr, err)
		}
		key := canonical(t.Addr)
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("%s listed twice (%s and %s)", t.Addr, prev, t.Description)
		}
		seen[key] = t.Description
	}
	return nil
}

// Targets returns a copy of the table in declaration order.
func (c *Catalog) Targets() []Target {
	return append([]Target(nil), c.targets...)
}

// Categories returns the categories present, in order of first appearance.
func (c *Catalog) Categories() []Category {
	var out []Category
	seen := make(map[Category]bool)
	for _, t := range c.targets {
		if !seen[t.Category] {
			seen[t.Category] = true
			out = append(out, t.Category)
		}
	}
	return out
}

// ByCategory returns the targets of one category.
func (c *Catalog) ByCategory(cat Category) []Target {
	var out []Target
	for _, t := range c.targets {
		if t.Category == cat {
			out = append(out, t)
		}
	}
	return out
}

func canonical(a registry.Address) string {
	return strings.ToLower(a.String())
}

func target(hive registry.Hive, path, name string, cat Category, critical bool, desc string) Target {
	return Target{
		Addr:        registry.At(hive, path, name),
		Type:        registry.REG_SZ,
		Category:    cat,
		Critical:    critical,
		Description: desc,
	}
}

// Default is the built-in identifier table.
func Default() *Catalog {
	hklm, hkcu := registry.LocalMachine, registry.CurrentUser

	sqm := target(hklm, `SOFTWARE\Microsoft\SQMClient`, "MachineId", WindowsSystem, false, "Windows SQM Client Machine ID")
	sqm.Braced = true

	c, err := New(
		target(hklm, `SOFTWARE\Microsoft\Cryptography`, "MachineGuid", WindowsSystem, true, "Windows Machine GUID"),
		sqm,
		target(hklm, `SOFTWARE\Microsoft\Windows NT\CurrentVersion\ProfileGuid`, "ProfileGuid", WindowsSystem, false, "Windows Profile GUID"),
		target(hklm, `SOFTWARE\Microsoft\Windows NT\CurrentVersion`, "ProductId", ProductID, true, "Windows Product ID"),

		target(hklm, `SOFTWARE\WOW6432Node\Rockstar Games\Grand Theft Auto V`, "MachineGUID", RockstarGames, false, "Rockstar GTA V Machine GUID"),
		target(hklm, `SOFTWARE\Rockstar Games`, "MachineGUID", RockstarGames, false, "Rockstar Games Machine GUID"),
		target(hklm, `SOFTWARE\Rockstar Games\Launcher`, "GUID", RockstarGames, false, "Rockstar Launcher GUID"),
		target(hklm, `SOFTWARE\Rockstar Games\Social Club`, "MachineGUID", RockstarGames, false, "Rockstar Social Club Machine GUID"),
		target(hkcu, `SOFTWARE\Rockstar Games\Social Club`, "GUID", RockstarGames, false, "Rockstar Social Club User GUID"),

		target(hkcu, `Software\Cfx.re`, "guid", FiveM, true, "FiveM Cfx.re GUID"),
		target(hkcu, `Software\CitizenFX`, "guid", FiveM, true, "FiveM CitizenFX GUID"),
	)
	if err != nil {
		panic("catalog: built-in table is invalid: " + err.Error())
	}
	return c
}
