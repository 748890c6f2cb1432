package catalog

import (
	"fmt"
	"strings"
)

// Category groups targets that must share one generated value.
type Category int

const (
	WindowsSystem Category = iota + 1
	RockstarGames
	FiveM
	// ProductID targets never share: each gets its own value.
	ProductID
)

var categoryNames = map[Category]string{
	WindowsSystem: "windows_system",
	RockstarGames: "rockstar_games",
	FiveM:         "fivem",
	ProductID:     "product_id",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category_%d", int(c))
}

// ParseCategory maps a table name back to its category.
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range categoryNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown category %q", s)
}

// Strategy returns how values for the category are generated.
func (c Category) Strategy() Strategy {
	switch c {
	case WindowsSystem:
		return RandomV4{}
	case RockstarGames:
		return VendorPattern{}
	case FiveM:
		return FixedHex{N: 40}
	case ProductID:
		return ProductIDPattern{}
	}
	panic(fmt.Sprintf("catalog: no strategy for %s", c))
}

// Shared reports whether every target in the category gets the same value.
func (c Category) Shared() bool { return c != ProductID }

func (c Category) valid() bool {
	_, ok := categoryNames[c]
	return ok
}
