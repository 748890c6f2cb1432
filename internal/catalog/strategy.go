package catalog

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// Strategy produces one identifier string. The set of strategies is closed.
type Strategy interface {
	Name() string
	Generate(r io.Reader) (string, error)
	strategy()
}

// RandomV4 is a lowercase RFC 4122 version 4 UUID, the shape Windows uses
// for MachineGuid.
type RandomV4 struct{}

// VendorPattern is an uppercase 8-4-4-4-12 hex GUID, as launchers store it.
type VendorPattern struct{}

// FixedHex is N uppercase hex characters.
type FixedHex struct{ N int }

// ProductIDPattern is NNNNN-NNNNN-NNNNN-NNNNN where the last digit is a
// mod-10 checksum of the nineteen before it.
type ProductIDPattern struct{}

func (RandomV4) Name() string         { return "random-v4" }
func (VendorPattern) Name() string    { return "vendor-pattern" }
func (f FixedHex) Name() string       { return fmt.Sprintf("fixed-hex-%d", f.N) }
func (ProductIDPattern) Name() string { return "product-id" }

func (RandomV4) strategy()         {}
func (VendorPattern) strategy()    {}
func (FixedHex) strategy()         {}
func (ProductIDPattern) strategy() {}

func (RandomV4) Generate(r io.Reader) (string, error) {
	id, err := uuid.NewRandomFromReader(r)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (VendorPattern) Generate(r io.Reader) (string, error) {
	id, err := uuid.NewRandomFromReader(r)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(id.String()), nil
}

func (f FixedHex) Generate(r io.Reader) (string, error) {
	if f.N <= 0 {
		return "", fmt.Errorf("fixed-hex length must be positive, got %d", f.N)
	}
	buf := make([]byte, (f.N+1)/2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(buf))[:f.N], nil
}

func (ProductIDPattern) Generate(r io.Reader) (string, error) {
	buf := make([]byte, 19)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	digits := make([]byte, 20)
	sum := 0
	for i, b := range buf {
		d := int(b % 10)
		digits[i] = byte('0' + d)
		sum += d
	}
	digits[19] = byte('0' + sum%10)
	return fmt.Sprintf("%s-%s-%s-%s", digits[0:5], digits[5:10], digits[10:15], digits[15:20]), nil
}

// ValidProductID reports whether s has the product-ID shape and a correct
// checksum digit.
func ValidProductID(s string) bool {
	groups := strings.Split(s, "-")
	if len(groups) != 4 {
		return false
	}
	sum, last := 0, 0
	n := 0
	for _, g := range groups {
		if len(g) != 5 {
			return false
		}
		for _, c := range g {
			if c < '0' || c > '9' {
				return false
			}
			n++
			if n == 20 {
				last = int(c - '0')
				continue
			}
			sum += int(c - '0')
		}
	}
	return sum%10 == last
}

// Generator turns a strategy into a value.
type Generator interface {
	Generate(s Strategy) (string, error)
}

// RandomGenerator draws from Rand, or crypto/rand when Rand is nil.
type RandomGenerator struct {
	Rand io.Reader
}

func (g RandomGenerator) Generate(s Strategy) (string, error) {
	r := g.Rand
	if r == nil {
		r = rand.Reader
	}
	return s.Generate(r)
}
