package catalog

import (
	"fmt"
	"strings"

	"github.com/midnight/agent/internal/registry"
)

const maxGenerateAttempts = 8

// Assignment is the value one target will receive.
type Assignment struct {
	Target Target
	Value  string // rendered, as it will be stored
}

// Skip records a target left out of a plan.
type Skip struct {
	Target Target
	Reason string
}

// Plan is a complete rewrite: one generated value per shared category, a
// fresh value for every product-ID target, and the ordered assignments.
type Plan struct {
	Values      map[Category]string
	Assignments []Assignment
	Skipped     []Skip
}

// Ops returns the rewrite as one ordered transaction.
func (p *Plan) Ops() []registry.Op {
	ops := make([]registry.Op, 0, len(p.Assignments))
	for _, a := range p.Assignments {
		ops = append(ops, registry.Write{
			Addr:  a.Target.Addr,
			Value: registry.Value{Data: a.Value, Type: a.Target.Type},
		})
	}
	return ops
}

// presenceFunc reports whether a target currently exists.
type presenceFunc func(Target) (bool, error)

// NewPlan generates values for every target of c. When present is non-nil,
// non-critical targets it reports absent are skipped rather than created.
func NewPlan(c *Catalog, gen Generator, present presenceFunc) (*Plan, error) {
	p := &Plan{Values: make(map[Category]string)}
	used := make(map[string]bool)

	fresh := func(s Strategy) (string, error) {
		for i := 0; i < maxGenerateAttempts; i++ {
			v, err := gen.Generate(s)
			if err != nil {
				return "", fmt.Errorf("generate %s: %w", s.Name(), err)
			}
			key := strings.ToLower(v)
			if !used[key] {
				used[key] = true
				return v, nil
			}
		}
		return "", fmt.Errorf("generate %s: no distinct value after %d attempts", s.Name(), maxGenerateAttempts)
	}

	for _, cat := range c.Categories() {
		if !cat.Shared() {
			continue
		}
		v, err := fresh(cat.Strategy())
		if err != nil {
			return nil, err
		}
		p.Values[cat] = v
	}

	for _, t := range c.targets {
		if present != nil && !t.Critical {
			ok, err := present(t)
			if err != nil {
				return nil, fmt.Errorf("check %s: %w", t.Addr, err)
			}
			if !ok {
				p.Skipped = append(p.Skipped, Skip{Target: t, Reason: "not present"})
				continue
			}
		}

		v, shared := p.Values[t.Category]
		if !shared {
			var err error
			if v, err = fresh(t.Category.Strategy()); err != nil {
				return nil, err
			}
		}
		p.Assignments = append(p.Assignments, Assignment{Target: t, Value: t.Render(v)})
	}
	return p, nil
}
