//go:build property
// +build property

package overlay

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// randomGraph builds n descriptors; edges[i*n+j]%4 == 0 makes i depend on j.
func randomGraph(n int, edges []uint8) []*Descriptor {
	out := make([]*Descriptor, n)
	for i := 0; i < n; i++ {
		var deps []string
		for j := 0; j < n; j++ {
			if i != j && int(edges[(i*n+j)%len(edges)])%4 == 0 {
				deps = append(deps, fmt.Sprintf("o%02d", j))
			}
		}
		out[i] = desc(fmt.Sprintf("o%02d", i), deps...)
	}
	return out
}

// TestResolveInvariants checks the planner over random dependency graphs.
// Property: every descriptor is either ordered or failed, each ordered
// descriptor comes after all its dependencies, and a failed one is never
// ordered.
func TestResolveInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("plan is a topological order of the loadable subgraph", prop.ForAll(
		func(n int, edges []uint8) bool {
			batch := randomGraph(n, edges)
			plan := Resolve(batch, nil)
			if len(plan.Order)+len(plan.Failed) != n {
				return false
			}
			pos := make(map[string]int, len(plan.Order))
			for i, d := range plan.Order {
				if _, failed := plan.Failed[d.Name]; failed {
					return false
				}
				pos[d.Name] = i
			}
			for _, d := range plan.Order {
				for _, dep := range d.Dependencies {
					p, ok := pos[dep]
					if !ok || p >= pos[d.Name] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.SliceOfN(144, gen.UInt8()),
	))

	properties.Property("resolution is deterministic", prop.ForAll(
		func(n int, edges []uint8) bool {
			a := Resolve(randomGraph(n, edges), nil)
			b := Resolve(randomGraph(n, edges), nil)
			return a.String() == b.String()
		},
		gen.IntRange(1, 12),
		gen.SliceOfN(144, gen.UInt8()),
	))

	properties.TestingRun(t)
}

// TestManifestRoundTrip checks that Encode output always decodes to an equal
// descriptor.
func TestManifestRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(d)) == d", prop.ForAll(
		func(name string, major, minor uint8, units uint16, reentrant bool) bool {
			d := desc("m"+name, "dep@^1.0")
			d.Version = fmt.Sprintf("%d.%d.0", major, minor)
			d.Budget.ComputeUnits = uint64(units)
			d.Reentrant = reentrant
			if err := d.Validate(); err != nil {
				return false
			}
			out, err := Encode(d)
			if err != nil {
				return false
			}
			again, err := Decode(out)
			if err != nil {
				return false
			}
			return again.Key() == d.Key() &&
				again.Budget == d.Budget &&
				again.Reentrant == d.Reentrant &&
				fmt.Sprint(again.Dependencies) == fmt.Sprint(d.Dependencies)
		},
		gen.RegexMatch(`[a-z0-9]{0,20}`),
		gen.UInt8(),
		gen.UInt8(),
		gen.UInt16(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
