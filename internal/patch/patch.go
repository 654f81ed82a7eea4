// Package patch plans and applies the chain of RFC 6902 JSON-Patch
// documents decoded from a JLAP buffer, bringing a locally cached
// repodata document up to the hash the footer advertises. Grounded on
// original conda's conda/gateways/repodata/jlapper.py (find_patches,
// apply_patches).
package patch

import (
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/nimbus-pm/repocore/internal/jlap"
)

// NotFoundError is returned when the planner cannot connect have to
// want through the available patch chain (spec.md §4.5).
type NotFoundError struct {
	Have, Want string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("patch-not-found: no chain from %s to %s", e.Have, e.Want)
}

// Plan walks patches in reverse, selecting the subsequence that
// transforms have into want. Ties (multiple patches sharing a `to`)
// resolve to the first one encountered walking backwards, i.e. the
// most recently appended patch producing that hash.
func Plan(patches []jlap.Patch, have, want string) ([]jlap.Patch, error) {
	if have == want {
		return nil, nil
	}

	desired := want
	var plan []jlap.Patch
	seen := make(map[string]bool)

	for i := len(patches) - 1; i >= 0; i-- {
		p := patches[i]
		if p.To != desired {
			continue
		}
		if seen[p.To] {
			continue
		}
		seen[p.To] = true
		plan = append([]jlap.Patch{p}, plan...)
		desired = p.From
		if desired == have {
			return plan, nil
		}
	}

	return nil, &NotFoundError{Have: have, Want: want}
}

// Apply runs each plan entry's JSON-Patch document against doc, in
// plan order, returning the resulting document bytes. Callers are
// responsible for rehashing the result and updating nominal_hash /
// actual_hash (spec.md §4.5).
func Apply(doc []byte, plan []jlap.Patch) ([]byte, error) {
	current := doc
	for _, p := range plan {
		ops, err := jsonpatch.DecodePatch(p.Patch)
		if err != nil {
			return nil, fmt.Errorf("patch: decode patch %s->%s: %w", p.From, p.To, err)
		}
		next, err := ops.Apply(current)
		if err != nil {
			return nil, fmt.Errorf("patch: apply patch %s->%s: %w", p.From, p.To, err)
		}
		current = next
	}
	return current, nil
}
