package gate

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/roach88/govledger/internal/boundary"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/workorder"
)

// constraints is G3: static inspection of the declared scope and the
// changed files against it.
func (p *Pipeline) constraints(r *run) (Result, error) {
	res := newResult(G3)
	res.Details["changed_files"] = len(r.changed)

	manifests := p.planes.Config.DependencyManifests
	if r.wo.Type != workorder.TypeDependencyAdd {
		var offenders []string
		for _, f := range append(slices.Clone(r.wo.Scope.AllowedFiles), r.changed...) {
			if slices.Contains(manifests, path.Base(f)) && !slices.Contains(offenders, f) {
				offenders = append(offenders, f)
			}
		}
		if len(offenders) > 0 {
			res.Details["dependency_manifests"] = offenders
			res.fail("dependency manifests %v require a %s work order, got %q", offenders, workorder.TypeDependencyAdd, r.wo.Type)
		}
	}

	classifier := r.exec.Classifier()
	var outside, forbidden, fresh []string
	for _, f := range r.changed {
		switch {
		case r.wo.Scope.Forbids(f):
			forbidden = append(forbidden, f)
		case !r.wo.Scope.Allows(f):
			outside = append(outside, f)
		}
		target := filepath.Join(r.exec.Root, filepath.FromSlash(f))
		class, _, err := classifier.Classify(target)
		if err != nil {
			return res, infra(G3, "classify", err)
		}
		if class != boundary.Governed {
			res.fail("%s is %s and cannot be changed by a work order", f, class)
		}
		if _, err := os.Lstat(target); errors.Is(err, os.ErrNotExist) {
			fresh = append(fresh, f)
		} else if err != nil {
			return res, infra(G3, "stat", err)
		}
	}
	if len(forbidden) > 0 {
		res.Details["forbidden"] = forbidden
		res.fail("changed files match forbidden scope: %v", forbidden)
	}
	if len(outside) > 0 {
		res.Details["out_of_scope"] = outside
		res.fail("changed files outside allowed scope: %v", outside)
	}
	if len(fresh) > 0 {
		res.Details["new_files"] = fresh
		res.finding(p.policy.NewFiles, "new files not yet present in %s: %v", r.exec.Tier, fresh)
	}
	if len(r.wo.Constraints) > 0 {
		keys := r.wo.Constraints.SortedKeys()
		res.Details["constraints"] = keys
		res.finding(p.policy.Constraints, "constraints recorded for audit, not enforced: %v", keys)
	}

	for _, dep := range r.wo.Dependencies {
		_, ok, err := r.execLog.Last(forWorkOrder(ledger.EventWorkOrderCompleted, dep))
		if err != nil {
			return res, infra(G3, "read completions", err)
		}
		if !ok {
			res.fail("dependency %s has not been completed on %s", dep, r.exec.Tier)
		}
	}

	if len(r.changed) == 0 {
		res.warn("workspace contains no changed files")
	}
	return res.conclude(fmt.Sprintf("%d changed file(s) within scope", len(r.changed))), nil
}
