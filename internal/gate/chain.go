package gate

import (
	"fmt"

	"github.com/roach88/govledger/internal/manifest"
	"github.com/roach88/govledger/internal/plane"
)

// chain is G1: every installed package traces to a spec, every spec to a
// framework, and the work order's own spec_id resolves.
func (p *Pipeline) chain(r *run) (Result, error) {
	res := newResult(G1)
	var packages, traced int

	for _, pl := range p.planes.Planes() {
		cat := catalogFor(pl)
		pkgs, err := cat.Packages()
		if err != nil {
			return res, infra(G1, "read installed packages", err)
		}
		for _, m := range pkgs {
			packages++
			if m.SpecID == "" {
				res.finding(p.policy.MissingSpec, "%s: package %s declares no spec", pl.Tier, m.PackageID)
				continue
			}
			ok, err := p.traceSpec(&res, pl.Tier, m.SpecID, fmt.Sprintf("package %s", m.PackageID))
			if err != nil {
				return res, err
			}
			if ok {
				traced++
			}
		}
	}

	if id := r.wo.SpecID; id != "" {
		if _, err := p.traceSpec(&res, "", id, "work order "+r.wo.ID); err != nil {
			return res, err
		}
	}

	res.Details["packages"] = packages
	res.Details["traced"] = traced
	return res.conclude(fmt.Sprintf("%d of %d package(s) traced to spec and framework", traced, packages)), nil
}

// traceSpec resolves specID and its framework on the given tier, or on any
// tier from the top down when tier is empty.
func (p *Pipeline) traceSpec(res *Result, tier plane.Tier, specID, owner string) (bool, error) {
	planes := p.planes.Planes()
	if tier != "" {
		planes = []*plane.Plane{p.planes.MustGet(tier)}
	}
	where := "any plane"
	if tier != "" {
		where = string(tier)
	}
	for _, pl := range planes {
		cat := catalogFor(pl)
		spec, ok, err := cat.Spec(specID)
		if err != nil {
			return false, infra(G1, "read spec", err)
		}
		if !ok {
			continue
		}
		if spec.FrameworkID == "" {
			res.fail("%s: spec %s names no framework", pl.Tier, specID)
			return false, nil
		}
		if _, ok, err := cat.Framework(spec.FrameworkID); err != nil {
			return false, infra(G1, "read framework", err)
		} else if !ok {
			res.fail("%s: spec %s references missing framework %s", pl.Tier, specID, spec.FrameworkID)
			return false, nil
		}
		return true, nil
	}
	res.fail("%s references spec %s which does not exist on %s", owner, specID, where)
	return false, nil
}

func catalogFor(pl *plane.Plane) manifest.Catalog {
	return manifest.Catalog{Root: pl.Root, InstalledDir: pl.InstalledDir()}
}
