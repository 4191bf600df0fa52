package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/govledger/internal/boundary"
	"github.com/roach88/govledger/internal/manifest"
	"github.com/roach88/govledger/internal/plane"
)

// deepCheckLimit bounds concurrent file hashing during a deep kernel check.
const deepCheckLimit = 8

type tierKernel struct {
	tier     plane.Tier
	manifest *manifest.PackageManifest
	// hash is the asset hash recomputed from the manifest's asset list.
	hash       string
	mismatches []manifest.Mismatch
	// corrupt is set when the manifest exists but cannot be decoded.
	corrupt error
}

// kernelParity is G0K. Changes to protected kernel paths require a
// kernel_upgrade work order; the kernel package must then be identical on
// every plane that has it installed.
func (p *Pipeline) kernelParity(ctx context.Context, r *run) (Result, error) {
	res := newResult(G0K)
	kcfg := p.planes.Config.Kernel
	res.Details["package_id"] = kcfg.PackageID

	if !r.wo.IsKernelUpgrade() {
		var touched []string
		for _, f := range r.changed {
			if boundary.MatchAny(kcfg.ProtectedPaths, f) {
				touched = append(touched, f)
			}
		}
		if len(touched) > 0 {
			res.Details["protected_files"] = touched
			res.fail("work order type %q may not change protected kernel paths: %v", r.wo.Type, touched)
			return res.conclude(""), nil
		}
	}

	planes := p.planes.Planes()
	kernels := make([]*tierKernel, len(planes))
	g, gctx := errgroup.WithContext(ctx)
	for i, pl := range planes {
		g.Go(func() error {
			k, err := p.readKernel(gctx, pl, kcfg.PackageID)
			kernels[i] = k
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return res, infra(G0K, "read kernel manifests", err)
	}

	var present []*tierKernel
	var missing, corrupt []string
	for i, k := range kernels {
		switch {
		case k == nil:
			missing = append(missing, string(planes[i].Tier))
		case k.corrupt != nil:
			corrupt = append(corrupt, string(k.tier))
			res.fail("%s: kernel manifest unreadable: %v", k.tier, k.corrupt)
		default:
			present = append(present, k)
		}
	}
	if len(corrupt) > 0 {
		res.Details["corrupt_tiers"] = corrupt
	}
	if len(present) == 0 && len(corrupt) > 0 {
		return res.conclude(""), nil
	}
	if len(present) == 0 {
		res.warn("kernel package %q is not installed on any plane", kcfg.PackageID)
		return res.conclude("no kernel installed"), nil
	}
	if len(missing) > 0 {
		res.Details["missing_tiers"] = missing
		res.fail("kernel package %q missing on %v", kcfg.PackageID, missing)
	}

	expected := majorityHash(present, plane.Tier(kcfg.ReferenceTier))
	hashes := map[string]string{}
	var divergent []string
	for _, k := range present {
		hashes[string(k.tier)] = k.hash
		if k.manifest.AssetHash != "" && k.manifest.AssetHash != k.hash {
			res.fail("%s: manifest asset_hash %s does not match its assets (%s)", k.tier, k.manifest.AssetHash, k.hash)
		}
		if k.hash != expected {
			divergent = append(divergent, string(k.tier))
		}
		for _, m := range k.mismatches {
			if m.Missing {
				res.fail("%s: kernel file %s is missing", k.tier, m.Path)
			} else {
				res.fail("%s: kernel file %s has hash %s, manifest says %s", k.tier, m.Path, m.Actual, m.Expected)
			}
		}
	}
	res.Details["expected_hash"] = expected
	res.Details["tier_hashes"] = hashes
	if len(divergent) > 0 {
		res.Details["divergent_tiers"] = divergent
		res.fail("kernel diverges on %v (expected %s)", divergent, expected)
	}
	return res.conclude(fmt.Sprintf("kernel %s identical on %d plane(s)", kcfg.PackageID, len(present))), nil
}

func (p *Pipeline) readKernel(ctx context.Context, pl *plane.Plane, pkgID string) (*tierKernel, error) {
	m, err := manifest.Read(manifest.Path(pl.InstalledDir(), pkgID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if manifest.IsParseError(err) {
		return &tierKernel{tier: pl.Tier, corrupt: err}, nil
	}
	if err != nil {
		return nil, err
	}
	k := &tierKernel{tier: pl.Tier, manifest: m, hash: manifest.ComputeAssetHash(m.Assets)}
	if p.policy.DeepKernelCheck {
		if k.mismatches, err = manifest.VerifyFiles(ctx, pl.Root, m, deepCheckLimit); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// majorityHash picks the hash most tiers agree on. Ties go to the reference
// tier's hash, then to the lexically smallest hash.
func majorityHash(ks []*tierKernel, reference plane.Tier) string {
	counts := map[string]int{}
	var ref string
	for _, k := range ks {
		counts[k.hash]++
		if k.tier == reference {
			ref = k.hash
		}
	}
	hashes := make([]string, 0, len(counts))
	for h := range counts {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	best := hashes[0]
	for _, h := range hashes[1:] {
		if counts[h] > counts[best] {
			best = h
		}
	}
	if ref != "" && counts[ref] == counts[best] {
		return ref
	}
	return best
}
