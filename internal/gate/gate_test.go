package gate

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govledger/internal/manifest"
	"github.com/roach88/govledger/internal/plane"
	"github.com/roach88/govledger/internal/testutil"
)

func (f *fixture) installKernel(tier plane.Tier, content string) {
	f.t.Helper()
	pl := f.set.MustGet(tier)
	testutil.WriteTree(f.t, pl.Root, map[string]string{"lib/kernel/core.go": content})
	m, err := manifest.Build(pl.Root, "kernel", "1.0.0", []string{"lib/kernel/core.go"})
	require.NoError(f.t, err)
	require.NoError(f.t, manifest.Write(manifest.Path(pl.InstalledDir(), "kernel"), m))
}

func TestKernelParity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pipeline()
	sub := Submission{WorkOrder: f.workOrder(baseWorkOrder)}

	res, err := p.RunGate(ctx, G0K, sub)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Len(t, res.Warnings, 1, "no kernel installed")

	for _, tier := range plane.Tiers {
		f.installKernel(tier, "package kernel\n")
	}
	res, err = p.RunGate(ctx, G0K, sub)
	require.NoError(t, err)
	assert.True(t, res.Passed, res.Message)
	assert.Len(t, res.Details["tier_hashes"], 3)

	f.installKernel(plane.HO1, "package kernel // drifted\n")
	res, err = p.RunGate(ctx, G0K, sub)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, []string{"ho1"}, res.Details["divergent_tiers"])

	require.NoError(t, os.RemoveAll(filepath.Join(f.set.MustGet(plane.HO1).InstalledDir(), "kernel")))
	res, err = p.RunGate(ctx, G0K, sub)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, []string{"ho1"}, res.Details["missing_tiers"])
}

func TestKernelCorruptManifestFailsThatTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, tier := range plane.Tiers {
		f.installKernel(tier, "package kernel\n")
	}
	path := manifest.Path(f.set.MustGet(plane.HO1).InstalledDir(), "kernel")
	require.NoError(t, os.WriteFile(path, []byte("{corrupt"), 0o644))

	res, err := f.pipeline().RunGate(ctx, G0K, Submission{WorkOrder: f.workOrder(baseWorkOrder)})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, []string{"ho1"}, res.Details["corrupt_tiers"])
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "ho1: kernel manifest unreadable")
	assert.Nil(t, res.Details["divergent_tiers"])
}

func TestKernelDeepCheckRecomputesFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, tier := range plane.Tiers {
		f.installKernel(tier, "package kernel\n")
	}
	testutil.WriteTree(t, f.set.MustGet(plane.HO2).Root, map[string]string{"lib/kernel/core.go": "edited in place\n"})
	sub := Submission{WorkOrder: f.workOrder(baseWorkOrder)}

	res, err := f.pipeline().RunGate(ctx, G0K, sub)
	require.NoError(t, err)
	assert.True(t, res.Passed, "manifests still agree")

	pol := DefaultPolicy()
	pol.DeepKernelCheck = true
	res, err = f.pipeline(WithPolicy(pol)).RunGate(ctx, G0K, sub)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "ho2: kernel file lib/kernel/core.go")
}

func TestKernelPathsRequireKernelUpgrade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ws := f.workspace(map[string]string{"lib/kernel/core.go": "package kernel\n"})

	res, err := f.pipeline().RunGate(ctx, G0K, Submission{WorkOrder: f.workOrder(baseWorkOrder), Workspace: ws})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, []string{"lib/kernel/core.go"}, res.Details["protected_files"])

	upgrade := f.workOrder(strings.Replace(baseWorkOrder, "type: code_change", "type: kernel_upgrade", 1))
	res, err = f.pipeline().RunGate(ctx, G0K, Submission{WorkOrder: upgrade, Workspace: ws})
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestMajorityHashPrefersReferenceOnTie(t *testing.T) {
	ks := []*tierKernel{
		{tier: plane.HO3, hash: "sha256:b"},
		{tier: plane.HO2, hash: "sha256:a"},
	}
	assert.Equal(t, "sha256:b", majorityHash(ks, plane.HO3))
	assert.Equal(t, "sha256:a", majorityHash(ks, plane.HO2))

	ks = append(ks, &tierKernel{tier: plane.HO1, hash: "sha256:a"})
	assert.Equal(t, "sha256:a", majorityHash(ks, plane.HO3))
}

func TestChainTracesPackages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pipeline()
	sub := Submission{WorkOrder: f.workOrder(baseWorkOrder)}
	mid := f.set.MustGet(plane.HO2)

	require.NoError(t, manifest.Write(manifest.Path(mid.InstalledDir(), "base"), &manifest.PackageManifest{PackageID: "base", Layer: "0"}))
	require.NoError(t, manifest.Write(manifest.Path(mid.InstalledDir(), "app"), &manifest.PackageManifest{PackageID: "app", SpecID: "SPEC-APP"}))
	testutil.WriteTree(t, mid.Root, map[string]string{"specs/SPEC-APP.yaml": "framework_id: FW-CORE\n"})

	res, err := p.RunGate(ctx, G1, sub)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "missing framework FW-CORE")

	testutil.WriteTree(t, mid.Root, map[string]string{"frameworks/FW-CORE.yaml": "title: Core\n"})
	res, err = p.RunGate(ctx, G1, sub)
	require.NoError(t, err)
	assert.True(t, res.Passed, res.Message)
	assert.Equal(t, 2, res.Details["packages"])
	assert.Equal(t, 1, res.Details["traced"])
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "package base declares no spec")

	pol := DefaultPolicy()
	pol.MissingSpec = SeverityFail
	res, err = f.pipeline(WithPolicy(pol)).RunGate(ctx, G1, sub)
	require.NoError(t, err)
	assert.False(t, res.Passed)

	withSpec := f.workOrder(baseWorkOrder + "spec_id: SPEC-NONE\n")
	res, err = p.RunGate(ctx, G1, Submission{WorkOrder: withSpec})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "spec SPEC-NONE which does not exist")
}

func TestParseID(t *testing.T) {
	for in, want := range map[string]ID{"g0k": G0K, "G3": G3, "work_order": G2, "ledger": G6, "schema": Schema} {
		got, err := ParseID(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseID("G9")
	assert.Error(t, err)
}

func TestPolicyFromConfig(t *testing.T) {
	pol, err := PolicyFromConfig(plane.PolicyConfig{MissingSpec: "ignore", NewFiles: "FAIL"}, true, time.Minute)
	require.NoError(t, err)
	assert.True(t, pol.Strict)
	assert.Equal(t, SeverityIgnore, pol.MissingSpec)
	assert.Equal(t, SeverityFail, pol.NewFiles)
	assert.Equal(t, SeverityWarn, pol.Constraints)
	assert.Equal(t, time.Minute, pol.AcceptanceTimeout)

	_, err = PolicyFromConfig(plane.PolicyConfig{Constraints: "maybe"}, false, 0)
	assert.ErrorContains(t, err, "policy.constraints")
}

func TestInfraErrorIsDistinct(t *testing.T) {
	err := infra(G6, "verify ledger", os.ErrPermission)
	assert.True(t, IsInfraError(err))
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, "gate G6: verify ledger: permission denied", err.Error())
	assert.Same(t, err, infra(G1, "other", err))
	assert.NoError(t, infra(G1, "noop", nil))
}

func TestShellRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sh is not available")
	}
	ctx := context.Background()
	dir := t.TempDir()

	res, err := ShellRunner{}.Run(ctx, ExecOptions{Command: "echo hi; exit 3", WorkDir: dir})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.False(t, res.TimedOut)

	res, err = ShellRunner{}.Run(ctx, ExecOptions{Command: "sleep 5", WorkDir: dir, Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.Less(t, res.Duration, 4*time.Second)
}

func TestCommandEnvPrependsWorkspace(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	env := commandEnv("/work")
	assert.Contains(t, env, "PATH=/work"+string(os.PathListSeparator)+"/usr/bin")
}

func TestTruncateOutput(t *testing.T) {
	long := strings.Repeat("x", maxOutput+10)
	out := truncate(long)
	assert.True(t, strings.HasPrefix(out, strings.Repeat("x", maxOutput)))
	assert.True(t, strings.HasSuffix(out, "(truncated)"))
	assert.Equal(t, "short", truncate("short"))
}
