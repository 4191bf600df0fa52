package gate

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govledger/internal/cursor"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/plane"
	"github.com/roach88/govledger/internal/signing"
	"github.com/roach88/govledger/internal/store"
)

func gateIDs(results []Result) []ID {
	out := make([]ID, len(results))
	for i, r := range results {
		out[i] = r.Gate
	}
	return out
}

func TestSubmitAppliesApprovedWorkOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pipeline()
	wo := f.workOrder(baseWorkOrder)

	_, err := p.Approve(ctx, wo, "reviewer")
	require.NoError(t, err)
	ws := f.workspace(map[string]string{"src/app.py": "print('hi')\n"})

	rep, err := p.Submit(ctx, Submission{WorkOrder: wo, Workspace: ws, Actor: "dev"})
	require.NoError(t, err)
	require.Equal(t, StatusApplied, rep.Outcome, "%+v", rep.Results)
	assert.Equal(t, Order, gateIDs(rep.Results))
	assert.Empty(t, rep.FailedGate)

	data, err := os.ReadFile(f.execPath("src/app.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(data))

	require.NotNil(t, rep.Attestation)
	assert.True(t, rep.Attestation.SignatureWaived)
	require.NotNil(t, rep.Transaction)
	assert.Equal(t, []string{"src/app.py"}, rep.Transaction.Applied)
	assert.Equal(t, []string{"test -f src/app.py"}, f.runner.calls)

	exec := f.entries(f.set.Execution().MainLedgerRef())
	assert.Equal(t, []ledger.EventType{
		ledger.EventGenesis,
		ledger.EventWorkOrderReceived,
		ledger.EventWorkOrderCompleted,
	}, eventTypes(exec))
	assert.Equal(t, rep.PayloadHash, exec[2].Metadata.Str("payload_hash"))
	assert.Equal(t, rep.Attestation.ID, exec[2].Metadata.Str("attestation_id"))

	instance := f.entries(plane.InstanceRef(plane.HO2, wo.ID, rep.SessionID))
	assert.Equal(t, []ledger.EventType{
		ledger.EventGenesis,
		ledger.EventGatePassed,
		ledger.EventGatePassed,
		ledger.EventGatePassed,
		ledger.EventGatePassed,
		ledger.EventGatePassed,
		ledger.EventAttestationRecorded,
		ledger.EventGatePassed,
		ledger.EventGatePassed,
	}, eventTypes(instance))
	assert.Equal(t, "ho2:workorders", instance[0].Metadata.Relational.ParentLedger)

	session := f.entries(plane.SessionRef(plane.HO1, rep.SessionID))
	assert.Equal(t, []ledger.EventType{ledger.EventGenesis, ledger.EventAcceptanceResult}, eventTypes(session))
	assert.Equal(t, "PASS", session[1].Decision)

	runs, err := f.store.ReadGateRuns(ctx, wo.ID)
	require.NoError(t, err)
	assert.Len(t, runs, len(Order))

	eff, ok, err := f.store.Effect(ctx, cursor.ApplyKey(wo.ID, rep.PayloadHash))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.StatusApplied, eff.Status)
}

func TestResubmissionIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pipeline()
	wo := f.workOrder(baseWorkOrder)
	_, err := p.Approve(ctx, wo, "reviewer")
	require.NoError(t, err)
	ws := f.workspace(map[string]string{"src/app.py": "v1\n"})

	first, err := p.Submit(ctx, Submission{WorkOrder: wo, Workspace: ws})
	require.NoError(t, err)
	require.Equal(t, StatusApplied, first.Outcome)

	second, err := p.Submit(ctx, Submission{WorkOrder: wo, Workspace: ws})
	require.NoError(t, err)
	assert.Equal(t, StatusNoOp, second.Outcome)
	assert.Equal(t, []ID{G0K, G1, G2}, gateIDs(second.Results))
	assert.Equal(t, OutcomeNoOp, second.Results[2].Outcome)

	exec := f.entries(f.set.Execution().MainLedgerRef())
	assert.Equal(t, 1, countEvents(exec, ledger.EventWorkOrderCompleted))
	assert.Equal(t, 1, countEvents(exec, ledger.EventWorkOrderNoOp))
	assert.Len(t, f.runner.calls, 1)
}

func TestUnapprovedWorkOrderFails(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline()
	wo := f.workOrder(baseWorkOrder)

	rep, err := p.Submit(context.Background(), Submission{WorkOrder: wo})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rep.Outcome)
	assert.Equal(t, G2, rep.FailedGate)
	failed, ok := rep.Failed()
	require.True(t, ok)
	assert.Equal(t, ReasonNotApproved, failed.Outcome)
	assert.Contains(t, failed.Message, "not approved")

	exec := f.entries(f.set.Execution().MainLedgerRef())
	assert.Equal(t, []ledger.EventType{ledger.EventGenesis, ledger.EventGateFailed}, eventTypes(exec))
}

func TestTamperedWorkOrderFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pipeline()
	_, err := p.Approve(ctx, f.workOrder(baseWorkOrder), "reviewer")
	require.NoError(t, err)

	tampered := f.workOrder(strings.Replace(baseWorkOrder, "Add greeting", "Add greeting!", 1))
	rep, err := p.Submit(ctx, Submission{WorkOrder: tampered})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rep.Outcome)
	failed, _ := rep.Failed()
	assert.Equal(t, ReasonTampered, failed.Outcome)
	assert.Contains(t, failed.Message, "tampered")
}

func TestReplayVariantEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pipeline()
	wo := f.workOrder(baseWorkOrder)
	ws := f.workspace(map[string]string{"src/app.py": "v1\n"})

	_, err := p.Approve(ctx, wo, "reviewer")
	require.NoError(t, err)
	rep, err := p.Submit(ctx, Submission{WorkOrder: wo, Workspace: ws})
	require.NoError(t, err)
	require.Equal(t, StatusApplied, rep.Outcome)

	rep, err = p.Submit(ctx, Submission{WorkOrder: wo, Workspace: ws})
	require.NoError(t, err)
	require.Equal(t, StatusNoOp, rep.Outcome)

	variant := f.workOrder(strings.Replace(baseWorkOrder, "Add greeting", "Add farewell", 1))
	_, err = p.Approve(ctx, variant, "reviewer")
	require.NoError(t, err)
	rep, err = p.Submit(ctx, Submission{WorkOrder: variant, Workspace: ws})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rep.Outcome)
	failed, _ := rep.Failed()
	assert.Equal(t, G2, failed.Gate)
	assert.Equal(t, ReasonReplayVariant, failed.Outcome)
	assert.Contains(t, failed.Message, "different hash")
}

func TestSchemaFailureHaltsBeforeGates(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline()
	wo := f.workOrder("id: WO-BAD\ntype: code_change\n")

	rep, err := p.Submit(context.Background(), Submission{WorkOrder: wo})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rep.Outcome)
	assert.Equal(t, Schema, rep.FailedGate)
	require.Len(t, rep.Results, 1)
	assert.Contains(t, rep.Results[0].Message, "work order WO-BAD is invalid")
}

func TestOutOfScopeFileFailsConstraints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pipeline()
	wo := f.workOrder(baseWorkOrder)
	_, err := p.Approve(ctx, wo, "reviewer")
	require.NoError(t, err)
	ws := f.workspace(map[string]string{
		"src/app.py":          "ok\n",
		"docs/readme.md":      "outside\n",
		"src/secrets/key.pem": "nope\n",
	})

	rep, err := p.Submit(ctx, Submission{WorkOrder: wo, Workspace: ws})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rep.Outcome)
	assert.Equal(t, G3, rep.FailedGate)
	failed, _ := rep.Failed()
	assert.Len(t, failed.Errors, 2)
	assert.Equal(t, []string{"docs/readme.md"}, failed.Details["out_of_scope"])
	assert.Equal(t, []string{"src/secrets/key.pem"}, failed.Details["forbidden"])
	assert.NoFileExists(t, f.execPath("src/app.py"))

	instance := f.entries(plane.InstanceRef(plane.HO2, wo.ID, rep.SessionID))
	assert.Equal(t, ledger.EventGateFailed, instance[len(instance)-1].EventType)
}

func TestDependencyManifestRequiresDependencyAdd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pipeline()
	doc := strings.Replace(baseWorkOrder, "    - src/**\n", "    - src/**\n    - go.mod\n", 1)
	wo := f.workOrder(doc)
	_, err := p.Approve(ctx, wo, "reviewer")
	require.NoError(t, err)

	rep, err := p.Submit(ctx, Submission{WorkOrder: wo})
	require.NoError(t, err)
	assert.Equal(t, G3, rep.FailedGate)
	failed, _ := rep.Failed()
	assert.Contains(t, failed.Message, "dependency_add")
	assert.Equal(t, []string{"go.mod"}, failed.Details["dependency_manifests"])

	allowed := f.workOrder(strings.Replace(doc, "type: code_change", "type: dependency_add", 1))
	_, err = p.Approve(ctx, allowed, "reviewer")
	require.NoError(t, err)
	rep, err = p.Submit(ctx, Submission{WorkOrder: allowed})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, rep.Outcome, "%+v", rep.Results)
}

func TestUncompletedDependencyFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pipeline()
	wo := f.workOrder(baseWorkOrder + "dependencies:\n  - WO-2025-999\n")
	_, err := p.Approve(ctx, wo, "reviewer")
	require.NoError(t, err)

	rep, err := p.Submit(ctx, Submission{WorkOrder: wo})
	require.NoError(t, err)
	assert.Equal(t, G3, rep.FailedGate)
	failed, _ := rep.Failed()
	assert.Contains(t, failed.Message, "WO-2025-999")
}

func TestAcceptanceFailureLeavesPlaneUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.runner.results["test -f src/app.py"] = ExecResult{ExitCode: 1, Stderr: "missing\n"}
	p := f.pipeline()
	wo := f.workOrder(baseWorkOrder)
	_, err := p.Approve(ctx, wo, "reviewer")
	require.NoError(t, err)
	ws := f.workspace(map[string]string{"src/app.py": "v1\n"})

	rep, err := p.Submit(ctx, Submission{WorkOrder: wo, Workspace: ws})
	require.NoError(t, err)
	assert.Equal(t, G4, rep.FailedGate)
	failed, _ := rep.Failed()
	assert.Contains(t, failed.Message, "exited with 1: missing")
	assert.NoFileExists(t, f.execPath("src/app.py"))

	session := f.entries(plane.SessionRef(plane.HO1, rep.SessionID))
	require.Len(t, session, 2)
	assert.Equal(t, "FAIL", session[1].Decision)

	has, err := f.store.HasEffect(ctx, cursor.ApplyKey(wo.ID, rep.PayloadHash))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestAcceptanceTimeoutDependsOnMode(t *testing.T) {
	ctx := context.Background()
	doc := strings.Replace(baseWorkOrder, "    - test -f src/app.py\n", "    - sleep 600\n    - exit 1\n    - true\n", 1)

	f := newFixture(t)
	f.runner.results["sleep 600"] = ExecResult{ExitCode: TimeoutExitCode, TimedOut: true}
	f.runner.results["exit 1"] = ExecResult{ExitCode: 1}
	p := f.pipeline()
	wo := f.workOrder(doc)
	_, err := p.Approve(ctx, wo, "reviewer")
	require.NoError(t, err)
	rep, err := p.Submit(ctx, Submission{WorkOrder: wo})
	require.NoError(t, err)
	require.Equal(t, StatusApplied, rep.Outcome)
	g4 := rep.Results[4]
	assert.True(t, g4.Passed)
	assert.Len(t, g4.Warnings, 1)
	assert.Equal(t, 2, g4.Details["skipped"])
	assert.Equal(t, []string{"sleep 600"}, f.runner.calls, "commands after a timeout do not run")

	strict := newFixture(t)
	strict.runner.results["sleep 600"] = ExecResult{ExitCode: TimeoutExitCode, TimedOut: true}
	pol := DefaultPolicy()
	pol.Strict = true
	signer := strict.signer(7)
	reg := &signing.Registry{}
	reg.Add(signer.PublicKey(), "ci", "2026-01-01")
	sp := strict.pipeline(WithPolicy(pol), WithSigner(signer), WithRegistry(reg))
	wo = strict.workOrder(doc)
	_, err = sp.Approve(ctx, wo, "reviewer")
	require.NoError(t, err)
	rep, err = sp.Submit(ctx, Submission{WorkOrder: wo})
	require.NoError(t, err)
	assert.Equal(t, G4, rep.FailedGate)
	assert.Equal(t, []string{"sleep 600"}, strict.runner.calls)
}

func TestSignedSubmission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	signer := f.signer(3)
	reg := &signing.Registry{}
	reg.Add(signer.PublicKey(), "release", "2026-01-01")
	p := f.pipeline(WithSigner(signer), WithRegistry(reg))
	wo := f.workOrder(baseWorkOrder)

	approval, err := p.Approve(ctx, wo, "reviewer")
	require.NoError(t, err)
	require.NotNil(t, approval.Signature)
	assert.Equal(t, approval.PayloadHash, approval.Signature.ContentHash)

	ws := f.workspace(map[string]string{"src/app.py": "v1\n"})
	rep, err := p.Submit(ctx, Submission{WorkOrder: wo, Workspace: ws})
	require.NoError(t, err)
	require.Equal(t, StatusApplied, rep.Outcome)
	assert.Empty(t, rep.Results[2].Warnings, "signed approval")
	assert.Empty(t, rep.Results[5].Warnings, "signed attestation")

	artifact := ChangesetPath(f.set.Execution().StagingDir(), wo.ID, rep.SessionID)
	_, err = signing.VerifyArtifact(artifact, reg)
	require.NoError(t, err)
	att, err := signing.ReadAttestation(artifact)
	require.NoError(t, err)
	assert.False(t, att.SignatureWaived)
	require.NoError(t, att.Verify(reg))
	assert.Equal(t, rep.Attestation.Digest, att.Digest)
}

func TestUntrustedApprovalSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	wo := f.workOrder(baseWorkOrder)
	p := f.pipeline(WithSigner(f.signer(9)), WithRegistry(&signing.Registry{}))
	_, err := p.Approve(ctx, wo, "reviewer")
	require.NoError(t, err)

	res, err := p.RunGate(ctx, G2, Submission{WorkOrder: wo})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "not in the trusted registry")

	pol := DefaultPolicy()
	pol.Strict = true
	sp := f.pipeline(WithSigner(f.signer(9)), WithRegistry(&signing.Registry{}), WithPolicy(pol))
	res, err = sp.RunGate(ctx, G2, Submission{WorkOrder: wo})
	require.NoError(t, err)
	assert.False(t, res.Passed)
}

func TestStrictModeWithoutKeyFailsSignatureGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pol := DefaultPolicy()
	pol.Strict = true
	pol.UnsignedApproval = SeverityIgnore
	p := f.pipeline(WithPolicy(pol))
	wo := f.workOrder(baseWorkOrder)

	// Strict mode rejects unsigned approvals whatever the configured severity.
	_, err := p.Approve(ctx, wo, "reviewer")
	require.NoError(t, err)
	rep, err := p.Submit(ctx, Submission{WorkOrder: wo})
	require.NoError(t, err)
	assert.Equal(t, G2, rep.FailedGate)

	res, err := p.RunGate(ctx, G5, Submission{WorkOrder: wo})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "no signing key")
}

func TestLedgerGateCatchesFabricatedReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pipeline()
	wo := f.workOrder(baseWorkOrder)
	_, err := p.Approve(ctx, wo, "reviewer")
	require.NoError(t, err)

	res, err := p.RunGate(ctx, G6, Submission{WorkOrder: wo})
	require.NoError(t, err)
	require.True(t, res.Passed, res.Message)

	exec, err := f.set.OpenLedger(f.set.Execution().MainLedgerRef(), ledger.WithLogger(discard))
	require.NoError(t, err)
	_, err = exec.Write(ledger.Entry{
		EventType: ledger.EventWorkOrderReceived,
		Metadata: ledger.Metadata{Relational: ledger.Relational{
			ParentLedger:  "ho3:governance",
			ParentEventID: "fabricated",
			ParentHash:    "sha256:00",
		}},
	})
	require.NoError(t, err)
	rep, err := exec.VerifyChain()
	require.NoError(t, err)
	require.True(t, rep.Valid, "ledger itself is hash-consistent")

	res, err = p.RunGate(ctx, G6, Submission{WorkOrder: wo})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "fabricated")
}

func TestLedgerGateCatchesHashMismatchInReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pipeline()
	wo := f.workOrder(baseWorkOrder)
	approval, err := p.Approve(ctx, wo, "reviewer")
	require.NoError(t, err)

	exec, err := f.set.OpenLedger(f.set.Execution().MainLedgerRef(), ledger.WithLogger(discard))
	require.NoError(t, err)
	_, err = exec.Write(ledger.Entry{
		EventType: ledger.EventWorkOrderReceived,
		Metadata: ledger.Metadata{Relational: ledger.Relational{
			ParentLedger:  "ho3:governance",
			ParentEventID: approval.EntryID,
			ParentHash:    "sha256:00",
		}},
	})
	require.NoError(t, err)

	res, err := p.RunGate(ctx, G6, Submission{WorkOrder: wo})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "records hash sha256:00")
}

func TestLedgerGateRequiresHashOnReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.pipeline()
	wo := f.workOrder(baseWorkOrder)
	approval, err := p.Approve(ctx, wo, "reviewer")
	require.NoError(t, err)

	exec, err := f.set.OpenLedger(f.set.Execution().MainLedgerRef(), ledger.WithLogger(discard))
	require.NoError(t, err)
	_, err = exec.Write(ledger.Entry{
		EventType: ledger.EventWorkOrderReceived,
		Metadata: ledger.Metadata{Relational: ledger.Relational{
			ParentLedger:  "ho3:governance",
			ParentEventID: approval.EntryID,
		}},
	})
	require.NoError(t, err)

	res, err := p.RunGate(ctx, G6, Submission{WorkOrder: wo})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "without recording its hash")
}
