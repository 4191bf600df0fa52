package gate

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/plane"
	"github.com/roach88/govledger/internal/signing"
	"github.com/roach88/govledger/internal/store"
	"github.com/roach88/govledger/internal/telemetry"
	"github.com/roach88/govledger/internal/txn"
	"github.com/roach88/govledger/internal/workorder"
)

// Status is the final state of a submission.
type Status string

const (
	StatusApplied Status = "APPLIED"
	StatusNoOp    Status = "NO_OP"
	StatusFailed  Status = "FAILED"
)

// Pipeline runs work orders through the gates against a plane set.
type Pipeline struct {
	planes    *plane.Set
	store     *store.Store
	registry  *signing.Registry
	signer    *signing.Signer
	policy    Policy
	runner    Runner
	committer txn.Committer
	publisher txn.Publisher
	clock     ledger.Clock
	ids       ledger.IDGenerator
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRegistry sets the trusted-key registry. By default it is read from the
// top plane.
func WithRegistry(r *signing.Registry) Option {
	return func(p *Pipeline) { p.registry = r }
}

// WithSigner sets the key attestations are signed with. Without one,
// signatures are waived (permissive) or G5 fails (strict).
func WithSigner(s *signing.Signer) Option {
	return func(p *Pipeline) { p.signer = s }
}

// WithPolicy replaces DefaultPolicy.
func WithPolicy(pol Policy) Option {
	return func(p *Pipeline) { p.policy = pol }
}

// WithRunner replaces the shell runner used by G4.
func WithRunner(r Runner) Option {
	return func(p *Pipeline) { p.runner = r }
}

// WithCommitter records applied changes in version control.
func WithCommitter(c txn.Committer) Option {
	return func(p *Pipeline) { p.committer = c }
}

// WithPublisher replaces the publisher used to apply changes.
func WithPublisher(pub txn.Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithClock sets the clock stamped on ledger entries.
func WithClock(c ledger.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithIDGenerator sets the generator for entry, session and attestation ids.
func WithIDGenerator(g ledger.IDGenerator) Option {
	return func(p *Pipeline) { p.ids = g }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithTracer sets the tracer gate spans are recorded with.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// NewPipeline creates a pipeline. st records gate history and apply claims.
func NewPipeline(planes *plane.Set, st *store.Store, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		planes: planes,
		store:  st,
		policy: DefaultPolicy(),
		runner: ShellRunner{},
		clock:  ledger.SystemClock{},
		ids:    ledger.UUIDv7Generator{},
		logger: slog.Default(),
		tracer: telemetry.Tracer("govledger/gate"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry == nil {
		reg, err := signing.LoadRegistry(planes.Top().RegistryPath())
		if err != nil {
			return nil, err
		}
		p.registry = reg
	}
	return p, nil
}

// Policy returns the active policy.
func (p *Pipeline) Policy() Policy {
	return p.policy
}

func (p *Pipeline) ledgerOpts() []ledger.Option {
	return []ledger.Option{
		ledger.WithClock(p.clock),
		ledger.WithIDGenerator(p.ids),
		ledger.WithLogger(p.logger),
	}
}

func (p *Pipeline) openLedger(ref plane.Ref) (*ledger.Ledger, error) {
	return p.planes.OpenLedger(ref, p.ledgerOpts()...)
}

func (p *Pipeline) now() string {
	return ledger.FormatTimestamp(p.clock.Now())
}

// Submission is a work order offered for application.
type Submission struct {
	WorkOrder *workorder.WorkOrder
	// Workspace holds the changed files at their paths relative to the
	// execution plane root.
	Workspace string
	Actor     string
	// SessionID is generated when empty.
	SessionID string
}

// Report is the outcome of a submission.
type Report struct {
	WorkOrderID string               `json:"work_order_id"`
	SessionID   string               `json:"session_id"`
	PayloadHash string               `json:"payload_hash"`
	Outcome     Status               `json:"outcome"`
	FailedGate  ID                   `json:"failed_gate,omitempty"`
	Results     []Result             `json:"results"`
	Attestation *signing.Attestation `json:"attestation,omitempty"`
	Transaction *txn.Result          `json:"transaction,omitempty"`
	Ledgers     []string             `json:"ledgers,omitempty"`
}

// Failed returns the failing result, if any.
func (r *Report) Failed() (Result, bool) {
	for _, res := range r.Results {
		if !res.Passed {
			return res, true
		}
	}
	return Result{}, false
}

// run is the state carried between gates of one submission.
type run struct {
	sub         Submission
	wo          *workorder.WorkOrder
	hash        string
	workspace   string
	changed     []string
	exec        *plane.Plane
	execRef     plane.Ref
	execLog     *ledger.Ledger
	approval    *ledger.Entry
	instanceRef plane.Ref
	instance    *ledger.Ledger
	sessionRef  plane.Ref
	session     *ledger.Ledger
	attestation *signing.Attestation
	digest      string
	files       []signing.FileDigest
}

func (p *Pipeline) prepare(sub Submission) (*run, error) {
	if sub.WorkOrder == nil {
		return nil, fmt.Errorf("submission has no work order")
	}
	if sub.SessionID == "" {
		sub.SessionID = p.ids.Generate()
	}
	if sub.Actor == "" {
		sub.Actor = "govledger"
	}
	hash, err := sub.WorkOrder.PayloadHash()
	if err != nil {
		return nil, fmt.Errorf("payload hash: %w", err)
	}
	r := &run{sub: sub, wo: sub.WorkOrder, hash: hash}

	if sub.Workspace != "" {
		r.workspace, err = filepath.Abs(sub.Workspace)
		if err != nil {
			return nil, err
		}
		r.changed, err = listFiles(r.workspace)
		if err != nil {
			return nil, fmt.Errorf("list workspace: %w", err)
		}
	}

	r.exec = p.planes.Execution()
	if r.wo.Plane != "" {
		if r.exec, err = p.planes.Get(r.wo.Plane); err != nil {
			return nil, err
		}
	}
	r.execRef = r.exec.MainLedgerRef()
	if r.execLog, err = p.openLedger(r.execRef); err != nil {
		return nil, infra(G2, "open execution ledger", err)
	}
	return r, nil
}

// Submit runs every gate in order and, when all pass, applies the changes.
// A failing gate ends the run with Outcome FAILED; an exact repeat of a
// completed work order ends with Outcome NO_OP. Errors are infrastructure
// faults only.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (*Report, error) {
	r, err := p.prepare(sub)
	if err != nil {
		return nil, err
	}
	rep := &Report{
		WorkOrderID: r.wo.ID,
		SessionID:   r.sub.SessionID,
		PayloadHash: r.hash,
		Results:     []Result{},
	}
	p.logger.Info("submission started",
		"work_order", r.wo.ID,
		"session", r.sub.SessionID,
		"plane", r.exec.Tier,
		"files", len(r.changed),
	)

	if err := r.wo.Validate(); err != nil {
		if !workorder.IsValidationError(err) {
			return rep, infra(Schema, "validate", err)
		}
		res := newResult(Schema)
		res.fail("%v", err)
		return p.halt(ctx, r, rep, res.conclude(""))
	}

	for _, id := range []ID{G0K, G1, G2} {
		res, err := p.runGate(ctx, r, id)
		if err != nil {
			return rep, err
		}
		if !res.Passed {
			return p.halt(ctx, r, rep, res)
		}
		rep.Results = append(rep.Results, res)
	}

	if rep.Results[len(rep.Results)-1].Outcome == OutcomeNoOp {
		if err := p.noOp(r); err != nil {
			return rep, err
		}
		rep.Outcome = StatusNoOp
		p.logger.Info("submission is a no-op", "work_order", r.wo.ID, "session", r.sub.SessionID)
		return rep, nil
	}

	if err := p.receive(r); err != nil {
		return rep, err
	}
	for _, res := range rep.Results {
		if err := p.recordInstance(r, res); err != nil {
			return rep, err
		}
	}
	if err := p.openSession(r); err != nil {
		return rep, err
	}
	rep.Ledgers = []string{r.instanceRef.String(), r.sessionRef.String()}

	for _, id := range []ID{G3, G4, G5} {
		res, err := p.runGate(ctx, r, id)
		if err != nil {
			return rep, err
		}
		if id == G5 {
			rep.Attestation = r.attestation
		}
		if !res.Passed {
			return p.halt(ctx, r, rep, res)
		}
		rep.Results = append(rep.Results, res)
		if err := p.recordInstance(r, res); err != nil {
			return rep, err
		}
	}

	txRes, err := p.apply(ctx, r)
	if err != nil {
		return rep, err
	}
	rep.Transaction = &txRes
	if err := p.complete(ctx, r, txRes); err != nil {
		return rep, err
	}

	res, err := p.runGate(ctx, r, G6)
	if err != nil {
		return rep, err
	}
	if !res.Passed {
		return p.halt(ctx, r, rep, res)
	}
	rep.Results = append(rep.Results, res)
	if err := p.recordInstance(r, res); err != nil {
		return rep, err
	}

	rep.Outcome = StatusApplied
	p.logger.Info("submission applied",
		"work_order", r.wo.ID,
		"session", r.sub.SessionID,
		"files", len(txRes.Applied),
	)
	return rep, nil
}

// RunGate evaluates a single gate outside a submission. Nothing is recorded
// in the ledgers or the gate history, but G5 still writes its changeset
// manifest and attestation to staging.
func (p *Pipeline) RunGate(ctx context.Context, id ID, sub Submission) (Result, error) {
	r, err := p.prepare(sub)
	if err != nil {
		return Result{}, err
	}
	if id == Schema {
		res := newResult(Schema)
		if err := r.wo.Validate(); err != nil {
			if !workorder.IsValidationError(err) {
				return res, infra(Schema, "validate", err)
			}
			res.fail("%v", err)
		}
		return res.conclude("work order is well-formed"), nil
	}
	return p.evaluate(ctx, r, id)
}

func (p *Pipeline) evaluate(ctx context.Context, r *run, id ID) (Result, error) {
	switch id {
	case G0K:
		return p.kernelParity(ctx, r)
	case G1:
		return p.chain(r)
	case G2:
		return p.authorize(r)
	case G3:
		return p.constraints(r)
	case G4:
		return p.acceptance(ctx, r)
	case G5:
		return p.signature(r)
	case G6:
		return p.verifyLedgers(r)
	default:
		return Result{}, fmt.Errorf("unknown gate %q", id)
	}
}

func (p *Pipeline) runGate(ctx context.Context, r *run, id ID) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "gate."+string(id),
		trace.WithAttributes(
			attribute.String("gate.id", string(id)),
			attribute.String("gate.name", id.Name()),
			attribute.String("work_order.id", r.wo.ID),
			attribute.String("session.id", r.sub.SessionID),
		),
	)
	defer span.End()

	res, err := p.evaluate(ctx, r, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("gate infrastructure failure", "gate", id, "work_order", r.wo.ID, "error", err)
		return res, err
	}
	span.SetAttributes(attribute.Bool("gate.passed", res.Passed))

	level := slog.LevelInfo
	if !res.Passed || len(res.Warnings) > 0 {
		level = slog.LevelWarn
	}
	p.logger.Log(ctx, level, "gate evaluated",
		"gate", id,
		"work_order", r.wo.ID,
		"passed", res.Passed,
		"outcome", res.Outcome,
		"message", res.Message,
	)

	if err := p.recordRun(ctx, r, res); err != nil {
		return res, err
	}
	return res, nil
}

func (p *Pipeline) recordRun(ctx context.Context, r *run, res Result) error {
	if p.store == nil {
		return nil
	}
	_, err := p.store.RecordGateRun(ctx, store.GateRun{
		SessionID:   r.sub.SessionID,
		WorkOrderID: r.wo.ID,
		Plane:       string(r.exec.Tier),
		Gate:        string(res.Gate),
		Passed:      res.Passed,
		Outcome:     res.Outcome,
		Message:     res.Message,
		Details:     res.DetailsObject(),
		RecordedAt:  p.now(),
	})
	return infra(res.Gate, "record gate run", err)
}

// halt records a failing result and ends the submission.
func (p *Pipeline) halt(ctx context.Context, r *run, rep *Report, res Result) (*Report, error) {
	rep.Results = append(rep.Results, res)
	rep.Outcome = StatusFailed
	rep.FailedGate = res.Gate
	if res.Gate == Schema {
		if err := p.recordRun(ctx, r, res); err != nil {
			return rep, err
		}
	}

	target := r.instance
	if target == nil {
		target = r.execLog
	}
	if _, err := target.Write(p.gateEntry(r, res)); err != nil {
		return rep, infra(res.Gate, "record gate failure", err)
	}
	p.logger.Warn("submission halted",
		"work_order", r.wo.ID,
		"session", r.sub.SessionID,
		"gate", res.Gate,
		"message", res.Message,
	)
	return rep, nil
}

func (p *Pipeline) provenance(r *run) ledger.Provenance {
	return ledger.Provenance{
		Actor:       r.sub.Actor,
		WorkOrderID: r.wo.ID,
		SessionID:   r.sub.SessionID,
		Tier:        string(r.exec.Tier),
	}
}

func (p *Pipeline) gateEntry(r *run, res Result) ledger.Entry {
	et, decision := ledger.EventGatePassed, "PASS"
	if !res.Passed {
		et, decision = ledger.EventGateFailed, "FAIL"
	}
	if res.Outcome != "" {
		decision = res.Outcome
	}
	extra := ir.Object{
		"gate":      ir.String(string(res.Gate)),
		"gate_name": ir.String(res.Name),
		"errors":    stringArray(res.Errors),
		"warnings":  stringArray(res.Warnings),
	}
	if d := res.DetailsObject(); d != nil {
		extra["details"] = d
	}
	return ledger.Entry{
		EventType:    et,
		SubmissionID: r.sub.SessionID,
		Decision:     decision,
		Reason:       res.Message,
		Metadata:     ledger.Metadata{Provenance: p.provenance(r), Extra: extra},
	}
}

func (p *Pipeline) recordInstance(r *run, res Result) error {
	if r.instance == nil {
		return nil
	}
	if _, err := r.instance.Write(p.gateEntry(r, res)); err != nil {
		return infra(res.Gate, "record gate result", err)
	}
	return nil
}

func stringArray(ss []string) ir.Array {
	arr := make(ir.Array, len(ss))
	for i, s := range ss {
		arr[i] = ir.String(s)
	}
	return arr
}
