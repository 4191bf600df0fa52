// Package gate implements the seven gates a work order passes before its
// changes become durable, and the pipeline that runs them in order.
//
//	G0K KERNEL_PARITY  shared kernel package identical on every plane
//	G1  CHAIN          installed packages trace to specs and frameworks
//	G2  WORK_ORDER     approved, untampered, not a replay variant
//	G3  CONSTRAINTS    changed files stay inside the declared scope
//	G4  ACCEPTANCE     declared tests and checks pass in the workspace
//	G5  SIGNATURE      changeset digest attested (signed or waived)
//	G6  LEDGER         every touched ledger and cross-plane link verifies
//
// The first failing gate halts the pipeline. A gate reports business
// failures as a Result; infrastructure faults are returned as errors
// (InfraError) and always propagate.
//
// Ledgers written during a submission:
//
//	ho3:governance              WO_APPROVED (read by G2)
//	<exec>:workorders           WO_RECEIVED, WO_NO_OP, WO_COMPLETED, GATE_FAILED
//	<exec>:wo/<wo>/<session>    GENESIS, GATE_PASSED/GATE_FAILED, ATTESTATION_RECORDED
//	<child>:sessions/<session>  GENESIS, ACCEPTANCE_RESULT
package gate
