package ir

// Version constants stamped into genesis entries and attestations.
const (
	// FormatVersion is the ledger wire format version.
	FormatVersion = "1"

	// ToolVersion is the govledger release.
	ToolVersion = "0.3.0"
)
