package ledger

import (
	"fmt"
	"path/filepath"

	"github.com/roach88/govledger/internal/ir"
)

// Severity grades a verification issue.
type Severity string

const (
	SeverityFail Severity = "FAIL"
	SeverityWarn Severity = "WARN"
)

// Position locates an entry inside a segmented ledger.
type Position struct {
	Segment int    `json:"segment"`
	File    string `json:"file"`
	Line    int    `json:"line"`
	Index   int    `json:"index"`
}

// Issue is one problem found by VerifyChain.
type Issue struct {
	Severity Severity `json:"severity"`
	Code     Code     `json:"code"`
	Message  string   `json:"message"`
	EntryID  string   `json:"entry_id,omitempty"`
	Position Position `json:"position"`
}

// Report is the outcome of a chain verification.
type Report struct {
	Path       string    `json:"path"`
	Valid      bool      `json:"valid"`
	Entries    int       `json:"entries"`
	LastHash   string    `json:"last_hash"`
	FirstBreak *Position `json:"first_break,omitempty"`
	Issues     []Issue   `json:"issues"`
}

// Failures returns the FAIL issues.
func (r Report) Failures() []Issue {
	return r.filter(SeverityFail)
}

// Warnings returns the WARN issues.
func (r Report) Warnings() []Issue {
	return r.filter(SeverityWarn)
}

func (r Report) filter(s Severity) []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity == s {
			out = append(out, is)
		}
	}
	return out
}

// VerifyChain replays the ledger, recomputing every entry hash and checking
// every previous_hash link.
func (l *Ledger) VerifyChain() (Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Verify(l.path)
}

// Verify checks the ledger at path without opening it for writing.
//
// A malformed line, a hash mismatch or a broken link is a FAIL and marks the
// first break; scanning continues for diagnostics. An entry without
// entry_hash is a WARN: the trusted prefix restarts after it and the next
// entry is expected to carry an empty previous_hash. The first entry may
// carry a non-empty previous_hash only when it is a GENESIS entry whose
// relational parent_hash records the same value.
func Verify(path string) (Report, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Report{}, err
	}
	files, err := SegmentFiles(abs)
	if err != nil {
		return Report{}, err
	}

	rep := Report{Path: abs, Valid: true, Issues: []Issue{}}
	expected := ""
	linkKnown := true

	add := func(sev Severity, code Code, pos Position, id, msg string) {
		rep.Issues = append(rep.Issues, Issue{Severity: sev, Code: code, Message: msg, EntryID: id, Position: pos})
		if sev == SeverityFail {
			rep.Valid = false
			if rep.FirstBreak == nil {
				p := pos
				rep.FirstBreak = &p
			}
		}
	}

	err = scanLedger(files, func(rl rawLine) error {
		rep.Entries++
		pos := Position{Segment: rl.Segment, File: filepath.Base(files[rl.Segment]), Line: rl.Line, Index: rl.Index}

		obj, err := ir.DecodeObject(rl.Data)
		if err != nil {
			add(SeverityFail, CodeMalformed, pos, "", err.Error())
			linkKnown = false
			rep.LastHash = ""
			return nil
		}
		id, _ := obj.Str("id")
		stored, _ := obj.Str("entry_hash")
		prev, _ := obj.Str("previous_hash")

		if stored == "" {
			add(SeverityWarn, CodeUnhashed, pos, id, "entry has no entry_hash; chain trust restarts after it")
			expected = ""
			linkKnown = true
			rep.LastHash = ""
			return nil
		}

		computed, err := hashObject(obj)
		if err != nil {
			add(SeverityFail, CodeMalformed, pos, id, err.Error())
		} else if computed != stored {
			add(SeverityFail, CodeHashMismatch, pos, id,
				fmt.Sprintf("entry_hash %s does not match recomputed %s", stored, computed))
		}

		if linkKnown && prev != expected && !genesisAnchor(rl.Index, obj, prev) {
			add(SeverityFail, CodeBrokenLink, pos, id,
				fmt.Sprintf("previous_hash %q does not match prior entry hash %q", prev, expected))
		}

		expected = stored
		linkKnown = true
		rep.LastHash = stored
		return nil
	})
	if err != nil {
		return rep, err
	}
	return rep, nil
}

// genesisAnchor reports whether a first entry's previous_hash is the parent
// hash recorded by a GENESIS entry.
func genesisAnchor(index int, obj ir.Object, prev string) bool {
	if index != 0 || prev == "" {
		return false
	}
	if t, _ := obj.Str("event_type"); t != string(EventGenesis) {
		return false
	}
	meta, ok := obj.Obj("metadata")
	if !ok {
		return false
	}
	rel, ok := meta.Obj(keyRelational)
	if !ok {
		return false
	}
	parent, _ := rel.Str("parent_hash")
	return parent == prev
}
