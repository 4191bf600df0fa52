package cursor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/govledger/internal/ir"
	"github.com/roach88/govledger/internal/ledger"
	"github.com/roach88/govledger/internal/store"
)

// Roller summarizes newly appended entries of a source ledger into a target
// ledger, at most once per range.
type Roller struct {
	Cursors *Manager
	Effects *store.Store
	Clock   ledger.Clock
	Logger  *slog.Logger
}

// RollupResult describes one Roll call.
type RollupResult struct {
	Range   Range          `json:"range"`
	Key     string         `json:"dedupe_key,omitempty"`
	EntryID string         `json:"entry_id,omitempty"`
	Skipped bool           `json:"skipped"`
	Counts  map[string]int `json:"counts,omitempty"`
}

// Roll reads the unprocessed range of source, claims its dedupe key and
// appends one ROLLUP entry to target, then advances the cursor. A range whose
// key is already claimed only advances the cursor.
func (r *Roller) Roll(ctx context.Context, source, target *ledger.Ledger, consumerTier string) (RollupResult, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := r.Clock
	if clock == nil {
		clock = ledger.SystemClock{}
	}

	count := source.Count()
	last := source.LastEntryHash()
	rng, err := r.Cursors.GetUnprocessedRange(source.Path(), count, last)
	if err != nil {
		return RollupResult{}, fmt.Errorf("rollup: %w", err)
	}
	res := RollupResult{Range: rng}

	if rng.WasReset {
		meta := ledger.Metadata{Provenance: ledger.Provenance{Tier: consumerTier}}.
			With("source_ledger", ir.String(source.Path())).
			With("previous_cursor", ir.Int(rng.Previous)).
			With("source_count", ir.Int(count))
		if _, err := target.Write(ledger.Entry{
			EventType: ledger.EventCursorReset,
			Decision:  "RESET",
			Reason:    "source ledger shrank below stored cursor",
			Metadata:  meta,
		}); err != nil {
			return res, fmt.Errorf("rollup: record cursor reset: %w", err)
		}
	}

	if rng.Empty() {
		res.Skipped = true
		return res, nil
	}

	entries, err := source.ReadRange(rng.From, rng.To)
	if err != nil {
		return res, fmt.Errorf("rollup: read source: %w", err)
	}
	res.Counts = map[string]int{}
	for _, e := range entries {
		res.Counts[string(e.EventType)]++
	}

	res.Key = RollupKey(source.Path(), rng.From, rng.To, entries[len(entries)-1].EntryHash, consumerTier)
	now := ledger.FormatTimestamp(clock.Now())
	inserted, err := r.Effects.Claim(ctx, store.Effect{
		DedupeKey: res.Key,
		Kind:      "rollup",
		Source:    source.Path(),
		Detail:    ir.Object{"from": ir.Int(rng.From), "to": ir.Int(rng.To), "tier": ir.String(consumerTier)},
		ClaimedAt: now,
	})
	if err != nil {
		return res, fmt.Errorf("rollup: %w", err)
	}
	if !inserted {
		logger.Info("rollup already applied, advancing cursor", "source", source.Path(), "key", res.Key)
		res.Skipped = true
		if err := r.Cursors.Save(source.Path(), rng.To, last); err != nil {
			return res, fmt.Errorf("rollup: %w", err)
		}
		return res, nil
	}

	counts := ir.Object{}
	for k, v := range res.Counts {
		counts[k] = ir.Int(v)
	}
	meta := ledger.Metadata{Provenance: ledger.Provenance{Tier: consumerTier}}.
		With("source_ledger", ir.String(source.Path())).
		With("from", ir.Int(rng.From)).
		With("to", ir.Int(rng.To)).
		With("source_last_hash", ir.String(last)).
		With("counts", counts).
		With("dedupe_key", ir.String(res.Key))
	res.EntryID, err = target.Write(ledger.Entry{
		EventType: ledger.EventRollup,
		Decision:  "SUMMARIZED",
		Reason:    fmt.Sprintf("%d entries rolled up", len(entries)),
		Metadata:  meta,
	})
	if err != nil {
		if rerr := r.Effects.Release(ctx, res.Key); rerr != nil {
			logger.Error("release rollup claim failed", "key", res.Key, "error", rerr)
		}
		return res, fmt.Errorf("rollup: write: %w", err)
	}

	if err := r.Cursors.Save(source.Path(), rng.To, last); err != nil {
		return res, fmt.Errorf("rollup: %w", err)
	}
	if err := r.Effects.MarkApplied(ctx, res.Key, ledger.FormatTimestamp(clock.Now())); err != nil {
		return res, fmt.Errorf("rollup: %w", err)
	}
	return res, nil
}
