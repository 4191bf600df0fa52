package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/govledger/internal/ir"
)

// Effect status values.
const (
	StatusClaimed = "claimed"
	StatusApplied = "applied"
)

// Effect is one entry of the applied-effects registry.
type Effect struct {
	DedupeKey string
	Kind      string // "rollup", "apply", "policy"
	Source    string // ledger path or work order id the effect derives from
	Detail    ir.Object
	Status    string
	ClaimedAt string
	AppliedAt string
}

// Claim registers e.DedupeKey. inserted is false when the key was already
// claimed, in which case the caller must not apply the effect again.
func (s *Store) Claim(ctx context.Context, e Effect) (inserted bool, err error) {
	if e.DedupeKey == "" {
		return false, fmt.Errorf("claim effect: empty dedupe key")
	}
	detail, err := marshalDetail(e.Detail)
	if err != nil {
		return false, fmt.Errorf("claim effect: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO applied_effects
		(dedupe_key, kind, source, detail, status, claimed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedupe_key) DO NOTHING
	`,
		e.DedupeKey,
		e.Kind,
		e.Source,
		detail,
		StatusClaimed,
		e.ClaimedAt,
	)
	if err != nil {
		return false, fmt.Errorf("claim effect: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim effect: rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// MarkApplied records that the claimed effect finished.
func (s *Store) MarkApplied(ctx context.Context, dedupeKey, appliedAt string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE applied_effects SET status = ?, applied_at = ?
		WHERE dedupe_key = ?
	`, StatusApplied, appliedAt, dedupeKey)
	if err != nil {
		return fmt.Errorf("mark applied: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark applied: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mark applied: %s was never claimed", dedupeKey)
	}
	return nil
}

// Release drops a claim that was never applied. It is used when the effect
// is known to have left no trace, such as a transaction that rolled back
// cleanly. Applied effects are never released.
func (s *Store) Release(ctx context.Context, dedupeKey string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM applied_effects
		WHERE dedupe_key = ? AND status = ?
	`, dedupeKey, StatusClaimed)
	if err != nil {
		return fmt.Errorf("release effect: %w", err)
	}
	return nil
}

// Effect returns the registry entry for dedupeKey.
func (s *Store) Effect(ctx context.Context, dedupeKey string) (Effect, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT dedupe_key, kind, source, detail, status, claimed_at, applied_at
		FROM applied_effects
		WHERE dedupe_key = ?
	`, dedupeKey)

	var (
		e      Effect
		detail string
	)
	err := row.Scan(&e.DedupeKey, &e.Kind, &e.Source, &detail, &e.Status, &e.ClaimedAt, &e.AppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Effect{}, false, nil
	}
	if err != nil {
		return Effect{}, false, fmt.Errorf("read effect: %w", err)
	}
	if e.Detail, err = unmarshalDetail(detail); err != nil {
		return Effect{}, false, fmt.Errorf("read effect %s: %w", dedupeKey, err)
	}
	return e, true, nil
}

// HasEffect reports whether dedupeKey was claimed.
func (s *Store) HasEffect(ctx context.Context, dedupeKey string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM applied_effects WHERE dedupe_key = ?)
	`, dedupeKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has effect: %w", err)
	}
	return exists == 1, nil
}

// EffectsBySource lists effects derived from source in claim order.
func (s *Store) EffectsBySource(ctx context.Context, source string) ([]Effect, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dedupe_key, kind, source, detail, status, claimed_at, applied_at
		FROM applied_effects
		WHERE source = ?
		ORDER BY claimed_at ASC, dedupe_key ASC COLLATE BINARY
	`, source)
	if err != nil {
		return nil, fmt.Errorf("effects by source: %w", err)
	}
	defer rows.Close()

	var out []Effect
	for rows.Next() {
		var (
			e      Effect
			detail string
		)
		if err := rows.Scan(&e.DedupeKey, &e.Kind, &e.Source, &detail, &e.Status, &e.ClaimedAt, &e.AppliedAt); err != nil {
			return nil, fmt.Errorf("effects by source: scan: %w", err)
		}
		if e.Detail, err = unmarshalDetail(detail); err != nil {
			return nil, fmt.Errorf("effects by source: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("effects by source: %w", err)
	}
	return out, nil
}

func marshalDetail(obj ir.Object) (string, error) {
	if obj == nil {
		return "{}", nil
	}
	data, err := ir.Canonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal detail: %w", err)
	}
	return string(data), nil
}

func unmarshalDetail(s string) (ir.Object, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	return ir.DecodeObject([]byte(s))
}
