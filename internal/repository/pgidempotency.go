package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PGIdempotencyStore keeps reservations in a table with a primary key on
// the idempotency key; INSERT ... ON CONFLICT DO NOTHING is the atomic
// check-and-set. Abandoned reservations are reclaimed in the same
// statement by taking over rows whose liveness deadline has passed.
type PGIdempotencyStore struct {
	db *sql.DB
}

func NewPGIdempotencyStore(db *sql.DB) *PGIdempotencyStore {
	return &PGIdempotencyStore{db: db}
}

func (r *PGIdempotencyStore) Reserve(ctx context.Context, key string, liveness time.Duration) (*Reservation, error) {
	token := uuid.NewString()
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO idempotency_records (key, state, token, reserved_at, expires_at)
		VALUES ($1, 'pending', $2, $3, $4)
		ON CONFLICT (key) DO NOTHING`,
		key, token, now, now.Add(liveness),
	)
	if err != nil {
		return nil, fmt.Errorf("Reserve: %w", pgErr(err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return &Reservation{State: ReserveNew, Token: token}, nil
	}

	// Key exists: either replay a terminal result, report an in-flight
	// attempt, or take over an abandoned reservation.
	var state string
	var result sql.NullString
	var expiresAt time.Time
	err = r.db.QueryRowContext(ctx,
		`SELECT state, result, expires_at FROM idempotency_records WHERE key = $1`, key,
	).Scan(&state, &result, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Resolved row expired and was swept between our insert and read.
		return r.Reserve(ctx, key, liveness)
	}
	if err != nil {
		return nil, fmt.Errorf("Reserve: %w", pgErr(err))
	}

	if state == "resolved" {
		if now.After(expiresAt) {
			// Out of retention: must be treated as new.
			if _, err := r.db.ExecContext(ctx,
				`DELETE FROM idempotency_records WHERE key = $1 AND state = 'resolved' AND expires_at < $2`,
				key, now,
			); err != nil {
				return nil, fmt.Errorf("Reserve: sweep: %w", pgErr(err))
			}
			return r.Reserve(ctx, key, liveness)
		}
		var rec ChangeRecord
		if err := json.Unmarshal([]byte(result.String), &rec); err != nil {
			return nil, fmt.Errorf("Reserve: decode result: %w", err)
		}
		return &Reservation{State: ReserveResolved, Stored: &rec}, nil
	}

	// Pending: reclaim only if the holder's liveness window has lapsed.
	res, err = r.db.ExecContext(ctx,
		`UPDATE idempotency_records SET token = $1, reserved_at = $2, expires_at = $3
		WHERE key = $4 AND state = 'pending' AND expires_at < $2`,
		token, now, now.Add(liveness), key,
	)
	if err != nil {
		return nil, fmt.Errorf("Reserve: reclaim: %w", pgErr(err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return &Reservation{State: ReserveNew, Token: token}, nil
	}
	return &Reservation{State: ReserveInFlight}, nil
}

func (r *PGIdempotencyStore) Resolve(ctx context.Context, key, token string, rec *ChangeRecord, retention time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("Resolve: marshal: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE idempotency_records SET state = 'resolved', result = $1, expires_at = $2
		WHERE key = $3 AND (state = 'pending' AND token = $4)`,
		raw, time.Now().UTC().Add(retention), key, token,
	)
	if err != nil {
		return fmt.Errorf("Resolve: %w", pgErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Reservation was reclaimed by a newer attempt; record the result
		// anyway if the row vanished entirely, otherwise let the
		// reclaimer's outcome stand.
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO idempotency_records (key, state, token, result, reserved_at, expires_at)
			VALUES ($1, 'resolved', $2, $3, $4, $5)
			ON CONFLICT (key) DO NOTHING`,
			key, token, raw, time.Now().UTC(), time.Now().UTC().Add(retention),
		); err != nil {
			return fmt.Errorf("Resolve: %w", pgErr(err))
		}
	}
	return nil
}

func (r *PGIdempotencyStore) Abort(ctx context.Context, key, token string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE key = $1 AND state = 'pending' AND token = $2`,
		key, token,
	); err != nil {
		return fmt.Errorf("Abort: %w", pgErr(err))
	}
	return nil
}

// CleanExpired sweeps resolved records past retention; meant for a
// periodic maintenance call, not the hot path.
func (r *PGIdempotencyStore) CleanExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at < now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("CleanExpired: %w", pgErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("CleanExpired: rows affected: %w", err)
	}
	return n, nil
}
