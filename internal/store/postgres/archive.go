package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Archive implements store.PayloadArchive using the received_payloads table.
type Archive struct {
	db *pgxpool.Pool
}

// NewArchive creates a new PostgreSQL payload archive.
func NewArchive(db *pgxpool.Pool) *Archive {
	return &Archive{db: db}
}

// SavePayload stores raw for (problemID, state); a redelivery replaces it.
func (a *Archive) SavePayload(ctx context.Context, problemID, state string, raw []byte) error {
	query := `
		INSERT INTO received_payloads (problem_id, state, payload, received_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (problem_id, state) DO UPDATE
		SET payload = EXCLUDED.payload,
		    received_at = NOW()
	`
	if _, err := a.db.Exec(ctx, query, problemID, state, raw); err != nil {
		return fmt.Errorf("archive payload: %w", err)
	}
	return nil
}

// Payload returns the archived delivery for (problemID, state).
func (a *Archive) Payload(ctx context.Context, problemID, state string) ([]byte, error) {
	var raw []byte
	err := a.db.QueryRow(ctx,
		`SELECT payload FROM received_payloads WHERE problem_id = $1 AND state = $2`,
		problemID, state,
	).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("get archived payload: %w", err)
	}
	return raw, nil
}
