// Package postgres provides the PostgreSQL implementation of the problem store backend.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bissquit/problem-relay/internal/domain"
)

// Backend implements store.Backend using the sent_problems table.
type Backend struct {
	db *pgxpool.Pool
}

// NewBackend creates a new PostgreSQL backend.
func NewBackend(db *pgxpool.Pool) *Backend {
	return &Backend{db: db}
}

// LoadAll returns every stored problem. Rows whose payload cannot be decoded are skipped.
func (b *Backend) LoadAll(ctx context.Context) ([]domain.Problem, error) {
	query := `
		SELECT display_name, payload
		FROM sent_problems
		ORDER BY display_name
	`
	rows, err := b.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sent problems: %w", err)
	}
	defer rows.Close()

	problems := make([]domain.Problem, 0)
	for rows.Next() {
		var displayName string
		var payload []byte
		if err := rows.Scan(&displayName, &payload); err != nil {
			return nil, fmt.Errorf("scan sent problem: %w", err)
		}

		var p domain.Problem
		if err := json.Unmarshal(payload, &p); err != nil {
			slog.Warn("skipping corrupt sent problem", "display_name", displayName, "error", err)
			continue
		}
		p.DisplayName = displayName
		problems = append(problems, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sent problems: %w", err)
	}

	return problems, nil
}

// Save inserts or replaces the record for problem.DisplayName.
func (b *Backend) Save(ctx context.Context, problem domain.Problem) error {
	if problem.DisplayName == "" {
		return errors.New("problem has no display name")
	}

	payload, err := json.Marshal(problem)
	if err != nil {
		return fmt.Errorf("marshal problem: %w", err)
	}

	query := `
		INSERT INTO sent_problems (display_name, problem_id, status, payload, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (display_name) DO UPDATE
		SET problem_id = EXCLUDED.problem_id,
		    status = EXCLUDED.status,
		    payload = EXCLUDED.payload,
		    updated_at = NOW()
	`
	if _, err := b.db.Exec(ctx, query,
		problem.DisplayName,
		problem.ID,
		string(problem.Status),
		payload,
	); err != nil {
		return fmt.Errorf("upsert sent problem: %w", err)
	}
	return nil
}
