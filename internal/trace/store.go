package trace

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxTurns = 5000

// ErrNotFound is returned when a turn id has no trace.
var ErrNotFound = errors.New("trace not found")

// Store persists turn timing to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to a PostgreSQL trace database at connStr and applies
// pending migrations.
func Open(ctx context.Context, connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace ping: %w", err)
	}
	if err = migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.ExecContext(ctx, string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTurn inserts a running turn and prunes the oldest beyond the
// retention limit.
func (s *Store) CreateTurn(ctx context.Context, id, sessionID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, started_at) VALUES ($1, $2, $3)`,
		id, sessionID, startedAt.UTC(),
	)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM turns WHERE id NOT IN (SELECT id FROM turns ORDER BY started_at DESC LIMIT $1)`,
		maxTurns,
	)
	return err
}

// FinishTurn sets the turn's outcome fields.
func (s *Store) FinishTurn(ctx context.Context, id string, durationMs float64, outcome, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE turns SET duration_ms = $1, outcome = $2, error_msg = $3 WHERE id = $4`,
		durationMs, outcome, errMsg, id,
	)
	return err
}

// CreateStage inserts one stage timing.
func (s *Store) CreateStage(ctx context.Context, st Stage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stages (id, turn_id, name, started_at, duration_ms) VALUES ($1, $2, $3, $4, $5)`,
		st.ID, st.TurnID, st.Name, st.StartedAt.UTC(), st.DurationMs,
	)
	return err
}

// ListTurns returns turns newest first with stage counts, and the total.
// A non-empty sessionID restricts the list to that session.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit, offset int) ([]Turn, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turns WHERE $1 = '' OR session_id = $1`, sessionID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.session_id, t.started_at, t.duration_ms, t.outcome, t.error_msg, COUNT(st.id) AS stage_count
		FROM turns t
		LEFT JOIN stages st ON st.turn_id = t.id
		WHERE $1 = '' OR t.session_id = $1
		GROUP BY t.id
		ORDER BY t.started_at DESC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err = rows.Scan(&t.ID, &t.SessionID, &t.StartedAt, &t.DurationMs, &t.Outcome, &t.Error, &t.StageCount); err != nil {
			return nil, 0, err
		}
		turns = append(turns, t)
	}
	return turns, total, rows.Err()
}

// GetTurn returns a single turn with its stages in order.
func (s *Store) GetTurn(ctx context.Context, id string) (*Turn, []Stage, error) {
	var t Turn
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, started_at, duration_ms, outcome, error_msg FROM turns WHERE id = $1`, id,
	).Scan(&t.ID, &t.SessionID, &t.StartedAt, &t.DurationMs, &t.Outcome, &t.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, turn_id, name, started_at, duration_ms FROM stages WHERE turn_id = $1 ORDER BY started_at ASC`,
		id,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var stages []Stage
	for rows.Next() {
		var st Stage
		if err = rows.Scan(&st.ID, &st.TurnID, &st.Name, &st.StartedAt, &st.DurationMs); err != nil {
			return nil, nil, err
		}
		stages = append(stages, st)
	}
	t.StageCount = len(stages)
	return &t, stages, rows.Err()
}
