package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/agentflow/agentflow/harness/ports"
)

// SQLTurnLog implements TurnLog on the messages table (LibSQL or SQLite).
type SQLTurnLog struct {
	db *sql.DB
}

// NewSQLTurnLog creates a turn log over an already migrated database.
func NewSQLTurnLog(db *sql.DB) *SQLTurnLog {
	return &SQLTurnLog{
		db: db,
	}
}

// Append records one turn. Turn IDs are primary keys, so re-appending an ID fails.
func (s *SQLTurnLog) Append(ctx context.Context, turn ports.Turn) error {
	if !turn.Role.Valid() {
		return fmt.Errorf("failed to save turn %s: unknown role %q", turn.ID, turn.Role)
	}

	metadataJSON, err := json.Marshal(turn.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO messages (id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		turn.ID,
		string(turn.Role),
		turn.Content,
		string(metadataJSON),
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save turn %s: %w", turn.ID, err)
	}

	return nil
}

// LoadAll returns every turn in the order it was appended.
func (s *SQLTurnLog) LoadAll(ctx context.Context) ([]ports.Turn, error) {
	query := `
		SELECT id, role, content, metadata, created_at FROM messages
		ORDER BY rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []ports.Turn
	for rows.Next() {
		var (
			turn         ports.Turn
			role         string
			metadataJSON string
			createdAt    string
		)
		if err := rows.Scan(&turn.ID, &role, &turn.Content, &metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}

		if turn.Role, err = ports.ParseRole(role); err != nil {
			return nil, fmt.Errorf("turn %s: %w", turn.ID, err)
		}
		if err := json.Unmarshal([]byte(metadataJSON), &turn.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata for turn %s: %w", turn.ID, err)
		}
		if turn.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at for turn %s: %w", turn.ID, err)
		}

		turns = append(turns, turn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}

	return turns, nil
}

// Clear deletes every turn.
func (s *SQLTurnLog) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages"); err != nil {
		return fmt.Errorf("failed to clear turns: %w", err)
	}
	return nil
}

// Ensure SQLTurnLog implements the TurnLog interface.
var _ ports.TurnLog = (*SQLTurnLog)(nil)
