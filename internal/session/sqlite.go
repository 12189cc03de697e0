package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the session store. One row per session plus append-only
// child tables for trials, responses, captures, and completions.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id              TEXT PRIMARY KEY,
    participant_id  TEXT NOT NULL,
    key_odd         TEXT NOT NULL,
    key_even        TEXT NOT NULL,
    status          TEXT NOT NULL,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trials (
    session_id   TEXT NOT NULL REFERENCES sessions(id),
    seq          INTEGER NOT NULL,
    number       INTEGER NOT NULL,
    task         TEXT NOT NULL,
    digits       TEXT,
    effort_level INTEGER NOT NULL DEFAULT 0,
    presented_at INTEGER NOT NULL,
    PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS responses (
    session_id       TEXT NOT NULL REFERENCES sessions(id),
    seq              INTEGER NOT NULL,
    trial_number     INTEGER NOT NULL,
    position         INTEGER NOT NULL,
    digit            INTEGER NOT NULL,
    response         TEXT NOT NULL,
    response_time_ms INTEGER NOT NULL,
    at               INTEGER NOT NULL,
    PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS captures (
    session_id          TEXT NOT NULL REFERENCES sessions(id),
    trial_number        INTEGER NOT NULL,
    position            INTEGER NOT NULL,
    main_id             TEXT,
    main_synthetic      INTEGER NOT NULL DEFAULT 0,
    secondary_id        TEXT,
    secondary_synthetic INTEGER NOT NULL DEFAULT 0,
    stored_at           INTEGER NOT NULL,
    PRIMARY KEY (session_id, trial_number, position)
);

CREATE TABLE IF NOT EXISTS completions (
    session_id   TEXT NOT NULL REFERENCES sessions(id),
    task         TEXT NOT NULL,
    completed_at INTEGER NOT NULL,
    metadata     TEXT,
    PRIMARY KEY (session_id, task)
);

CREATE INDEX IF NOT EXISTS idx_responses_session ON responses(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_trials_session ON trials(session_id, seq);
`

// SQLiteStore persists sessions in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies the
// schema. WAL mode keeps appends from blocking point reads.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, state *State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, participant_id, key_odd, key_even, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		state.ID, state.ParticipantID, state.KeyMapping.Odd, state.KeyMapping.Even,
		string(state.Status), state.CreatedAt.UnixNano(), state.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, participant_id, key_odd, key_even, status, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	var state State
	var status string
	var createdNs, updatedNs int64
	err := row.Scan(&state.ID, &state.ParticipantID, &state.KeyMapping.Odd,
		&state.KeyMapping.Even, &status, &createdNs, &updatedNs)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	state.Status = Status(status)
	state.CreatedAt = time.Unix(0, createdNs)
	state.UpdatedAt = time.Unix(0, updatedNs)

	if state.Trials, err = s.loadTrials(ctx, id); err != nil {
		return nil, err
	}
	if state.Responses, err = s.loadResponses(ctx, id); err != nil {
		return nil, err
	}
	if state.Captures, err = s.loadCaptures(ctx, id); err != nil {
		return nil, err
	}
	if state.Completions, err = s.loadCompletions(ctx, id); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*State, 0, len(ids))
	for _, id := range ids {
		state, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

func (s *SQLiteStore) AppendTrial(ctx context.Context, id string, trial Trial) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	var digits any
	if len(trial.Digits) > 0 {
		b, err := json.Marshal(trial.Digits)
		if err != nil {
			return fmt.Errorf("encode digits: %w", err)
		}
		digits = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trials (session_id, seq, number, task, digits, effort_level, presented_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM trials WHERE session_id = ?), ?, ?, ?, ?, ?)`,
		id, id, trial.Number, string(trial.Task), digits, trial.EffortLevel, trial.PresentedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert trial: %w", err)
	}
	return s.touch(ctx, id)
}

func (s *SQLiteStore) AppendResponse(ctx context.Context, id string, event ResponseEvent) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO responses (session_id, seq, trial_number, position, digit, response, response_time_ms, at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM responses WHERE session_id = ?), ?, ?, ?, ?, ?, ?)`,
		id, id, event.TrialNumber, event.Position, event.Digit, event.Response,
		event.ResponseTimeMs, event.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	return s.touch(ctx, id)
}

func (s *SQLiteStore) AppendCapture(ctx context.Context, id string, ref CaptureRef) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	var mainID, secondaryID any
	var mainSyn, secondarySyn bool
	if ref.Main != nil {
		mainID, mainSyn = ref.Main.ID, ref.Main.Synthetic
	}
	if ref.Secondary != nil {
		secondaryID, secondarySyn = ref.Secondary.ID, ref.Secondary.Synthetic
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO captures (session_id, trial_number, position, main_id, main_synthetic, secondary_id, secondary_synthetic, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ref.TrialNumber, ref.Position, mainID, mainSyn, secondaryID, secondarySyn,
		ref.StoredAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert capture: %w", err)
	}
	return s.touch(ctx, id)
}

func (s *SQLiteStore) UpsertCompletion(ctx context.Context, id string, completion Completion) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	var metadata any
	if len(completion.Metadata) > 0 {
		b, err := json.Marshal(completion.Metadata)
		if err != nil {
			return fmt.Errorf("encode completion metadata: %w", err)
		}
		metadata = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completions (session_id, task, completed_at, metadata)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, task) DO UPDATE SET
			completed_at = excluded.completed_at,
			metadata = excluded.metadata`,
		id, string(completion.Task), completion.CompletedAt.UnixNano(), metadata,
	)
	if err != nil {
		return fmt.Errorf("upsert completion: %w", err)
	}
	return s.touch(ctx, id)
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) exists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrSessionNotFound
	}
	return err
}

func (s *SQLiteStore) touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UnixNano(), id)
	return err
}

func (s *SQLiteStore) loadTrials(ctx context.Context, id string) ([]Trial, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT number, task, digits, effort_level, presented_at
		FROM trials WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load trials: %w", err)
	}
	defer rows.Close()

	var out []Trial
	for rows.Next() {
		var t Trial
		var task string
		var digits sql.NullString
		var presentedNs int64
		if err := rows.Scan(&t.Number, &task, &digits, &t.EffortLevel, &presentedNs); err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		t.Task = TaskType(task)
		t.PresentedAt = time.Unix(0, presentedNs)
		if digits.Valid {
			if err := json.Unmarshal([]byte(digits.String), &t.Digits); err != nil {
				return nil, fmt.Errorf("decode digits: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadResponses(ctx context.Context, id string) ([]ResponseEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trial_number, position, digit, response, response_time_ms, at
		FROM responses WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load responses: %w", err)
	}
	defer rows.Close()

	var out []ResponseEvent
	for rows.Next() {
		var e ResponseEvent
		var atNs int64
		if err := rows.Scan(&e.TrialNumber, &e.Position, &e.Digit, &e.Response, &e.ResponseTimeMs, &atNs); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		e.At = time.Unix(0, atNs)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadCaptures(ctx context.Context, id string) ([]CaptureRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trial_number, position, main_id, main_synthetic, secondary_id, secondary_synthetic, stored_at
		FROM captures WHERE session_id = ? ORDER BY stored_at`, id)
	if err != nil {
		return nil, fmt.Errorf("load captures: %w", err)
	}
	defer rows.Close()

	var out []CaptureRef
	for rows.Next() {
		var ref CaptureRef
		var mainID, secondaryID sql.NullString
		var mainSyn, secondarySyn bool
		var storedNs int64
		if err := rows.Scan(&ref.TrialNumber, &ref.Position, &mainID, &mainSyn, &secondaryID, &secondarySyn, &storedNs); err != nil {
			return nil, fmt.Errorf("scan capture: %w", err)
		}
		if mainID.Valid {
			ref.Main = &ArtifactRef{ID: mainID.String, Synthetic: mainSyn}
		}
		if secondaryID.Valid {
			ref.Secondary = &ArtifactRef{ID: secondaryID.String, Synthetic: secondarySyn}
		}
		ref.StoredAt = time.Unix(0, storedNs)
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadCompletions(ctx context.Context, id string) ([]Completion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task, completed_at, metadata
		FROM completions WHERE session_id = ? ORDER BY completed_at`, id)
	if err != nil {
		return nil, fmt.Errorf("load completions: %w", err)
	}
	defer rows.Close()

	var out []Completion
	for rows.Next() {
		var c Completion
		var task string
		var completedNs int64
		var metadata sql.NullString
		if err := rows.Scan(&task, &completedNs, &metadata); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		c.Task = TaskType(task)
		c.CompletedAt = time.Unix(0, completedNs)
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &c.Metadata); err != nil {
				return nil, fmt.Errorf("decode completion metadata: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
