package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL via pgx.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			tag TEXT NOT NULL DEFAULT '',
			seq BIGINT NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			metadata_version BIGINT NOT NULL DEFAULT 0,
			agent_state TEXT NOT NULL DEFAULT '{}',
			agent_state_version BIGINT NOT NULL DEFAULT 0,
			todos TEXT NOT NULL DEFAULT '',
			todos_updated_at BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_namespace_tag
			ON sessions(namespace, tag) WHERE tag != ''`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_namespace_updated
			ON sessions(namespace, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq BIGINT NOT NULL,
			local_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_seq
			ON messages(session_id, seq)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_local_id
			ON messages(session_id, local_id) WHERE local_id != ''`,
		`CREATE TABLE IF NOT EXISTS machines (
			id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			metadata_version BIGINT NOT NULL DEFAULT 0,
			runner_state TEXT NOT NULL DEFAULT '{}',
			runner_state_version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (namespace, id)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			username TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (namespace, username)
		)`,
		`CREATE TABLE IF NOT EXISTS push_subscriptions (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			user_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			keys TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (namespace, user_id, endpoint)
		)`,
		`CREATE TABLE IF NOT EXISTS user_preferences (
			namespace TEXT NOT NULL,
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (namespace, user_id, key)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, namespace, tag, metadata, agentState string) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if tag != "" {
		existing, err := scanSession(tx.QueryRowContext(ctx,
			"SELECT "+sessionColumns+" FROM sessions WHERE namespace = $1 AND tag = $2",
			namespace, tag))
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, tx.Commit()
		}
	}

	if metadata == "" {
		metadata = "{}"
	}
	if agentState == "" {
		agentState = "{}"
	}

	now := time.Now()
	sess := &Session{
		ID:         uuid.New().String(),
		Namespace:  namespace,
		Tag:        tag,
		Metadata:   metadata,
		AgentState: agentState,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, namespace, tag, seq, metadata, metadata_version,
			agent_state, agent_state_version, todos, todos_updated_at, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, 0, $5, 0, '', 0, $6, $7)`,
		sess.ID, namespace, tag, metadata, agentState, now, now,
	)
	if err != nil {
		return nil, err
	}
	return sess, tx.Commit()
}

func (s *PostgresStore) GetSession(ctx context.Context, namespace, id string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE namespace = $1 AND id = $2",
		namespace, id))
}

func (s *PostgresStore) GetSessionByTag(ctx context.Context, namespace, tag string) (*Session, error) {
	if tag == "" {
		return nil, nil
	}
	return scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE namespace = $1 AND tag = $2",
		namespace, tag))
}

func (s *PostgresStore) ListSessions(ctx context.Context, namespace string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE namespace = $1 ORDER BY updated_at DESC",
		namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) DeleteSession(ctx context.Context, namespace, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE namespace = $1 AND id = $2", namespace, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) UpdateSessionMetadata(ctx context.Context, namespace, id, metadata string, expectedVersion int64, touchUpdatedAt bool) (*Session, error) {
	var res sql.Result
	var err error
	if touchUpdatedAt {
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET metadata = $1, metadata_version = metadata_version + 1, updated_at = $2
			 WHERE namespace = $3 AND id = $4 AND metadata_version = $5`,
			metadata, time.Now(), namespace, id, expectedVersion)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET metadata = $1, metadata_version = metadata_version + 1
			 WHERE namespace = $2 AND id = $3 AND metadata_version = $4`,
			metadata, namespace, id, expectedVersion)
	}
	if err != nil {
		return nil, err
	}
	return s.sessionUpdateResult(ctx, namespace, id, res)
}

func (s *PostgresStore) UpdateSessionAgentState(ctx context.Context, namespace, id, state string, expectedVersion int64) (*Session, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET agent_state = $1, agent_state_version = agent_state_version + 1, updated_at = $2
		 WHERE namespace = $3 AND id = $4 AND agent_state_version = $5`,
		state, time.Now(), namespace, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	return s.sessionUpdateResult(ctx, namespace, id, res)
}

func (s *PostgresStore) sessionUpdateResult(ctx context.Context, namespace, id string, res sql.Result) (*Session, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	current, gerr := s.GetSession(ctx, namespace, id)
	if gerr != nil {
		return nil, gerr
	}
	if n == 0 {
		if current == nil {
			return nil, nil
		}
		return current, ErrVersionMismatch
	}
	return current, nil
}

func (s *PostgresStore) SetSessionTodos(ctx context.Context, namespace, id, todos string, updatedAt int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET todos = $1, todos_updated_at = $2
		 WHERE namespace = $3 AND id = $4 AND todos_updated_at < $5`,
		todos, updatedAt, namespace, id, updatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) GetSessionNamespace(ctx context.Context, id string) (string, error) {
	var ns string
	err := s.db.QueryRowContext(ctx,
		"SELECT namespace FROM sessions WHERE id = $1", id).Scan(&ns)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return ns, err
}

// --- Messages ---

func (s *PostgresStore) AddMessage(ctx context.Context, namespace, sessionID, content, localID string) (*Message, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	if localID != "" {
		// The replay lookup is keyed by session alone, so ownership must be
		// checked first or a foreign-namespace caller could read the row.
		var owner string
		err := tx.QueryRowContext(ctx,
			`SELECT namespace FROM sessions WHERE id = $1`, sessionID,
		).Scan(&owner)
		if err == sql.ErrNoRows || (err == nil && owner != namespace) {
			return nil, false, fmt.Errorf("session %s not found", sessionID)
		}
		if err != nil {
			return nil, false, err
		}

		var m Message
		err = tx.QueryRowContext(ctx,
			`SELECT id, session_id, seq, local_id, content, created_at
			 FROM messages WHERE session_id = $1 AND local_id = $2`,
			sessionID, localID,
		).Scan(&m.ID, &m.SessionID, &m.Seq, &m.LocalID, &m.Content, &m.CreatedAt)
		if err == nil {
			return &m, false, tx.Commit()
		}
		if err != sql.ErrNoRows {
			return nil, false, err
		}
	}

	now := time.Now()
	var seq int64
	err = tx.QueryRowContext(ctx,
		`UPDATE sessions SET seq = seq + 1, updated_at = $1
		 WHERE namespace = $2 AND id = $3 RETURNING seq`,
		now, namespace, sessionID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return nil, false, fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return nil, false, err
	}

	msg := &Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Seq:       seq,
		LocalID:   localID,
		Content:   content,
		CreatedAt: now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, local_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.SessionID, msg.Seq, msg.LocalID, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return nil, false, err
	}
	return msg, true, tx.Commit()
}

func (s *PostgresStore) GetMessages(ctx context.Context, namespace, sessionID string, limit int, beforeSeq int64) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	if beforeSeq <= 0 {
		beforeSeq = math.MaxInt64
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.session_id, m.seq, m.local_id, m.content, m.created_at
		 FROM messages m JOIN sessions s ON m.session_id = s.id
		 WHERE s.namespace = $1 AND s.id = $2 AND m.seq < $3
		 ORDER BY m.seq DESC LIMIT $4`,
		namespace, sessionID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *PostgresStore) GetMessagesAfter(ctx context.Context, namespace, sessionID string, afterSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.session_id, m.seq, m.local_id, m.content, m.created_at
		 FROM messages m JOIN sessions s ON m.session_id = s.id
		 WHERE s.namespace = $1 AND s.id = $2 AND m.seq > $3
		 ORDER BY m.seq LIMIT $4`,
		namespace, sessionID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *PostgresStore) MergeSessionMessages(ctx context.Context, namespace, oldID, newID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var newSeq int64
	err = tx.QueryRowContext(ctx,
		"SELECT seq FROM sessions WHERE namespace = $1 AND id = $2", namespace, newID,
	).Scan(&newSeq)
	if err == sql.ErrNoRows {
		return fmt.Errorf("session %s not found", newID)
	}
	if err != nil {
		return err
	}
	var oldNamespace string
	err = tx.QueryRowContext(ctx,
		"SELECT namespace FROM sessions WHERE namespace = $1 AND id = $2", namespace, oldID,
	).Scan(&oldNamespace)
	if err == sql.ErrNoRows {
		return fmt.Errorf("session %s not found", oldID)
	}
	if err != nil {
		return err
	}

	// A moved row's local_id may already exist on the target session; clear
	// the colliding ones so the unique-when-present index holds.
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET local_id = ''
		 WHERE session_id = $1 AND local_id != ''
		   AND local_id IN (SELECT local_id FROM messages WHERE session_id = $2 AND local_id != '')`,
		oldID, newID); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM messages WHERE session_id = $1 ORDER BY seq", oldID)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, id := range ids {
		newSeq++
		if _, err := tx.ExecContext(ctx,
			"UPDATE messages SET session_id = $1, seq = $2 WHERE id = $3",
			newID, newSeq, id); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET seq = $1, updated_at = $2 WHERE id = $3",
		newSeq, time.Now(), newID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Machines ---

func (s *PostgresStore) UpsertMachine(ctx context.Context, namespace, id, metadata, runnerState string) (*Machine, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := scanMachine(tx.QueryRowContext(ctx,
		"SELECT "+machineColumns+" FROM machines WHERE namespace = $1 AND id = $2",
		namespace, id))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, tx.Commit()
	}

	if metadata == "" {
		metadata = "{}"
	}
	if runnerState == "" {
		runnerState = "{}"
	}
	now := time.Now()
	m := &Machine{
		ID:          id,
		Namespace:   namespace,
		Metadata:    metadata,
		RunnerState: runnerState,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO machines (id, namespace, metadata, metadata_version,
			runner_state, runner_state_version, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, 0, $5, $6)`,
		id, namespace, metadata, runnerState, now, now,
	)
	if err != nil {
		return nil, err
	}
	return m, tx.Commit()
}

func (s *PostgresStore) GetMachine(ctx context.Context, namespace, id string) (*Machine, error) {
	return scanMachine(s.db.QueryRowContext(ctx,
		"SELECT "+machineColumns+" FROM machines WHERE namespace = $1 AND id = $2",
		namespace, id))
}

func (s *PostgresStore) ListMachines(ctx context.Context, namespace string) ([]Machine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+machineColumns+" FROM machines WHERE namespace = $1 ORDER BY updated_at DESC",
		namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var machines []Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, *m)
	}
	return machines, rows.Err()
}

func (s *PostgresStore) UpdateMachineMetadata(ctx context.Context, namespace, id, metadata string, expectedVersion int64) (*Machine, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET metadata = $1, metadata_version = metadata_version + 1, updated_at = $2
		 WHERE namespace = $3 AND id = $4 AND metadata_version = $5`,
		metadata, time.Now(), namespace, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	return s.machineUpdateResult(ctx, namespace, id, res)
}

func (s *PostgresStore) UpdateMachineRunnerState(ctx context.Context, namespace, id, state string, expectedVersion int64) (*Machine, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET runner_state = $1, runner_state_version = runner_state_version + 1, updated_at = $2
		 WHERE namespace = $3 AND id = $4 AND runner_state_version = $5`,
		state, time.Now(), namespace, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	return s.machineUpdateResult(ctx, namespace, id, res)
}

func (s *PostgresStore) machineUpdateResult(ctx context.Context, namespace, id string, res sql.Result) (*Machine, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	current, gerr := s.GetMachine(ctx, namespace, id)
	if gerr != nil {
		return nil, gerr
	}
	if n == 0 {
		if current == nil {
			return nil, nil
		}
		return current, ErrVersionMismatch
	}
	return current, nil
}

func (s *PostgresStore) MachineExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM machines WHERE id = $1 LIMIT 1", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, namespace, username, password_hash, role, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		user.ID, user.Namespace, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, namespace, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, namespace, username, password_hash, role, created_at
		 FROM users WHERE namespace = $1 AND username = $2`,
		namespace, username,
	).Scan(&u.ID, &u.Namespace, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, namespace, username, password_hash, role, created_at
		 FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Namespace, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, namespace string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, namespace, username, role, created_at
		 FROM users WHERE namespace = $1 ORDER BY created_at`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Namespace, &u.Username, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Push subscriptions ---

func (s *PostgresStore) UpsertPushSubscription(ctx context.Context, sub *PushSubscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (id, namespace, user_id, endpoint, keys, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (namespace, user_id, endpoint) DO UPDATE SET keys = EXCLUDED.keys`,
		sub.ID, sub.Namespace, sub.UserID, sub.Endpoint, sub.Keys, sub.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListPushSubscriptions(ctx context.Context, namespace, userID string) ([]PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, namespace, user_id, endpoint, keys, created_at
		 FROM push_subscriptions WHERE namespace = $1 AND user_id = $2 ORDER BY created_at`,
		namespace, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []PushSubscription
	for rows.Next() {
		var p PushSubscription
		if err := rows.Scan(&p.ID, &p.Namespace, &p.UserID, &p.Endpoint, &p.Keys, &p.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, p)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) DeletePushSubscription(ctx context.Context, namespace, id string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM push_subscriptions WHERE namespace = $1 AND id = $2", namespace, id)
	return err
}

// --- User preferences ---

func (s *PostgresStore) GetUserPreference(ctx context.Context, namespace, userID, key string) (*UserPreference, error) {
	var p UserPreference
	err := s.db.QueryRowContext(ctx,
		`SELECT namespace, user_id, key, value, updated_at
		 FROM user_preferences WHERE namespace = $1 AND user_id = $2 AND key = $3`,
		namespace, userID, key,
	).Scan(&p.Namespace, &p.UserID, &p.Key, &p.Value, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) SetUserPreference(ctx context.Context, namespace, userID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_preferences (namespace, user_id, key, value, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (namespace, user_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		namespace, userID, key, value, time.Now(),
	)
	return err
}

func (s *PostgresStore) ListUserPreferences(ctx context.Context, namespace, userID string) ([]UserPreference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT namespace, user_id, key, value, updated_at
		 FROM user_preferences WHERE namespace = $1 AND user_id = $2 ORDER BY key`,
		namespace, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prefs []UserPreference
	for rows.Next() {
		var p UserPreference
		if err := rows.Scan(&p.Namespace, &p.UserID, &p.Key, &p.Value, &p.UpdatedAt); err != nil {
			return nil, err
		}
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}
