package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			tag TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			metadata_version INTEGER NOT NULL DEFAULT 0,
			agent_state TEXT NOT NULL DEFAULT '{}',
			agent_state_version INTEGER NOT NULL DEFAULT 0,
			todos TEXT NOT NULL DEFAULT '',
			todos_updated_at INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_namespace_tag
			ON sessions(namespace, tag) WHERE tag != ''`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_namespace_updated
			ON sessions(namespace, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			local_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_seq
			ON messages(session_id, seq)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_local_id
			ON messages(session_id, local_id) WHERE local_id != ''`,
		`CREATE TABLE IF NOT EXISTS machines (
			id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			metadata_version INTEGER NOT NULL DEFAULT 0,
			runner_state TEXT NOT NULL DEFAULT '{}',
			runner_state_version INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (namespace, id)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			username TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (namespace, username)
		)`,
		`CREATE TABLE IF NOT EXISTS push_subscriptions (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			user_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			keys TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (namespace, user_id, endpoint)
		)`,
		`CREATE TABLE IF NOT EXISTS user_preferences (
			namespace TEXT NOT NULL,
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
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

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sessionColumns = `id, namespace, tag, seq, metadata, metadata_version,
	agent_state, agent_state_version, todos, todos_updated_at, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.Namespace, &sess.Tag, &sess.Seq,
		&sess.Metadata, &sess.MetadataVersion,
		&sess.AgentState, &sess.AgentStateVersion,
		&sess.Todos, &sess.TodosUpdatedAt, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, namespace, tag, metadata, agentState string) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if tag != "" {
		existing, err := scanSession(tx.QueryRowContext(ctx,
			"SELECT "+sessionColumns+" FROM sessions WHERE namespace = ? AND tag = ?",
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
		 VALUES (?, ?, ?, 0, ?, 0, ?, 0, '', 0, ?, ?)`,
		sess.ID, namespace, tag, metadata, agentState, now, now,
	)
	if err != nil {
		return nil, err
	}
	return sess, tx.Commit()
}

func (s *SQLiteStore) GetSession(ctx context.Context, namespace, id string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE namespace = ? AND id = ?",
		namespace, id))
}

func (s *SQLiteStore) GetSessionByTag(ctx context.Context, namespace, tag string) (*Session, error) {
	if tag == "" {
		return nil, nil
	}
	return scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE namespace = ? AND tag = ?",
		namespace, tag))
}

func (s *SQLiteStore) ListSessions(ctx context.Context, namespace string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE namespace = ? ORDER BY updated_at DESC",
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

func (s *SQLiteStore) DeleteSession(ctx context.Context, namespace, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE namespace = ? AND id = ?", namespace, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) UpdateSessionMetadata(ctx context.Context, namespace, id, metadata string, expectedVersion int64, touchUpdatedAt bool) (*Session, error) {
	var res sql.Result
	var err error
	if touchUpdatedAt {
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET metadata = ?, metadata_version = metadata_version + 1, updated_at = ?
			 WHERE namespace = ? AND id = ? AND metadata_version = ?`,
			metadata, time.Now(), namespace, id, expectedVersion)
	} else {
		// Rename and friends must not reorder the session list.
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET metadata = ?, metadata_version = metadata_version + 1
			 WHERE namespace = ? AND id = ? AND metadata_version = ?`,
			metadata, namespace, id, expectedVersion)
	}
	if err != nil {
		return nil, err
	}
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

func (s *SQLiteStore) UpdateSessionAgentState(ctx context.Context, namespace, id, state string, expectedVersion int64) (*Session, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET agent_state = ?, agent_state_version = agent_state_version + 1, updated_at = ?
		 WHERE namespace = ? AND id = ? AND agent_state_version = ?`,
		state, time.Now(), namespace, id, expectedVersion)
	if err != nil {
		return nil, err
	}
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

func (s *SQLiteStore) SetSessionTodos(ctx context.Context, namespace, id, todos string, updatedAt int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET todos = ?, todos_updated_at = ?
		 WHERE namespace = ? AND id = ? AND todos_updated_at < ?`,
		todos, updatedAt, namespace, id, updatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) GetSessionNamespace(ctx context.Context, id string) (string, error) {
	var ns string
	err := s.db.QueryRowContext(ctx,
		"SELECT namespace FROM sessions WHERE id = ?", id).Scan(&ns)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return ns, err
}

// --- Messages ---

// AddMessage appends a message with an atomically assigned seq. The session's
// seq high-water mark and updated_at move in the same transaction. When
// localID is set and already present, the existing row is returned and the
// second return value is false.
func (s *SQLiteStore) AddMessage(ctx context.Context, namespace, sessionID, content, localID string) (*Message, bool, error) {
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
			`SELECT namespace FROM sessions WHERE id = ?`, sessionID,
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
			 FROM messages WHERE session_id = ? AND local_id = ?`,
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
		`UPDATE sessions SET seq = seq + 1, updated_at = ?
		 WHERE namespace = ? AND id = ? RETURNING seq`,
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
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Seq, msg.LocalID, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return nil, false, err
	}
	return msg, true, tx.Commit()
}

func (s *SQLiteStore) GetMessages(ctx context.Context, namespace, sessionID string, limit int, beforeSeq int64) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	if beforeSeq <= 0 {
		beforeSeq = math.MaxInt64
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.session_id, m.seq, m.local_id, m.content, m.created_at
		 FROM messages m JOIN sessions s ON m.session_id = s.id
		 WHERE s.namespace = ? AND s.id = ? AND m.seq < ?
		 ORDER BY m.seq DESC LIMIT ?`,
		namespace, sessionID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	// Query walks newest-first for the window; callers want oldest-to-newest.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLiteStore) GetMessagesAfter(ctx context.Context, namespace, sessionID string, afterSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.session_id, m.seq, m.local_id, m.content, m.created_at
		 FROM messages m JOIN sessions s ON m.session_id = s.id
		 WHERE s.namespace = ? AND s.id = ? AND m.seq > ?
		 ORDER BY m.seq LIMIT ?`,
		namespace, sessionID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.LocalID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MergeSessionMessages reassigns the old session's messages to the new id in
// insertion order, continuing the new session's seq.
func (s *SQLiteStore) MergeSessionMessages(ctx context.Context, namespace, oldID, newID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var newSeq int64
	err = tx.QueryRowContext(ctx,
		"SELECT seq FROM sessions WHERE namespace = ? AND id = ?", namespace, newID,
	).Scan(&newSeq)
	if err == sql.ErrNoRows {
		return fmt.Errorf("session %s not found", newID)
	}
	if err != nil {
		return err
	}
	var oldNamespace string
	err = tx.QueryRowContext(ctx,
		"SELECT namespace FROM sessions WHERE namespace = ? AND id = ?", namespace, oldID,
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
		 WHERE session_id = ? AND local_id != ''
		   AND local_id IN (SELECT local_id FROM messages WHERE session_id = ? AND local_id != '')`,
		oldID, newID); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM messages WHERE session_id = ? ORDER BY seq", oldID)
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
			"UPDATE messages SET session_id = ?, seq = ? WHERE id = ?",
			newID, newSeq, id); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET seq = ?, updated_at = ? WHERE id = ?",
		newSeq, time.Now(), newID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Machines ---

const machineColumns = `id, namespace, metadata, metadata_version,
	runner_state, runner_state_version, created_at, updated_at`

func scanMachine(row interface{ Scan(...any) error }) (*Machine, error) {
	var m Machine
	err := row.Scan(&m.ID, &m.Namespace, &m.Metadata, &m.MetadataVersion,
		&m.RunnerState, &m.RunnerStateVersion, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertMachine registers a machine. An existing row wins; metadata changes
// go through the version-checked update path.
func (s *SQLiteStore) UpsertMachine(ctx context.Context, namespace, id, metadata, runnerState string) (*Machine, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := scanMachine(tx.QueryRowContext(ctx,
		"SELECT "+machineColumns+" FROM machines WHERE namespace = ? AND id = ?",
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
		 VALUES (?, ?, ?, 0, ?, 0, ?, ?)`,
		id, namespace, metadata, runnerState, now, now,
	)
	if err != nil {
		return nil, err
	}
	return m, tx.Commit()
}

func (s *SQLiteStore) GetMachine(ctx context.Context, namespace, id string) (*Machine, error) {
	return scanMachine(s.db.QueryRowContext(ctx,
		"SELECT "+machineColumns+" FROM machines WHERE namespace = ? AND id = ?",
		namespace, id))
}

func (s *SQLiteStore) ListMachines(ctx context.Context, namespace string) ([]Machine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+machineColumns+" FROM machines WHERE namespace = ? ORDER BY updated_at DESC",
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

func (s *SQLiteStore) UpdateMachineMetadata(ctx context.Context, namespace, id, metadata string, expectedVersion int64) (*Machine, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET metadata = ?, metadata_version = metadata_version + 1, updated_at = ?
		 WHERE namespace = ? AND id = ? AND metadata_version = ?`,
		metadata, time.Now(), namespace, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	return s.machineUpdateResult(ctx, namespace, id, res)
}

func (s *SQLiteStore) UpdateMachineRunnerState(ctx context.Context, namespace, id, state string, expectedVersion int64) (*Machine, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET runner_state = ?, runner_state_version = runner_state_version + 1, updated_at = ?
		 WHERE namespace = ? AND id = ? AND runner_state_version = ?`,
		state, time.Now(), namespace, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	return s.machineUpdateResult(ctx, namespace, id, res)
}

func (s *SQLiteStore) machineUpdateResult(ctx context.Context, namespace, id string, res sql.Result) (*Machine, error) {
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

func (s *SQLiteStore) MachineExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM machines WHERE id = ? LIMIT 1", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	// Idempotent on primary key: the existing row wins.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, namespace, username, password_hash, role, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		user.ID, user.Namespace, user.Username, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, namespace, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, namespace, username, password_hash, role, created_at
		 FROM users WHERE namespace = ? AND username = ?`,
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

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, namespace, username, password_hash, role, created_at
		 FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Namespace, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context, namespace string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, namespace, username, role, created_at
		 FROM users WHERE namespace = ? ORDER BY created_at`, namespace)
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

func (s *SQLiteStore) UpsertPushSubscription(ctx context.Context, sub *PushSubscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (id, namespace, user_id, endpoint, keys, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(namespace, user_id, endpoint) DO UPDATE SET keys = excluded.keys`,
		sub.ID, sub.Namespace, sub.UserID, sub.Endpoint, sub.Keys, sub.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListPushSubscriptions(ctx context.Context, namespace, userID string) ([]PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, namespace, user_id, endpoint, keys, created_at
		 FROM push_subscriptions WHERE namespace = ? AND user_id = ? ORDER BY created_at`,
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

func (s *SQLiteStore) DeletePushSubscription(ctx context.Context, namespace, id string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM push_subscriptions WHERE namespace = ? AND id = ?", namespace, id)
	return err
}

// --- User preferences ---

func (s *SQLiteStore) GetUserPreference(ctx context.Context, namespace, userID, key string) (*UserPreference, error) {
	var p UserPreference
	err := s.db.QueryRowContext(ctx,
		`SELECT namespace, user_id, key, value, updated_at
		 FROM user_preferences WHERE namespace = ? AND user_id = ? AND key = ?`,
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

func (s *SQLiteStore) SetUserPreference(ctx context.Context, namespace, userID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_preferences (namespace, user_id, key, value, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(namespace, user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, userID, key, value, time.Now(),
	)
	return err
}

func (s *SQLiteStore) ListUserPreferences(ctx context.Context, namespace, userID string) ([]UserPreference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT namespace, user_id, key, value, updated_at
		 FROM user_preferences WHERE namespace = ? AND user_id = ? ORDER BY key`,
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
