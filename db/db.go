package db

import (
	"database/sql"
	"time"

	"clichat/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoRows             = errors.New("no rows found")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserExists         = errors.New("user already exists")
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			is_admin INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			last_login TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'chat',
			is_encrypted INTEGER NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS file_transfers (
			id TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			filename TEXT NOT NULL,
			size INTEGER NOT NULL,
			hash TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_sender ON file_transfers(sender, timestamp)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}

	return nil
}

// User methods

func (db *DB) CreateUser(username, password string, admin bool) error {
	exists, err := db.UserExists(username)
	if err != nil {
		return err
	}
	if exists {
		return ErrUserExists
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, "hash password")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = db.conn.Exec(
		"INSERT INTO users (username, password, is_admin, created_at) VALUES (?, ?, ?, ?)",
		username, string(hashed), admin, now,
	)
	return errors.Wrap(err, "create user")
}

// Authenticate verifies credentials and returns the user on success.
// A wrong password and an unknown user are indistinguishable to the caller.
func (db *DB) Authenticate(username, password string) (*models.User, error) {
	user, err := db.GetUser(username)
	if err == ErrNoRows {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func (db *DB) GetUser(username string) (*models.User, error) {
	var (
		u         models.User
		admin     bool
		createdAt string
		lastLogin sql.NullString
	)
	err := db.conn.QueryRow(
		"SELECT id, username, password, is_admin, created_at, COALESCE(last_login, '') FROM users WHERE username = ?",
		username,
	).Scan(&u.ID, &u.Username, &u.Password, &admin, &createdAt, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, errors.Wrap(err, "get user")
	}

	u.Role = models.RoleStandard
	if admin {
		u.Role = models.RoleAdmin
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if lastLogin.Valid && lastLogin.String != "" {
		u.LastLogin, _ = time.Parse(time.RFC3339, lastLogin.String)
	}
	return &u, nil
}

func (db *DB) UserExists(username string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "user exists")
	}
	return count > 0, nil
}

func (db *DB) UpdateLastLogin(username string, t time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE users SET last_login = ? WHERE username = ?",
		t.UTC().Format(time.RFC3339), username,
	)
	return errors.Wrap(err, "update last_login")
}

// Message methods. Only public history is stored; whispers never reach here.

func (db *DB) RecordMessage(msg models.Message) error {
	_, err := db.conn.Exec(
		"INSERT INTO messages (sender, content, type, is_encrypted, timestamp) VALUES (?, ?, ?, ?, ?)",
		msg.Sender, msg.Content, msg.Type, msg.Encrypted, msg.Timestamp.UTC().Format(time.RFC3339),
	)
	return errors.Wrap(err, "save message")
}

// RecentMessages returns up to limit most recent public messages in
// chronological order, for history replay on join.
func (db *DB) RecentMessages(limit int) ([]models.Message, error) {
	query := `
		SELECT sender, content, type, is_encrypted, timestamp
		FROM messages
		WHERE type IN ('chat', 'notification')
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "recent messages")
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m  models.Message
			ts string
		)
		if err := rows.Scan(&m.Sender, &m.Content, &m.Type, &m.Encrypted, &ts); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		m.Timestamp, _ = time.Parse(time.RFC3339, ts)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; replay wants chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// PurgeHistory deletes all stored public history.
func (db *DB) PurgeHistory() error {
	_, err := db.conn.Exec("DELETE FROM messages WHERE type IN ('chat', 'notification')")
	return errors.Wrap(err, "purge history")
}

func (db *DB) CountMessages() (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM messages WHERE type IN ('chat', 'notification')").Scan(&count)
	return count, errors.Wrap(err, "count messages")
}

// File transfer methods. Payloads are transient and never stored.

func (db *DB) RecordFileTransfer(ft models.FileTransfer) error {
	_, err := db.conn.Exec(
		"INSERT INTO file_transfers (id, sender, receiver, filename, size, hash, status, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		ft.ID, ft.Sender, ft.Receiver, ft.Filename, ft.Size, ft.Hash, ft.Status, ft.Timestamp.UTC().Format(time.RFC3339),
	)
	return errors.Wrap(err, "save file transfer")
}

func (db *DB) UpdateFileTransferStatus(id, status string) error {
	result, err := db.conn.Exec("UPDATE file_transfers SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return errors.Wrap(err, "update transfer status")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoRows
	}
	return nil
}

func (db *DB) GetFileTransfer(id string) (*models.FileTransfer, error) {
	var (
		ft models.FileTransfer
		ts string
	)
	err := db.conn.QueryRow(
		"SELECT id, sender, receiver, filename, size, hash, status, timestamp FROM file_transfers WHERE id = ?",
		id,
	).Scan(&ft.ID, &ft.Sender, &ft.Receiver, &ft.Filename, &ft.Size, &ft.Hash, &ft.Status, &ts)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, errors.Wrap(err, "get file transfer")
	}
	ft.Timestamp, _ = time.Parse(time.RFC3339, ts)
	return &ft, nil
}
