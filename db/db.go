package db

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"chatrelay/delivery"
	"chatrelay/models"
)

var (
	ErrNoRows        = errors.New("no rows found")
	ErrInvalidStatus = errors.New("invalid message status")
)

// timeLayout — RFC3339 с фиксированной наносекундной частью, чтобы
// лексикографический ORDER BY по текстовой колонке совпадал с хронологией.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
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
			id TEXT PRIMARY KEY,
			full_name TEXT NOT NULL,
			email TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			last_seen TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			member_a TEXT NOT NULL,
			member_b TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(member_a, member_b)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			body TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'sent',
			reply_to TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			emoji TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(conversation_id, receiver_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_members ON conversations(member_a, member_b)`,
		`CREATE INDEX IF NOT EXISTS idx_reactions_message ON reactions(message_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// User methods

func (db *DB) CreateUser(fullName, email, password string) (*models.User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:       uuid.NewString(),
		FullName: fullName,
		Email:    email,
		Password: string(hashed),
		LastSeen: time.Now().UTC(),
	}

	_, err = db.conn.Exec(
		"INSERT INTO users (id, full_name, email, password, last_seen) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.FullName, user.Email, user.Password, user.LastSeen.Format(timeLayout),
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (db *DB) UserExists(email string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE email = ?", email).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) GetUserByEmail(email string) (*models.User, error) {
	return db.scanUser(db.conn.QueryRow(
		"SELECT id, full_name, email, password, last_seen FROM users WHERE email = ?", email,
	))
}

func (db *DB) GetUserByID(id string) (*models.User, error) {
	return db.scanUser(db.conn.QueryRow(
		"SELECT id, full_name, email, password, last_seen FROM users WHERE id = ?", id,
	))
}

// AuthenticateUser verifies credentials and returns the matching user.
// A missing user and a wrong password are indistinguishable to the caller.
func (db *DB) AuthenticateUser(email, password string) (*models.User, bool, error) {
	user, err := db.GetUserByEmail(email)
	if err == ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return nil, false, nil
	}
	return user, true, nil
}

// ListUsers returns every user except excludeID.
func (db *DB) ListUsers(excludeID string) ([]models.User, error) {
	rows, err := db.conn.Query(
		"SELECT id, full_name, email, password, last_seen FROM users WHERE id != ? ORDER BY full_name",
		excludeID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		user, err := db.scanUserRows(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// TouchLastSeen updates the user's last seen timestamp on disconnect.
func (db *DB) TouchLastSeen(userID string, t time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE users SET last_seen = ? WHERE id = ?",
		t.UTC().Format(timeLayout), userID,
	)
	return err
}

func (db *DB) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	var lastSeen string
	err := row.Scan(&u.ID, &u.FullName, &u.Email, &u.Password, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	u.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	return &u, nil
}

func (db *DB) scanUserRows(rows *sql.Rows) (*models.User, error) {
	var u models.User
	var lastSeen string
	if err := rows.Scan(&u.ID, &u.FullName, &u.Email, &u.Password, &lastSeen); err != nil {
		return nil, err
	}
	u.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	return &u, nil
}

// Conversation methods

// GetOrCreateConversation returns the conversation between the two users,
// creating it if it does not exist yet. Member order does not matter.
func (db *DB) GetOrCreateConversation(senderID, receiverID string) (*models.Conversation, error) {
	row := db.conn.QueryRow(
		`SELECT id, member_a, member_b, created_at FROM conversations
		 WHERE (member_a = ? AND member_b = ?) OR (member_a = ? AND member_b = ?)`,
		senderID, receiverID, receiverID, senderID,
	)

	conv, err := db.scanConversation(row)
	if err == nil {
		return conv, nil
	}
	if err != ErrNoRows {
		return nil, err
	}

	conv = &models.Conversation{
		ID:        uuid.NewString(),
		Members:   []string{senderID, receiverID},
		CreatedAt: time.Now().UTC(),
	}
	_, err = db.conn.Exec(
		"INSERT INTO conversations (id, member_a, member_b, created_at) VALUES (?, ?, ?, ?)",
		conv.ID, senderID, receiverID, conv.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (db *DB) ListConversations(userID string) ([]models.Conversation, error) {
	rows, err := db.conn.Query(
		`SELECT id, member_a, member_b, created_at FROM conversations
		 WHERE member_a = ? OR member_b = ?
		 ORDER BY created_at`,
		userID, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var c models.Conversation
		var a, b, createdAt string
		if err := rows.Scan(&c.ID, &a, &b, &createdAt); err != nil {
			return nil, err
		}
		c.Members = []string{a, b}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// DeleteConversation removes the conversation with all its messages and reactions.
func (db *DB) DeleteConversation(id string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"DELETE FROM reactions WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)", id,
	); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM conversations WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *DB) scanConversation(row *sql.Row) (*models.Conversation, error) {
	var c models.Conversation
	var a, b, createdAt string
	err := row.Scan(&c.ID, &a, &b, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	c.Members = []string{a, b}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &c, nil
}

// Message methods

const messageColumns = "id, conversation_id, sender_id, receiver_id, body, status, reply_to, created_at"

// CreateMessage persists a new message with the initial status "sent".
func (db *DB) CreateMessage(conversationID, senderID, receiverID, body, replyTo string) (*models.Message, error) {
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Body:           body,
		Status:         delivery.StatusSent,
		ReplyTo:        replyTo,
		Reactions:      []models.Reaction{},
		CreatedAt:      time.Now().UTC(),
	}

	_, err := db.conn.Exec(
		"INSERT INTO messages ("+messageColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID,
		msg.Body, string(msg.Status), msg.ReplyTo, msg.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (db *DB) GetMessage(id string) (*models.Message, error) {
	row := db.conn.QueryRow("SELECT "+messageColumns+" FROM messages WHERE id = ?", id)

	msg, err := scanMessageRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}

	msg.Reactions, err = db.reactionsFor(msg.ID)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// UpdateMessageStatus applies a single authoritative status update.
// The transition itself is decided by the delivery package upstream.
func (db *DB) UpdateMessageStatus(id string, status delivery.Status) error {
	if !delivery.Valid(status) {
		return ErrInvalidStatus
	}
	result, err := db.conn.Exec("UPDATE messages SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return err
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

// FindUnseenMessages returns the conversation's messages addressed to
// receiverID that are not yet seen, oldest first.
func (db *DB) FindUnseenMessages(conversationID, receiverID string) ([]models.Message, error) {
	rows, err := db.conn.Query(
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ? AND receiver_id = ? AND status != 'seen'
		 ORDER BY created_at, rowid`,
		conversationID, receiverID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectMessages(rows)
}

// MarkSeen bulk-transitions every unseen message addressed to receiverID
// in the conversation. The predicate matches FindUnseenMessages exactly.
func (db *DB) MarkSeen(conversationID, receiverID string) error {
	_, err := db.conn.Exec(
		`UPDATE messages SET status = 'seen'
		 WHERE conversation_id = ? AND receiver_id = ? AND status != 'seen'`,
		conversationID, receiverID,
	)
	return err
}

// GetMessages returns the conversation history, oldest first.
func (db *DB) GetMessages(conversationID string) ([]models.Message, error) {
	rows, err := db.conn.Query(
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? ORDER BY created_at, rowid",
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	for i := range messages {
		messages[i].Reactions, err = db.reactionsFor(messages[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return messages, nil
}

// LastMessage returns the newest message of the conversation, ErrNoRows if empty.
func (db *DB) LastMessage(conversationID string) (*models.Message, error) {
	row := db.conn.QueryRow(
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1",
		conversationID,
	)

	msg, err := scanMessageRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// CountUnseen counts messages addressed to receiverID not yet seen.
func (db *DB) CountUnseen(conversationID, receiverID string) (int, error) {
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND receiver_id = ? AND status != 'seen'",
		conversationID, receiverID,
	).Scan(&count)
	return count, err
}

// AddReaction appends a reaction to the message.
func (db *DB) AddReaction(messageID, userID, emoji string) error {
	_, err := db.conn.Exec(
		"INSERT INTO reactions (message_id, user_id, emoji) VALUES (?, ?, ?)",
		messageID, userID, emoji,
	)
	return err
}

func (db *DB) reactionsFor(messageID string) ([]models.Reaction, error) {
	rows, err := db.conn.Query(
		"SELECT user_id, emoji FROM reactions WHERE message_id = ? ORDER BY id",
		messageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reactions := []models.Reaction{}
	for rows.Next() {
		var r models.Reaction
		if err := rows.Scan(&r.UserID, &r.Emoji); err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}

func scanMessageRow(scan func(...any) error) (*models.Message, error) {
	var m models.Message
	var status, createdAt string
	err := scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID,
		&m.Body, &status, &m.ReplyTo, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = delivery.Status(status)
	m.Reactions = []models.Reaction{}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessageRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}
