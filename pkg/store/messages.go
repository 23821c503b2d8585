package store

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/mokny/meshbot/pkg/models"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// MessageQuery selects a page of message history for one conversation.
// BeforeID and AfterID are exclusive cursors on the row id.
type MessageQuery struct {
	Conversation models.Conversation
	Direction    string // "rx", "tx", or empty for both
	Limit        int    // clamped to 1..1000, default 100
	Order        string // "asc" or "desc" (default)
	SortBy       string // "id" (default) or "ts"
	BeforeID     int64
	AfterID      int64
}

// MessageStore records conversation history with per-conversation retention.
type MessageStore interface {
	// Add inserts the message and prunes the conversation down to keep rows
	// in one transaction. The inserted row id is written back to msg.ID.
	Add(msg *models.Message, keep int) error
	// List returns a page of history for the query's conversation.
	List(q MessageQuery) ([]models.Message, error)
	// Count returns the total number of stored messages.
	Count() (int64, error)
}

type sqliteMessageStore struct {
	db *sqlx.DB
	mu *sync.Mutex
}

// convWhere builds a NULL-safe conversation match. SQLite's "IS" operator
// compares NULLs as equal, which plain "=" does not.
func convWhere(c models.Conversation) (string, []any) {
	return "conversation_type = ? AND channel IS ? AND peer_id IS ?",
		[]any{string(c.Type), c.Channel, c.PeerID}
}

func (s *sqliteMessageStore) Add(msg *models.Message, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.NamedExec(`INSERT INTO messages
		(ts, conversation_type, channel, channel_name, peer_id, user_id,
		 name_short, name_long, connection_key, direction, message)
		VALUES (:ts, :conversation_type, :channel, :channel_name, :peer_id,
		 :user_id, :name_short, :name_long, :connection_key, :direction, :message)`, msg)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading insert id: %w", err)
	}
	msg.ID = id

	if keep > 0 {
		where, args := convWhere(msg.Conversation())
		q := fmt.Sprintf(`DELETE FROM messages WHERE %s AND id NOT IN
			(SELECT id FROM messages WHERE %s ORDER BY id DESC LIMIT ?)`, where, where)
		args = append(args, args...)
		args = append(args, keep)
		if _, err := tx.Exec(q, args...); err != nil {
			return fmt.Errorf("pruning conversation: %w", err)
		}
	}

	return tx.Commit()
}

func (s *sqliteMessageStore) List(q MessageQuery) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	order := "DESC"
	if strings.EqualFold(q.Order, "asc") {
		order = "ASC"
	}
	sortCol := "id"
	if strings.EqualFold(q.SortBy, "ts") {
		sortCol = "ts"
	}

	where, args := convWhere(q.Conversation)
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT * FROM messages WHERE %s", where)
	if q.Direction != "" {
		sb.WriteString(" AND direction = ?")
		args = append(args, q.Direction)
	}
	if q.BeforeID > 0 {
		sb.WriteString(" AND id < ?")
		args = append(args, q.BeforeID)
	}
	if q.AfterID > 0 {
		sb.WriteString(" AND id > ?")
		args = append(args, q.AfterID)
	}
	// id tiebreaker keeps ts sorting deterministic
	fmt.Fprintf(&sb, " ORDER BY %s %s, id %s LIMIT ?", sortCol, order, order)
	args = append(args, limit)

	msgs := []models.Message{}
	if err := s.db.Select(&msgs, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return msgs, nil
}

func (s *sqliteMessageStore) Count() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if err := s.db.Get(&n, "SELECT COUNT(*) FROM messages"); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}
