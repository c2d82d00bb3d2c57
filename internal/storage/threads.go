package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (s *Store) CreateThread(userID, title string) (Thread, error) {
	t := Thread{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(`INSERT INTO threads (id, user_id, title, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.UserID, t.Title, formatTime(t.CreatedAt))
	if err != nil {
		return Thread{}, fmt.Errorf("creating thread: %w", err)
	}
	return t, nil
}

func (s *Store) GetThread(id string) (Thread, error) {
	var t Thread
	var createdAt string
	err := s.db.QueryRow(`SELECT id, user_id, title, created_at FROM threads WHERE id = ?`, id).
		Scan(&t.ID, &t.UserID, &t.Title, &createdAt)
	if err == sql.ErrNoRows {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Thread{}, fmt.Errorf("parsing created_at for thread %s: %w", id, err)
	}
	return t, nil
}

// AppendTurn adds a turn to the end of a thread. Turns are never edited.
func (s *Store) AppendTurn(threadID, role, content string) (Turn, error) {
	turn := Turn{ThreadID: threadID, Role: role, Content: content, CreatedAt: time.Now().UTC()}
	res, err := s.db.Exec(`INSERT INTO conversation_turns (thread_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		threadID, role, content, formatTime(turn.CreatedAt))
	if err != nil {
		return Turn{}, fmt.Errorf("appending turn to thread %s: %w", threadID, err)
	}
	if turn.ID, err = res.LastInsertId(); err != nil {
		return Turn{}, err
	}
	return turn, nil
}

// ListTurns returns the most recent limit turns of a thread in the order they
// were appended. limit <= 0 returns all turns.
func (s *Store) ListTurns(threadID string, limit int) ([]Turn, error) {
	query := `SELECT id, thread_id, role, content, created_at FROM conversation_turns WHERE thread_id = ? ORDER BY id DESC`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.ThreadID, &t.Role, &t.Content, &createdAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for turn %d: %w", t.ID, err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
