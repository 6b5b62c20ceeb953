package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// LovedOne is the persona record resolved at session start. VoiceID is the
// cloned ElevenLabs voice produced by the (external) cloning workflow; it
// is empty until cloning has completed.
type LovedOne struct {
	ID              int64  `json:"id"`
	ProfileID       string `json:"profile_id"`
	Name            string `json:"name"`
	Relationship    string `json:"relationship"`
	NicknameForUser string `json:"nickname_for_user"`
	SpeakingStyle   string `json:"speaking_style"`
	VoiceID         string `json:"voice_id"`
}

// ResolveLovedOne loads the persona for a (profile, loved one) pair.
// Returns ErrNotFound when the pair does not exist.
func (s *Store) ResolveLovedOne(ctx context.Context, profileID string, lovedOneID int64) (*LovedOne, error) {
	var lo LovedOne
	err := s.db.QueryRow(ctx, `
		SELECT id, profile_id,
		       COALESCE(name, ''), COALESCE(relationship, ''),
		       COALESCE(nickname_for_user, ''), COALESCE(speaking_style, ''),
		       COALESCE(eleven_voice_id, '')
		FROM loved_ones
		WHERE profile_id = $1 AND id = $2
	`, profileID, lovedOneID).Scan(
		&lo.ID, &lo.ProfileID, &lo.Name, &lo.Relationship,
		&lo.NicknameForUser, &lo.SpeakingStyle, &lo.VoiceID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve loved one: %w", err)
	}
	return &lo, nil
}

// SearchMemories returns up to limit memory snippets for the loved one,
// ranked by full-text relevance to query with recency as tiebreak. An
// empty query returns the most recent memories.
func (s *Store) SearchMemories(ctx context.Context, profileID string, lovedOneID int64, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.Query(ctx, `
		SELECT m.text
		FROM memories m
		JOIN loved_ones lo ON lo.id = m.loved_one_id
		WHERE lo.profile_id = $1 AND lo.id = $2
		ORDER BY
			ts_rank(to_tsvector('english', m.text), plainto_tsquery('english', $3)) DESC,
			m.created_at DESC
		LIMIT $4
	`, profileID, lovedOneID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var snippets []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("search memories: %w", err)
		}
		snippets = append(snippets, text)
	}
	return snippets, rows.Err()
}

// CreateVoiceSession records the start of a live voice session.
func (s *Store) CreateVoiceSession(ctx context.Context, sessionID, profileID string, lovedOneID int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO voice_sessions (id, profile_id, loved_one_id, started_at)
		VALUES ($1, $2, $3, NOW())
	`, sessionID, profileID, lovedOneID)
	if err != nil {
		return fmt.Errorf("create voice session: %w", err)
	}
	return nil
}

// EndVoiceSession stamps the session's end time.
func (s *Store) EndVoiceSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE voice_sessions SET ended_at = $2 WHERE id = $1
	`, sessionID, endedAt)
	if err != nil {
		return fmt.Errorf("end voice session: %w", err)
	}
	return nil
}

// Utterance is one transcript line of a session, caller or assistant side.
type Utterance struct {
	Speaker     string     `json:"speaker"` // "user" or "assistant"
	Text        string     `json:"text"`
	Sequence    int        `json:"sequence"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Interrupted bool       `json:"interrupted"`
}

// InsertUtterance appends one utterance to a session's transcript.
func (s *Store) InsertUtterance(ctx context.Context, sessionID string, u Utterance) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO session_utterances
			(session_id, speaker, text, sequence, started_at, ended_at, interrupted)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sessionID, u.Speaker, u.Text, u.Sequence, u.StartedAt, u.EndedAt, u.Interrupted)
	if err != nil {
		return fmt.Errorf("insert utterance: %w", err)
	}
	return nil
}
