package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/brainbrawl/brainbrawl/internal/models"
)

func (p *Postgres) InsertMatch(ctx context.Context, m *models.MatchRow) error {
	q := `
	INSERT INTO matches (id, player_a, player_b, mode, status, health_a, health_b)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q,
			m.ID, m.PlayerA, m.PlayerB, m.Mode, m.Status, m.HealthA, m.HealthB,
		)
		return err
	})
}

func (p *Postgres) UpdateMatch(ctx context.Context, u MatchUpdate) error {
	q := `
	UPDATE matches SET
		status=$1,
		winner_id=NULLIF($2, '00000000-0000-0000-0000-000000000000'::uuid),
		health_a=$3, health_b=$4,
		score_a=$5, score_b=$6,
		started_at=COALESCE(NULLIF($7, '0001-01-01 00:00:00'::timestamptz), started_at),
		finished_at=COALESCE(NULLIF($8, '0001-01-01 00:00:00'::timestamptz), finished_at)
	WHERE id=$9
	`
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q,
			u.Status, u.WinnerID,
			u.HealthA, u.HealthB, u.ScoreA, u.ScoreB,
			u.StartedAt, u.FinishedAt, u.MatchID,
		)
		return err
	})
}

func (p *Postgres) InsertMatchQuestion(ctx context.Context, matchID uuid.UUID, index int, questionID uuid.UUID) error {
	q := `
	INSERT INTO match_questions (match_id, question_index, question_id)
	VALUES ($1, $2, $3)
	ON CONFLICT (match_id, question_index) DO NOTHING
	`
	_, err := p.pool.Exec(ctx, q, matchID, index, questionID)
	return err
}

// InsertAnswer relies on the unique constraint over
// (match_id, user_id, question_index); duplicates are dropped silently.
func (p *Postgres) InsertAnswer(ctx context.Context, a models.AnswerRecord) error {
	q := `
	INSERT INTO match_answers (match_id, user_id, question_index, chosen_index, correct, answer_time_ms)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (match_id, user_id, question_index) DO NOTHING
	`
	_, err := p.pool.Exec(ctx, q,
		a.MatchID, a.UserID, a.QuestionIndex, a.ChosenIndex, a.Correct, a.AnswerTimeMs,
	)
	return err
}

func (p *Postgres) InsertLobby(ctx context.Context, l *models.LobbyRow) error {
	q := `
	INSERT INTO lobbies (id, code, host_user_id, max_players, is_private, status, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q,
			l.ID, l.Code, l.HostUserID, l.MaxPlayers, l.IsPrivate, l.Status, l.ExpiresAt,
		)
		return err
	})
}

func (p *Postgres) UpdateLobbyStatus(ctx context.Context, lobbyID uuid.UUID, status string) error {
	_, err := p.pool.Exec(ctx, `UPDATE lobbies SET status=$1 WHERE id=$2`, status, lobbyID)
	return err
}

func (p *Postgres) DeleteLobby(ctx context.Context, lobbyID uuid.UUID) error {
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM lobby_members WHERE lobby_id=$1`, lobbyID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM lobbies WHERE id=$1`, lobbyID)
		return err
	})
}

func (p *Postgres) InsertLobbyMember(ctx context.Context, lobbyID, userID uuid.UUID, isHost bool) error {
	q := `
	INSERT INTO lobby_members (lobby_id, user_id, is_host, joined_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (lobby_id, user_id) DO NOTHING
	`
	_, err := p.pool.Exec(ctx, q, lobbyID, userID, isHost, time.Now())
	return err
}

func (p *Postgres) DeleteLobbyMember(ctx context.Context, lobbyID, userID uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM lobby_members WHERE lobby_id=$1 AND user_id=$2`, lobbyID, userID)
	return err
}

func (p *Postgres) FriendIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	q := `
	SELECT CASE WHEN user1_id = $1 THEN user2_id ELSE user1_id END
	FROM friends
	WHERE (user1_id = $1 OR user2_id = $1) AND status = 'accepted'
	`
	rows, err := p.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) InsertNotification(ctx context.Context, n models.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	body, err := json.Marshal(n.Body)
	if err != nil {
		return err
	}
	q := `
	INSERT INTO notifications (id, user_id, kind, body, created_at)
	VALUES ($1, $2, $3, $4, NOW())
	`
	_, err = p.pool.Exec(ctx, q, n.ID, n.UserID, n.Kind, body)
	return err
}
