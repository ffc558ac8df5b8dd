package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brainbrawl/brainbrawl/internal/models"
)

// Postgres implements Store on top of a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens a pool against dsn and verifies connectivity.
func ConnectPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close releases the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) FindUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	q := `
	SELECT id, username, email, password, display_name
	FROM users
	WHERE id=$1
	`
	err := p.pool.QueryRow(ctx, q, id).Scan(
		&u.ID, &u.Username, &u.Email, &u.Password, &u.DisplayName,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *Postgres) FindUserByName(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	q := `
	SELECT id, username, email, password, display_name
	FROM users
	WHERE username=$1
	`
	err := p.pool.QueryRow(ctx, q, username).Scan(
		&u.ID, &u.Username, &u.Email, &u.Password, &u.DisplayName,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *Postgres) UpsertUser(ctx context.Context, u *models.User) error {
	if u.ID == uuid.Nil {
		id, err := uuid.NewRandom()
		if err != nil {
			return fmt.Errorf("failed to generate user id: %w", err)
		}
		u.ID = id
	}

	q := `
	INSERT INTO users (id, username, email, password, display_name)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id)
	DO UPDATE SET username=$2, email=$3, password=$4, display_name=$5
	`
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, q, u.ID, u.Username, u.Email, u.Password, u.DisplayName); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO user_stats (user_id, rating, level)
			VALUES ($1, 1000, 1)
			ON CONFLICT (user_id) DO NOTHING
		`, u.ID)
		return err
	})
}

func (p *Postgres) StatsByUser(ctx context.Context, userID uuid.UUID) (*models.UserStats, error) {
	var s models.UserStats
	q := `
	SELECT user_id, rating, wins, losses, draws, total_games,
	       current_streak, best_streak, correct, total_answered,
	       level, xp, coins
	FROM user_stats
	WHERE user_id=$1
	`
	err := p.pool.QueryRow(ctx, q, userID).Scan(
		&s.UserID, &s.Rating, &s.Wins, &s.Losses, &s.Draws, &s.TotalGames,
		&s.CurrentStreak, &s.BestStreak, &s.Correct, &s.TotalAnswered,
		&s.Level, &s.XP, &s.Coins,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ApplyStatsDelta updates the counters in a single statement so concurrent
// settlements for different matches remain atomic per user.
func (p *Postgres) ApplyStatsDelta(ctx context.Context, userID uuid.UUID, d StatsDelta) (*models.UserStats, error) {
	streakExpr := "current_streak"
	if d.IncrStreak {
		streakExpr = "current_streak + 1"
	} else if d.ResetStreak {
		streakExpr = "0"
	}

	ratingExpr := "rating"
	args := []interface{}{
		d.Wins, d.Losses, d.Draws,
		d.Correct, d.TotalAnswered,
		d.XP, d.Coins,
		userID,
	}
	if d.NewRating != nil {
		ratingExpr = "$9"
		args = append(args, *d.NewRating)
	}

	q := fmt.Sprintf(`
	UPDATE user_stats SET
		wins = wins + $1,
		losses = losses + $2,
		draws = draws + $3,
		total_games = total_games + $1 + $2 + $3,
		correct = correct + $4,
		total_answered = total_answered + $5,
		xp = xp + $6,
		coins = coins + $7,
		current_streak = %s,
		best_streak = GREATEST(best_streak, %s),
		rating = %s,
		level = 1 + (xp + $6) / 1000
	WHERE user_id = $8
	RETURNING user_id, rating, wins, losses, draws, total_games,
	          current_streak, best_streak, correct, total_answered,
	          level, xp, coins
	`, streakExpr, streakExpr, ratingExpr)

	var s models.UserStats
	err := p.pool.QueryRow(ctx, q, args...).Scan(
		&s.UserID, &s.Rating, &s.Wins, &s.Losses, &s.Draws, &s.TotalGames,
		&s.CurrentStreak, &s.BestStreak, &s.Correct, &s.TotalAnswered,
		&s.Level, &s.XP, &s.Coins,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) RandomQuestions(ctx context.Context, difficulty, category string, count int) ([]models.Question, error) {
	q := `
	SELECT id, text, choices, correct_index, difficulty, category
	FROM questions
	WHERE ($1 = 'all' OR $1 = '' OR difficulty = $1)
	  AND ($2 = 'all' OR $2 = '' OR category = $2)
	ORDER BY random()
	LIMIT $3
	`
	rows, err := p.pool.Query(ctx, q, difficulty, category, count)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Question
	for rows.Next() {
		var qu models.Question
		if err := rows.Scan(&qu.ID, &qu.Text, &qu.Choices, &qu.CorrectIndex, &qu.Difficulty, &qu.Category); err != nil {
			return nil, err
		}
		out = append(out, qu)
	}
	return out, rows.Err()
}

var _ Store = (*Postgres)(nil)
