package quiz

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
)

// document is the JSONB shape of a quiz row.
type document struct {
	Title       string            `json:"title"`
	TimeLimitMS int64             `json:"time_limit_ms"`
	Questions   []domain.Question `json:"questions"`
	Rewards     []domain.Reward   `json:"rewards"`
}

// PostgresLoader reads quiz documents from the quizzes table.
type PostgresLoader struct {
	db *pgxpool.Pool
}

func NewPostgresLoader(db *pgxpool.Pool) *PostgresLoader {
	return &PostgresLoader{db: db}
}

func (l *PostgresLoader) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	var raw []byte
	err := l.db.QueryRow(ctx, `SELECT data FROM quizzes WHERE id = $1`, quizID).Scan(&raw)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.Quiz{}, errors.Reasoned(errors.ReasonNotFound, errors.WithMessagef("quiz %s not found", quizID))
	}
	if err != nil {
		return domain.Quiz{}, errors.Unavailable(fmt.Errorf("load quiz: %w", err))
	}

	return Decode(quizID, raw)
}

// Save upserts a quiz document. Used by seeding and tests; authoring lives elsewhere.
func (l *PostgresLoader) Save(ctx context.Context, q domain.Quiz) error {
	raw, err := Encode(q)
	if err != nil {
		return err
	}

	_, err = l.db.Exec(ctx, `
INSERT INTO quizzes (id, data, updated_at) VALUES ($1, $2, now())
ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`, q.ID, raw)
	if err != nil {
		return errors.Unavailable(fmt.Errorf("save quiz: %w", err))
	}
	return nil
}

func Decode(quizID string, raw []byte) (domain.Quiz, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.Quiz{}, errors.Internal(fmt.Errorf("unmarshal quiz %s: %w", quizID, err))
	}

	return domain.Quiz{
		ID:        quizID,
		Title:     doc.Title,
		Questions: doc.Questions,
		TimeLimit: time.Duration(doc.TimeLimitMS) * time.Millisecond,
		Rewards:   doc.Rewards,
	}, nil
}

func Encode(q domain.Quiz) ([]byte, error) {
	raw, err := json.Marshal(document{
		Title:       q.Title,
		TimeLimitMS: q.TimeLimit.Milliseconds(),
		Questions:   q.Questions,
		Rewards:     q.Rewards,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal quiz %s: %w", q.ID, err)
	}
	return raw, nil
}
