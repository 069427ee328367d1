package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/samber/mo"
)

// Exchange is one delivered question/answer pair.
type Exchange struct {
	TenantID   string
	ChannelID  string
	ThreadTS   string
	QuestionTS string
	AnswerTS   string
	UserID     string
	Question   string
	Answer     string
	ResponseID string
	Confidence mo.Option[int]
	CreatedAt  int64
}

// SaveExchange persists an exchange for later thread-continuation lookups.
func (s *Store) SaveExchange(ex *Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ex.CreatedAt == 0 {
		ex.CreatedAt = time.Now().UnixMilli()
	}

	var conf sql.NullInt64
	if v, ok := ex.Confidence.Get(); ok {
		conf = sql.NullInt64{Int64: int64(v), Valid: true}
	}

	_, err := s.db.Exec(`
	INSERT INTO exchanges (
		tenant_id, channel_id, thread_ts, question_ts, answer_ts, user_id,
		question, answer, response_id, confidence, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.TenantID, ex.ChannelID, ex.ThreadTS, ex.QuestionTS, ex.AnswerTS, ex.UserID,
		ex.Question, ex.Answer, ex.ResponseID, conf, ex.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save exchange: %w", err)
	}
	return nil
}

// LatestExchange returns the most recent exchange in a thread, or nil if the
// bot has not answered there.
func (s *Store) LatestExchange(tenantID, channelID, threadTS string) (*Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		ex   Exchange
		conf sql.NullInt64
	)
	err := s.db.QueryRow(`
	SELECT tenant_id, channel_id, thread_ts, question_ts, answer_ts, user_id,
		question, answer, response_id, confidence, created_at
	FROM exchanges
	WHERE tenant_id = ? AND channel_id = ? AND thread_ts = ?
	ORDER BY created_at DESC, id DESC
	LIMIT 1`, tenantID, channelID, threadTS).Scan(
		&ex.TenantID, &ex.ChannelID, &ex.ThreadTS, &ex.QuestionTS, &ex.AnswerTS, &ex.UserID,
		&ex.Question, &ex.Answer, &ex.ResponseID, &conf, &ex.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange: %w", err)
	}
	if conf.Valid {
		ex.Confidence = mo.Some(int(conf.Int64))
	}
	return &ex, nil
}

// PruneExchanges deletes exchanges older than the cutoff and returns the count removed.
func (s *Store) PruneExchanges(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM exchanges WHERE created_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune exchanges: %w", err)
	}
	return res.RowsAffected()
}
