package store

import (
	"context"
	"fmt"
	"time"
)

// RunRetention deletes exchanges older than maxAge. Threads idle that long
// start a fresh backend conversation on their next question.
func (s *Store) RunRetention(ctx context.Context, maxAge time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := s.PruneExchanges(time.Now().Add(-maxAge))
	if err != nil {
		return err
	}

	size, err := s.DBSizeBytes()
	if err != nil {
		return err
	}
	s.logger.Info().Int64("pruned", n).Int64("db_bytes", size).Msg("retention run complete")
	return nil
}

// RetentionLoop runs RunRetention every interval until ctx is done.
func (s *Store) RetentionLoop(ctx context.Context, every, maxAge time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunRetention(ctx, maxAge); err != nil {
				s.logger.Warn().Err(err).Msg("retention run failed")
			}
		}
	}
}

// DBSizeBytes returns the database size in bytes.
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}
	return pageCount * pageSize, nil
}
