package taskstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/Lunary1/lunar-bot/internal/domain"
)

const watchlistColumns = `id, user_id, product_id, max_price, auto_purchase, status, check_interval_ms, last_attempt_at, created_at, updated_at`

// CreateWatchlistItem inserts a watchlist item
func (s *Store) CreateWatchlistItem(ctx context.Context, item *domain.WatchlistItem) error {
	now := s.now()
	if item.ID == "" {
		item.ID = newID()
	}
	if item.Status == "" {
		item.Status = domain.WatchMonitoring
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watchlist_items (`+watchlistColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, item.UserID, item.ProductID, nullFloat(item.MaxPrice), item.AutoPurchase,
		string(item.Status), item.CheckInterval.Milliseconds(), nullTime(item.LastAttemptAt),
		item.CreatedAt, item.UpdatedAt,
	)
	return err
}

// GetWatchlistItem retrieves a watchlist item by ID
func (s *Store) GetWatchlistItem(ctx context.Context, id string) (*domain.WatchlistItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+watchlistColumns+` FROM watchlist_items WHERE id = ?`, id)
	return scanWatchlistItem(row)
}

// ListWatchlistByProduct returns every watchlist entry for a product
func (s *Store) ListWatchlistByProduct(ctx context.Context, productID string) ([]*domain.WatchlistItem, error) {
	return s.queryWatchlist(ctx, `SELECT `+watchlistColumns+` FROM watchlist_items WHERE product_id = ? ORDER BY created_at`, productID)
}

// ListWatchlistByStatus returns watchlist entries in the given status
func (s *Store) ListWatchlistByStatus(ctx context.Context, status domain.WatchStatus) ([]*domain.WatchlistItem, error) {
	return s.queryWatchlist(ctx, `SELECT `+watchlistColumns+` FROM watchlist_items WHERE status = ? ORDER BY created_at`, string(status))
}

// ListWatchlistByUser returns a user's watchlist, oldest first
func (s *Store) ListWatchlistByUser(ctx context.Context, userID string) ([]*domain.WatchlistItem, error) {
	return s.queryWatchlist(ctx, `SELECT `+watchlistColumns+` FROM watchlist_items WHERE user_id = ? ORDER BY created_at`, userID)
}

func (s *Store) queryWatchlist(ctx context.Context, query string, args ...interface{}) ([]*domain.WatchlistItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.WatchlistItem
	for rows.Next() {
		item, err := scanWatchlistItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CompareAndSetWatchStatus moves an item from one status to another only if it is
// currently in from. It reports whether this call performed the change.
func (s *Store) CompareAndSetWatchStatus(ctx context.Context, id string, from, to domain.WatchStatus, attemptAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE watchlist_items SET status = ?, last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), attemptAt, s.now(), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateWatchStatus sets an item's status unconditionally
func (s *Store) UpdateWatchStatus(ctx context.Context, id string, status domain.WatchStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE watchlist_items SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWatchlistItem(row scanner) (*domain.WatchlistItem, error) {
	var item domain.WatchlistItem
	var maxPrice sql.NullFloat64
	var lastAttempt sql.NullTime
	var status string
	var intervalMS int64

	err := row.Scan(&item.ID, &item.UserID, &item.ProductID, &maxPrice, &item.AutoPurchase, &status,
		&intervalMS, &lastAttempt, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	item.MaxPrice = floatPtr(maxPrice)
	item.Status = domain.WatchStatus(status)
	item.CheckInterval = time.Duration(intervalMS) * time.Millisecond
	item.LastAttemptAt = timePtr(lastAttempt)
	return &item, nil
}
