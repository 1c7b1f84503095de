package taskstore

import (
	"context"
	"database/sql"

	"github.com/Lunary1/lunar-bot/internal/domain"
)

// AppendPurchase records a successful purchase. History rows are never updated.
func (s *Store) AppendPurchase(ctx context.Context, h *domain.PurchaseHistory) error {
	if h.ID == "" {
		h.ID = newID()
	}
	if h.PurchasedAt.IsZero() {
		h.PurchasedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchase_history (id, task_id, user_id, product_id, order_ref, price_paid, purchased_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.TaskID, h.UserID, h.ProductID, nullString(h.OrderRef), nullFloat(h.PricePaid), h.PurchasedAt)
	return err
}

// ListPurchases returns a user's purchase history, newest first
func (s *Store) ListPurchases(ctx context.Context, userID string) ([]*domain.PurchaseHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, user_id, product_id, order_ref, price_paid, purchased_at
		FROM purchase_history WHERE user_id = ? ORDER BY purchased_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.PurchaseHistory
	for rows.Next() {
		var h domain.PurchaseHistory
		var orderRef sql.NullString
		var price sql.NullFloat64
		if err := rows.Scan(&h.ID, &h.TaskID, &h.UserID, &h.ProductID, &orderRef, &price, &h.PurchasedAt); err != nil {
			return nil, err
		}
		h.OrderRef = orderRef.String
		h.PricePaid = floatPtr(price)
		out = append(out, &h)
	}
	return out, rows.Err()
}

// CreateAlert persists a product alert
func (s *Store) CreateAlert(ctx context.Context, a *domain.ProductAlert) error {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_alerts (id, user_id, product_id, kind, message, old_price, new_price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.ProductID, string(a.Kind), nullString(a.Message), nullFloat(a.OldPrice), nullFloat(a.NewPrice), a.CreatedAt)
	return err
}

// ListAlertsByProduct returns a product's alerts, newest first
func (s *Store) ListAlertsByProduct(ctx context.Context, productID string, limit int) ([]*domain.ProductAlert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, product_id, kind, message, old_price, new_price, created_at
		FROM product_alerts WHERE product_id = ? ORDER BY created_at DESC LIMIT ?
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ProductAlert
	for rows.Next() {
		var a domain.ProductAlert
		var kind string
		var msg sql.NullString
		var oldPrice, newPrice sql.NullFloat64
		if err := rows.Scan(&a.ID, &a.UserID, &a.ProductID, &kind, &msg, &oldPrice, &newPrice, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Kind = domain.AlertKind(kind)
		a.Message = msg.String
		a.OldPrice = floatPtr(oldPrice)
		a.NewPrice = floatPtr(newPrice)
		out = append(out, &a)
	}
	return out, rows.Err()
}
