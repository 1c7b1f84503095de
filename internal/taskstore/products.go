package taskstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/Lunary1/lunar-bot/internal/domain"
)

const productColumns = `id, store_type, url, name, price, is_available, image_url, is_active, last_checked_at, created_at, updated_at`

// UpsertProduct inserts or updates a product
func (s *Store) UpsertProduct(ctx context.Context, p *domain.Product) error {
	now := s.now()
	if p.ID == "" {
		p.ID = newID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			store_type = excluded.store_type,
			url = excluded.url,
			name = excluded.name,
			price = excluded.price,
			is_available = excluded.is_available,
			image_url = excluded.image_url,
			is_active = excluded.is_active,
			last_checked_at = excluded.last_checked_at,
			updated_at = excluded.updated_at
	`,
		p.ID, string(p.StoreType), p.URL, nullString(p.Name), nullFloat(p.Price), p.IsAvailable,
		nullString(p.ImageURL), p.IsActive, nullTime(p.LastCheckedAt), p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetProduct retrieves a product by ID
func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	return scanProduct(row)
}

// ListActiveProducts returns every product flagged active
func (s *Store) ListActiveProducts(ctx context.Context) ([]*domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE is_active = TRUE ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []*domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// UpdateProductSnapshot records the result of a scrape
func (s *Store) UpdateProductSnapshot(ctx context.Context, id, name string, price *float64, available bool, checkedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products SET name = COALESCE(?, name), price = ?, is_available = ?, last_checked_at = ?, updated_at = ?
		WHERE id = ?
	`, nullString(name), nullFloat(price), available, checkedAt, s.now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendPricePoint appends to a product's price history
func (s *Store) AppendPricePoint(ctx context.Context, pt domain.PricePoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_history (product_id, price, is_available, recorded_at) VALUES (?, ?, ?, ?)
	`, pt.ProductID, pt.Price, pt.IsAvailable, pt.RecordedAt)
	return err
}

// ListPriceHistory returns the most recent price points of a product, newest first
func (s *Store) ListPriceHistory(ctx context.Context, productID string, limit int) ([]domain.PricePoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, price, is_available, recorded_at FROM price_history
		WHERE product_id = ? ORDER BY recorded_at DESC, id DESC LIMIT ?
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []domain.PricePoint
	for rows.Next() {
		var pt domain.PricePoint
		if err := rows.Scan(&pt.ProductID, &pt.Price, &pt.IsAvailable, &pt.RecordedAt); err != nil {
			return nil, err
		}
		points = append(points, pt)
	}
	return points, rows.Err()
}

func scanProduct(row scanner) (*domain.Product, error) {
	var p domain.Product
	var name, imageURL sql.NullString
	var price sql.NullFloat64
	var lastChecked sql.NullTime
	var storeType string

	err := row.Scan(&p.ID, &storeType, &p.URL, &name, &price, &p.IsAvailable, &imageURL, &p.IsActive,
		&lastChecked, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	p.StoreType = domain.StoreType(storeType)
	p.Name = name.String
	p.ImageURL = imageURL.String
	p.Price = floatPtr(price)
	p.LastCheckedAt = timePtr(lastChecked)
	return &p, nil
}
