package taskstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/Lunary1/lunar-bot/internal/domain"
)

// CreateStoreAccount inserts a store account. PasswordEncrypted must already be vault ciphertext.
func (s *Store) CreateStoreAccount(ctx context.Context, a *domain.StoreAccount) error {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_accounts (id, user_id, store_type, username, password_encrypted, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, string(a.StoreType), a.Username, a.PasswordEncrypted, a.IsActive, a.CreatedAt)
	return err
}

// GetStoreAccount retrieves a store account by ID
func (s *Store) GetStoreAccount(ctx context.Context, id string) (*domain.StoreAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, store_type, username, password_encrypted, is_active, created_at
		FROM store_accounts WHERE id = ?
	`, id)
	return scanStoreAccount(row)
}

// FindActiveStoreAccount returns the user's oldest active account for a store type
func (s *Store) FindActiveStoreAccount(ctx context.Context, userID string, storeType domain.StoreType) (*domain.StoreAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, store_type, username, password_encrypted, is_active, created_at
		FROM store_accounts WHERE user_id = ? AND store_type = ? AND is_active = TRUE
		ORDER BY created_at LIMIT 1
	`, userID, string(storeType))
	return scanStoreAccount(row)
}

func scanStoreAccount(row scanner) (*domain.StoreAccount, error) {
	var a domain.StoreAccount
	var storeType string
	err := row.Scan(&a.ID, &a.UserID, &storeType, &a.Username, &a.PasswordEncrypted, &a.IsActive, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	a.StoreType = domain.StoreType(storeType)
	return &a, nil
}

// CreateProxy inserts a proxy
func (s *Store) CreateProxy(ctx context.Context, p *domain.Proxy) error {
	if p.ID == "" {
		p.ID = newID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxies (id, host, port, username, password, is_active) VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Host, p.Port, nullString(p.Username), nullString(p.Password), p.IsActive)
	return err
}

// GetProxy retrieves a proxy by ID
func (s *Store) GetProxy(ctx context.Context, id string) (*domain.Proxy, error) {
	var p domain.Proxy
	var username, password sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, host, port, username, password, is_active FROM proxies WHERE id = ?`, id).
		Scan(&p.ID, &p.Host, &p.Port, &username, &password, &p.IsActive)
	if err != nil {
		return nil, notFound(err)
	}
	p.Username = username.String
	p.Password = password.String
	return &p, nil
}

// UpsertBotConfig stores the default bot configuration for a store type
func (s *Store) UpsertBotConfig(ctx context.Context, c *domain.BotConfigRecord) error {
	c.UpdatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_configs (store_type, headless, timeout_ms, retry_attempts, delay_min_ms, delay_max_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(store_type) DO UPDATE SET
			headless = excluded.headless,
			timeout_ms = excluded.timeout_ms,
			retry_attempts = excluded.retry_attempts,
			delay_min_ms = excluded.delay_min_ms,
			delay_max_ms = excluded.delay_max_ms,
			updated_at = excluded.updated_at
	`, string(c.StoreType), c.Headless, c.Timeout.Milliseconds(), c.RetryAttempts,
		c.DelayMin.Milliseconds(), c.DelayMax.Milliseconds(), c.UpdatedAt)
	return err
}

// GetBotConfig returns the stored bot configuration for a store type
func (s *Store) GetBotConfig(ctx context.Context, storeType domain.StoreType) (*domain.BotConfigRecord, error) {
	var c domain.BotConfigRecord
	var st string
	var timeoutMS, minMS, maxMS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT store_type, headless, timeout_ms, retry_attempts, delay_min_ms, delay_max_ms, updated_at
		FROM bot_configs WHERE store_type = ?
	`, string(storeType)).Scan(&st, &c.Headless, &timeoutMS, &c.RetryAttempts, &minMS, &maxMS, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	c.StoreType = domain.StoreType(st)
	c.Timeout = time.Duration(timeoutMS) * time.Millisecond
	c.DelayMin = time.Duration(minMS) * time.Millisecond
	c.DelayMax = time.Duration(maxMS) * time.Millisecond
	return &c, nil
}
