package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS products (
    id TEXT PRIMARY KEY,
    store_type TEXT NOT NULL,
    url TEXT NOT NULL,
    name TEXT,
    price REAL,
    is_available BOOLEAN DEFAULT FALSE,
    image_url TEXT,
    is_active BOOLEAN DEFAULT TRUE,
    last_checked_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_products_active ON products(is_active);

CREATE TABLE IF NOT EXISTS store_accounts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    store_type TEXT NOT NULL,
    username TEXT NOT NULL,
    password_encrypted TEXT NOT NULL,
    is_active BOOLEAN DEFAULT TRUE,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_store_accounts_user ON store_accounts(user_id, store_type);

CREATE TABLE IF NOT EXISTS proxies (
    id TEXT PRIMARY KEY,
    host TEXT NOT NULL,
    port INTEGER NOT NULL,
    username TEXT,
    password TEXT,
    is_active BOOLEAN DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    product_id TEXT NOT NULL REFERENCES products(id),
    store_account_id TEXT NOT NULL REFERENCES store_accounts(id),
    proxy_id TEXT,
    priority INTEGER NOT NULL DEFAULT 5,
    quantity INTEGER NOT NULL DEFAULT 1,
    max_price REAL,
    status TEXT NOT NULL DEFAULT 'queued',
    retry_count INTEGER NOT NULL DEFAULT 0,
    order_ref TEXT,
    price_paid REAL,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);

CREATE TABLE IF NOT EXISTS watchlist_items (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    product_id TEXT NOT NULL REFERENCES products(id),
    max_price REAL,
    auto_purchase BOOLEAN DEFAULT FALSE,
    status TEXT NOT NULL DEFAULT 'monitoring',
    check_interval_ms INTEGER NOT NULL DEFAULT 0,
    last_attempt_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_watchlist_product ON watchlist_items(product_id);
CREATE INDEX IF NOT EXISTS idx_watchlist_status ON watchlist_items(status);

CREATE TABLE IF NOT EXISTS bot_configs (
    store_type TEXT PRIMARY KEY,
    headless BOOLEAN DEFAULT TRUE,
    timeout_ms INTEGER NOT NULL,
    retry_attempts INTEGER NOT NULL,
    delay_min_ms INTEGER NOT NULL,
    delay_max_ms INTEGER NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS purchase_history (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES tasks(id),
    user_id TEXT NOT NULL,
    product_id TEXT NOT NULL,
    order_ref TEXT,
    price_paid REAL,
    purchased_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_purchase_history_user ON purchase_history(user_id);

CREATE TABLE IF NOT EXISTS product_alerts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    product_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    message TEXT,
    old_price REAL,
    new_price REAL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_product_alerts_product ON product_alerts(product_id);

CREATE TABLE IF NOT EXISTS price_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    product_id TEXT NOT NULL REFERENCES products(id),
    price REAL NOT NULL,
    is_available BOOLEAN DEFAULT FALSE,
    recorded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_price_history_product ON price_history(product_id, recorded_at);
`
