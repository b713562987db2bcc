package journal

const Schema = `
CREATE TABLE IF NOT EXISTS fills (
	trade_id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	filled_quantity TEXT NOT NULL,
	filled_price TEXT NOT NULL,
	broker_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	order_id TEXT NOT NULL,
	status TEXT NOT NULL,
	timestamp DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	account_id TEXT NOT NULL,
	broker_id TEXT NOT NULL,
	trade_id TEXT NOT NULL,
	order_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity TEXT NOT NULL,
	price TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS copy_executions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	master_trade_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	broker_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	user_order_id TEXT NOT NULL,
	user_error TEXT NOT NULL,
	user_size TEXT NOT NULL,
	failure_kind TEXT NOT NULL,
	reason TEXT NOT NULL,
	unresolved INTEGER NOT NULL DEFAULT 0,
	recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_copy_trade_user ON copy_executions(master_trade_id, user_id);
CREATE INDEX IF NOT EXISTS idx_positions_account ON positions(kind, account_id, broker_id);
CREATE INDEX IF NOT EXISTS idx_fills_time ON fills(timestamp);
`
