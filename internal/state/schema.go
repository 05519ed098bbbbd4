package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS items (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL,
  key TEXT NOT NULL,
  from_addr TEXT,
  subject TEXT,
  date TEXT,
  body TEXT,
  metadata TEXT,
  received_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_key_seq ON items(key, seq);
`
