package repository

// Schema definitions for the Pricewise database.
// Compatible with both SQLite and PostgreSQL.
// Instants are stored as unix milliseconds; expires_at = 0 never expires.

const schemaPartitionItems = `
CREATE TABLE IF NOT EXISTS partition_items (
    pk TEXT NOT NULL,
    sk TEXT NOT NULL,
    category_pk TEXT,
    product_pk TEXT,
    sort_at BIGINT NOT NULL,
    expires_at BIGINT NOT NULL DEFAULT 0,
    data TEXT NOT NULL,
    PRIMARY KEY (pk, sk)
);

CREATE INDEX IF NOT EXISTS idx_items_category ON partition_items(category_pk, sort_at);
CREATE INDEX IF NOT EXISTS idx_items_product ON partition_items(product_pk, sort_at);
CREATE INDEX IF NOT EXISTS idx_items_expires ON partition_items(expires_at);
`

const schemaIdempotencyMarkers = `
CREATE TABLE IF NOT EXISTS idempotency_markers (
    marker_key TEXT PRIMARY KEY,
    expires_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_markers_expires ON idempotency_markers(expires_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaPartitionItems,
		schemaIdempotencyMarkers,
	}
}
