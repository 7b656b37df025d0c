package repository

// Schema statements are idempotent and applied on startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS traders (
		id String,
		owner_id String,
		name String,
		filter_source String,
		refresh_interval String,
		extra_timeframes Array(String),
		enabled UInt8,
		required_tier String,
		created_at DateTime,
		updated_at DateTime
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY (owner_id, id)`,

	`CREATE TABLE IF NOT EXISTS user_tiers (
		user_id String,
		tier String,
		updated_at DateTime
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY user_id`,

	`CREATE TABLE IF NOT EXISTS signals (
		id String,
		trader_id String,
		owner_id String,
		symbol String,
		price Float64,
		conditions Array(String),
		created_at DateTime64(3)
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(created_at)
	ORDER BY (trader_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS machine_events (
		machine_id String,
		event_type String,
		payload String,
		created_at DateTime64(3)
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(created_at)
	ORDER BY (machine_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS machine_status (
		machine_id String,
		status String,
		updated_at DateTime
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY machine_id`,
}
