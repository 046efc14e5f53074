// Package store persists coordinator state.
//
// The SQLite Store (modernc.org/sqlite, WAL mode) owns two tables: a small
// key-value table that backs the paused-job list, and a jobs table that
// tracks every job the coordinator has seen along with its latest progress.
// RedisKV offers the same KV contract on top of go-redis for deployments
// that share paused jobs between hosts.
//
// The KV boundary may fail transiently and offers no transactions. Callers
// such as the login manager retry writes themselves and treat unreadable
// paused records as corrupt data to clean up, never as a fatal error.
//
// The database holds in-flight state rather than an archive. Schema changes
// bump schemaVersion; users delete the database to adopt the new schema.
package store
