// Package store is the typed entity store: schema, transactions with
// savepoint-backed nesting, query-building primitives, and an in-process
// identity cache for hot lookups (collection-by-id, mimetype-by-name,
// tagtype-by-name). The SQL dialect is intentionally unremarkable; what
// matters is the transaction-scoped access pattern every handler in
// internal/handler goes through.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store owns the single shared backing database and the identity caches
// layered over it.
type Store struct {
	db *sql.DB

	cacheMu      sync.RWMutex
	collCache    map[int64]*cachedCollection
	mimeByName   map[string]int64
	mimeByID     map[int64]string
	tagTypeByName map[string]int64
}

// Open creates (if needed) and opens the database at dsn, running schema
// migrations, and returns a ready Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=10000")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// WAL allows concurrent readers alongside one writer; savepoint
	// nesting is safe because a sql.Tx pins its connection.
	s := &Store{
		db:            db,
		collCache:     make(map[int64]*cachedCollection),
		mimeByName:    make(map[string]int64),
		mimeByID:      make(map[int64]string),
		tagTypeByName: make(map[string]int64),
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the backing database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS resources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS mimetypes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS tagtypes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS relationtypes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS collections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		parent_id INTEGER NOT NULL DEFAULT 0,
		name TEXT NOT NULL,
		resource_id INTEGER NOT NULL DEFAULT 0,
		remote_id TEXT NOT NULL DEFAULT '',
		remote_revision TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		sync_pref INTEGER NOT NULL DEFAULT 0,
		display_pref INTEGER NOT NULL DEFAULT 0,
		index_pref INTEGER NOT NULL DEFAULT 0,
		virtual INTEGER NOT NULL DEFAULT 0,
		cache_inherit INTEGER NOT NULL DEFAULT 1,
		cache_interval INTEGER NOT NULL DEFAULT 0,
		cache_timeout INTEGER NOT NULL DEFAULT 0,
		cache_sync_on_demand INTEGER NOT NULL DEFAULT 0,
		cache_local_parts TEXT NOT NULL DEFAULT '',
		attributes BLOB
	)`,
	`CREATE TABLE IF NOT EXISTS collection_mimetypes (
		collection_id INTEGER NOT NULL,
		mimetype_id INTEGER NOT NULL,
		PRIMARY KEY (collection_id, mimetype_id)
	)`,
	`CREATE TABLE IF NOT EXISTS collection_references (
		session_id INTEGER NOT NULL,
		collection_id INTEGER NOT NULL,
		PRIMARY KEY (session_id, collection_id)
	)`,
	`CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		collection_id INTEGER NOT NULL,
		mimetype_id INTEGER NOT NULL,
		remote_id TEXT NOT NULL DEFAULT '',
		remote_revision TEXT NOT NULL DEFAULT '',
		gid TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		datetime TEXT NOT NULL DEFAULT '',
		mtime TEXT NOT NULL DEFAULT '',
		revision INTEGER NOT NULL DEFAULT 0,
		dirty INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_items_collection ON items(collection_id)`,
	`CREATE INDEX IF NOT EXISTS idx_items_resource_rid ON items(remote_id)`,
	`CREATE INDEX IF NOT EXISTS idx_items_gid ON items(gid)`,
	`CREATE TABLE IF NOT EXISTS item_links (
		item_id INTEGER NOT NULL,
		collection_id INTEGER NOT NULL,
		PRIMARY KEY (item_id, collection_id)
	)`,
	`CREATE TABLE IF NOT EXISTS parts (
		item_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		data BLOB,
		external_ref TEXT NOT NULL DEFAULT '',
		storage INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		datasize INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (item_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS flags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS item_flags (
		item_id INTEGER NOT NULL,
		flag_id INTEGER NOT NULL,
		PRIMARY KEY (item_id, flag_id)
	)`,
	`CREATE TABLE IF NOT EXISTS tags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		gid TEXT NOT NULL,
		type_id INTEGER NOT NULL,
		parent_id INTEGER NOT NULL DEFAULT 0,
		attributes BLOB
	)`,
	`CREATE TABLE IF NOT EXISTS tag_remote_ids (
		tag_id INTEGER NOT NULL,
		resource_id INTEGER NOT NULL,
		remote_id TEXT NOT NULL,
		PRIMARY KEY (tag_id, resource_id)
	)`,
	`CREATE TABLE IF NOT EXISTS item_tags (
		item_id INTEGER NOT NULL,
		tag_id INTEGER NOT NULL,
		PRIMARY KEY (item_id, tag_id)
	)`,
	`CREATE TABLE IF NOT EXISTS relations (
		left_item_id INTEGER NOT NULL,
		right_item_id INTEGER NOT NULL,
		type_id INTEGER NOT NULL,
		remote_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (left_item_id, right_item_id, type_id)
	)`,
	`CREATE TABLE IF NOT EXISTS search_collections (
		collection_id INTEGER PRIMARY KEY,
		query_text TEXT NOT NULL
	)`,
}
