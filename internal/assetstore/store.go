// Package assetstore is the sqlite-backed metadata store for uploaded audio
// assets and the loaded-plugin catalog. File content (asset bytes, plugin
// binaries) lives on disk; only metadata is relational, generalized from the
// teacher's internal/store (sqlite open/migrate) and internal/blob
// (content-addressed blob put/open) from chat file attachments to pipeline
// assets.
package assetstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrAssetNotFound is returned when no asset metadata exists for an ID.
var ErrAssetNotFound = errors.New("asset metadata not found")

// AssetMetadata describes one uploaded audio asset.
type AssetMetadata struct {
	ID          string
	Name        string
	ContentType string
	DiskName    string
	SizeBytes   int64
	CreatedAt   time.Time
}

// OpenAssetResult pairs asset metadata with its opened on-disk file.
type OpenAssetResult struct {
	Metadata AssetMetadata
	File     *os.File
}

// PluginRecord describes one plugin the host has loaded, persisted purely
// for catalog/audit purposes — the live, in-memory truth is
// pluginhost.Manager; this table lets a restarted server report what was
// previously loaded without re-scanning plugin directories.
type PluginRecord struct {
	Kind     string
	Backend  string
	Path     string
	LoadedAt time.Time
}

// Store persists asset and plugin-catalog metadata in SQLite, with asset
// bytes stored on disk under assetsDir in files named by a random UUID.
type Store struct {
	db        *sql.DB
	assetsDir string
}

// Open opens (or creates) the sqlite database at dbPath and the asset
// storage directory at assetsDir, running migrations.
func Open(dbPath, assetsDir string) (*Store, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	assetsDir = strings.TrimSpace(assetsDir)
	if assetsDir == "" {
		return nil, fmt.Errorf("assets directory is required")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	if err := os.MkdirAll(assetsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create assets directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db, assetsDir: assetsDir}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("asset store opened", "db_path", dbPath, "assets_dir", assetsDir)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	content_type TEXT NOT NULL,
	disk_name TEXT NOT NULL UNIQUE,
	size_bytes INTEGER NOT NULL CHECK(size_bytes >= 0),
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assets_created_at ON assets(created_at_unix_ms);

CREATE TABLE IF NOT EXISTS plugin_catalog (
	kind TEXT PRIMARY KEY,
	backend TEXT NOT NULL,
	path TEXT NOT NULL,
	loaded_at_unix_ms INTEGER NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("asset store migrations applied")
	return nil
}

// PutAssetInput contains the data required to write one asset.
type PutAssetInput struct {
	Name        string
	ContentType string
	Reader      func(dst *os.File) (int64, error)
}

const defaultContentType = "application/octet-stream"

// PutAsset writes bytes to disk as an opaque UUID-named file and stores its
// metadata. The write goes through a temp file plus rename, same atomic
// pattern as the plugin host's upload path, so a crash mid-write never
// leaves a partial asset an in-progress session could read.
func (s *Store) PutAsset(ctx context.Context, input PutAssetInput) (AssetMetadata, error) {
	if input.Reader == nil {
		return AssetMetadata{}, fmt.Errorf("asset reader is required")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return AssetMetadata{}, fmt.Errorf("asset name is required")
	}
	contentType := strings.TrimSpace(input.ContentType)
	if contentType == "" {
		contentType = defaultContentType
	}

	id := uuid.NewString()
	tempFile, err := os.CreateTemp(s.assetsDir, ".asset-write-*")
	if err != nil {
		return AssetMetadata{}, fmt.Errorf("create temp asset file: %w", err)
	}
	tempPath := tempFile.Name()

	size, copyErr := input.Reader(tempFile)
	closeErr := tempFile.Close()
	if copyErr != nil {
		os.Remove(tempPath)
		return AssetMetadata{}, fmt.Errorf("write asset bytes: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return AssetMetadata{}, fmt.Errorf("close asset file: %w", closeErr)
	}

	finalPath := filepath.Join(s.assetsDir, id)
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return AssetMetadata{}, fmt.Errorf("move asset into place: %w", err)
	}

	meta := AssetMetadata{
		ID:          id,
		Name:        name,
		ContentType: contentType,
		DiskName:    id,
		SizeBytes:   size,
		CreatedAt:   time.Now().UTC(),
	}
	const q = `INSERT INTO assets (id, name, content_type, disk_name, size_bytes, created_at_unix_ms) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, meta.ID, meta.Name, meta.ContentType, meta.DiskName, meta.SizeBytes, meta.CreatedAt.UnixMilli()); err != nil {
		os.Remove(finalPath)
		return AssetMetadata{}, fmt.Errorf("persist asset metadata: %w", err)
	}

	slog.Info("asset stored", "asset_id", id, "name", name, "size", humanize.Bytes(uint64(size)), "content_type", contentType)
	return meta, nil
}

// OpenAsset resolves asset metadata and opens its corresponding on-disk file.
func (s *Store) OpenAsset(ctx context.Context, id string) (OpenAssetResult, error) {
	meta, err := s.AssetByID(ctx, id)
	if err != nil {
		return OpenAssetResult{}, err
	}
	path := filepath.Join(s.assetsDir, meta.DiskName)
	f, err := os.Open(path)
	if err != nil {
		return OpenAssetResult{}, fmt.Errorf("open asset file: %w", err)
	}
	return OpenAssetResult{Metadata: meta, File: f}, nil
}

// AssetByID returns asset metadata by UUID.
func (s *Store) AssetByID(ctx context.Context, id string) (AssetMetadata, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return AssetMetadata{}, fmt.Errorf("asset id is required")
	}
	const q = `SELECT id, name, content_type, disk_name, size_bytes, created_at_unix_ms FROM assets WHERE id = ?`
	var (
		meta      AssetMetadata
		createdMS int64
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&meta.ID, &meta.Name, &meta.ContentType, &meta.DiskName, &meta.SizeBytes, &createdMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AssetMetadata{}, ErrAssetNotFound
		}
		return AssetMetadata{}, fmt.Errorf("query asset metadata: %w", err)
	}
	meta.CreatedAt = time.UnixMilli(createdMS).UTC()
	return meta, nil
}

// ListAssets returns every asset, most recently created first.
func (s *Store) ListAssets(ctx context.Context) ([]AssetMetadata, error) {
	const q = `SELECT id, name, content_type, disk_name, size_bytes, created_at_unix_ms FROM assets ORDER BY created_at_unix_ms DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var out []AssetMetadata
	for rows.Next() {
		var (
			meta      AssetMetadata
			createdMS int64
		)
		if err := rows.Scan(&meta.ID, &meta.Name, &meta.ContentType, &meta.DiskName, &meta.SizeBytes, &createdMS); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		meta.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, meta)
	}
	return out, rows.Err()
}

// DeleteAsset removes an asset's metadata row and its on-disk file.
func (s *Store) DeleteAsset(ctx context.Context, id string) error {
	meta, err := s.AssetByID(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete asset metadata: %w", err)
	}
	if err := os.Remove(filepath.Join(s.assetsDir, meta.DiskName)); err != nil && !os.IsNotExist(err) {
		slog.Warn("asset file removal failed after metadata delete", "asset_id", id, "error", err)
	}
	return nil
}

// RecordPluginLoad upserts a plugin catalog row, called by the plugin host
// after a successful load. The /plugins listing does not read this table;
// it lists the plugins loaded in the running process.
func (s *Store) RecordPluginLoad(ctx context.Context, kind, backend, path string) error {
	const q = `
INSERT INTO plugin_catalog (kind, backend, path, loaded_at_unix_ms) VALUES (?, ?, ?, ?)
ON CONFLICT(kind) DO UPDATE SET backend = excluded.backend, path = excluded.path, loaded_at_unix_ms = excluded.loaded_at_unix_ms
`
	_, err := s.db.ExecContext(ctx, q, kind, backend, path, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record plugin load: %w", err)
	}
	return nil
}

// RemovePluginRecord deletes a plugin catalog row, called after a
// successful unload.
func (s *Store) RemovePluginRecord(ctx context.Context, kind string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM plugin_catalog WHERE kind = ?`, kind); err != nil {
		return fmt.Errorf("remove plugin record: %w", err)
	}
	return nil
}

// ListPluginRecords returns every recorded plugin, most recently loaded
// first.
func (s *Store) ListPluginRecords(ctx context.Context) ([]PluginRecord, error) {
	const q = `SELECT kind, backend, path, loaded_at_unix_ms FROM plugin_catalog ORDER BY loaded_at_unix_ms DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query plugin catalog: %w", err)
	}
	defer rows.Close()

	var out []PluginRecord
	for rows.Next() {
		var (
			rec       PluginRecord
			loadedMS  int64
		)
		if err := rows.Scan(&rec.Kind, &rec.Backend, &rec.Path, &loadedMS); err != nil {
			return nil, fmt.Errorf("scan plugin record: %w", err)
		}
		rec.LoadedAt = time.UnixMilli(loadedMS).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
