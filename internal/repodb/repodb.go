// Package repodb persists Manifest records and resolved SRC_URI lists in a
// sqlite database under the storage root. The repo syncer refreshes it after
// every sync; the origin resolver consults it before falling back to a live
// tree scan, so resolution survives restarts without re-walking the trees.
package repodb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xarblu/portcache/internal/digest"
	"github.com/xarblu/portcache/internal/manifest"
)

// ErrNotFound 表示数据库里没有该 distfile 的记录。
var ErrNotFound = errors.New("repodb: no record for file")

const schema = `
CREATE TABLE IF NOT EXISTS manifest (
	file        TEXT PRIMARY KEY NOT NULL,
	atom        TEXT NOT NULL,
	size        INTEGER NOT NULL,
	blake2b     TEXT NOT NULL DEFAULT '',
	sha512      TEXT NOT NULL DEFAULT '',
	package_dir TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS src_uri (
	file     TEXT NOT NULL REFERENCES manifest(file) ON UPDATE CASCADE ON DELETE CASCADE,
	position INTEGER NOT NULL,
	uri      TEXT NOT NULL,
	PRIMARY KEY (file, position)
);
`

// DB 封装 sqlite 连接，所有方法都可以被并发调用（database/sql 自带连接池）。
type DB struct {
	db *sql.DB
}

// Open 打开（或创建）storageRoot 下的 db.sqlite3 并初始化表结构。
func Open(storageRoot string) (*DB, error) {
	path := filepath.Join(storageRoot, "db.sqlite3")
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open repodb: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init repodb schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close 释放底层连接。
func (d *DB) Close() error {
	return d.db.Close()
}

// UpsertRecord 写入或刷新一条 Manifest 记录。
func (d *DB) UpsertRecord(ctx context.Context, record manifest.Record) error {
	blake2b, sha512 := "", ""
	for _, dg := range record.Digests {
		switch dg.Algo {
		case digest.AlgoBLAKE2B:
			blake2b = dg.Hex
		case digest.AlgoSHA512:
			sha512 = dg.Hex
		}
	}

	_, err := d.db.ExecContext(ctx, `
INSERT INTO manifest (file, atom, size, blake2b, sha512, package_dir)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(file) DO UPDATE SET
	atom = excluded.atom,
	size = excluded.size,
	blake2b = excluded.blake2b,
	sha512 = excluded.sha512,
	package_dir = excluded.package_dir`,
		record.Filename, record.Atom, record.Size, blake2b, sha512, record.PackageDir)
	return err
}

// LookupRecord 按 distfile 名查询 Manifest 记录。
func (d *DB) LookupRecord(ctx context.Context, filename string) (manifest.Record, error) {
	row := d.db.QueryRowContext(ctx, `
SELECT atom, size, blake2b, sha512, package_dir FROM manifest WHERE file = ?`, filename)

	var (
		record  manifest.Record
		blake2b string
		sha512  string
	)
	record.Filename = filename
	err := row.Scan(&record.Atom, &record.Size, &blake2b, &sha512, &record.PackageDir)
	if errors.Is(err, sql.ErrNoRows) {
		return manifest.Record{}, ErrNotFound
	}
	if err != nil {
		return manifest.Record{}, err
	}

	if blake2b != "" {
		record.Digests = append(record.Digests, digest.Digest{Algo: digest.AlgoBLAKE2B, Hex: blake2b})
	}
	if sha512 != "" {
		record.Digests = append(record.Digests, digest.Digest{Algo: digest.AlgoSHA512, Hex: sha512})
	}
	return record, nil
}

// ReplaceSrcURIs 原子地替换一个 distfile 的 SRC_URI 列表，保留声明顺序。
func (d *DB) ReplaceSrcURIs(ctx context.Context, filename string, uris []string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM src_uri WHERE file = ?`, filename); err != nil {
		return err
	}
	for i, uri := range uris {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO src_uri (file, position, uri) VALUES (?, ?, ?)`, filename, i, uri); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LookupSrcURIs 返回按声明顺序排列的 SRC_URI 列表，未知文件返回空列表。
func (d *DB) LookupSrcURIs(ctx context.Context, filename string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT uri FROM src_uri WHERE file = ? ORDER BY position`, filename)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, err
		}
		uris = append(uris, uri)
	}
	return uris, rows.Err()
}
