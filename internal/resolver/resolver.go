// Package resolver implements origin resolution: mapping a distfile name to
// its owning package and the ordered SRC_URI candidates declared by that
// package's ebuilds. Lookup order is the persistent repodb (when available),
// then the lazy manifest index, then the external metadata helper.
package resolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/xarblu/portcache/internal/manifest"
	"github.com/xarblu/portcache/internal/repodb"
	"github.com/xarblu/portcache/internal/srcuri"
)

// ErrNotFound 是终态的“没有来源”结果：没有任何包声明该文件，
// 或声明了但没有任何可用 URI。不重试。
var ErrNotFound = errors.New("no origin for file")

// Resolution 是一次成功解析的结果。Record 中的摘要是最终权威，
// mirror 路径上首次下载记录的值会被它覆盖。
type Resolution struct {
	Record manifest.Record
	URIs   []string
}

// Resolver 聚合三级查找。db 可以为 nil（未配置 syncer 时）。
type Resolver struct {
	index  *manifest.Index
	db     *repodb.DB
	helper *srcuri.Runner
	logger *logrus.Logger
}

// New 构建 Resolver。
func New(index *manifest.Index, db *repodb.DB, helper *srcuri.Runner, logger *logrus.Logger) *Resolver {
	return &Resolver{
		index:  index,
		db:     db,
		helper: helper,
		logger: logger,
	}
}

// Record 只做 Manifest 记录查找，供 mirror 下载路径获取权威摘要。
// 未找到返回 ErrNotFound，此时 mirror 下载按首次信任处理。
func (r *Resolver) Record(ctx context.Context, filename string) (manifest.Record, error) {
	if r.db != nil {
		record, err := r.db.LookupRecord(ctx, filename)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, repodb.ErrNotFound) {
			r.logger.WithError(err).WithField("file", filename).Warn("repodb_lookup_failed")
		}
	}

	record, err := r.index.Lookup(ctx, filename)
	if errors.Is(err, manifest.ErrNotFound) {
		return manifest.Record{}, ErrNotFound
	}
	if err != nil {
		return manifest.Record{}, err
	}
	return record, nil
}

// Resolve 返回 distfile 的来源 URI 列表。流程：
//  1. Manifest 记录查找（repodb → index），未命中即 ErrNotFound；
//  2. repodb 中已有 SRC_URI 则直接复用；
//  3. 否则对包目录下的 ebuild 依次调用 helper，取第一个声明了该文件的
//     fetch map，结果写回 repodb（尽力而为）。
func (r *Resolver) Resolve(ctx context.Context, filename string) (*Resolution, error) {
	record, err := r.Record(ctx, filename)
	if err != nil {
		return nil, err
	}

	if r.db != nil {
		uris, err := r.db.LookupSrcURIs(ctx, filename)
		if err != nil {
			r.logger.WithError(err).WithField("file", filename).Warn("repodb_srcuri_lookup_failed")
		} else if len(uris) > 0 {
			return &Resolution{Record: record, URIs: uris}, nil
		}
	}

	uris, err := r.resolveViaHelper(ctx, record, filename)
	if err != nil {
		return nil, err
	}
	if len(uris) == 0 {
		return nil, ErrNotFound
	}

	if r.db != nil {
		// src_uri 表外键引用 manifest 表，先确保记录存在。
		if err := r.db.UpsertRecord(ctx, record); err != nil {
			r.logger.WithError(err).WithField("file", filename).Warn("repodb_record_store_failed")
		} else if err := r.db.ReplaceSrcURIs(ctx, filename, uris); err != nil {
			r.logger.WithError(err).WithField("file", filename).Warn("repodb_srcuri_store_failed")
		}
	}

	return &Resolution{Record: record, URIs: uris}, nil
}

// resolveViaHelper 遍历包目录下的 ebuild，返回第一个声明了该文件的
// fetch map 条目。所有 ebuild 都以 HelperError 失败时返回最后一个错误，
// 调用方据此与网络失败区分。
func (r *Resolver) resolveViaHelper(ctx context.Context, record manifest.Record, filename string) ([]string, error) {
	ebuilds, err := listEbuilds(record.PackageDir)
	if err != nil || len(ebuilds) == 0 {
		return nil, ErrNotFound
	}

	var lastHelperErr error
	for _, ebuild := range ebuilds {
		fetchMap, err := r.helper.Resolve(ctx, ebuild)
		if err != nil {
			lastHelperErr = err
			r.logger.WithError(err).WithField("ebuild", ebuild).Warn("src_uri_helper_failed")
			continue
		}
		if uris := fetchMap[filename]; len(uris) > 0 {
			return uris, nil
		}
	}

	if lastHelperErr != nil {
		return nil, lastHelperErr
	}
	return nil, ErrNotFound
}

// listEbuilds 返回包目录下按版本名排序的 ebuild 路径。新版本通常排在
// 后面，倒序遍历让最新 ebuild 先被询问。
func listEbuilds(packageDir string) ([]string, error) {
	if packageDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(packageDir)
	if err != nil {
		return nil, err
	}

	var ebuilds []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ebuild") {
			continue
		}
		ebuilds = append(ebuilds, filepath.Join(packageDir, entry.Name()))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ebuilds)))
	return ebuilds, nil
}
