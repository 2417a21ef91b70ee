package manifest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotFound 表示没有任何已知包声明这个 distfile。
var ErrNotFound = errors.New("no manifest entry for file")

// Index 在多个 ebuild 树根目录之上维护 filename → Record 的惰性索引。
// 第一次未命中触发一次全量扫描并整体记忆，之后的查找是纯内存操作；
// 树根目录的 mtime 变化或显式 Invalidate（syncer 同步后调用）会使
// 索引失效并在下次查找时重建，最坏陈旧程度为一个同步周期。
type Index struct {
	roots  func() []string
	logger *logrus.Logger

	mu        sync.RWMutex
	byFile    map[string]Record
	scanned   bool
	rootState map[string]time.Time
}

// NewIndex 构建索引。roots 以回调提供，因为 syncer 可能在运行期补齐
// 新克隆的仓库目录。
func NewIndex(roots func() []string, logger *logrus.Logger) *Index {
	return &Index{
		roots:     roots,
		logger:    logger,
		byFile:    make(map[string]Record),
		rootState: make(map[string]time.Time),
	}
}

// Invalidate 丢弃当前索引，下一次 Lookup 会重新扫描。
func (idx *Index) Invalidate() {
	idx.mu.Lock()
	idx.byFile = make(map[string]Record)
	idx.scanned = false
	idx.rootState = make(map[string]time.Time)
	idx.mu.Unlock()
}

// Lookup 返回声明了该 distfile 的 Manifest 记录，未找到返回 ErrNotFound。
func (idx *Index) Lookup(ctx context.Context, filename string) (Record, error) {
	idx.mu.RLock()
	record, hit := idx.byFile[filename]
	fresh := idx.scanned && !idx.rootsChangedLocked()
	idx.mu.RUnlock()

	if hit && fresh {
		return record, nil
	}
	if !fresh {
		if err := idx.rebuild(ctx); err != nil {
			return Record{}, err
		}
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	record, hit = idx.byFile[filename]
	if !hit {
		return Record{}, ErrNotFound
	}
	return record, nil
}

// rootsChangedLocked 对比记录过的根目录 mtime，调用方需持有读锁。
func (idx *Index) rootsChangedLocked() bool {
	roots := idx.roots()
	if len(roots) != len(idx.rootState) {
		return true
	}
	for _, root := range roots {
		stamp, known := idx.rootState[root]
		if !known {
			return true
		}
		info, err := os.Stat(root)
		if err != nil || !info.ModTime().Equal(stamp) {
			return true
		}
	}
	return false
}

// rebuild 全量扫描所有树根并整体替换索引。
func (idx *Index) rebuild(ctx context.Context) error {
	byFile := make(map[string]Record)
	rootState := make(map[string]time.Time)

	for _, root := range idx.roots() {
		info, err := os.Stat(root)
		if err != nil {
			idx.logger.WithError(err).WithField("root", root).Warn("tree_root_unreadable")
			continue
		}
		rootState[root] = info.ModTime()

		if !isEbuildTree(root) {
			idx.logger.WithField("root", root).Warn("tree_root_missing_layout_conf")
			continue
		}

		if err := scanTree(ctx, root, byFile); err != nil {
			return err
		}
	}

	idx.mu.Lock()
	idx.byFile = byFile
	idx.scanned = true
	idx.rootState = rootState
	idx.mu.Unlock()
	return nil
}

// ScanTree 对单个树根做一次全量扫描并返回所有 DIST 记录，供 syncer
// 把同步结果灌进持久层。非法树根返回错误而不是空结果，让调用方能区分
// “空树”和“根本不是树”。
func ScanTree(ctx context.Context, root string) ([]Record, error) {
	if !isEbuildTree(root) {
		return nil, fmt.Errorf("%s is not an ebuild tree (missing metadata/layout.conf)", root)
	}

	byFile := make(map[string]Record)
	if err := scanTree(ctx, root, byFile); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(byFile))
	for _, record := range byFile {
		records = append(records, record)
	}
	return records, nil
}

// isEbuildTree 校验 metadata/layout.conf 存在，和 Portage 对合法树的判断一致。
func isEbuildTree(root string) bool {
	info, err := os.Stat(filepath.Join(root, "metadata", "layout.conf"))
	return err == nil && !info.IsDir()
}

// scanTree 遍历 category/package/Manifest（固定第三层）并收集 DIST 条目。
func scanTree(ctx context.Context, root string, byFile map[string]Record) error {
	categories, err := os.ReadDir(root)
	if err != nil {
		return err
	}

	for _, category := range categories {
		if !category.IsDir() || skippedCategory(category.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		categoryDir := filepath.Join(root, category.Name())
		packages, err := os.ReadDir(categoryDir)
		if err != nil {
			continue
		}

		for _, pkg := range packages {
			if !pkg.IsDir() {
				continue
			}
			packageDir := filepath.Join(categoryDir, pkg.Name())
			records, err := readPackageManifest(packageDir)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
				continue
			}

			atom := category.Name() + "/" + pkg.Name()
			for _, record := range records {
				record.Atom = atom
				record.PackageDir = packageDir
				// 同名 distfile 可能出现在多个包里，保留先扫到的记录。
				if _, exists := byFile[record.Filename]; !exists {
					byFile[record.Filename] = record
				}
			}
		}
	}
	return nil
}

func readPackageManifest(packageDir string) ([]Record, error) {
	f, err := os.Open(filepath.Join(packageDir, "Manifest"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseManifest(f)
}

// skippedCategory 过滤树里不含包的目录。
func skippedCategory(name string) bool {
	switch name {
	case "metadata", "profiles", "eclass", "licenses", "scripts", ".git":
		return true
	}
	return false
}
