package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xarblu/portcache/internal/digest"
)

// tempPrefix 标记未提交的下载中间文件，Get 永远不会命中它们。
const tempPrefix = ".fetch-"

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
// 启动时清扫上次进程异常退出遗留的临时文件。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	root := filepath.Join(abs, "distfiles")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	s := &fileStore{
		root:  root,
		locks: make(map[string]*entryLock),
	}
	if err := s.sweepOrphans(); err != nil {
		return nil, fmt.Errorf("sweep orphaned temp files: %w", err)
	}
	return s, nil
}

// fileStore 通过 entryLock 串行化同名条目的提交，不同文件之间互不阻塞。
type fileStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Get(ctx context.Context, name string) (*ReadResult, error) {
	entry, err := s.Stat(ctx, name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(entry.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		Entry:  *entry,
		Reader: f,
	}, nil
}

func (s *fileStore) Stat(ctx context.Context, name string) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := s.entryPath(name)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	return &Entry{
		Name:      name,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		StoredAt:  info.ModTime(),
	}, nil
}

func (s *fileStore) OpenForWrite(name string) (*WriteHandle, error) {
	filePath, err := s.entryPath(name)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return nil, err
	}

	return &WriteHandle{
		name:      name,
		tempPath:  tempFile.Name(),
		finalPath: filePath,
		file:      tempFile,
	}, nil
}

func (s *fileStore) Commit(handle *WriteHandle, opts CommitOptions) (*Entry, error) {
	if handle == nil || handle.done {
		return nil, errors.New("commit on finished handle")
	}
	handle.done = true

	if err := handle.file.Sync(); err != nil {
		os.Remove(handle.tempPath)
		handle.file.Close()
		return nil, err
	}
	if err := handle.file.Close(); err != nil {
		os.Remove(handle.tempPath)
		return nil, err
	}

	unlock := s.lockEntry(handle.name)
	defer unlock()

	if err := os.Rename(handle.tempPath, handle.finalPath); err != nil {
		os.Remove(handle.tempPath)
		return nil, err
	}

	info, err := os.Stat(handle.finalPath)
	if err != nil {
		return nil, err
	}

	return &Entry{
		Name:      handle.name,
		FilePath:  handle.finalPath,
		SizeBytes: info.Size(),
		Digests:   append([]digest.Digest(nil), opts.Digests...),
		StoredAt:  time.Now().UTC(),
	}, nil
}

func (s *fileStore) Abandon(handle *WriteHandle) error {
	if handle == nil || handle.done {
		return nil
	}
	handle.done = true

	closeErr := handle.file.Close()
	if err := os.Remove(handle.tempPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if closeErr != nil && !errors.Is(closeErr, fs.ErrClosed) {
		return closeErr
	}
	return nil
}

func (s *fileStore) lockEntry(name string) func() {
	s.mu.Lock()
	lock := s.locks[name]
	if lock == nil {
		lock = &entryLock{}
		s.locks[name] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, name)
		}
		s.mu.Unlock()
	}
}

// entryPath 把 distfile 名映射到最终存储路径，拒绝包含路径分隔符的文件名。
func (s *fileStore) entryPath(name string) (string, error) {
	if name == "" {
		return "", errors.New("file name required")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return "", fmt.Errorf("invalid file name: %s", name)
	}
	if strings.HasPrefix(name, tempPrefix) {
		return "", fmt.Errorf("invalid file name: %s", name)
	}

	return filepath.Join(s.root, digest.ShardDir(name), name), nil
}

// sweepOrphans 清理分片目录里残留的 .fetch-* 文件。
func (s *fileStore) sweepOrphans() error {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}

	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, shard.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), tempPrefix) {
				continue
			}
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}
