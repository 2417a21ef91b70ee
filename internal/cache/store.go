package cache

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/xarblu/portcache/internal/digest"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/distfiles/<shard>/<name>    # shard 为文件名 BLAKE2B 前缀
//
// 每个条目仅由正文文件组成，文件的 ModTime/Size 由文件系统提供。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	// 纯文件系统检查，绝不触发网络；临时文件与目录不会被当作命中。
	Get(ctx context.Context, name string) (*ReadResult, error)

	// Stat 与 Get 语义一致但不打开文件，供只需要存在性/大小的调用方使用。
	Stat(ctx context.Context, name string) (*Entry, error)

	// OpenForWrite 在目标分片目录下创建临时文件并返回写入句柄。
	// 句柄必须以 Commit 或 Abandon 二者之一收尾。
	OpenForWrite(name string) (*WriteHandle, error)

	// Commit 校验确认后将临时文件原子地 rename 到最终位置。
	// 对同名条目的并发 Commit 互斥，后写者安全覆盖，读者永远看不到半个文件。
	Commit(handle *WriteHandle, opts CommitOptions) (*Entry, error)

	// Abandon 丢弃临时文件（校验失败、下载中断等），可重复调用。
	Abandon(handle *WriteHandle) error
}

// CommitOptions 携带提交时一并记录的元数据。
type CommitOptions struct {
	// Digests 是提交前已经校验（或首次下载时计算）的摘要集合。
	Digests []digest.Digest
}

// Entry 表示一次缓存命中结果，提交后不可变；重新下载通过 rename 整体替换。
type Entry struct {
	Name      string          `json:"name"`
	FilePath  string          `json:"file_path"`
	SizeBytes int64           `json:"size_bytes"`
	Digests   []digest.Digest `json:"digests,omitempty"`
	StoredAt  time.Time       `json:"stored_at"`
}

// ReadResult 组合 Entry 与正文 Reader，便于 HTTP 层直接将内容流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// WriteHandle 是一次未完成写入的独占句柄，实现 io.Writer。
type WriteHandle struct {
	name      string
	tempPath  string
	finalPath string
	file      writeFile
	done      bool
}

// Name 返回句柄对应的 distfile 名。
func (h *WriteHandle) Name() string {
	return h.name
}

// Write 把字节追加到临时文件。
func (h *WriteHandle) Write(p []byte) (int, error) {
	if h.done {
		return 0, errors.New("write on finished handle")
	}
	return h.file.Write(p)
}

// writeFile 抽象 *os.File 中用到的子集，便于测试注入。
type writeFile interface {
	io.Writer
	Sync() error
	Close() error
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
