// Package syncer keeps configured ebuild repositories cloned and up to date,
// then feeds their Manifest records into the persistent repodb so origin
// resolution works without rescanning trees on every miss. Sync failures are
// logged and retried on the next tick, never fatal.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sirupsen/logrus"

	"github.com/xarblu/portcache/internal/manifest"
	"github.com/xarblu/portcache/internal/repodb"
)

// Options 汇总 Syncer 的依赖。DB 可以为 nil，此时同步只刷新索引。
type Options struct {
	Repos       []string
	StorageRoot string
	Interval    time.Duration
	DB          *repodb.DB
	Index       *manifest.Index
	Logger      *logrus.Logger
}

// Syncer 周期性同步 git 仓库并重建 Manifest 持久层。
type Syncer struct {
	repos       []string
	storageRoot string
	interval    time.Duration
	db          *repodb.DB
	index       *manifest.Index
	logger      *logrus.Logger
}

// New 构建 Syncer。
func New(opts Options) (*Syncer, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Index == nil {
		return nil, errors.New("manifest index is required")
	}
	if len(opts.Repos) > 0 && opts.StorageRoot == "" {
		return nil, errors.New("storage root is required when repos are configured")
	}

	return &Syncer{
		repos:       opts.Repos,
		storageRoot: opts.StorageRoot,
		interval:    opts.Interval,
		db:          opts.DB,
		index:       opts.Index,
		logger:      opts.Logger,
	}, nil
}

// Roots 返回所有克隆目录，按配置顺序。目录可能尚未克隆完成，索引扫描
// 会自行跳过不存在或不合法的根。
func (s *Syncer) Roots() []string {
	roots := make([]string, 0, len(s.repos))
	for _, repo := range s.repos {
		roots = append(roots, filepath.Join(s.storageRoot, repoDirName(repo)))
	}
	return roots
}

// Run 先做一次完整同步，然后按配置的间隔循环，直到 ctx 结束。
// Interval 为 0 时只做启动同步。
func (s *Syncer) Run(ctx context.Context) {
	s.SyncAll(ctx)

	if s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncAll(ctx)
		}
	}
}

// SyncAll 同步全部仓库。单个仓库的失败只记日志，不影响其余仓库，
// 也不影响已有克隆继续对外服务。
func (s *Syncer) SyncAll(ctx context.Context) {
	changed := false
	for _, repo := range s.repos {
		if ctx.Err() != nil {
			return
		}
		dir := filepath.Join(s.storageRoot, repoDirName(repo))
		updated, err := s.syncRepo(ctx, repo, dir)
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"action": "repo_sync",
				"repo":   repo,
			}).Warn("repo sync failed")
			continue
		}
		if updated {
			changed = true
		}
	}

	if changed {
		s.index.Invalidate()
		s.reindex(ctx)
	}
}

// syncRepo 保证 dir 是 repo 的最新浅克隆。返回本次是否有新内容。
func (s *Syncer) syncRepo(ctx context.Context, repoURL, dir string) (bool, error) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return false, err
		}
		return true, s.clone(ctx, repoURL, dir)
	}
	return s.update(ctx, dir)
}

func (s *Syncer) clone(ctx context.Context, repoURL, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"action": "repo_clone",
		"repo":   repoURL,
		"dir":    dir,
	}).Info("cloning repository")

	// 单分支、不带 tag，但不做浅克隆：浅仓库的后续 fetch 在 go-git
	// 里行为不可靠，全量单分支对 ebuild 树来说可以接受。
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:          repoURL,
		SingleBranch: true,
		Tags:         git.NoTags,
	})
	if err != nil {
		return fmt.Errorf("clone %s: %w", repoURL, err)
	}
	return nil
}

// update 抓取远端并硬重置到远端分支头，丢弃任何本地改动。
func (s *Syncer) update(ctx context.Context, dir string) (bool, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return false, err
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Force:      true,
		Tags:       git.NoTags,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetch: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return false, err
	}
	remoteRef, err := repo.Reference(
		plumbing.NewRemoteReferenceName("origin", head.Name().Short()), true)
	if err != nil {
		return false, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return false, err
	}
	if err := worktree.Reset(&git.ResetOptions{
		Mode:   git.HardReset,
		Commit: remoteRef.Hash(),
	}); err != nil {
		return false, fmt.Errorf("reset: %w", err)
	}
	return true, nil
}

// reindex 把所有克隆目录的 Manifest 记录灌进 repodb。索引本身是惰性的，
// Invalidate 之后由下一次查找重建，这里只负责持久层。
func (s *Syncer) reindex(ctx context.Context) {
	if s.db == nil {
		return
	}

	for _, root := range s.Roots() {
		records, err := manifest.ScanTree(ctx, root)
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"action": "repo_reindex",
				"root":   root,
			}).Warn("manifest scan failed")
			continue
		}

		stored := 0
		for _, record := range records {
			if err := s.db.UpsertRecord(ctx, record); err != nil {
				s.logger.WithError(err).WithField("file", record.Filename).Warn("repodb upsert failed")
				continue
			}
			stored++
		}

		s.logger.WithFields(logrus.Fields{
			"action":  "repo_reindex",
			"root":    root,
			"records": stored,
		}).Info("manifest records stored")
	}
}

// repoDirName 从仓库 URL 推导克隆目录名，如
// https://github.com/gentoo-mirror/gentoo.git → gentoo。
func repoDirName(repoURL string) string {
	trimmed := strings.TrimRight(repoURL, "/")
	name := trimmed[strings.LastIndex(trimmed, "/")+1:]
	name = strings.TrimSuffix(name, ".git")
	if name == "" {
		name = "repo"
	}
	return name
}
