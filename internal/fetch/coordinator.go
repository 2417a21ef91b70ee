// Package fetch contains the coordinator that decides where a requested
// distfile's bytes come from: the local cache, the mirror pool, or origin
// URIs discovered through recipe metadata. Concurrent requests for the same
// file collapse onto one in-flight task whose result fans out to every
// waiter; the task itself always runs to completion so the cache is
// populated even when the original client goes away.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/xarblu/portcache/internal/cache"
	"github.com/xarblu/portcache/internal/digest"
	"github.com/xarblu/portcache/internal/logging"
	"github.com/xarblu/portcache/internal/mirror"
	"github.com/xarblu/portcache/internal/resolver"
)

// Options 汇总 Coordinator 的依赖，便于测试注入。
type Options struct {
	Store    cache.Store
	Pool     *mirror.Pool
	Resolver *resolver.Resolver
	Client   *http.Client
	Logger   *logrus.Logger
	// FetchTimeout 约束单次 mirror/origin 下载尝试。
	FetchTimeout time.Duration
}

// Coordinator 驱动 缓存检查 → mirror 轮询 → origin 解析 的取流程。
type Coordinator struct {
	store        cache.Store
	pool         *mirror.Pool
	resolver     *resolver.Resolver
	client       *http.Client
	logger       *logrus.Logger
	fetchTimeout time.Duration

	// group 以文件名为键合并并发请求；条目在结果分发后即被移除，
	// 之后的新请求总是从一次全新的缓存检查开始。
	group singleflight.Group
}

// NewCoordinator 构建 Coordinator。
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("mirror pool is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if opts.Client == nil {
		return nil, errors.New("http client is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}

	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	return &Coordinator{
		store:        opts.Store,
		pool:         opts.Pool,
		resolver:     opts.Resolver,
		client:       opts.Client,
		logger:       opts.Logger,
		fetchTimeout: timeout,
	}, nil
}

// Request 返回已提交的缓存条目。缓存未命中时，同名文件的并发调用共享
// 同一个下载任务并得到完全一致的终态结果。ctx 只约束调用方的等待：
// 调用方断开后任务继续跑完并填充缓存（无宽限期，任务一旦开始绝不取消）。
func (c *Coordinator) Request(ctx context.Context, name string) (*cache.Entry, error) {
	entry, err := c.store.Stat(ctx, name)
	if err == nil {
		c.logger.WithFields(logging.FetchFields(name, "cache", true)).Debug("cache hit")
		return entry, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	ch := c.group.DoChan(name, func() (interface{}, error) {
		// 任务生命周期与任何单个调用方无关，挂到 Background 上。
		return c.fetch(context.Background(), name)
	})

	select {
	case result := <-ch:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(*cache.Entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetch 是单个任务的主体：mirror 轮询，失败后回退 origin 解析。
func (c *Coordinator) fetch(ctx context.Context, name string) (*cache.Entry, error) {
	// 排队期间别的任务可能已经提交过了
	if entry, err := c.store.Stat(ctx, name); err == nil {
		return entry, nil
	}

	// Manifest 摘要是权威校验值；查不到时 mirror 路径按首次信任处理
	var declared []digest.Digest
	declaredSize := int64(-1)
	record, err := c.resolver.Record(ctx, name)
	switch {
	case err == nil:
		declared = record.Digests
		declaredSize = record.Size
	case errors.Is(err, resolver.ErrNotFound):
		// 文件可能只存在于 mirror 上
	default:
		c.logger.WithError(err).WithField("file", name).Warn("manifest lookup failed")
	}

	entry, mirrorErr := c.fetchFromMirrors(ctx, name, declared, declaredSize)
	if entry != nil {
		return entry, nil
	}

	entry, originErr := c.fetchFromOrigin(ctx, name)
	if entry != nil {
		return entry, nil
	}

	terminal := &ExhaustedError{File: name, Mirror: mirrorErr, Origin: originErr}
	c.logger.WithFields(logging.FetchFields(name, "none", false)).
		WithError(terminal).Warn("fetch failed")
	return nil, terminal
}

// fetchFromMirrors 按健康状态轮询 mirror，单个 mirror 的失败只推进到
// 下一个候选；全部耗尽返回最后一次失败原因。
func (c *Coordinator) fetchFromMirrors(ctx context.Context, name string, declared []digest.Digest, declaredSize int64) (*cache.Entry, error) {
	tried := make(map[*mirror.Endpoint]struct{})
	var lastErr error

	for {
		endpoint, err := c.pool.Next(tried)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return nil, lastErr
		}
		tried[endpoint] = struct{}{}

		attemptCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		if err := c.pool.EnsureLayout(attemptCtx, c.client, endpoint); err != nil {
			cancel()
			lastErr = err
			c.pool.RecordFailure(endpoint)
			c.logger.WithError(err).WithField("mirror", endpoint.URL).Warn("mirror skipped")
			continue
		}

		url := endpoint.DistfileURL(name)
		entry, err := c.download(attemptCtx, url, name, declared, declaredSize)
		cancel()
		if err != nil {
			lastErr = err
			c.pool.RecordFailure(endpoint)
			c.logger.WithError(err).WithFields(logging.FetchFields(name, "mirror", false)).
				Warn("mirror attempt failed")
			continue
		}

		c.pool.RecordSuccess(endpoint)
		c.logger.WithFields(logging.FetchFields(name, "mirror", false)).
			WithField("url", url).Info("fetched from mirror")
		return entry, nil
	}
}

// fetchFromOrigin 解析 SRC_URI 并按声明顺序尝试。解析失败（NotFound、
// helper 失败）原样向上抛，调用方据此定性终态错误。
func (c *Coordinator) fetchFromOrigin(ctx context.Context, name string) (*cache.Entry, error) {
	resolution, err := c.resolver.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}

	declared := resolution.Record.Digests
	declaredSize := resolution.Record.Size

	var lastErr error
	for _, uri := range resolution.URIs {
		attemptCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		entry, err := c.download(attemptCtx, uri, name, declared, declaredSize)
		cancel()
		if err != nil {
			lastErr = err
			c.logger.WithError(err).WithFields(logging.FetchFields(name, "origin", false)).
				Warn("origin attempt failed")
			continue
		}

		c.logger.WithFields(logging.FetchFields(name, "origin", false)).
			WithField("url", uri).Info("fetched from origin")
		return entry, nil
	}

	if lastErr == nil {
		lastErr = resolver.ErrNotFound
	}
	return nil, lastErr
}

// download 把一个 URL 的响应体流进缓存临时句柄，同时累积摘要；
// 任何失败路径都会 Abandon 句柄，绝不留下可见的半成品。
func (c *Coordinator) download(ctx context.Context, url, name string, declared []digest.Digest, declaredSize int64) (*cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &upstreamError{URL: url, Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &upstreamError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &upstreamError{URL: url, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	verifier, err := digest.NewVerifier(declared)
	if err != nil {
		return nil, err
	}

	handle, err := c.store.OpenForWrite(name)
	if err != nil {
		return nil, fmt.Errorf("cache open: %w", err)
	}

	if _, err := io.Copy(io.MultiWriter(handle, verifier), resp.Body); err != nil {
		c.abandon(handle)
		return nil, &upstreamError{URL: url, Err: err}
	}

	if declaredSize >= 0 && verifier.Written() != declaredSize {
		c.abandon(handle)
		return nil, &upstreamError{URL: url,
			Err: fmt.Errorf("size mismatch: got %d, manifest declares %d", verifier.Written(), declaredSize)}
	}

	if err := verifier.Verify(); err != nil {
		c.abandon(handle)
		return nil, err
	}

	entry, err := c.store.Commit(handle, cache.CommitOptions{Digests: verifier.Computed()})
	if err != nil {
		c.abandon(handle)
		return nil, fmt.Errorf("cache commit: %w", err)
	}
	return entry, nil
}

func (c *Coordinator) abandon(handle *cache.WriteHandle) {
	if err := c.store.Abandon(handle); err != nil {
		c.logger.WithError(err).WithField("file", handle.Name()).Warn("abandon failed")
	}
}
