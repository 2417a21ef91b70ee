package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xarblu/portcache/internal/cache"
	"github.com/xarblu/portcache/internal/digest"
	"github.com/xarblu/portcache/internal/fetch"
	"github.com/xarblu/portcache/internal/mirror"
	"github.com/xarblu/portcache/internal/resolver"
)

// Fetcher describes the component that turns a distfile name into a
// committed cache entry. It allows injecting fake coordinators during tests.
type Fetcher interface {
	Request(ctx context.Context, name string) (*cache.Entry, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, name string) (*cache.Entry, error)

// Request makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Request(ctx context.Context, name string) (*cache.Entry, error) {
	return f(ctx, name)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger      *logrus.Logger
	Fetcher     Fetcher
	Store       cache.Store
	Pool        *mirror.Pool
	StoragePath string
	Version     string
	ListenPort  int
}

const contextKeyRequestID = "_portcache_request_id"

// NewApp builds a Fiber application exposing the mirror-compatible distfile
// surface plus diagnostics endpoints.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("mirror pool is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	startedAt := time.Now()

	// 对外宣告 filename-hash 布局，让客户端按 <shard>/<file> 发请求
	app.Get("/distfiles/layout.conf", func(c fiber.Ctx) error {
		c.Type("txt")
		return c.SendString(mirror.LayoutDocument)
	})

	app.Add([]string{fiber.MethodGet, fiber.MethodHead}, "/distfiles/:shard/:file", func(c fiber.Ctx) error {
		return handleDistfile(c, opts)
	})

	app.Get("/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/status", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version":        opts.Version,
			"storage_path":   opts.StoragePath,
			"uptime_seconds": int64(time.Since(startedAt) / time.Second),
			"mirrors":        opts.Pool.Snapshot(),
		})
	})

	return app, nil
}

// handleDistfile 是主数据面：校验路径后把请求交给 coordinator，
// 命中或取回成功都直接回源文件内容。
func handleDistfile(c fiber.Ctx, opts AppOptions) error {
	shard := c.Params("shard")
	name := c.Params("file")

	if !validDistfileName(name) || shard != digest.ShardDir(name) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid_path",
		})
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := opts.Fetcher.Request(ctx, name); err != nil {
		return renderFetchError(c, opts.Logger, name, err)
	}

	// Request 成功后条目必然已提交，直接从 store 流式回源
	result, err := opts.Store.Get(ctx, name)
	if err != nil {
		opts.Logger.WithError(err).WithField("file", name).Error("cache read failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
	defer result.Reader.Close()

	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	c.Status(fiber.StatusOK)

	if c.Method() == fiber.MethodHead {
		return nil
	}

	if _, err := io.Copy(c.Response().BodyWriter(), result.Reader); err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

// renderFetchError 把取回失败映射到 HTTP 状态码：没有来源是 404，
// 上游或完整性问题是 502，调用方自己断开不算服务端错误。
func renderFetchError(c fiber.Ctx, logger *logrus.Logger, name string, err error) error {
	fields := logrus.Fields{
		"action":     "distfile_request",
		"file":       name,
		"request_id": RequestID(c),
	}

	var mismatch *digest.MismatchError
	switch {
	case errors.Is(err, context.Canceled):
		// 客户端自己断开，后台任务照常跑完，这里只留痕迹
		logger.WithFields(fields).Debug("client disconnected")
		return c.Status(499).JSON(fiber.Map{"error": "client_disconnected"})
	case errors.As(err, &mismatch):
		logger.WithFields(fields).WithError(err).Warn("integrity failure")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "integrity_failure"})
	case errors.Is(err, resolver.ErrNotFound):
		logger.WithFields(fields).Info("file has no source")
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "file_not_found"})
	case errors.Is(err, fetch.ErrAllSourcesExhausted):
		logger.WithFields(fields).WithError(err).Warn("all sources exhausted")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_unavailable"})
	default:
		logger.WithFields(fields).WithError(err).Error("distfile request failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
}

// validDistfileName 拒绝带路径语义的文件名，防止跳出缓存目录。
func validDistfileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}

// requestContextMiddleware 为每个请求生成 ID 并回写到响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
