package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/xarblu/portcache/internal/cache"
	"github.com/xarblu/portcache/internal/config"
	"github.com/xarblu/portcache/internal/fetch"
	"github.com/xarblu/portcache/internal/logging"
	"github.com/xarblu/portcache/internal/manifest"
	"github.com/xarblu/portcache/internal/mirror"
	"github.com/xarblu/portcache/internal/repodb"
	"github.com/xarblu/portcache/internal/resolver"
	"github.com/xarblu/portcache/internal/server"
	"github.com/xarblu/portcache/internal/srcuri"
	"github.com/xarblu/portcache/internal/syncer"
	"github.com/xarblu/portcache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["mirrors"] = len(cfg.Mirrors)
		fields["repos"] = len(cfg.Repo.Repos)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：磁盘缓存 → 持久层 → syncer → 解析链 → mirror 池 →
	// coordinator → Fiber server，后面的组件只依赖前面的实例。
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	db, err := repodb.Open(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 Manifest 数据库失败: %v\n", err)
		return 1
	}
	defer db.Close()

	var repoSyncer *syncer.Syncer
	index := manifest.NewIndex(func() []string {
		roots := append([]string(nil), cfg.Repo.TreeRoots...)
		if repoSyncer != nil {
			roots = append(roots, repoSyncer.Roots()...)
		}
		return roots
	}, logger)

	if len(cfg.Repo.Repos) > 0 {
		repoSyncer, err = syncer.New(syncer.Options{
			Repos:       cfg.Repo.Repos,
			StorageRoot: cfg.Repo.StorageRoot,
			Interval:    cfg.Repo.SyncInterval.DurationValue(),
			DB:          db,
			Index:       index,
			Logger:      logger,
		})
		if err != nil {
			fmt.Fprintf(stdErr, "初始化仓库同步失败: %v\n", err)
			return 1
		}
	}

	helper := srcuri.NewRunner(cfg.Helper.Interpreter, cfg.Global.HelperTimeout.DurationValue(), logger)
	res := resolver.New(index, db, helper, logger)
	pool := mirror.NewPool(cfg.Mirrors,
		cfg.Global.MirrorBackoffBase.DurationValue(),
		cfg.Global.MirrorBackoffCap.DurationValue())

	coordinator, err := fetch.NewCoordinator(fetch.Options{
		Store:        store,
		Pool:         pool,
		Resolver:     res,
		Client:       server.NewUpstreamClient(),
		Logger:       logger,
		FetchTimeout: cfg.Global.FetchTimeout.DurationValue(),
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化取回协调器失败: %v\n", err)
		return 1
	}

	if repoSyncer != nil {
		go repoSyncer.Run(context.Background())
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["mirrors"] = cfg.MirrorURLs()
	fields["repos"] = len(cfg.Repo.Repos)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, coordinator, store, pool, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("portcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 PORTCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("PORTCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(cfg *config.Config, coordinator *fetch.Coordinator, store cache.Store, pool *mirror.Pool, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:      logger,
		Fetcher:     coordinator,
		Store:       store,
		Pool:        pool,
		StoragePath: cfg.Global.StoragePath,
		Version:     version.Full(),
		ListenPort:  port,
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
