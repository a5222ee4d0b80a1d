package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pixhub/pixhub/internal/cache"
	"github.com/pixhub/pixhub/internal/config"
	"github.com/pixhub/pixhub/internal/decode"
	"github.com/pixhub/pixhub/internal/fetch"
	"github.com/pixhub/pixhub/internal/loader"
	"github.com/pixhub/pixhub/internal/logging"
	"github.com/pixhub/pixhub/internal/server"
	"github.com/pixhub/pixhub/internal/server/routes"
	"github.com/pixhub/pixhub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath   string
	checkOnly    bool
	showVersion  bool
	prefetchList string
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
		fields["storage_path"] = cfg.Global.StoragePath
		fields["default_policy"] = cfg.Loader.DefaultPolicy().String()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序为“配置 → 磁盘/内存缓存 → 抓取/解码 → 协调器 → Fiber server”，
	// 所有请求共享同一个协调器，保证每个 key 只有一次抓取。
	imageLoader, err := buildLoader(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化图片加载器失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = cfg.Global.StoragePath
	fields["default_policy"] = imageLoader.DefaultPolicy().String()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if opts.prefetchList != "" {
		return runPrefetch(imageLoader, opts.prefetchList, logger)
	}

	if err := startHTTPServer(cfg, imageLoader, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

func buildLoader(cfg *config.Config, logger *logrus.Logger) (*loader.Loader, error) {
	disk, err := cache.NewDiskStore(cfg.Global.StoragePath, cfg.Global.MaxDiskCacheSize)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	memory, err := cache.NewMemoryStore(cfg.Global.MaxMemoryCache, cfg.Global.MaxMemoryCacheEntries)
	if err != nil {
		return nil, fmt.Errorf("初始化内存缓存失败: %w", err)
	}

	httpClient := fetch.NewUpstreamClient(cfg)
	coordinator, err := loader.NewCoordinator(loader.Options{
		Memory:  memory,
		Disk:    disk,
		Fetcher: fetch.NewHTTPFetcher(httpClient, logger, fetch.OptionsFromConfig(cfg.Global)),
		Decoder: decode.NewStdDecoder(cfg.Global.MaxImagePixels),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	return loader.NewLoader(coordinator, cfg.Loader, logger), nil
}

// runPrefetch 读取列表文件（每行 "url [width height]"，# 开头为注释）预热缓存，
// 全部成功返回 0，任一失败返回 1。
func runPrefetch(l *loader.Loader, listPath string, logger *logrus.Logger) int {
	file, err := os.Open(listPath)
	if err != nil {
		fmt.Fprintf(stdErr, "读取预取列表失败: %v\n", err)
		return 1
	}
	defer file.Close()

	var ok, failed int
	scanner := bufio.NewScanner(file)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		url, width, height, err := parsePrefetchLine(line)
		if err == nil {
			err = l.CacheImage(context.Background(), url, width, height)
		}
		if err != nil {
			failed++
			fmt.Fprintf(stdErr, "第 %d 行预取失败: %v\n", lineNo, err)
			continue
		}
		ok++
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(stdErr, "读取预取列表失败: %v\n", err)
		return 1
	}

	logger.WithFields(logrus.Fields{
		"action": "prefetch",
		"ok":     ok,
		"failed": failed,
	}).Info("预取完成")
	fmt.Fprintf(stdOut, "prefetched %d images, %d failed\n", ok, failed)
	if failed > 0 {
		return 1
	}
	return 0
}

func parsePrefetchLine(line string) (string, int, int, error) {
	parts := strings.Fields(line)
	switch len(parts) {
	case 1:
		return parts[0], 0, 0, nil
	case 3:
		width, err := strconv.Atoi(parts[1])
		if err != nil {
			return "", 0, 0, fmt.Errorf("无效宽度 %q: %w", parts[1], loader.ErrInvalidRequest)
		}
		height, err := strconv.Atoi(parts[2])
		if err != nil {
			return "", 0, 0, fmt.Errorf("无效高度 %q: %w", parts[2], loader.ErrInvalidRequest)
		}
		return parts[0], width, height, nil
	default:
		return "", 0, 0, fmt.Errorf("无法解析 %q: %w", line, loader.ErrInvalidRequest)
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("pixhub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag   string
		checkOnly    bool
		showVer      bool
		prefetchList string
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 PIXHUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.StringVar(&prefetchList, "prefetch", "", "预取列表文件路径，预热缓存后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("PIXHUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:   path,
		checkOnly:    checkOnly,
		showVersion:  showVer,
		prefetchList: prefetchList,
	}, nil
}

func startHTTPServer(cfg *config.Config, l *loader.Loader, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterImageRoutes(app, l, logger)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
