package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/storage/redis/v3"
	"github.com/khanghh/kguard/internal/alerts"
	"github.com/khanghh/kguard/internal/audit"
	"github.com/khanghh/kguard/internal/common"
	"github.com/khanghh/kguard/internal/config"
	"github.com/khanghh/kguard/internal/handlers/api"
	"github.com/khanghh/kguard/internal/mail"
	"github.com/khanghh/kguard/internal/middlewares"
	"github.com/khanghh/kguard/internal/notify"
	"github.com/khanghh/kguard/internal/patterns"
	"github.com/khanghh/kguard/internal/report"
	"github.com/khanghh/kguard/internal/response"
	"github.com/khanghh/kguard/internal/scan"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/internal/threat"
	"github.com/khanghh/kguard/internal/tracker"
	"github.com/khanghh/kguard/model"
	"github.com/khanghh/kguard/params"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	app       *cli.App
	gitCommit string
	gitDate   string
	gitTag    string
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML config file",
		Value: "config.yaml",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug logging",
	}
	daysFlag = &cli.IntFlag{
		Name:  "days",
		Usage: "Report period in days",
		Value: 7,
	}
	scanTypeFlag = &cli.StringFlag{
		Name:  "type",
		Usage: "Scan type (full, code, dependency, network, web)",
		Value: scan.ScanTypeFull,
	}
	subjectFlag = &cli.StringFlag{
		Name:     "sub",
		Usage:    "Operator id the token is issued to",
		Required: true,
	}
	ttlFlag = &cli.DurationFlag{
		Name:  "ttl",
		Usage: "Token lifetime",
		Value: 24 * time.Hour,
	}
	lengthFlag = &cli.IntFlag{
		Name:  "length",
		Usage: "Secret length",
		Value: 48,
	}
)

func init() {
	app = cli.NewApp()
	app.EnableBashCompletion = true
	app.Usage = "kguard - security monitoring and threat detection service"
	app.Flags = []cli.Flag{
		configFileFlag,
		debugFlag,
	}
	app.Commands = []*cli.Command{
		{
			Name: "version",
			Action: func(ctx *cli.Context) error {
				fmt.Println(params.VersionWithCommit(gitCommit, gitDate))
				return nil
			},
		},
		{
			Name:   "report",
			Usage:  "Generate a security report and print it as JSON",
			Flags:  []cli.Flag{daysFlag},
			Action: runReport,
		},
		{
			Name:   "scan",
			Usage:  "Run a security scan and print the result as JSON",
			Flags:  []cli.Flag{scanTypeFlag},
			Action: runScan,
		},
		{
			Name:   "rules",
			Usage:  "Validate the detection rules and print them",
			Action: runRules,
		},
		{
			Name:   "token",
			Usage:  "Issue a security operator token",
			Flags:  []cli.Flag{subjectFlag, ttlFlag},
			Action: runToken,
		},
		{
			Name:  "keygen",
			Usage: "Generate a random master key",
			Flags: []cli.Flag{lengthFlag},
			Action: func(ctx *cli.Context) error {
				secret, err := common.GenerateSecret(ctx.Int(lengthFlag.Name))
				if err != nil {
					return err
				}
				fmt.Println(secret)
				return nil
			},
		},
	}
	app.Action = run
}

func mustInitLogger(debug bool, logCfg config.LogConfig) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	var out io.Writer = os.Stdout
	if logCfg.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   logCfg.File,
			MaxSize:    logCfg.MaxSizeMB,
			MaxBackups: logCfg.MaxBackups,
			MaxAge:     logCfg.MaxAgeDays,
			Compress:   logCfg.Compress,
		})
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

func mustLoadConfig(ctx *cli.Context) *config.Config {
	cfg, err := config.LoadConfig(ctx.String(configFileFlag.Name))
	if err != nil {
		slog.Error("Could not load config file.", "error", err)
		os.Exit(1)
	}
	mustInitLogger(cfg.Debug || ctx.IsSet(debugFlag.Name), cfg.Log)
	if err := model.SetNodeID(cfg.NodeID); err != nil {
		slog.Error("Invalid node id", "nodeID", cfg.NodeID, "error", err)
		os.Exit(1)
	}
	return cfg
}

func mustInitRedisStorage(redisCfg config.RedisConfig) *redis.Storage {
	return redis.New(redis.Config{
		URL:           redisCfg.URL,
		PoolSize:      redisCfg.PoolSize,
		IsClusterMode: redisCfg.ClusterMode,
	})
}

// services holds everything the API and the CLI commands share.
type services struct {
	storage    store.Storage
	redis      *redis.Storage
	tracker    tracker.Tracker
	engine     *threat.Engine
	alerts     *alerts.AlertService
	responder  *response.Orchestrator
	dispatcher *notify.Dispatcher
	audit      *audit.AuditService
	inspector  *patterns.Inspector
	scanner    *scan.Runner
	reports    *report.Generator
	closers    []io.Closer
}

func (s *services) Close() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			slog.Warn("Failed to close resource", "error", err)
		}
	}
}

func mustInitStorage(cfg *config.Config, svc *services) {
	var base store.Storage
	switch cfg.Storage.Backend {
	case "redis":
		svc.redis = mustInitRedisStorage(cfg.Redis)
		svc.closers = append(svc.closers, svc.redis)
		base = store.NewRedisStorage(svc.redis.Conn())
	default:
		memStorage := store.NewMemoryStorage(cfg.Storage.GCInterval)
		svc.closers = append(svc.closers, memStorage)
		base = memStorage
	}
	svc.storage = store.StorageWithPrefix(base, cfg.Storage.KeyPrefix)
}

func mustInitEngine(ctx context.Context, cfg *config.Config, svc *services) {
	predicates := threat.NewPredicateRegistry()
	rules := threat.DefaultRules()
	if cfg.Detection.RulesFile != "" {
		loaded, err := threat.LoadRules(cfg.Detection.RulesFile, predicates)
		if err != nil {
			slog.Error("Failed to load detection rules", "file", cfg.Detection.RulesFile, "error", err)
			os.Exit(1)
		}
		rules = loaded
	}

	trackerCfg := tracker.Config{
		MaxHorizon: threat.MaxWindow(rules),
		MaxEntries: cfg.Detection.MaxEntries,
	}
	switch cfg.Detection.Tracker {
	case "redis":
		svc.tracker = tracker.NewRedisTracker(svc.redis.Conn(), cfg.Storage.KeyPrefix+params.TrackerKeyPrefix, trackerCfg)
	default:
		memTracker := tracker.NewMemoryTracker(trackerCfg)
		memTracker.StartSweeper(ctx, cfg.Detection.SweepInterval)
		svc.tracker = memTracker
	}

	engine, err := threat.NewEngine(rules, svc.tracker, predicates)
	if err != nil {
		slog.Error("Invalid detection rules", "error", err)
		os.Exit(1)
	}
	svc.engine = engine
}

func mustInitNotifiers(notifyCfg config.NotifyConfig, svc *services) []notify.Notifier {
	var notifiers []notify.Notifier
	if notifyCfg.SMTP.Host != "" && len(notifyCfg.SMTP.To) > 0 {
		smtpCfg := notifyCfg.SMTP
		sender, err := mail.NewSMTPMailSender(mail.SMTPConfig{
			Host:               smtpCfg.Host,
			Port:               smtpCfg.Port,
			Username:           smtpCfg.Username,
			Password:           smtpCfg.Password,
			TLS:                smtpCfg.TLS,
			InsecureSkipVerify: smtpCfg.InsecureSkipVerify,
			CertFile:           smtpCfg.CertFile,
			KeyFile:            smtpCfg.KeyFile,
			CAFile:             smtpCfg.CAFile,
		}, smtpCfg.From)
		if err != nil {
			slog.Error("Failed to init SMTP mail sender", "error", err)
			os.Exit(1)
		}
		notifiers = append(notifiers, notify.NewMailNotifier(sender, smtpCfg.To))
	}
	if notifyCfg.Webhook.URL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(notifyCfg.Webhook.URL, notifyCfg.Webhook.Headers, notifyCfg.Timeout))
	}
	if len(notifyCfg.Kafka.Brokers) > 0 {
		kafkaNotifier, err := notify.NewKafkaNotifier(notifyCfg.Kafka.Brokers, notifyCfg.Kafka.Topic)
		if err != nil {
			slog.Error("Failed to connect to kafka", "brokers", notifyCfg.Kafka.Brokers, "error", err)
			os.Exit(1)
		}
		svc.closers = append(svc.closers, kafkaNotifier)
		notifiers = append(notifiers, kafkaNotifier)
	}
	return notifiers
}

func mustInitScanners(scanCfg config.ScanConfig) []scan.Scanner {
	var scanners []scan.Scanner
	if scanCfg.SourceDir != "" {
		scanners = append(scanners, scan.NewCodeScanner(scanCfg.SourceDir))
	}
	if scanCfg.GoModFile != "" {
		var advisories []scan.Advisory
		if scanCfg.AdvisoriesFile != "" {
			loaded, err := scan.LoadAdvisories(scanCfg.AdvisoriesFile)
			if err != nil {
				slog.Error("Failed to load advisories", "file", scanCfg.AdvisoriesFile, "error", err)
				os.Exit(1)
			}
			advisories = loaded
		}
		scanners = append(scanners, scan.NewDependencyScanner(scanCfg.GoModFile, advisories))
	}
	if len(scanCfg.Hosts) > 0 {
		scanners = append(scanners, scan.NewNetworkScanner(scanCfg.Hosts, scanCfg.DialTimeout))
	}
	if len(scanCfg.URLs) > 0 {
		scanners = append(scanners, scan.NewWebScanner(scanCfg.URLs, scanCfg.DialTimeout))
	}
	return scanners
}

// mustInitServices builds the detection pipeline. Background workers are
// started on wg and stop when ctx is cancelled.
func mustInitServices(ctx context.Context, wg *conc.WaitGroup, cfg *config.Config) *services {
	svc := &services{}
	mustInitStorage(cfg, svc)
	mustInitEngine(ctx, cfg, svc)

	svc.alerts = alerts.NewAlertService(svc.storage, cfg.Response.AlertRetention)
	svc.responder = response.NewOrchestrator(svc.storage, svc.alerts, response.Config{
		BlockDuration: cfg.Response.BlockDuration,
		MaxBlock:      cfg.Response.MaxBlockDuration,
	})
	if cfg.GeoIP.DatabasePath != "" {
		enricher, err := response.NewGeoIPEnricher(cfg.GeoIP.DatabasePath)
		if err != nil {
			slog.Error("Failed to open GeoIP database", "path", cfg.GeoIP.DatabasePath, "error", err)
			os.Exit(1)
		}
		svc.closers = append(svc.closers, enricher)
		svc.responder.SetEnricher(enricher)
	}

	svc.dispatcher = notify.NewDispatcher(cfg.Notify.QueueSize, cfg.Notify.Timeout, mustInitNotifiers(cfg.Notify, svc)...)
	svc.responder.SetNotifier(svc.dispatcher)
	wg.Go(func() { svc.dispatcher.Run(ctx) })

	auditService, err := audit.NewAuditService(svc.storage, svc.engine, svc.responder, audit.Config{
		MasterKey:       cfg.MasterKey,
		Retention:       cfg.Audit.Retention,
		Async:           cfg.Audit.Async,
		Shards:          cfg.Audit.Shards,
		QueueSize:       cfg.Audit.QueueSize,
		DedupeCacheSize: cfg.Audit.DedupeCacheSize,
	})
	if err != nil {
		slog.Error("Failed to init audit service", "error", err)
		os.Exit(1)
	}
	svc.audit = auditService
	wg.Go(func() { svc.audit.Run(ctx) })
	svc.inspector = patterns.NewInspector(svc.audit)

	svc.scanner = scan.NewRunner(svc.storage, scan.RunnerConfig{
		Concurrency: cfg.Scan.Concurrency,
		TaskTimeout: cfg.Scan.TaskTimeout,
	}, mustInitScanners(cfg.Scan)...)
	svc.reports = report.NewGenerator(svc.alerts, svc.scanner, svc.storage)

	slog.Info("Detection pipeline ready",
		"storage", cfg.Storage.Backend,
		"tracker", cfg.Detection.Tracker,
		"rules", len(svc.engine.Rules()),
		"channels", svc.dispatcher.Channels(),
		"scanners", svc.scanner.Scanners())
	return svc
}

func setupAPIRoutes(router fiber.Router, svc *services, operatorSecret string) {
	// handlers
	var (
		auditHandler  = api.NewAuditHandler(svc.audit)
		alertHandler  = api.NewAlertHandler(svc.alerts)
		blockHandler  = api.NewBlockHandler(svc.responder)
		scanHandler   = api.NewScanHandler(svc.scanner)
		reportHandler = api.NewReportHandler(svc.reports, svc.engine)
	)

	// routes
	router.Use(middlewares.OperatorAuth(operatorSecret))
	router.Post("/audit", auditHandler.PostAuditEvent)
	router.Get("/audit", auditHandler.GetAuditEvents)
	router.Get("/audit/:id", auditHandler.GetAuditEvent)
	router.Get("/alerts", alertHandler.GetAlerts)
	router.Get("/alerts/:id", alertHandler.GetAlert)
	router.Post("/alerts/:id/acknowledge", alertHandler.PostAcknowledge)
	router.Post("/alerts/:id/resolve", alertHandler.PostResolve)
	router.Post("/alerts/:id/false-positive", alertHandler.PostFalsePositive)
	router.Get("/blocks", blockHandler.GetBlocks)
	router.Get("/blocks/:ip", blockHandler.GetBlockStatus)
	router.Delete("/blocks/:ip", blockHandler.DeleteBlock)
	router.Post("/scans", scanHandler.PostScan)
	router.Get("/scans/:id", scanHandler.GetScan)
	router.Get("/reports", reportHandler.GetReport)
	router.Get("/reports/:id", reportHandler.GetStoredReport)
	router.Get("/rules", reportHandler.GetRules)
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func runReport(ctx *cli.Context) error {
	cfg := mustLoadConfig(ctx)
	runCtx, cancel := context.WithCancel(ctx.Context)
	var wg conc.WaitGroup
	svc := mustInitServices(runCtx, &wg, cfg)
	defer func() {
		cancel()
		wg.Wait()
		svc.Close()
	}()

	result, err := svc.reports.GenerateReport(runCtx, ctx.Int(daysFlag.Name))
	if result != nil {
		if perr := printJSON(result); perr != nil {
			return perr
		}
	}
	return err
}

func runScan(ctx *cli.Context) error {
	cfg := mustLoadConfig(ctx)
	runCtx, cancel := context.WithCancel(ctx.Context)
	var wg conc.WaitGroup
	svc := mustInitServices(runCtx, &wg, cfg)
	defer func() {
		cancel()
		wg.Wait()
		svc.Close()
	}()

	result, err := svc.scanner.RunSecurityScan(runCtx, ctx.String(scanTypeFlag.Name))
	if result != nil {
		if perr := printJSON(result); perr != nil {
			return perr
		}
	}
	return err
}

func runRules(ctx *cli.Context) error {
	cfg := mustLoadConfig(ctx)
	rules := threat.DefaultRules()
	if cfg.Detection.RulesFile != "" {
		loaded, err := threat.LoadRules(cfg.Detection.RulesFile, threat.NewPredicateRegistry())
		if err != nil {
			return err
		}
		rules = loaded
	}
	return printJSON(rules)
}

func runToken(ctx *cli.Context) error {
	cfg := mustLoadConfig(ctx)
	token, err := middlewares.IssueOperatorToken(cfg.Operator.JWTSecret, ctx.String(subjectFlag.Name), ctx.Duration(ttlFlag.Name))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run(ctx *cli.Context) error {
	cfg := mustLoadConfig(ctx)

	runCtx, cancel := context.WithCancel(ctx.Context)
	var wg conc.WaitGroup
	svc := mustInitServices(runCtx, &wg, cfg)
	defer func() {
		cancel()
		wg.Wait()
		svc.Close()
	}()

	router := fiber.New(fiber.Config{
		Prefork:       false,
		CaseSensitive: true,
		BodyLimit:     params.ServerBodyLimit,
		IdleTimeout:   params.ServerIdleTimeout,
		ReadTimeout:   params.ServerReadTimeout,
		WriteTimeout:  params.ServerWriteTimeout,
		JSONEncoder:   json.Marshal,
		JSONDecoder:   json.Unmarshal,
		ErrorHandler:  middlewares.ErrorHandler,
	})

	router.Use(recover.New())
	router.Use(logger.New())
	router.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.AllowOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))
	if cfg.Guard.Enabled {
		router.Use(middlewares.Guard(svc.responder, svc.inspector, middlewares.GuardConfig{
			RejectMatches:  cfg.Guard.RejectMatches,
			InspectHeaders: cfg.Guard.InspectHeaders,
			MaxBodySize:    cfg.Guard.MaxBodySize,
			UserIDHeader:   cfg.Guard.UserIDHeader,
			SkipPaths:      cfg.Guard.SkipPaths,
		}))
	}
	setupAPIRoutes(router.Group(params.SecurityAPIPrefix), svc, cfg.Operator.JWTSecret)

	var rdb goredis.UniversalClient
	if svc.redis != nil {
		rdb = svc.redis.Conn()
	}
	healthCheckCtx, term := context.WithCancel(ctx.Context)
	done := make(chan struct{})
	go common.StartHealthCheckServer(healthCheckCtx, done, rdb)
	defer func() {
		term()
		<-done
	}()
	return router.Listen(cfg.ListenAddr)
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
