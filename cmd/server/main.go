package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"invoice-approval/internal/archive"
	"invoice-approval/internal/classifier"
	"invoice-approval/internal/config"
	"invoice-approval/internal/correlator"
	"invoice-approval/internal/decision"
	"invoice-approval/internal/extract"
	"invoice-approval/internal/extract/ocr"
	"invoice-approval/internal/handler"
	"invoice-approval/internal/httpserver"
	"invoice-approval/internal/ledger"
	"invoice-approval/internal/lock"
	"invoice-approval/internal/mailbox"
	"invoice-approval/internal/service/submission"
	"invoice-approval/internal/supervisor"
	"invoice-approval/pkg/circuitbreaker"
	"invoice-approval/pkg/clock"
	pkgconfig "invoice-approval/pkg/config"
	"invoice-approval/pkg/db"
	"invoice-approval/pkg/llm"
	"invoice-approval/pkg/logger"
	"invoice-approval/pkg/mq"
	pkgredis "invoice-approval/pkg/redis"
)

func main() {
	cfg, err := config.Load(pkgconfig.GetConfigEnv(), pkgconfig.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		// logger 还没建好
		logger.NewLogger("").Fatal("Failed to load config", zap.Error(err))
	}

	log := logger.NewLogger(cfg.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting invoice-approval...",
		zap.String("env", pkgconfig.GetConfigEnv()),
		zap.String("ledger_driver", cfg.Ledger.Driver),
		zap.String("port", cfg.Server.Port),
	)

	checks := map[string]httpserver.ReadinessCheck{}

	// Ledger
	var (
		store  ledger.Store
		dbConn *pgxpool.Pool
	)
	switch cfg.Ledger.Driver {
	case "postgres":
		dbConn, err = db.NewConnection(ctx, cfg.DB, log)
		if err != nil {
			log.Fatal("Failed to init DB", zap.Error(err))
		}
		defer dbConn.Close()
		pg := ledger.NewPostgresStore(dbConn, clock.Real())
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal("Failed to create ledger schema", zap.Error(err))
		}
		store = pg
		checks["db"] = dbConn.Ping
	default:
		fs, err := ledger.NewFileStore(cfg.Ledger.Dir, clock.Real())
		if err != nil {
			log.Fatal("Failed to open file ledger", zap.Error(err), zap.String("dir", cfg.Ledger.Dir))
		}
		store = fs
	}

	// 发票锁：配置了 Redis 时跨进程，否则进程内
	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		rdb, err := pkgredis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal("Failed to init Redis", zap.Error(err))
		}
		defer rdb.Close()
		locker = lock.NewRedis(rdb, 0, log)
		checks["redis"] = func(ctx context.Context) error { return pingRedis(ctx, rdb) }
		log.Info("Using Redis invoice lock", zap.String("addr", cfg.Redis.Addr))
	}

	// Events
	var events mq.EventPublisher = mq.Discard
	if cfg.MQ.URL != "" {
		pub, err := mq.NewPublisher(cfg.MQ.URL, cfg.MQ.Exchange)
		if err != nil {
			log.Fatal("Failed to init MQ publisher", zap.Error(err))
		}
		defer pub.Close()
		events = pub
		checks["mq"] = func(context.Context) error {
			if !pub.IsConnected() {
				return errors.New("publisher disconnected")
			}
			return nil
		}
	}

	// LLM
	llmClient := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Timeout)
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(), clock.Real())
	responseClassifier := classifier.NewLLMClassifier(llmClient, cfg.LLM.ClassifyModel, breaker, log)
	analyzer := classifier.NewDocumentAnalyzer(llmClient, classifier.Models{
		Detect:    cfg.LLM.ClassifyModel,
		Structure: cfg.LLM.ExtractModel,
		Summary:   cfg.LLM.SummaryModel,
	})

	// Archive
	sink, err := archive.NewS3SinkFromConfig(ctx, archive.Config{
		Region:   cfg.Archive.Region,
		Bucket:   cfg.Archive.Bucket,
		Prefix:   cfg.Archive.Prefix,
		LinkTTL:  cfg.Archive.LinkTTL,
		Endpoint: cfg.Archive.Endpoint,
	})
	if err != nil {
		log.Fatal("Failed to init S3 archive", zap.Error(err))
	}

	router := decision.NewRouter(store, sink, locker, decision.Options{
		Policy:         cfg.DecisionPolicy(),
		ArchiveTimeout: cfg.Poll.ArchiveTimeout,
		Events:         events,
	}, log)

	source := mailbox.NewIMAPSource(mailbox.IMAPConfig{
		Addr:               cfg.Mail.IMAPAddr,
		Username:           cfg.Mail.Username,
		Password:           cfg.Mail.Password,
		Mailbox:            cfg.Mail.IMAPMailbox,
		InsecureSkipVerify: cfg.Mail.IMAPInsecure,
	}, log)

	sup := supervisor.New(supervisor.Config{
		SubjectFilter: cfg.Poll.SubjectFilter,
		Interval:      cfg.Poll.Interval,
		ErrorBackoff:  cfg.Poll.ErrorBackoff,
		FetchTimeout:  cfg.Poll.FetchTimeout,
		Retention:     cfg.Ledger.Retention,
		PurgeInterval: cfg.Ledger.PurgeInterval,
		Unmatched:     cfg.Unmatched(),
	}, source, correlator.New(store, responseClassifier, cfg.Poll.ClassifyTimeout), router, store, clock.Real(), log)

	// Submission
	var imageOCR extract.OCR
	if cfg.OCR.Enabled {
		imageOCR = ocr.NewTesseract(cfg.OCR.Languages...)
	}
	sender := mailbox.NewSMTPSender(mailbox.SMTPConfig{
		Host:     cfg.Mail.SMTPHost,
		Port:     cfg.Mail.SMTPPort,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
		From:     cfg.Mail.From,
	})
	submitter := submission.NewService(store, extract.New(imageOCR), analyzer, sender, cfg.Approvers, events, clock.Real(), log)

	// Poll loop
	var wg sync.WaitGroup
	if cfg.Poll.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sup.Run(ctx)
		}()
	} else {
		log.Warn("Background polling disabled; use /check-email-processing/")
	}

	// HTTP Server
	gin.SetMode(gin.ReleaseMode)
	engine := httpserver.NewRouter(httpserver.Deps{
		Invoices:   handler.NewInvoiceHandler(submitter, store, log),
		Processing: handler.NewProcessingHandler(sup, log),
		JWTSecret:  cfg.JWT.Secret,
		Checks:     checks,
		Logger:     log,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("invoice-approval is fully initialized and running")

	// 优雅退出处理
	<-ctx.Done()
	log.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	// 等待当前周期处理完当前邮件
	wg.Wait()
	log.Info("invoice-approval shutdown complete")
}

func pingRedis(ctx context.Context, rdb *goredis.Client) error {
	return rdb.Ping(ctx).Err()
}
