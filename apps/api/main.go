package main

import (
	"context"
	"expvar"
	"fmt"
	stdlog "log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	echoapi "github.com/edusafe/proctor/apps/api/echo"
	"github.com/edusafe/proctor/core"
	"github.com/edusafe/proctor/core/exam"
	"github.com/edusafe/proctor/core/notif"
	"github.com/edusafe/proctor/core/realtime"
	dummyanalyzer "github.com/edusafe/proctor/services/analyzer/dummy"
	emailsvc "github.com/edusafe/proctor/services/email"
	logsvc "github.com/edusafe/proctor/services/logger"
	"github.com/edusafe/proctor/storage/database"
	dummydb "github.com/edusafe/proctor/storage/database/dummy"
	sqlxrepos "github.com/edusafe/proctor/storage/database/sqlx"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		stdlog.New(os.Stdout, "API : ", stdlog.LstdFlags|stdlog.Lmicroseconds|stdlog.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	// set up the audit sink
	var audit core.AuditSink
	if conf.DatabaseURL == "" {
		audit = dummydb.NewAuditSink()
		logger.Warn("no database configured; audit events stay in memory")
	} else {
		db, err := database.Open(conf)
		if err != nil {
			logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
		}
		defer func() { _ = db.Close() }()
		if err = database.EnsureSchema(db); err != nil {
			logger.Fatal(fmt.Sprintf("ensuring schema: %v", err), err)
		}
		audit = sqlxrepos.NewAuditSink(db)
	}

	// set up services
	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}

	registry := realtime.NewRegistry(logger)
	notifSvc := notif.NewService(registry, logger, conf)
	policy := exam.NewPolicyEngine(conf.Exam)
	monitor := exam.NewMonitor(registry, notifSvc, policy, audit, mailSvc, logger, conf)

	// the real perceptual model runs out of process; the dummy classifier
	// keeps frame handling wired until its endpoint is configured
	classifier := dummyanalyzer.NewService()

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	validate := validator.New()
	translator := newTranslator()
	core.InitValidators(validate, translator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifSvc.StartPruning(ctx)

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugAddr, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:       conf,
			Logger:     logger,
			Registry:   registry,
			Monitor:    monitor,
			Notif:      notifSvc,
			Classifier: classifier,
			Validate:   validate,
			Translator: translator,
		},
	)

	go server.Start()

	// =========================================================================
	// Shutdown

	select {
	case err := <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}
