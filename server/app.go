package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sprig/config"
	"sprig/internal/api"
	"sprig/internal/broadcast"
	"sprig/internal/db"
	"sprig/internal/decision"
	"sprig/internal/health"
	"sprig/internal/identity"
	"sprig/internal/logs"
	"sprig/internal/middleware"
	"sprig/internal/models"
	"sprig/internal/repo"
	"sprig/internal/scheduler"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	Router     *mux.Router
	httpServer *http.Server

	hub     *broadcast.Hub
	waterer *scheduler.AutoWaterer

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	/* 1) Логи */
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	/* 2) DB (опционально) */
	if drv := a.cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, a.cfg.Database.DSN)
		if err != nil {
			log.Fatalf("db open failed: %v", err)
		}
		a.db = d

		if err := a.db.AutoMigrate(
			&models.Device{},
			&models.DeviceCredential{},
			&models.Plant{},
			&models.Threshold{},
			&models.User{},
			&models.SensorReading{},
			&models.WateringEvent{}); err != nil {
			log.Fatalf("db migrate failed: %v", err)
		}
	}

	issuer := identity.NewTokenIssuer(
		a.cfg.Security.JWTSecret,
		time.Duration(a.cfg.Security.TokenTTLMinutes)*time.Minute,
	)
	refreshTTL := time.Duration(a.cfg.Security.RefreshTTLHours) * time.Hour

	var (
		store  identity.Store
		engine *decision.Engine
	)
	if a.db != nil {
		cs := repo.NewCredentialStore(a.db)
		ps := repo.NewPlantStore(a.db)
		rs := repo.NewReadingStore(a.db)

		store = cs
		a.hub = broadcast.NewHub()
		engine = decision.NewEngine(cs, ps, rs, a.hub)
		a.waterer = scheduler.New(
			&wateringSource{ps, rs},
			a.cfg.Watering.SchedulerPeriod,
			a.cfg.Watering.ReadingMaxAge,
			a.cfg.Watering.Cooldown,
		)
	} else {
		// Режим без БД: идентичность в памяти, решения и авто-полив выключены.
		store = identity.NewMemStore()
		logs.Logger.Warn("no database configured: telemetry decisions and auto-watering disabled")
	}
	mgr := identity.NewManager(store, issuer, refreshTTL)

	/* 3) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	/* 4) Health */
	if a.db != nil {
		health.RegisterRoutesWithDB(a.Router, a.db) // /healthz, /readyz
	} else {
		health.RegisterRoutes(a.Router) // только /healthz
	}

	/* 5) API ядра */
	api.RegisterRoutes(a.Router, api.NewHandler(mgr, engine, a.hub), issuer)

	/* (необязательно) вывести известные маршруты в лог при старте */
	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logs.Logger.Infof("shutdown signal: %s", s)
		a.cancel()
	}()

	// Фоновые контуры: рассылка и авто-полив.
	if a.hub != nil {
		go a.hub.Run(a.ctx)
	}
	if a.waterer != nil {
		go a.waterer.Start(a.ctx)
	}

	// Жёсткие таймауты — это важно для production
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Logger.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logs.Logger.Errorf("http shutdown: %v", err)
	}
	return nil
}
