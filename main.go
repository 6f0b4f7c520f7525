package main

import (
	"fmt"
	"log"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildhall/server/activity"
	"github.com/kasuganosora/guildhall/server/alliance"
	apirest "github.com/kasuganosora/guildhall/server/api/rest"
	"github.com/kasuganosora/guildhall/server/api/sse"
	apows "github.com/kasuganosora/guildhall/server/api/ws"
	"github.com/kasuganosora/guildhall/server/audit"
	"github.com/kasuganosora/guildhall/server/cache"
	"github.com/kasuganosora/guildhall/server/config"
	dbadapter "github.com/kasuganosora/guildhall/server/db"
	"github.com/kasuganosora/guildhall/server/guild"
	"github.com/kasuganosora/guildhall/server/keylock"
	mw "github.com/kasuganosora/guildhall/server/middleware"
	"github.com/kasuganosora/guildhall/server/model"
	"github.com/kasuganosora/guildhall/server/notify"
	"github.com/kasuganosora/guildhall/server/plugin/hook"
	"github.com/kasuganosora/guildhall/server/scheduler"
	"github.com/kasuganosora/guildhall/server/session"
	"github.com/kasuganosora/guildhall/server/war"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	// Warn loudly if admin endpoints will be disabled.
	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized")

	// ---- Audit ----
	auditSvc := audit.New(db, logger)
	defer auditSvc.Stop(nil)

	// ---- Cache / PubSub ----
	cacheConfig := cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.NewCache(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized")

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()

	// ---- Hooks / Sessions / Notifications ----
	hooks := hook.NewHookCenter()
	sm := session.NewManager(logger)
	defer sm.CloseAllSessions()

	guildCache := guild.NewCache(db, logger)
	if err := guildCache.Reload(); err != nil {
		log.Fatalf("guild cache: %v", err)
	}
	sink := notify.NewSessionSink(sm, guildCache, pubsub, logger)

	// ---- Guild engine ----
	guildSvc := guild.NewService(guildCache, db, c, sink, hooks, cfg.Guild, logger)
	invites := guild.NewInviteTracker(guildSvc, sched, sink,
		cfg.Guild.InviteExpiry, cfg.Guild.InviteSweep, logger)

	// Shared pair locks keep alliance formation and war declaration between
	// the same two guilds mutually exclusive.
	pairLocks := keylock.New()

	allianceReg := alliance.NewRegistry(db, guildCache, sink, hooks, pairLocks, logger)
	if err := allianceReg.Load(); err != nil {
		log.Fatalf("alliance registry: %v", err)
	}

	var rule war.WinnerRule = war.DrawRule{}
	if cfg.Guild.WinnerScript != "" {
		rule = war.NewScriptRule(cfg.Guild.WinnerScript, cfg.Guild.WinnerScriptTimeout, logger)
	}
	warMgr := war.NewManager(db, guildCache, sink, hooks, sched, cfg.Guild, rule, pairLocks, logger)

	// Cross-wiring: small interfaces break the package cycles.
	guildSvc.SetWarChecker(warMgr)
	guildSvc.SetAllianceCleaner(allianceReg)
	allianceReg.SetWarChecker(warMgr)
	warMgr.SetAllyChecker(allianceReg)

	if err := warMgr.Load(); err != nil {
		log.Fatalf("war manager: %v", err)
	}
	defer warMgr.Stop()

	activitySched := activity.NewScheduler(db, guildCache, sink, hooks, sched, cfg.Guild, logger)

	// ---- Periodic tasks ----
	invites.Start()
	activitySched.Start()

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	// ---- REST API routes ----
	authH := apirest.NewAuthHandler(db, c, cfg.Security)
	guildH := apirest.NewGuildHandler(guildSvc, invites, db, auditSvc)
	allianceH := apirest.NewAllianceHandler(allianceReg, db)
	warH := apirest.NewWarHandler(warMgr, guildCache, db, auditSvc)
	activityH := apirest.NewActivityHandler(activitySched, guildCache, db)
	rankH := apirest.NewRankingHandler(c, guildCache)
	adminH := apirest.NewAdminHandler(db, sm, guildCache, allianceReg, warMgr, activitySched, sched, logger)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(cfg.Security, c), authH.Logout)
		authG.POST("/refresh", mw.Auth(cfg.Security, c), authH.Refresh)

		auth := mw.Auth(cfg.Security, c)

		guildsG := api.Group("/guilds")
		guildsG.Use(auth)
		guildsG.GET("", guildH.List)
		guildsG.POST("", guildH.Create)
		guildsG.GET("/:id", guildH.Info)
		guildsG.POST("/:id/join", guildH.Join)

		guildG := api.Group("/guild")
		guildG.Use(auth)
		guildG.GET("", guildH.My)
		guildG.DELETE("", guildH.Disband)
		guildG.POST("/leave", guildH.Leave)
		guildG.POST("/kick", guildH.Kick)
		guildG.POST("/role", guildH.SetRole)
		guildG.POST("/transfer", guildH.Transfer)
		guildG.PATCH("/settings", guildH.UpdateSettings)
		guildG.POST("/bank/deposit", guildH.Deposit)
		guildG.POST("/bank/withdraw", guildH.Withdraw)
		guildG.POST("/invite", guildH.Invite)
		guildG.GET("/invite", guildH.PendingInvite)
		guildG.POST("/invite/accept", guildH.AcceptInvite)
		guildG.POST("/invite/reject", guildH.RejectInvite)

		alliancesG := api.Group("/alliances")
		alliancesG.Use(auth)
		alliancesG.GET("", allianceH.List)
		alliancesG.POST("/requests", allianceH.Send)
		alliancesG.GET("/requests", allianceH.Requests)
		alliancesG.POST("/requests/:id/accept", allianceH.Accept)
		alliancesG.POST("/requests/:id/reject", allianceH.Reject)
		alliancesG.DELETE("/:guildId", allianceH.Break)

		warsG := api.Group("/wars")
		warsG.Use(auth)
		warsG.POST("", warH.Declare)
		warsG.POST("/:id/accept", warH.Accept)
		warsG.POST("/:id/reject", warH.Reject)

		warG := api.Group("/war")
		warG.Use(auth)
		warG.GET("", warH.Current)
		warG.POST("/ceasefire", warH.RequestCeasefire)
		warG.POST("/ceasefire/:id/accept", warH.AcceptCeasefire)
		warG.POST("/ceasefire/:id/reject", warH.RejectCeasefire)

		activitiesG := api.Group("/activities")
		activitiesG.Use(auth)
		activitiesG.GET("", activityH.List)
		activitiesG.POST("", activityH.Create)
		activitiesG.GET("/:id", activityH.Info)
		activitiesG.POST("/:id/join", activityH.Join)
		activitiesG.POST("/:id/leave", activityH.Leave)
		activitiesG.POST("/:id/confirm", activityH.Confirm)
		activitiesG.POST("/:id/cancel", activityH.Cancel)

		rankG := api.Group("/rankings")
		rankG.GET("/guilds", rankH.Guilds)

		adminG := api.Group("/admin")
		adminG.Use(apirest.AdminAuth(cfg.Server.AdminKey))
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/wars", adminH.ListWars)
		adminG.POST("/wars/:id/end", adminH.ForceEndWar)
		adminG.POST("/alliances", adminH.ForceAlliance)
		adminG.POST("/activities/:id/cancel", adminH.CancelActivity)
		adminG.POST("/guilds/reload", adminH.ReloadGuilds)
		adminG.POST("/kick/:id", adminH.KickPlayer)
		adminG.POST("/accounts/:id/ban", adminH.BanAccount)
		adminG.GET("/scheduler", adminH.ListSchedulerTasks)
	}

	// ---- WebSocket ----
	wsH := apows.NewHandler(db, c, cfg.Security, sm, logger)
	r.GET("/ws", wsH.ServeWS)

	// ---- SSE ----
	sseH := sse.NewHandler(pubsub, c, db, guildCache, cfg.Security, logger)
	r.GET("/sse", sseH.ServeSSE)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("Server listening", zap.String("addr", addr))
	if err := r.Run(addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
