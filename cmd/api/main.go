package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/attendance"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/auth"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/config"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/engine"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/httpmiddleware"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/queue"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/roster"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/session"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx := context.Background()

	var (
		db          *store.DB
		attStore    attendance.Store
		students    roster.Lookup
		devices     roster.DeviceDirectory
		redisClient *store.Redis
	)

	if cfg.StoreBackend == "memory" {
		mem := roster.NewMemory()
		attStore = attendance.NewMemory()
		students, devices = mem, mem
		log.Println("using in-memory store (STORE_BACKEND=memory)")
	} else {
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			return err
		}
		attStore = attendance.NewPostgres(db.Client)
		pg := roster.NewPostgres(db.Client)
		students, devices = pg, pg
	}

	var dedup engine.DedupCache
	var q queue.Queue
	if cfg.DedupBackend != "memory" || cfg.QueueBackend != "memory" {
		redisClient = store.NewRedis(cfg.RedisAddr)
	}
	if cfg.DedupBackend == "memory" {
		dedup = engine.NewMemoryDedup(cfg.DedupTTL)
	} else {
		dedup = engine.NewRedisDedup(redisClient, cfg.DedupTTL)
	}
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "presence:notifications")
	}

	sessions := session.NewRegistry()
	eng := engine.New(engine.Config{
		Window:            cfg.ValidationWindow,
		GhostTapDetection: cfg.GhostTapDetection,
	}, attStore, sessions, students, devices, dedup, engine.NewQueueNotifier(q))

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient == nil || redisClient.Healthy(c.Request.Context())
		dbHealthy := db == nil || db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/devices/register", func(c *gin.Context) {
		var req struct {
			DeviceID string `json:"device_id" binding:"required"`
			RoomID   string `json:"room_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := devices.RegisterDevice(c.Request.Context(), req.DeviceID, req.RoomID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tokens, err := auth.Issue(req.DeviceID, req.RoomID, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	// Device-facing ingest, JWT-gated and rate limited per device.
	deviceGroup := r.Group("/v1", auth.DeviceAuth(cfg.JWTSigningKey, cfg.JWTIssuer))
	deviceGroup.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	deviceGroup.POST("/events", func(c *gin.Context) {
		var raw engine.RawEvent
		if err := c.ShouldBindJSON(&raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claimsAny, _ := c.Get("claims")
		claims, _ := claimsAny.(auth.Claims)
		if claims.Subject != "" && claims.Subject != raw.DeviceID {
			c.JSON(http.StatusForbidden, gin.H{"error": "device mismatch"})
			return
		}
		if claims.RoomID != "" && raw.RoomID != "" && claims.RoomID != raw.RoomID {
			c.JSON(http.StatusForbidden, gin.H{"error": "room mismatch"})
			return
		}

		err := eng.Process(c.Request.Context(), raw)
		switch {
		case err == nil:
			c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "event_id": raw.EventID})
		case errors.Is(err, engine.ErrDuplicateEvent):
			// Device retries are expected; a replay is a success to the device.
			c.JSON(http.StatusOK, gin.H{"status": "duplicate", "event_id": raw.EventID})
		case errors.Is(err, engine.ErrUnknownDevice), errors.Is(err, engine.ErrUnknownCard),
			errors.Is(err, engine.ErrNoActiveSession), errors.Is(err, engine.ErrBadEvent):
			log.Printf("event %s rejected: %v", raw.EventID, err)
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	})

	deviceGroup.POST("/checkout", func(c *gin.Context) {
		var req struct {
			SessionID string `json:"session_id" binding:"required"`
			CardID    string `json:"card_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := eng.ManualCheckout(c.Request.Context(), req.SessionID, req.CardID, time.Now().UTC())
		switch {
		case err == nil:
			c.JSON(http.StatusOK, rec)
		case errors.Is(err, attendance.ErrNoRecord):
			c.JSON(http.StatusConflict, gin.H{"error": "checkout without checkin"})
		case errors.Is(err, attendance.ErrNotOpen):
			c.JSON(http.StatusConflict, gin.H{"error": "record already closed"})
		case errors.Is(err, engine.ErrNoActiveSession), errors.Is(err, engine.ErrUnknownCard):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	})

	// Dashboard/scheduler surface. Authentication for staff lives in the
	// surrounding application; this service sits behind it.
	r.GET("/v1/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": sessions.Active()})
	})

	r.POST("/v1/sessions", func(c *gin.Context) {
		var req struct {
			RoomID               string    `json:"room_id" binding:"required"`
			SubjectID            string    `json:"subject_id"`
			StartTime            time.Time `json:"start_time"`
			EndTime              time.Time `json:"end_time"`
			LateThresholdMinutes int       `json:"late_threshold_minutes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sess, err := sessions.Start(session.Session{
			RoomID:        req.RoomID,
			SubjectID:     req.SubjectID,
			StartTime:     req.StartTime,
			EndTime:       req.EndTime,
			LateThreshold: time.Duration(req.LateThresholdMinutes) * time.Minute,
		})
		if errors.Is(err, session.ErrSessionConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session_id": sess.ID, "room_id": sess.RoomID, "start_time": sess.StartTime})
	})

	r.POST("/v1/sessions/:id/end", func(c *gin.Context) {
		if err := sessions.End(c.Param("id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ended"})
	})

	r.GET("/v1/sessions/:id/pending", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pending": eng.ListPending(c.Param("id"))})
	})

	r.GET("/v1/sessions/:id/records", func(c *gin.Context) {
		records, err := attStore.ListRecords(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	r.POST("/v1/sessions/:id/students/:studentID/excuse", func(c *gin.Context) {
		rec, err := attStore.Excuse(c.Request.Context(), c.Param("id"), c.Param("studentID"))
		if errors.Is(err, attendance.ErrRecordExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "student is not absent"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	r.GET("/v1/discrepancies", func(c *gin.Context) {
		from, to := todayRange()
		if v := c.Query("from"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				from = t
			}
		}
		if v := c.Query("to"); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				to = t
			}
		}
		out, err := attStore.ListDiscrepancies(c.Request.Context(), from, to)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if out == nil {
			out = []attendance.Discrepancy{}
		}
		c.JSON(http.StatusOK, gin.H{"discrepancies": out})
	})

	r.POST("/v1/discrepancies/:id/resolve", func(c *gin.Context) {
		if err := attStore.MarkResolved(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "resolved"})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Printf("Engine forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// todayRange is the default discrepancy window: midnight to midnight, UTC.
func todayRange() (time.Time, time.Time) {
	now := time.Now().UTC()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.Add(24 * time.Hour)
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
