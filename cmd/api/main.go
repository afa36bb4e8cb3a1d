package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"uniattend/internal/attendance"
	"uniattend/internal/auth"
	"uniattend/internal/cloudinary"
	"uniattend/internal/config"
	"uniattend/internal/courses"
	"uniattend/internal/faceclient"
	"uniattend/internal/handler"
	"uniattend/internal/httpmiddleware"
	"uniattend/internal/keylock"
	"uniattend/internal/queue"
	"uniattend/internal/store"
	"uniattend/internal/tally"
	"uniattend/internal/verify"
)

func main() {
	cfg := config.Load()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

type cardRegistry interface {
	verify.CredentialRegistry
	handler.CredentialEnroller
}

func runHTTP(cfg config.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var (
		db        *store.DB
		sessions  attendance.Store
		directory interface {
			courses.Directory
			courses.Assigner
		}
		cards cardRegistry
	)
	switch cfg.StoreBackend {
	case "memory":
		log.Println("store: in-memory, data is lost on restart")
		sessions = attendance.NewMemoryStore()
		directory = courses.NewStatic()
		cards = verify.NewMemoryCredentials()
	default:
		var err error
		db, err = store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		sessions = attendance.NewRepository(db.Client)
		directory = courses.NewPostgres(db.Client)
		cards = verify.NewCredentialStore(db.Client)
	}
	if cfg.CourseInstructors != "" {
		if err := courses.Seed(ctx, directory, cfg.CourseInstructors); err != nil {
			return err
		}
	}

	var locker keylock.Locker
	if cfg.LockBackend == "redis" {
		locker = keylock.NewRedis(redisClient.Client, "attendance:lock:", cfg.SubmitLockTTL)
	} else {
		locker = keylock.NewMutex()
	}

	var (
		q      queue.Queue
		counts tally.Tally
	)
	if cfg.QueueBackend == "memory" {
		mem := queue.NewInMemory(256)
		q = mem
		counts = tally.NewMemory()
		// Nobody else can read an in-process queue, so tally here.
		go func() {
			if err := tally.Run(ctx, mem, counts); err != nil && ctx.Err() == nil {
				log.Printf("tally stopped: %v", err)
			}
		}()
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
		counts = tally.NewRedis(redisClient.Client, 0)
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	if err := face.Health(ctx); err != nil {
		log.Printf("WARNING: face service not available: %v", err)
	}

	qr := verify.NewQR(cfg.QRSigningKey)
	svc := attendance.NewService(sessions, []attendance.Verifier{
		qr,
		verify.NewFace(face, cfg.FaceThreshold, cfg.FaceLiveness),
		verify.NewGeo(),
		verify.NewNFC(cards),
	}, attendance.Options{
		LateAfter: cfg.LateThreshold,
		Geofence: attendance.Geofence{
			Lat:          cfg.GeofenceLat,
			Lng:          cfg.GeofenceLng,
			RadiusMeters: cfg.GeofenceRadiusM,
		},
		Locker:   locker,
		Notifier: attendance.NewQueueNotifier(q),
	})

	deps := handler.Deps{
		Service: svc,
		Courses: directory,
		QR:      qr,
		Tally:   counts,
		Cards:   cards,
	}
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		deps.Uploads = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured, capture uploads disabled")
	}
	h := handler.New(deps)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}))
	r.Use(securityHeaders())

	ipLimit := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	userLimit := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin/2, cfg.RateLimitPerMin/2)
	r.Use(ipLimit.GinMiddleware(httpmiddleware.ByClientIP))
	go sweep(ctx, ipLimit, userLimit)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db == nil || db.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "redis": redisHealthy, "db": dbHealthy})
	})

	h.Register(r,
		auth.Authenticate(cfg.JWTSigningKey, cfg.JWTIssuer),
		userLimit.GinMiddleware(byIdentity),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}
	log.Println("Server exited")
	return nil
}

func byIdentity(c *gin.Context) string {
	if id, ok := auth.FromContext(c); ok {
		return "user:" + id.UserID
	}
	return httpmiddleware.ByClientIP(c)
}

func sweep(ctx context.Context, limiters ...*httpmiddleware.TokenBucket) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			for _, l := range limiters {
				l.Sweep()
			}
		case <-ctx.Done():
			return
		}
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cache-Control", "no-store")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

func init() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
