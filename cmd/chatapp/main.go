package main

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/rahemur0910/ChatAppliocation/internal/auth"
	"github.com/rahemur0910/ChatAppliocation/internal/db"
	"github.com/rahemur0910/ChatAppliocation/internal/handlers"
	"github.com/rahemur0910/ChatAppliocation/internal/ledger"
	"github.com/rahemur0910/ChatAppliocation/internal/media"
	"github.com/rahemur0910/ChatAppliocation/internal/push"
	"github.com/rahemur0910/ChatAppliocation/internal/store"
	"github.com/rahemur0910/ChatAppliocation/internal/ws"
	"github.com/rahemur0910/ChatAppliocation/pkg/config"
)

func rateLimitMiddleware(limiterInstance *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rate limiter error"})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}

		c.Next()
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func serverErrorLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Printf(
				"HTTP %d %s %s ip=%s duration=%s errors=%q response=%q",
				c.Writer.Status(),
				c.Request.Method,
				c.Request.URL.Path,
				c.ClientIP(),
				time.Since(start).Truncate(time.Millisecond),
				c.Errors.ByType(gin.ErrorTypeAny).String(),
				strings.TrimSpace(blw.body.String()),
			)
		}
	}
}

func panicRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Printf(
			"panic recovered method=%s path=%s ip=%s error=%v",
			c.Request.Method,
			c.Request.URL.Path,
			c.ClientIP(),
			recovered,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

func main() {
	cfg := config.Load()

	if len(os.Args) > 1 {
		if err := runCommand(cfg, os.Args[1:]); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	if err := runServer(cfg); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func runCommand(cfg *config.Config, args []string) error {
	command := args[0]

	switch command {
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "reconcile":
		return runReconcile(cfg, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  chatapp              Start the web server")
	fmt.Fprintln(out, "  chatapp status       Show application statistics")
	fmt.Fprintln(out, "  chatapp status --json")
	fmt.Fprintln(out, "  chatapp reconcile    Rebuild unread counters from the message log")
	fmt.Fprintln(out, "  chatapp reconcile --user N")
	fmt.Fprintln(out, "  chatapp reconcile --dry-run")
	fmt.Fprintln(out, "  chatapp reconcile --json")
}

func runServer(cfg *config.Config) error {
	os.MkdirAll(cfg.ImageStorageDir, 0755)
	os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755)

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	authSvc := auth.New(database.GetConn(), cfg.JWTSecret)
	msgStore := store.New(database.GetConn())
	unread := ledger.New(database.GetConn())
	images := media.NewStore(cfg.ImageStorageDir, "/api/files", cfg.MaxImageSize)

	notifier := push.NewNotifier(database.GetConn(), cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.PushSubscriber)

	hub := ws.NewHub(notifier)
	go hub.Run()

	authHandler := handlers.NewAuthHandler(authSvc)
	msgHandler := handlers.NewMessageHandler(msgStore, unread, images, hub, hub)
	pushHandler := handlers.NewPushHandler(database.GetConn(), notifier)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(serverErrorLogger())
	router.Use(gin.Logger())
	router.Use(panicRecovery())

	corsConfig := cors.DefaultConfig()
	if cfg.CORSOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.CORSOrigins, ",")
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	api := router.Group("/api")
	{
		loginLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 5})
		registerLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 2})

		api.POST("/auth/register", rateLimitMiddleware(registerLimiter), authHandler.Register)
		api.POST("/auth/login", rateLimitMiddleware(loginLimiter), authHandler.Login)

		api.GET("/push/vapid-key", pushHandler.VAPIDKey)
	}

	protected := api.Group("")
	protected.Use(authHandler.AuthMiddleware())
	{
		sendLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 60})

		protected.GET("/messages/users", msgHandler.GetUsers)
		protected.GET("/messages/unread-counts", msgHandler.GetUnreadCounts)
		protected.GET("/messages/:id", msgHandler.GetMessages)
		protected.POST("/messages/send/:id", rateLimitMiddleware(sendLimiter), msgHandler.SendMessage)
		protected.PUT("/messages/read/user/:id", msgHandler.MarkMessagesRead)

		protected.POST("/push/subscribe", pushHandler.Subscribe)
		protected.DELETE("/push/subscribe", pushHandler.Unsubscribe)
	}

	// Serve uploaded images from configured storage path
	router.Static("/api/files", cfg.ImageStorageDir)

	router.GET("/ws", authHandler.AuthMiddleware(), hub.HandleWebSocket)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	addr := fmt.Sprintf("0.0.0.0:%s", cfg.Port)
	log.Printf("Starting server on %s", addr)

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigint
		log.Println("\nShutting down gracefully...")
		os.Exit(0)
	}()

	if err := router.Run(addr); err != nil {
		return err
	}

	return nil
}
