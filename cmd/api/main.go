package main

import (
	"log"
	"net/http"
	"oriel-api/internal/api/controllers"
	"oriel-api/internal/api/handlers"
	"oriel-api/internal/config"
	"oriel-api/internal/database"
	"oriel-api/internal/logger"
	"oriel-api/internal/middleware"
	"oriel-api/internal/models"
	"oriel-api/internal/repository"
	"oriel-api/internal/services"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v72"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	stripe.Key = os.Getenv("STRIPE_SECRET_KEY")

	// Initialize database connection
	db, err := database.InitDB()
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Get underlying *sql.DB instance for connection pool settings
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal("Failed to get underlying *sql.DB instance:", err)
	}

	// Configure connection pool
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(25)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	subscriptionRepo := repository.NewSubscriptionRepository(db)
	apiKeyRepo := repository.NewAPIKeyRepository(db)
	usageRepo := repository.NewUsageRecordRepository(db)
	eventRepo := repository.NewConsumptionEventRepository(db)

	// Initialize services
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}

	cacheConfig := config.NewCacheConfig()
	var summaryCache services.CacheService
	if cache, err := services.NewRedisCacheService(cacheConfig); err != nil {
		log.Printf("Warning: summary cache disabled: %v", err)
	} else {
		summaryCache = cache
	}

	apiKeyService := services.NewAPIKeyService(apiKeyRepo)
	authService := services.NewAuthService(
		userRepo,
		subscriptionRepo,
		apiKeyService,
		jwtSecret,
	)

	planCatalog := config.NewPlanCatalog()
	usageService := services.NewUsageService(
		planCatalog,
		repository.NewMemoryUsageStore(),
		usageRepo,
		eventRepo,
		summaryCache,
		cacheConfig.SummaryTTL,
	)
	usageService.OnTransition(func(identity string, from, to models.UsageState) {
		logger.LogEvent(logrus.InfoLevel, "Usage state changed", logrus.Fields{
			"identity": identity,
			"from":     from,
			"to":       to,
		})
	})

	renderService := services.NewRenderService()

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(authService)
	usageHandler := handlers.NewUsageHandler(usageService)
	downloadHandler := handlers.NewDownloadHandler(usageService, renderService)
	stripeHandler := handlers.NewStripeHandler(authService, subscriptionRepo, userRepo)

	quotaGate := middleware.NewQuotaGate(usageService)

	// Initialize router
	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware)

	// Public routes
	router.HandleFunc("/auth/register", authHandler.Register).Methods("POST")
	router.HandleFunc("/auth/login", authHandler.Login).Methods("POST")
	router.HandleFunc("/auth/anonymous", authHandler.StartAnonymousSession).Methods("POST")
	router.HandleFunc("/billing/webhook", stripeHandler.HandleStripeWebhook).Methods("POST")
	router.HandleFunc("/health", controllers.HealthCheckHandler(db, summaryCache)).Methods("GET")

	// API routes (authenticated)
	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(middleware.AuthMiddleware(authService))
	apiRouter.Use(middleware.APIKeyMiddleware(apiKeyService))
	apiRouter.HandleFunc("/usage", usageHandler.GetUsageSummary).Methods("GET")
	apiRouter.HandleFunc("/usage/record", usageHandler.GetUsageRecord).Methods("GET")
	apiRouter.HandleFunc("/billing/checkout", stripeHandler.HandleCreateCheckOut).Methods("POST")
	apiRouter.HandleFunc("/billing/info", stripeHandler.HandleUserBillingInfo).Methods("GET")
	apiRouter.Handle("/downloads", quotaGate.Limit(http.HandlerFunc(downloadHandler.Download))).Methods("POST")

	// Anonymous routes (device token, free tier)
	anonRouter := router.PathPrefix("/anon/v1").Subrouter()
	anonRouter.Use(middleware.DeviceTokenMiddleware)
	anonRouter.HandleFunc("/usage", usageHandler.GetUsageSummary).Methods("GET")
	anonRouter.HandleFunc("/usage/record", usageHandler.GetUsageRecord).Methods("GET")
	anonRouter.Handle("/downloads", quotaGate.Limit(http.HandlerFunc(downloadHandler.Download))).Methods("POST")

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"http://localhost:3000", "https://www.orielfx.com"},
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-CSRF-Token",
			"X-Device-Token",
		},
		ExposedHeaders: []string{
			"X-Downloads-Remaining-Daily",
			"X-Downloads-Remaining-Monthly",
			"X-Downloads-Remaining-Total",
		},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	})

	// Create server with timeouts
	srv := &http.Server{
		Handler:      corsMiddleware.Handler(router),
		Addr:         ":" + getPort(),
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	// Start server
	log.Printf("Server starting on port %s...", getPort())
	log.Fatal(srv.ListenAndServe())
}

func getPort() string {
	port := os.Getenv("PORT")
	if port == "" {
		port = "5050"
	}
	return port
}
