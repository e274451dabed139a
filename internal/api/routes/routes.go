package routes

import (
	"dbsentry/internal/api/handlers"
	"dbsentry/internal/api/middleware"
	"dbsentry/internal/commands"
	"dbsentry/internal/config"
	"dbsentry/internal/scanner"
	"dbsentry/internal/services"

	"github.com/gin-gonic/gin"
)

// Deps carries the long-lived components built in main; everything
// request-scoped is constructed here.
type Deps struct {
	Auth      *services.AuthService
	Sessions  *services.SessionStore
	Inventory *services.InventoryService
	Scanner   *scanner.Scanner
	Generator *commands.Generator
}

func SetupRoutes(r *gin.Engine, cfg *config.Config, deps Deps) {
	// Initialize services
	userService := services.NewUserService(deps.Auth)
	securityService := services.NewSecurityService()

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(deps.Auth, deps.Sessions)
	userHandler := handlers.NewUserHandler(userService, deps.Auth)
	serverHandler := handlers.NewServerHandler(deps.Inventory, deps.Scanner)
	identityHandler := handlers.NewIdentityHandler(deps.Inventory, securityService, deps.Generator)
	scanHandler := handlers.NewScanHandler()
	securityHandler := handlers.NewSecurityHandler(securityService)

	// Middleware
	r.Use(middleware.CORSMiddleware())
	r.Use(middleware.ErrorHandler())

	// Public routes
	api := r.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"status":  "ok",
				"message": "dbsentry API is running",
			})
		})

		// Auth routes (public)
		auth := api.Group("/auth")
		{
			auth.POST("/login", authHandler.Login)
		}
	}

	// Protected routes
	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(deps.Sessions))
	{
		// Auth routes (protected)
		protected.POST("/auth/logout", authHandler.Logout)
		protected.GET("/auth/me", authHandler.GetMe)
		protected.GET("/sessions", middleware.RequireRole("admin"), authHandler.GetSessions)

		// Server registry and per-server views
		servers := protected.Group("/servers")
		{
			servers.GET("", serverHandler.GetServers)
			servers.GET("/:id", serverHandler.GetServer)
			servers.POST("", middleware.RequireRole("admin"), serverHandler.CreateServer)
			servers.PUT("/:id", middleware.RequireRole("admin"), serverHandler.UpdateServer)
			servers.DELETE("/:id", middleware.RequireRole("admin"), serverHandler.DeleteServer)
			servers.POST("/:id/test", serverHandler.TestConnection)
			servers.POST("/:id/scan", serverHandler.TriggerScan)
			servers.GET("/:id/identities", serverHandler.GetIdentities)
			servers.GET("/:id/roles", serverHandler.GetRoles)

			// Principal mutations on the remote engine
			logins := servers.Group("/:id/logins", middleware.RequireRole("admin", "developer"))
			{
				logins.POST("", identityHandler.CreateLogin)
				logins.POST("/:username/password", identityHandler.SetPassword)
				logins.POST("/:username/enabled", identityHandler.SetEnabled)
				logins.POST("/:username/class", identityHandler.SetClass)
				logins.POST("/:username/grant", identityHandler.GrantRole)
				logins.POST("/:username/revoke", identityHandler.RevokeRole)
			}
		}

		// Fleet-wide operations
		protected.POST("/scan", middleware.RequireRole("admin"), serverHandler.ScanAll)
		protected.GET("/scans", scanHandler.GetScans)
		protected.GET("/scans/:run_id", scanHandler.GetScan)

		// Cross-server identity view
		protected.GET("/identities", identityHandler.GetGlobalIdentities)

		// Audit surface
		protected.GET("/activity", securityHandler.GetActivity)
		protected.GET("/security-events", securityHandler.GetEvents)
		protected.POST("/security-events/:event_id/resolve", securityHandler.ResolveEvent)
		protected.GET("/stats", securityHandler.GetStatistics)

		// Operator account management
		users := protected.Group("/users")
		{
			users.GET("", middleware.RequireRole("admin"), userHandler.GetUsers)
			users.GET("/:id", middleware.RequireRole("admin"), userHandler.GetUser)
			users.POST("", middleware.RequireRole("admin"), userHandler.CreateUser)
			users.PUT("/:id", middleware.RequireRole("admin"), userHandler.UpdateUser)
			users.DELETE("/:id", middleware.RequireRole("admin"), userHandler.DeleteUser)
			users.POST("/:id/password", middleware.RequireRole("admin"), userHandler.UpdatePassword)
			users.POST("/:id/unlock", middleware.RequireRole("admin"), userHandler.Unlock)
		}
	}
}
