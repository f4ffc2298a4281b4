package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"mbtiQuiz/internal/api/middleware"
	"mbtiQuiz/internal/auth"
	"mbtiQuiz/internal/config"
	"mbtiQuiz/internal/notify"
)

// Dependencies 汇总路由需要的外部依赖。可选依赖为 nil 时对应功能降级。
type Dependencies struct {
	Config      *config.Config
	DB          *gorm.DB
	AuthService *auth.AuthService
	Revocations auth.RevocationStore
	Redis       redis.UniversalClient
	Storage     photoStorage
	Queue       taskEnqueuer
	Predictor   labelPredictor
	Publisher   notify.Publisher
	Scanner     virusScanner
	Logger      *slog.Logger
}

// RegisterRoutes 在 /api 下注册全部业务路由。
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	store := NewUserStore(deps.DB)
	authCfg := deps.Config.Auth

	authHandler := NewAuthHandler(store, deps.AuthService, deps.Revocations, deps.Redis, LoginLimits{
		RatePerHour:   authCfg.LoginRateLimitPerHour,
		LockThreshold: authCfg.LoginLockThreshold,
		LockTTL:       authCfg.LoginLockTTL,
	}, deps.Logger)
	userHandler := NewUserHandler(store, deps.DB, deps.Revocations, deps.Storage, deps.Queue, deps.Logger)
	predictHandler := NewPredictHandler(store, deps.DB, deps.Predictor, deps.Publisher, deps.Logger)
	photoHandler := NewPhotoHandler(store, deps.Storage, deps.Queue, deps.Scanner, deps.Publisher, deps.Config.API.MaxPhotoBytes, deps.Logger)
	referenceHandler := NewReferenceHandler(deps.DB, deps.Logger)
	authMiddleware := middleware.AuthMiddleware(deps.AuthService, deps.Revocations)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/register", authHandler.Register)
		apiGroup.POST("/login", authHandler.Login)

		apiGroup.GET("/questions", referenceHandler.Questions)
		apiGroup.GET("/personality", referenceHandler.Personalities)
		apiGroup.GET("/personality/:mbti", referenceHandler.Personality)

		if deps.Redis != nil {
			wsHandler := NewWsHandler(deps.Redis, deps.AuthService, deps.Revocations, deps.Logger, deps.Config.API.Origins())
			apiGroup.GET("/ws", wsHandler.HandleConnection)
		}

		guarded := apiGroup.Group("")
		guarded.Use(authMiddleware)
		{
			guarded.POST("/logout", authHandler.Logout)
			guarded.POST("/changepassword", authHandler.ChangePassword)

			guarded.GET("/dashboard", userHandler.Dashboard)
			guarded.GET("/profile", userHandler.Profile)
			guarded.GET("/survey", userHandler.Survey)
			guarded.DELETE("/deleteuser/:username", userHandler.DeleteUser)

			guarded.POST("/predict", predictHandler.Predict)
			guarded.GET("/predictions", predictHandler.History)

			guarded.POST("/uploadphoto", photoHandler.UploadPhoto)
			guarded.DELETE("/deletephoto", photoHandler.DeletePhoto)
		}
	}
}
