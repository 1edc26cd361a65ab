package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/newsmill/internal/middleware"
	"github.com/hitoshi/newsmill/internal/repository"
	"github.com/hitoshi/newsmill/internal/security"
)

// Pinger はヘルスチェックが依存するデータベース疎通確認インターフェース。
// *sql.DBが満たす。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	TokenVerifier     middleware.TokenVerifier
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 認証
	AuthService AuthServiceInterface

	// 購読
	SubscriptionService SubscriptionServiceInterface
	UnsubscribeService  UnsubscribeServiceInterface

	// エディション生成・配信
	Generator GeneratorInterface
	Delivery  DeliveryInterface

	// トラッキング
	Tracker TrackerInterface

	// A/Bテスト（フラグで有効化。nilの場合はルートを公開しない）
	ABTestService ABTestServiceInterface
	ABTests       repository.ABTestRepository

	// リポジトリ
	Newsletters repository.NewsletterRepository
	Subscribers repository.SubscriberRepository
	Sources     repository.SourceRepository
	Editions    repository.EditionRepository
	Events      repository.EventRepository

	// コンテンツソースのURL検証
	URLGuard security.URLGuard

	// 運用
	DB              Pinger
	MetricsHandler  http.Handler
	EnableAnalytics bool
	Logger          *slog.Logger
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → AuthMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// トラッキング・購読解除・メール確認の各ルートはメールクライアントから
// 直接アクセスされるため、認証グループの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	// 全ルート共通のミドルウェア。Recoveryを最上位に置き、
	// 後続ミドルウェアとハンドラーのpanicをすべて捕捉する。
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService)
	newsletterHandler := NewNewsletterHandler(deps.Newsletters)
	subscriberHandler := NewSubscriberHandler(deps.SubscriptionService, deps.Subscribers, deps.Newsletters)
	sourceHandler := NewSourceHandler(deps.Sources, deps.URLGuard)
	editionHandler := NewEditionHandler(deps.Generator, deps.Delivery, deps.Editions, deps.Newsletters)
	trackingHandler := NewTrackingHandler(deps.Tracker, deps.Logger)
	publicHandler := NewPublicHandler(deps.UnsubscribeService, deps.Logger)

	// --- 認証不要のルート ---

	// 運用エンドポイント
	r.Get("/health", newHealthHandler(deps.DB))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// トークン発行
	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/token", authHandler.Token)
	})

	// 開封・クリック追跡（メールクライアントからのアクセス）
	r.Route("/track", func(r chi.Router) {
		r.Get("/open/{id}", trackingHandler.Open)
		r.Get("/click/{id}", trackingHandler.Click)
	})

	// 購読解除・メール確認（メール内リンクからのアクセス）
	r.Get("/unsubscribe", publicHandler.UnsubscribePage)
	r.Post("/unsubscribe/confirm", publicHandler.UnsubscribeConfirm)
	r.Post("/unsubscribe/one-click", publicHandler.UnsubscribeOneClick)
	r.Get("/verify", publicHandler.VerifyEmail)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.TokenVerifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// ニュースレター管理
		r.Route("/api/v1/newsletters", func(r chi.Router) {
			r.Post("/", newsletterHandler.Create)
			r.Get("/", newsletterHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", newsletterHandler.Get)
				r.Patch("/", newsletterHandler.Update)
				r.Delete("/", newsletterHandler.Archive)

				// 購読者
				r.Post("/subscribers", subscriberHandler.Subscribe)
				r.Get("/subscribers", subscriberHandler.List)

				// エディション
				r.Post("/editions", editionHandler.Generate)
				r.Get("/editions", editionHandler.List)
			})
		})

		// 購読者管理
		r.Route("/api/v1/subscribers/{id}", func(r chi.Router) {
			r.Get("/", subscriberHandler.Get)
			r.Delete("/", subscriberHandler.Unsubscribe)
		})

		// コンテンツソース管理
		r.Route("/api/v1/sources", func(r chi.Router) {
			// POST /api/v1/sources - ソース登録（登録専用レート制限を追加）
			r.With(deps.RateLimiter.SourceRegistrationMiddleware()).Post("/", sourceHandler.Create)
			r.Get("/", sourceHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", sourceHandler.Get)
				r.Patch("/", sourceHandler.Update)
				r.Delete("/", sourceHandler.Delete)
			})
		})

		// 件名A/Bテスト（フラグで有効化）
		var abtestHandler *ABTestHandler
		if deps.ABTestService != nil {
			abtestHandler = NewABTestHandler(deps.ABTestService, deps.ABTests, deps.Editions, deps.Newsletters)
			r.Route("/api/v1/abtests/{id}", func(r chi.Router) {
				r.Get("/", abtestHandler.Get)
				r.Post("/start", abtestHandler.Start)
			})
		}

		// エディション管理
		r.Route("/api/v1/editions/{id}", func(r chi.Router) {
			r.Get("/", editionHandler.Get)
			r.Post("/send", editionHandler.Send)
			r.Post("/resend-failed", editionHandler.ResendFailed)
			r.Get("/stats", editionHandler.Stats)

			if abtestHandler != nil {
				r.Post("/abtests", abtestHandler.Create)
			}
		})

		// 分析（フラグで有効化）
		if deps.EnableAnalytics {
			analyticsHandler := NewAnalyticsHandler(deps.Newsletters, deps.Editions, deps.Subscribers, deps.Events)
			r.Route("/api/v1/analytics", func(r chi.Router) {
				r.Get("/overview", analyticsHandler.Overview)
				r.Get("/growth", analyticsHandler.Growth)
				r.Get("/engagement", analyticsHandler.Engagement)
			})
		}
	})

	return r
}

// newHealthHandler はデータベース疎通を確認するヘルスチェックハンドラーを返す。
func newHealthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unhealthy",
					"reason": "database unreachable",
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
