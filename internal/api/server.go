package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agent-core/internal/observability/metrics"
	"agent-core/internal/orchestrator"
	"agent-core/internal/task"
	"agent-core/pkg/logger"
)

const (
	defaultRequestTimeout = 5 * time.Minute
	shutdownTimeout       = 5 * time.Second
)

// Server 负责暴露 REST 接口，供网关驱动编排器。
type Server struct {
	addr           string
	orch           *orchestrator.Orchestrator
	tasks          *task.Service
	configView     any
	queueDriver    string
	ingress        *ingressLimiter
	readTimeout    time.Duration
	writeTimeout   time.Duration
	requestTimeout time.Duration
	startTime      time.Time
	logger         *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithTaskService 启用异步轮次接口。
func WithTaskService(svc *task.Service, queueDriver string) Option {
	return func(s *Server) {
		s.tasks = svc
		s.queueDriver = queueDriver
	}
}

// WithConfigView 设置 GET /api/v1/config 返回的配置视图，调用方负责剔除敏感字段。
func WithConfigView(view any) Option {
	return func(s *Server) {
		s.configView = view
	}
}

// WithIngressLimit 为每个用户设置入口限流，rps<=0 表示不限流。
func WithIngressLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.ingress = newIngressLimiter(rps, burst)
	}
}

// WithTimeouts 设置 HTTP 读写超时与单请求超时。
func WithTimeouts(read, write, request time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if request > 0 {
			s.requestTimeout = request
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orch *orchestrator.Orchestrator, opts ...Option) *Server {
	s := &Server{
		addr:           addr,
		orch:           orch,
		requestTimeout: defaultRequestTimeout,
		startTime:      time.Now(),
		logger:         logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Routes 返回挂载了全部中间件与路由的 http.Handler。
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleHealthDetailed)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.limitIngress)
		r.Use(middleware.Timeout(s.requestTimeout))

		r.Post("/process", s.handleProcess)
		r.Post("/intent/classify", s.handleClassify)
		r.Post("/plan/create", s.handlePlan)
		r.Post("/action/validate", s.handleValidate)
		r.Post("/action/confirm", s.handleConfirm)

		r.Get("/conversation/{sessionID}", s.handleGetConversation)
		r.Delete("/conversation/{sessionID}", s.handleDeleteConversation)
		r.Get("/conversation/{sessionID}/history", s.handleHistory)

		r.Get("/tools", s.handleTools)
		r.Get("/config", s.handleConfig)

		r.Post("/turns", s.handleSubmitTurn)
		r.Get("/turns", s.handleListTurns)
		r.Get("/turns/{taskID}", s.handleGetTurn)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeMessage(w, http.StatusServiceUnavailable, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
