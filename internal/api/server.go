package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"pawmise/internal/agent"
	xerrors "pawmise/internal/errors"
	"pawmise/internal/observability/metrics"
	"pawmise/internal/pet"
	"pawmise/internal/progression"
	"pawmise/internal/session"
	"pawmise/internal/task"
	"pawmise/pkg/logger"
)

// AgentService 是 HTTP 层依赖的对话与资金编排能力，由 agent.Agent 实现。
type AgentService interface {
	ProcessMessage(ctx context.Context, message, userAddress string) (*agent.Reply, error)
	History(ctx context.Context, userAddress string) ([]session.Message, error)
	ClearHistory(ctx context.Context, userAddress string) bool
	EmergencyWithdrawal(ctx context.Context, userAddress string) *agent.FlowResult
	StakeAllTokens(ctx context.Context, userAddress string) *agent.FlowResult
	StakeHalfTokens(ctx context.Context, userAddress string) *agent.FlowResult
}

// PetService 是用户与宠物档案接口，由 pet.Service 实现。
type PetService interface {
	CreateUser(ctx context.Context, input pet.CreateUserInput) (*pet.User, error)
	UserByAddress(ctx context.Context, userAddress string) (*pet.User, *pet.Pet, error)
	CreatePet(ctx context.Context, input pet.CreatePetInput) (*pet.Pet, error)
	GetPet(ctx context.Context, id string) (*pet.Pet, error)
	Deposit(ctx context.Context, petID string, amount *big.Int) (*pet.Pet, error)
}

// TaskReader 查询成长任务，由 task.Service 实现。
type TaskReader interface {
	Get(ctx context.Context, id string) (*task.Task, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr    string
	agent   AgentService
	pets    PetService
	tasks   TaskReader
	metrics http.Handler
}

// Option 定义 Server 的可选依赖。
type Option func(*Server)

// WithPets 启用宠物档案接口。
func WithPets(pets PetService) Option {
	return func(s *Server) {
		s.pets = pets
	}
}

// WithTasks 启用任务查询接口。
func WithTasks(tasks TaskReader) Option {
	return func(s *Server) {
		s.tasks = tasks
	}
}

// WithMetricsHandler 替换 /metrics 的处理器。
func WithMetricsHandler(handler http.Handler) Option {
	return func(s *Server) {
		if handler != nil {
			s.metrics = handler
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, ag AgentService, opts ...Option) *Server {
	s := &Server{addr: addr, agent: ag, metrics: metrics.Handler()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 构建带中间件的路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/healthz"))
	r.Use(observe)

	r.Route("/ai-agent", func(r chi.Router) {
		r.Get("/history/{userAddress}", s.handleHistory)
		r.Post("/{userAddress}", s.handleChat)
		r.Delete("/{userAddress}", s.handleClear)
		r.Post("/{userAddress}/emergency-withdrawal", s.handleEmergencyWithdrawal)
		r.Post("/{userAddress}/stake-all-tokens", s.handleStake(false))
		r.Post("/{userAddress}/stake-half-tokens", s.handleStake(true))
	})
	r.Route("/users", func(r chi.Router) {
		r.Post("/", s.handleCreateUser)
		r.Get("/address/{address}", s.handleUserByAddress)
	})
	r.Route("/pets", func(r chi.Router) {
		r.Post("/", s.handleCreatePet)
		r.Get("/{petID}", s.handleGetPet)
		r.Post("/{petID}/deposit", s.handleDeposit)
	})
	r.Get("/tasks/{taskID}", s.handleTaskDetail)
	r.Method(http.MethodGet, "/metrics", s.metrics)
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("HTTP 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type chatRequest struct {
	Message string `json:"message"`
}

// handleChat 处理一轮对话。失败时仍返回 200，由 success 字段区分。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		Error(w, http.StatusServiceUnavailable, "Agent 未初始化")
		return
	}
	userAddress := chi.URLParam(r, "userAddress")

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		JSON(w, http.StatusOK, map[string]any{"success": false, "error": "Failed to process message"})
		return
	}

	reply, err := s.agent.ProcessMessage(r.Context(), req.Message, userAddress)
	if err != nil {
		logger.L().Error("处理对话失败", slog.String("user_address", userAddress), slog.Any("error", err))
		JSON(w, http.StatusOK, map[string]any{"success": false, "error": "Failed to process message"})
		return
	}
	JSON(w, http.StatusOK, reply)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		Error(w, http.StatusServiceUnavailable, "Agent 未初始化")
		return
	}
	userAddress := chi.URLParam(r, "userAddress")
	history, err := s.agent.History(r.Context(), userAddress)
	if err != nil {
		logger.L().Error("读取会话历史失败", slog.String("user_address", userAddress), slog.Any("error", err))
		JSON(w, http.StatusOK, map[string]any{"success": false, "error": "Failed to get chat history"})
		return
	}
	if history == nil {
		history = []session.Message{}
	}
	JSON(w, http.StatusOK, map[string]any{"success": true, "history": history})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		Error(w, http.StatusServiceUnavailable, "Agent 未初始化")
		return
	}
	cleared := s.agent.ClearHistory(r.Context(), chi.URLParam(r, "userAddress"))
	JSON(w, http.StatusOK, map[string]any{"success": cleared})
}

func (s *Server) handleEmergencyWithdrawal(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		Error(w, http.StatusServiceUnavailable, "Agent 未初始化")
		return
	}
	result := s.agent.EmergencyWithdrawal(r.Context(), chi.URLParam(r, "userAddress"))
	if result == nil {
		JSON(w, http.StatusOK, map[string]any{"success": false, "error": "Failed to process emergency withdrawal"})
		return
	}
	JSON(w, http.StatusOK, result)
}

func (s *Server) handleStake(half bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.agent == nil {
			Error(w, http.StatusServiceUnavailable, "Agent 未初始化")
			return
		}
		userAddress := chi.URLParam(r, "userAddress")
		var result *agent.FlowResult
		if half {
			result = s.agent.StakeHalfTokens(r.Context(), userAddress)
		} else {
			result = s.agent.StakeAllTokens(r.Context(), userAddress)
		}
		if result == nil {
			JSON(w, http.StatusOK, map[string]any{"success": false, "error": "Failed to stake tokens"})
			return
		}
		JSON(w, http.StatusOK, result)
	}
}

type createUserRequest struct {
	WalletAddress string `json:"walletAddress"`
	Username      string `json:"username"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if s.pets == nil {
		Error(w, http.StatusServiceUnavailable, "宠物服务未初始化")
		return
	}
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	user, err := s.pets.CreateUser(r.Context(), pet.CreateUserInput{
		WalletAddress: req.WalletAddress,
		Username:      req.Username,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusCreated, user)
}

// userResponse 附带用户最近的一只宠物，宠物可能已停用；尚无宠物时 pet 为 null。
type userResponse struct {
	*pet.User
	Pet *pet.Pet `json:"pet"`
}

func (s *Server) handleUserByAddress(w http.ResponseWriter, r *http.Request) {
	if s.pets == nil {
		Error(w, http.StatusServiceUnavailable, "宠物服务未初始化")
		return
	}
	user, latest, err := s.pets.UserByAddress(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, userResponse{User: user, Pet: latest})
}

type createPetRequest struct {
	UserAddress string `json:"userAddress"`
	Username    string `json:"username"`
	Name        string `json:"name"`
	Breed       string `json:"breed"`
}

func (s *Server) handleCreatePet(w http.ResponseWriter, r *http.Request) {
	if s.pets == nil {
		Error(w, http.StatusServiceUnavailable, "宠物服务未初始化")
		return
	}
	var req createPetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	created, err := s.pets.CreatePet(r.Context(), pet.CreatePetInput{
		UserAddress: req.UserAddress,
		Username:    req.Username,
		Name:        req.Name,
		Breed:       req.Breed,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetPet(w http.ResponseWriter, r *http.Request) {
	if s.pets == nil {
		Error(w, http.StatusServiceUnavailable, "宠物服务未初始化")
		return
	}
	found, err := s.pets.GetPet(r.Context(), chi.URLParam(r, "petID"))
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, found)
}

type depositRequest struct {
	// Amount 为储蓄代币最小单位的十进制整数。
	Amount string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if s.pets == nil {
		Error(w, http.StatusServiceUnavailable, "宠物服务未初始化")
		return
	}
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		Error(w, http.StatusBadRequest, "存入金额必须为整数")
		return
	}

	ctx, receipt := progression.WithReceipt(r.Context())
	updated, err := s.pets.Deposit(ctx, chi.URLParam(r, "petID"), amount)
	if err != nil {
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"pet": updated, "taskId": receipt.TaskID()})
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		Error(w, http.StatusServiceUnavailable, "任务服务未初始化")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "taskID"))
	if id == "" {
		Error(w, http.StatusBadRequest, "任务 ID 不能为空")
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		if task.IsTaskError(err, task.CodeTaskNotFound) {
			Error(w, http.StatusNotFound, "任务不存在")
			return
		}
		writeError(w, err)
		return
	}
	JSON(w, http.StatusOK, found)
}

// JSON 以指定状态码写出 JSON 响应。
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L().Warn("写出响应失败", slog.Any("error", err))
	}
}

// Error 写出 JSON 错误响应。
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatus(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err))
	}
	JSON(w, status, map[string]string{"error": message, "code": string(xerrors.CodeOf(err))})
}

const unmatchedRoute = "unmatched"

// observe 记录每个请求的耗时与状态码，按路由模板聚合。
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// 未匹配任何路由的请求统一记为 unmatched。
		route := unmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
