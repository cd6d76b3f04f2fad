// Package handler содержит HTTP-обработчики API сервиса momentum.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pvolkov/momentum-system/internal/metrics"
	"github.com/pvolkov/momentum-system/internal/middleware"
	"github.com/pvolkov/momentum-system/internal/model"
	"github.com/pvolkov/momentum-system/internal/repository"
	"github.com/pvolkov/momentum-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	InitializeConfig(ctx context.Context, callerID int64, params service.InitParams) error
	RefreshPrice(ctx context.Context, callerID int64) (int64, error)
	CreateGoal(ctx context.Context, userID int64, targetFiat uint64, deadline *time.Time) (uint64, error)
	DeleteGoal(ctx context.Context, userID int64, number uint64) error
	ListGoals(ctx context.Context, userID int64) ([]model.GoalAccount, error)
	GetBalance(ctx context.Context, userID int64) (*model.UserAccount, error)
	RefreshUserRewards(ctx context.Context, userID int64, native uint64, goalNumbers []uint64) (*service.RewardSummary, error)
	RefreshRewardsByLogin(ctx context.Context, callerID int64, login string, native uint64, goalNumbers []uint64) (*service.RewardSummary, error)
	Claim(ctx context.Context, userID int64) (uint64, error)
}

// Handler реализует HTTP-обработчики API сервиса momentum.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        metrics.Provider
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, m metrics.Provider) *Handler {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        m,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type createGoalRequest struct {
	Target   float64 `json:"target"`
	Deadline string  `json:"deadline,omitempty"`
}

// maxGoalTarget ограничивает целевую сумму сверху: значение в центах
// обязано без потерь представляться и во float64, и в uint64.
const maxGoalTarget = 1e15

type createGoalResponse struct {
	Number uint64 `json:"number"`
}

// CreateGoal создаёт новую финансовую цель текущего пользователя.
func (h *Handler) CreateGoal(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createGoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Target <= 0 || req.Target > maxGoalTarget {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var deadline *time.Time
	if req.Deadline != "" {
		t, err := time.Parse(time.RFC3339, req.Deadline)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		deadline = &t
	}

	number, err := h.service.CreateGoal(r.Context(), userID, toCents(req.Target), deadline)
	if err != nil {
		h.logger.Error("create goal error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(createGoalResponse{Number: number}); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

type goalResponse struct {
	Number          uint64  `json:"number"`
	Target          float64 `json:"target"`
	Completed       bool    `json:"completed"`
	TotalPoints     uint64  `json:"total_points"`
	CreatedAt       string  `json:"created_at"`
	Deadline        string  `json:"deadline,omitempty"`
	LastDailyReward string  `json:"last_daily_reward,omitempty"`
}

// GetGoals возвращает список целей текущего пользователя.
func (h *Handler) GetGoals(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	goals, err := h.service.ListGoals(r.Context(), userID)
	if err != nil {
		h.logger.Error("get goals error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(goals) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]goalResponse, 0, len(goals))
	for _, g := range goals {
		gr := goalResponse{
			Number:      g.GoalNumber,
			Target:      fromCents(g.TargetFiat),
			Completed:   g.Completed,
			TotalPoints: g.TotalPoints,
			CreatedAt:   time.Unix(g.CreationTimestamp, 0).UTC().Format(time.RFC3339),
		}
		if g.Deadline > 0 {
			gr.Deadline = time.Unix(g.Deadline, 0).UTC().Format(time.RFC3339)
		}
		if g.LastDailyRewardTimestamp > 0 {
			gr.LastDailyReward = time.Unix(g.LastDailyRewardTimestamp, 0).UTC().Format(time.RFC3339)
		}
		resp = append(resp, gr)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// DeleteGoal закрывает цель текущего пользователя по её номеру.
func (h *Handler) DeleteGoal(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	number, err := strconv.ParseUint(chi.URLParam(r, "number"), 10, 64)
	if err != nil || number == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.DeleteGoal(r.Context(), userID, number); err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("delete goal error", zap.Error(err), zap.Int64("userID", userID), zap.Uint64("number", number))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type balanceResponse struct {
	TotalPoints      uint64  `json:"total_points"`
	ClaimableRewards uint64  `json:"claimable_rewards"`
	NativeBalance    uint64  `json:"native_balance"`
	ProjectedFiat    float64 `json:"projected_fiat"`
	GoalCount        uint64  `json:"goal_count"`
}

// GetBalance возвращает срез аккаунта текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	account, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(balanceResponse{
		TotalPoints:      account.TotalPoints,
		ClaimableRewards: account.ClaimableRewards,
		NativeBalance:    account.NativeBalance,
		ProjectedFiat:    fromCents(account.ProjectedFiatBalance),
		GoalCount:        account.GoalCount,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type refreshRewardsRequest struct {
	NativeBalance uint64   `json:"native_balance"`
	Goals         []uint64 `json:"goals,omitempty"`
}

type rewardSummaryResponse struct {
	Awarded        uint64  `json:"awarded"`
	TotalPoints    uint64  `json:"total_points"`
	Claimable      uint64  `json:"claimable"`
	ProjectedFiat  float64 `json:"projected_fiat"`
	Price          float64 `json:"price"`
	GoalsEvaluated int     `json:"goals_evaluated"`
	NewlyCompleted int     `json:"newly_completed"`
}

// RefreshRewards пересчитывает награды текущего пользователя.
func (h *Handler) RefreshRewards(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req refreshRewardsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	summary, err := h.service.RefreshUserRewards(r.Context(), userID, req.NativeBalance, req.Goals)
	if err != nil {
		h.writeRewardsError(w, err, userID)
		return
	}

	h.metrics.AddPointsAwarded(summary.Awarded)
	h.metrics.IncPriceRefreshes()

	h.writeRewardSummary(w, summary)
}

type claimResponse struct {
	Claimed uint64 `json:"claimed"`
}

// Claim списывает накопленные награды текущего пользователя.
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	claimed, err := h.service.Claim(r.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNothingToClaim):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, service.ErrMintFailed):
			h.logger.Error("claim mint error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("claim error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.metrics.IncClaims()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(claimResponse{Claimed: claimed}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type initConfigRequest struct {
	PointsPerGoal        uint16  `json:"points_per_goal"`
	FirstCompletedPoints uint16  `json:"first_completed_points"`
	DailyPoints          uint16  `json:"daily_points"`
	Authority            *string `json:"authority,omitempty"`
}

// InitConfig инициализирует конфигурацию деплоймента.
func (h *Handler) InitConfig(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req initConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.InitializeConfig(r.Context(), userID, service.InitParams{
		PointsPerGoal:        req.PointsPerGoal,
		FirstCompletedPoints: req.FirstCompletedPoints,
		DailyPoints:          req.DailyPoints,
		Authority:            req.Authority,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidPoints), errors.Is(err, service.ErrInvalidAuthority):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, service.ErrConfigExists):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("init config error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type priceResponse struct {
	Price float64 `json:"price"`
}

// RefreshPrice обновляет кэш цены по требованию authority.
func (h *Handler) RefreshPrice(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	priceCents, err := h.service.RefreshPrice(r.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnauthorized):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, service.ErrConfigMissing):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, service.ErrOracleUnavailable), errors.Is(err, service.ErrStalePrice), errors.Is(err, service.ErrInvalidPrice):
			h.logger.Error("refresh price error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("refresh price error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.metrics.IncPriceRefreshes()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(priceResponse{Price: float64(priceCents) / 100}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type adminRewardsRequest struct {
	Login         string   `json:"login"`
	NativeBalance uint64   `json:"native_balance"`
	Goals         []uint64 `json:"goals,omitempty"`
}

// AdminRefreshRewards пересчитывает награды указанного пользователя от имени authority.
func (h *Handler) AdminRefreshRewards(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req adminRewardsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	summary, err := h.service.RefreshRewardsByLogin(r.Context(), userID, req.Login, req.NativeBalance, req.Goals)
	if err != nil {
		if errors.Is(err, service.ErrUnauthorized) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.writeRewardsError(w, err, userID)
		return
	}

	h.metrics.AddPointsAwarded(summary.Awarded)
	h.metrics.IncPriceRefreshes()

	h.writeRewardSummary(w, summary)
}

func (h *Handler) writeRewardsError(w http.ResponseWriter, err error, userID int64) {
	switch {
	case errors.Is(err, service.ErrNoGoals):
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
	case errors.Is(err, service.ErrConfigMissing):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, repository.ErrRecordNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrOracleUnavailable), errors.Is(err, service.ErrStalePrice), errors.Is(err, service.ErrInvalidPrice):
		h.logger.Error("refresh rewards oracle error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	default:
		h.logger.Error("refresh rewards error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeRewardSummary(w http.ResponseWriter, s *service.RewardSummary) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rewardSummaryResponse{
		Awarded:        s.Awarded,
		TotalPoints:    s.TotalPoints,
		Claimable:      s.Claimable,
		ProjectedFiat:  fromCents(s.ProjectedFiat),
		Price:          float64(s.Price) / 100,
		GoalsEvaluated: s.GoalsEvaluated,
		NewlyCompleted: s.NewlyCompleted,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func toCents(amount float64) uint64 {
	return uint64(math.Round(amount * 100))
}

func fromCents(cents uint64) float64 {
	return float64(cents) / 100
}
