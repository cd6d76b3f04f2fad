// Package service реализует бизнес-логику сервиса momentum: кэш цены,
// проекцию баланса, оценку целей, движок начисления наград и клейм.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/pvolkov/momentum-system/internal/address"
	"github.com/pvolkov/momentum-system/internal/model"
	"github.com/pvolkov/momentum-system/internal/record"
	"github.com/pvolkov/momentum-system/internal/repository"
)

var (
	// ErrConfigExists возвращается при повторной инициализации конфигурации.
	ErrConfigExists = errors.New("config already initialized")
	// ErrConfigMissing возвращается, если конфигурация ещё не создана.
	ErrConfigMissing = errors.New("config not initialized")
	// ErrUnauthorized возвращается при вызове админ-операции без полномочий.
	ErrUnauthorized = errors.New("unauthorized access")
	// ErrInvalidPoints возвращается при значении бонуса вне интервала (0, 10000).
	ErrInvalidPoints = errors.New("first completed points must be in (0, 10000)")
	// ErrInvalidAuthority возвращается при некорректном адресе authority.
	ErrInvalidAuthority = errors.New("invalid authority address")
	// ErrNothingToClaim возвращается при клейме с нулевым счётчиком наград.
	ErrNothingToClaim = errors.New("nothing to claim")
	// ErrNoGoals возвращается при пользовательском пересчёте без единой цели.
	ErrNoGoals = errors.New("user has no goals")
	// ErrInvalidPrice возвращается при неположительной цене от оракула.
	ErrInvalidPrice = errors.New("invalid oracle price")
	// ErrStalePrice возвращается, если чтение оракула старше допустимого возраста.
	ErrStalePrice = errors.New("oracle price is stale")
	// ErrArithmeticOverflow возвращается при переполнении в проекции баланса.
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrOracleUnavailable маркирует сбой коллаборатора-оракула.
	ErrOracleUnavailable = errors.New("oracle unavailable")
	// ErrMintFailed маркирует сбой коллаборатора минтинга.
	ErrMintFailed = errors.New("mint failed")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte, address string, account repository.Record) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	CreateRecord(ctx context.Context, rec repository.Record) error
	GetRecord(ctx context.Context, address string) ([]byte, error)
	ListGoalRecords(ctx context.Context, owner string) ([]repository.Record, error)
	DeleteRecord(ctx context.Context, address, owner string) error
	MutateRecords(ctx context.Context, addresses []string, fold func(records []repository.Record) ([][]byte, error)) error
	MutateAndInsert(ctx context.Context, address string, fold func(data []byte) ([]byte, *repository.Record, error)) error
}

// Oracle описывает контракт прайс-оракула.
type Oracle interface {
	GetPrice(ctx context.Context, feedID string) (*model.OracleReading, error)
}

// Minter описывает контракт коллаборатора, выпускающего наградные токены.
type Minter interface {
	Mint(ctx context.Context, amount uint64, destination string) error
}

// Options настраивают сервис.
type Options struct {
	FeedID       string
	OracleMaxAge time.Duration
	SkipAgeCheck bool
}

// Service содержит бизнес-логику сервиса momentum.
type Service struct {
	repo         Repository
	oracle       Oracle
	minter       Minter
	feedID       string
	maxAge       time.Duration
	skipAgeCheck bool
	now          func() time.Time
}

// NewService создаёт новый сервис с указанными репозиторием и коллабораторами.
func NewService(repo Repository, oracle Oracle, minter Minter, opts Options) *Service {
	maxAge := opts.OracleMaxAge
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	return &Service{
		repo:         repo,
		oracle:       oracle,
		minter:       minter,
		feedID:       opts.FeedID,
		maxAge:       maxAge,
		skipAgeCheck: opts.SkipAgeCheck,
		now:          time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя и создаёт запись его аккаунта.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	owner := address.FromLogin(login)

	account := &model.UserAccount{Owner: owner}
	data, err := record.FrameUser(account)
	if err != nil {
		return 0, fmt.Errorf("encode user account: %w", err)
	}

	id, err := s.repo.CreateUser(ctx, login, hashPassword(login, password), owner, repository.Record{
		Address: address.ForUser(owner),
		Kind:    address.TagUser,
		Owner:   owner,
		Data:    data,
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// InitParams — параметры инициализации конфигурации деплоймента.
type InitParams struct {
	PointsPerGoal        uint16
	FirstCompletedPoints uint16
	DailyPoints          uint16
	Authority            *string
}

// InitializeConfig создаёт singleton-запись конфигурации. Если authority не
// указана явно, ею становится вызывающий.
func (s *Service) InitializeConfig(ctx context.Context, callerID int64, params InitParams) error {
	if params.FirstCompletedPoints == 0 || params.FirstCompletedPoints >= 10000 {
		return ErrInvalidPoints
	}

	caller, err := s.repo.GetUserByID(ctx, callerID)
	if err != nil {
		return err
	}

	auth := model.AuthorityOf(caller.Address)
	if params.Authority != nil {
		if !address.IsValid(*params.Authority) {
			return ErrInvalidAuthority
		}
		auth = model.AuthorityOf(*params.Authority)
	}

	cfg := &model.RewardConfig{
		Authority:            auth,
		PointsPerGoal:        params.PointsPerGoal,
		FirstCompletedPoints: params.FirstCompletedPoints,
		DailyPoints:          params.DailyPoints,
	}

	data, err := record.FrameConfig(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	err = s.repo.CreateRecord(ctx, repository.Record{
		Address: address.ForConfig(),
		Kind:    address.TagConfig,
		Data:    data,
	})
	if err != nil {
		if errors.Is(err, repository.ErrRecordExists) {
			return ErrConfigExists
		}
		return err
	}

	return nil
}

func (s *Service) loadConfig(ctx context.Context) (*model.RewardConfig, error) {
	data, err := s.repo.GetRecord(ctx, address.ForConfig())
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			return nil, ErrConfigMissing
		}
		return nil, err
	}
	return decodeConfigRecord(data)
}

func decodeConfigRecord(data []byte) (*model.RewardConfig, error) {
	header, payload, err := record.Split(data)
	if err != nil {
		return nil, err
	}
	if err := record.CheckHeader(header, record.ConfigHeader); err != nil {
		return nil, err
	}
	return record.DecodeConfig(payload)
}

func decodeUserRecord(data []byte) (*model.UserAccount, error) {
	header, payload, err := record.Split(data)
	if err != nil {
		return nil, err
	}
	if err := record.CheckHeader(header, record.UserHeader); err != nil {
		return nil, err
	}
	return record.DecodeUser(payload)
}

// requireAuthority проверяет полномочия вызывающего на админ-операции.
func (s *Service) requireAuthority(ctx context.Context, callerID int64) (*model.User, error) {
	caller, err := s.repo.GetUserByID(ctx, callerID)
	if err != nil {
		return nil, err
	}

	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	if !cfg.Authority.Allows(caller.Address) {
		return nil, ErrUnauthorized
	}

	return caller, nil
}

// RefreshPrice обновляет кэшированную цену по требованию authority.
func (s *Service) RefreshPrice(ctx context.Context, callerID int64) (int64, error) {
	if _, err := s.requireAuthority(ctx, callerID); err != nil {
		return 0, err
	}
	return s.refreshPriceRecord(ctx)
}

// refreshPriceRecord получает чтение оракула и переписывает цену в записи
// конфигурации, сохраняя её заголовок нетронутым.
func (s *Service) refreshPriceRecord(ctx context.Context) (int64, error) {
	reading, err := s.fetchReading(ctx)
	if err != nil {
		return 0, err
	}

	priceCents, err := normalizePrice(reading.Price, reading.Exponent)
	if err != nil {
		return 0, err
	}

	err = s.repo.MutateRecords(ctx, []string{address.ForConfig()}, func(records []repository.Record) ([][]byte, error) {
		header, payload, err := record.Split(records[0].Data)
		if err != nil {
			return nil, err
		}
		if err := record.CheckHeader(header, record.ConfigHeader); err != nil {
			return nil, err
		}
		cfg, err := record.DecodeConfig(payload)
		if err != nil {
			return nil, err
		}

		cfg.Price = priceCents
		cfg.PriceLastUpdated = s.now().Unix()

		newPayload, err := record.EncodeConfig(cfg)
		if err != nil {
			return nil, err
		}
		framed, err := record.Frame(header, newPayload)
		if err != nil {
			return nil, err
		}
		return [][]byte{framed}, nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			return 0, ErrConfigMissing
		}
		return 0, err
	}

	return priceCents, nil
}

// fetchReading запрашивает чтение прайс-фида и валидирует его.
func (s *Service) fetchReading(ctx context.Context) (*model.OracleReading, error) {
	if s.oracle == nil {
		return nil, fmt.Errorf("%w: client not configured", ErrOracleUnavailable)
	}

	reading, err := s.oracle.GetPrice(ctx, s.feedID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrOracleUnavailable, err)
	}

	if reading.Price <= 0 {
		return nil, ErrInvalidPrice
	}

	if !s.skipAgeCheck {
		age := s.now().Unix() - reading.PublishTime
		if age > int64(s.maxAge.Seconds()) {
			return nil, fmt.Errorf("%w: reading is %ds old", ErrStalePrice, age)
		}
	}

	return reading, nil
}

// Claim списывает накопленные награды: читает счётчик, выпускает токены
// через коллаборатора и только после подтверждённого минта уменьшает
// счётчик ровно на заклеймленную сумму.
func (s *Service) Claim(ctx context.Context, userID int64) (uint64, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return 0, err
	}

	userAddr := address.ForUser(user.Address)

	data, err := s.repo.GetRecord(ctx, userAddr)
	if err != nil {
		return 0, err
	}
	account, err := decodeUserRecord(data)
	if err != nil {
		return 0, err
	}

	amount := account.ClaimableRewards
	if amount == 0 {
		return 0, ErrNothingToClaim
	}

	if s.minter == nil {
		return 0, fmt.Errorf("%w: client not configured", ErrMintFailed)
	}
	if err := s.minter.Mint(ctx, amount, account.Owner); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrMintFailed, err)
	}

	err = s.repo.MutateRecords(ctx, []string{userAddr}, func(records []repository.Record) ([][]byte, error) {
		header, payload, err := record.Split(records[0].Data)
		if err != nil {
			return nil, err
		}
		if err := record.CheckHeader(header, record.UserHeader); err != nil {
			return nil, err
		}
		account, err := record.DecodeUser(payload)
		if err != nil {
			return nil, err
		}

		if account.ClaimableRewards < amount {
			return nil, fmt.Errorf("claimable rewards changed during claim: have %d, claimed %d", account.ClaimableRewards, amount)
		}
		account.ClaimableRewards -= amount

		newPayload, err := record.EncodeUser(account)
		if err != nil {
			return nil, err
		}
		framed, err := record.Frame(header, newPayload)
		if err != nil {
			return nil, err
		}
		return [][]byte{framed}, nil
	})
	if err != nil {
		return 0, err
	}

	return amount, nil
}

// CreateGoal создаёт новую цель пользователя и возвращает её номер.
func (s *Service) CreateGoal(ctx context.Context, userID int64, targetFiat uint64, deadline *time.Time) (uint64, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return 0, err
	}

	var number uint64
	err = s.repo.MutateAndInsert(ctx, address.ForUser(user.Address), func(data []byte) ([]byte, *repository.Record, error) {
		header, payload, err := record.Split(data)
		if err != nil {
			return nil, nil, err
		}
		if err := record.CheckHeader(header, record.UserHeader); err != nil {
			return nil, nil, err
		}
		account, err := record.DecodeUser(payload)
		if err != nil {
			return nil, nil, err
		}

		account.GoalCount++
		number = account.GoalCount

		goal := &model.GoalAccount{
			Owner:             account.Owner,
			CreationTimestamp: s.now().Unix(),
			TargetFiat:        targetFiat,
			GoalNumber:        number,
		}
		if deadline != nil {
			goal.Deadline = deadline.Unix()
		}

		goalData, err := record.FrameGoal(goal)
		if err != nil {
			return nil, nil, err
		}

		newPayload, err := record.EncodeUser(account)
		if err != nil {
			return nil, nil, err
		}
		framed, err := record.Frame(header, newPayload)
		if err != nil {
			return nil, nil, err
		}

		return framed, &repository.Record{
			Address: address.ForGoal(account.Owner, number),
			Kind:    address.TagGoal,
			Owner:   account.Owner,
			Seq:     number,
			Data:    goalData,
		}, nil
	})
	if err != nil {
		return 0, err
	}

	return number, nil
}

// DeleteGoal закрывает запись цели пользователя.
func (s *Service) DeleteGoal(ctx context.Context, userID int64, number uint64) error {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	return s.repo.DeleteRecord(ctx, address.ForGoal(user.Address, number), user.Address)
}

// ListGoals возвращает цели пользователя в порядке их номеров.
func (s *Service) ListGoals(ctx context.Context, userID int64) ([]model.GoalAccount, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	records, err := s.repo.ListGoalRecords(ctx, user.Address)
	if err != nil {
		return nil, err
	}

	goals := make([]model.GoalAccount, 0, len(records))
	for _, rec := range records {
		header, payload, err := record.Split(rec.Data)
		if err != nil {
			return nil, err
		}
		if err := record.CheckHeader(header, record.GoalHeader); err != nil {
			return nil, err
		}
		g, err := record.DecodeGoal(payload)
		if err != nil {
			return nil, err
		}
		goals = append(goals, *g)
	}

	return goals, nil
}

// GetBalance возвращает срез аккаунта пользователя.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.UserAccount, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	data, err := s.repo.GetRecord(ctx, address.ForUser(user.Address))
	if err != nil {
		return nil, err
	}
	return decodeUserRecord(data)
}

// StartPriceUpdates запускает фоновое периодическое обновление цены.
func (s *Service) StartPriceUpdates(ctx context.Context, interval time.Duration) {
	if s.oracle == nil || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// До инициализации конфигурации обновлять нечего.
				_, _ = s.refreshPriceRecord(ctx)
			}
		}
	}()
}
