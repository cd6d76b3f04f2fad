package service

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"time"

	"github.com/pvolkov/momentum-system/internal/address"
	"github.com/pvolkov/momentum-system/internal/model"
	"github.com/pvolkov/momentum-system/internal/record"
	"github.com/pvolkov/momentum-system/internal/repository"
)

const (
	// dailyRewardInterval — минимальный интервал между ежедневными бонусами.
	dailyRewardInterval = 86_400
	// dailyCutoffHourUTC — час UTC, после которого ежедневный бонус доступен.
	dailyCutoffHourUTC = 12
)

// RewardSummary — результат пересчёта наград по пачке целей.
type RewardSummary struct {
	Awarded        uint64
	TotalPoints    uint64
	Claimable      uint64
	NativeBalance  uint64
	ProjectedFiat  uint64
	Price          int64
	GoalsEvaluated int
	NewlyCompleted int
}

// RefreshUserRewards пересчитывает награды пользователя по его собственному
// запросу. Пустой список goalNumbers означает «все цели пользователя»; если
// целей нет вовсе, возвращается ErrNoGoals.
func (s *Service) RefreshUserRewards(ctx context.Context, userID int64, native uint64, goalNumbers []uint64) (*RewardSummary, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.refreshRewards(ctx, user.Address, native, goalNumbers, true)
}

// RefreshRewardsByLogin пересчитывает награды указанного пользователя от имени
// authority. Пустая пачка целей здесь допустима: обновляются цена и проекция.
func (s *Service) RefreshRewardsByLogin(ctx context.Context, callerID int64, login string, native uint64, goalNumbers []uint64) (*RewardSummary, error) {
	if _, err := s.requireAuthority(ctx, callerID); err != nil {
		return nil, err
	}

	target, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, err
	}
	return s.refreshRewards(ctx, target.Address, native, goalNumbers, false)
}

// refreshRewards — ядро пересчёта: в одной транзакции обновляет цену в
// конфигурации, проецирует баланс, прогоняет каждую цель через движок
// начисления и зачисляет суммарную награду на аккаунт пользователя.
// Любая ошибка декодирования любой записи откатывает всю пачку.
func (s *Service) refreshRewards(ctx context.Context, owner string, native uint64, goalNumbers []uint64, requireGoals bool) (*RewardSummary, error) {
	if len(goalNumbers) == 0 {
		goals, err := s.repo.ListGoalRecords(ctx, owner)
		if err != nil {
			return nil, err
		}
		if len(goals) == 0 && requireGoals {
			return nil, ErrNoGoals
		}
		numbers := make([]uint64, 0, len(goals))
		for _, g := range goals {
			numbers = append(numbers, g.Seq)
		}
		goalNumbers = numbers
	} else {
		// Повторный номер в пачке означал бы повторное начисление по той
		// же цели: каждая цель оценивается не более одного раза за вызов.
		goalNumbers = dedupe(goalNumbers)
	}

	reading, err := s.fetchReading(ctx)
	if err != nil {
		return nil, err
	}
	priceCents, err := normalizePrice(reading.Price, reading.Exponent)
	if err != nil {
		return nil, err
	}

	addresses := make([]string, 0, 2+len(goalNumbers))
	addresses = append(addresses, address.ForConfig(), address.ForUser(owner))
	for _, n := range goalNumbers {
		addresses = append(addresses, address.ForGoal(owner, n))
	}

	now := s.now()
	summary := &RewardSummary{NativeBalance: native, Price: priceCents}

	err = s.repo.MutateRecords(ctx, addresses, func(records []repository.Record) ([][]byte, error) {
		out := make([][]byte, len(records))

		cfgHeader, cfgPayload, err := record.Split(records[0].Data)
		if err != nil {
			return nil, fmt.Errorf("config record: %w", err)
		}
		if err := record.CheckHeader(cfgHeader, record.ConfigHeader); err != nil {
			return nil, fmt.Errorf("config record: %w", err)
		}
		cfg, err := record.DecodeConfig(cfgPayload)
		if err != nil {
			return nil, fmt.Errorf("config record: %w", err)
		}

		cfg.Price = priceCents
		cfg.PriceLastUpdated = now.Unix()

		userHeader, userPayload, err := record.Split(records[1].Data)
		if err != nil {
			return nil, fmt.Errorf("user record: %w", err)
		}
		if err := record.CheckHeader(userHeader, record.UserHeader); err != nil {
			return nil, fmt.Errorf("user record: %w", err)
		}
		account, err := record.DecodeUser(userPayload)
		if err != nil {
			return nil, fmt.Errorf("user record: %w", err)
		}

		projected, err := projectBalance(native, priceCents)
		if err != nil {
			return nil, err
		}
		account.NativeBalance = native
		account.ProjectedFiatBalance = projected
		summary.ProjectedFiat = projected

		var batch uint64
		for i, rec := range records[2:] {
			header, payload, err := record.Split(rec.Data)
			if err != nil {
				return nil, fmt.Errorf("goal record %s: %w", rec.Address, err)
			}
			if err := record.CheckHeader(header, record.GoalHeader); err != nil {
				return nil, fmt.Errorf("goal record %s: %w", rec.Address, err)
			}
			goal, err := record.DecodeGoal(payload)
			if err != nil {
				return nil, fmt.Errorf("goal record %s: %w", rec.Address, err)
			}

			wasCompleted := goal.Completed
			awarded := accrueGoal(goal, cfg, projected, now)
			if awarded > 0 {
				goal.TotalPoints += awarded
				batch += awarded
			}
			if !wasCompleted && goal.Completed {
				summary.NewlyCompleted++
			}
			summary.GoalsEvaluated++

			newPayload, err := record.EncodeGoal(goal)
			if err != nil {
				return nil, fmt.Errorf("goal record %s: %w", rec.Address, err)
			}
			framed, err := record.Frame(header, newPayload)
			if err != nil {
				return nil, fmt.Errorf("goal record %s: %w", rec.Address, err)
			}
			out[2+i] = framed
		}

		account.ClaimableRewards += batch
		account.TotalPoints += batch
		summary.Awarded = batch
		summary.Claimable = account.ClaimableRewards
		summary.TotalPoints = account.TotalPoints

		newCfgPayload, err := record.EncodeConfig(cfg)
		if err != nil {
			return nil, err
		}
		out[0], err = record.Frame(cfgHeader, newCfgPayload)
		if err != nil {
			return nil, err
		}

		newUserPayload, err := record.EncodeUser(account)
		if err != nil {
			return nil, err
		}
		out[1], err = record.Frame(userHeader, newUserPayload)
		if err != nil {
			return nil, err
		}

		return out, nil
	})
	if err != nil {
		return nil, err
	}

	return summary, nil
}

// dedupe схлопывает повторы, сохраняя порядок первых вхождений.
func dedupe(numbers []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(numbers))
	out := make([]uint64, 0, len(numbers))
	for _, n := range numbers {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// accrueGoal оценивает завершённость цели и возвращает начисленную награду.
// Флаг Completed монотонен: однажды выставленный, он не сбрасывается даже при
// падении проекции ниже целевой суммы. Разовый бонус и ежедневный бонус
// никогда не выдаются в одной инвокации: защёлка разового бонуса завершает
// ветку начисления.
func accrueGoal(g *model.GoalAccount, cfg *model.RewardConfig, projected uint64, now time.Time) uint64 {
	completed := g.Completed || projected >= g.TargetFiat
	g.Completed = completed

	if !completed {
		return 0
	}

	if !g.FirstCompletedBonus {
		g.FirstCompletedBonus = true
		return uint64(cfg.FirstCompletedPoints)
	}

	if now.Unix()-g.LastDailyRewardTimestamp >= dailyRewardInterval && pastDailyCutoff(now) {
		g.LastDailyRewardTimestamp = now.Unix()
		return uint64(cfg.DailyPoints)
	}

	return 0
}

// pastDailyCutoff сообщает, наступил ли дневной час выдачи бонуса по UTC.
func pastDailyCutoff(now time.Time) bool {
	return now.UTC().Hour() >= dailyCutoffHourUTC
}

// projectBalance переводит нативный баланс в фиатные центы по кэшированной
// цене. Промежуточное произведение считается в 128 битах, результат обязан
// помещаться в uint64.
func projectBalance(native uint64, priceCents int64) (uint64, error) {
	if priceCents <= 0 {
		return 0, ErrInvalidPrice
	}

	hi, lo := bits.Mul64(native, uint64(priceCents))
	if hi >= model.Scale {
		return 0, ErrArithmeticOverflow
	}
	q, _ := bits.Div64(hi, lo, model.Scale)
	return q, nil
}

// normalizePrice приводит чтение оракула {price, expo} к центам USD
// (эффективная экспонента -2).
func normalizePrice(price int64, expo int32) (int64, error) {
	if price <= 0 {
		return 0, ErrInvalidPrice
	}

	shift := int(expo) + 2
	switch {
	case shift > 0:
		for i := 0; i < shift; i++ {
			if price > math.MaxInt64/10 {
				return 0, ErrArithmeticOverflow
			}
			price *= 10
		}
	case shift < 0:
		for i := 0; i > shift; i-- {
			price /= 10
		}
	}

	if price <= 0 {
		return 0, ErrInvalidPrice
	}
	return price, nil
}
