package service

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/pvolkov/momentum-system/internal/model"
)

func TestAccrueGoal(t *testing.T) {
	cfg := &model.RewardConfig{FirstCompletedPoints: 100, DailyPoints: 10}
	afterCutoff := time.Date(2024, 5, 10, 13, 0, 0, 0, time.UTC)
	beforeCutoff := time.Date(2024, 5, 10, 11, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		goal          model.GoalAccount
		projected     uint64
		now           time.Time
		awarded       uint64
		wantCompleted bool
	}{
		{
			name:      "not completed",
			goal:      model.GoalAccount{TargetFiat: 5000},
			projected: 4999,
			now:       afterCutoff,
			awarded:   0,
		},
		{
			name:          "first completion pays latch bonus only",
			goal:          model.GoalAccount{TargetFiat: 5000},
			projected:     5000,
			now:           afterCutoff,
			awarded:       100,
			wantCompleted: true,
		},
		{
			name: "daily after latch",
			goal: model.GoalAccount{
				TargetFiat:          5000,
				Completed:           true,
				FirstCompletedBonus: true,
			},
			projected:     5000,
			now:           afterCutoff,
			awarded:       10,
			wantCompleted: true,
		},
		{
			name: "daily blocked before cutoff hour",
			goal: model.GoalAccount{
				TargetFiat:          5000,
				Completed:           true,
				FirstCompletedBonus: true,
			},
			projected:     5000,
			now:           beforeCutoff,
			awarded:       0,
			wantCompleted: true,
		},
		{
			name: "daily blocked within interval",
			goal: model.GoalAccount{
				TargetFiat:               5000,
				Completed:                true,
				FirstCompletedBonus:      true,
				LastDailyRewardTimestamp: afterCutoff.Add(-time.Hour).Unix(),
			},
			projected:     5000,
			now:           afterCutoff,
			awarded:       0,
			wantCompleted: true,
		},
		{
			name: "completed latch survives projection drop",
			goal: model.GoalAccount{
				TargetFiat:          5000,
				Completed:           true,
				FirstCompletedBonus: true,
			},
			projected:     100,
			now:           afterCutoff,
			awarded:       10,
			wantCompleted: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := tt.goal
			awarded := accrueGoal(&g, cfg, tt.projected, tt.now)

			if awarded != tt.awarded {
				t.Fatalf("awarded = %d, want %d", awarded, tt.awarded)
			}
			if g.Completed != tt.wantCompleted {
				t.Fatalf("completed = %v, want %v", g.Completed, tt.wantCompleted)
			}
			if awarded == uint64(cfg.FirstCompletedPoints) && awarded > 0 && !g.FirstCompletedBonus {
				t.Fatalf("latch must be set after first completion bonus")
			}
		})
	}
}

func TestAccrueGoal_NoDoubleBonusInOneCall(t *testing.T) {
	cfg := &model.RewardConfig{FirstCompletedPoints: 100, DailyPoints: 10}
	now := time.Date(2024, 5, 10, 13, 0, 0, 0, time.UTC)

	// Первая инвокация после достижения цели: только разовый бонус,
	// хотя все условия ежедневного тоже выполнены.
	g := &model.GoalAccount{TargetFiat: 5000}
	if awarded := accrueGoal(g, cfg, 5000, now); awarded != 100 {
		t.Fatalf("first call awarded = %d, want 100", awarded)
	}
	if g.LastDailyRewardTimestamp != 0 {
		t.Fatalf("daily timestamp must not move on latch call")
	}

	// Вторая инвокация добирает ежедневный бонус.
	if awarded := accrueGoal(g, cfg, 5000, now); awarded != 10 {
		t.Fatalf("second call awarded = %d, want 10", awarded)
	}
	if g.LastDailyRewardTimestamp != now.Unix() {
		t.Fatalf("daily timestamp = %d, want %d", g.LastDailyRewardTimestamp, now.Unix())
	}
}

func TestPastDailyCutoff(t *testing.T) {
	tests := []struct {
		now  time.Time
		want bool
	}{
		{time.Date(2024, 5, 10, 11, 59, 59, 0, time.UTC), false},
		{time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC), true},
		{time.Date(2024, 5, 10, 23, 0, 0, 0, time.UTC), true},
		{time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), false},
		// 14:30 по Москве — 11:30 UTC.
		{time.Date(2024, 5, 10, 14, 30, 0, 0, time.FixedZone("MSK", 3*60*60)), false},
	}

	for _, tt := range tests {
		if got := pastDailyCutoff(tt.now); got != tt.want {
			t.Fatalf("pastDailyCutoff(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

func TestProjectBalance(t *testing.T) {
	tests := []struct {
		name    string
		native  uint64
		price   int64
		want    uint64
		wantErr error
	}{
		{name: "one coin", native: model.Scale, price: 2500, want: 2500},
		{name: "two coins", native: 2 * model.Scale, price: 2500, want: 5000},
		{name: "fraction rounds down", native: model.Scale / 3, price: 300, want: 99},
		{name: "zero balance", native: 0, price: 2500, want: 0},
		{name: "zero price", native: model.Scale, price: 0, wantErr: ErrInvalidPrice},
		{name: "negative price", native: model.Scale, price: -1, wantErr: ErrInvalidPrice},
		{name: "overflow", native: math.MaxUint64, price: math.MaxInt64, wantErr: ErrArithmeticOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := projectBalance(tt.native, tt.price)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("projectBalance error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("projected = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestProjectBalance_WideIntermediate(t *testing.T) {
	// Произведение 2^80 не помещается в 64 бита, а частное помещается.
	got, err := projectBalance(1<<40, 1<<40)
	if err != nil {
		t.Fatalf("projectBalance error: %v", err)
	}
	if want := uint64(1208925819614629); got != want {
		t.Fatalf("projected = %d, want %d", got, want)
	}
}

func TestNormalizePrice(t *testing.T) {
	tests := []struct {
		name    string
		price   int64
		expo    int32
		want    int64
		wantErr error
	}{
		{name: "already cents", price: 2500, expo: -2, want: 2500},
		{name: "typical feed exponent", price: 2_500_000_000, expo: -8, want: 2500},
		{name: "whole dollars", price: 25, expo: 0, want: 2500},
		{name: "positive exponent", price: 3, expo: 1, want: 3000},
		{name: "rounds toward zero", price: 2_512_345_678, expo: -8, want: 2512},
		{name: "zero price", price: 0, expo: -2, wantErr: ErrInvalidPrice},
		{name: "negative price", price: -100, expo: -2, wantErr: ErrInvalidPrice},
		{name: "overflow", price: math.MaxInt64, expo: 2, wantErr: ErrArithmeticOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizePrice(tt.price, tt.expo)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizePrice error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("normalized = %d, want %d", got, tt.want)
			}
		})
	}
}
