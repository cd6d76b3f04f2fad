// Package model содержит доменные сущности сервиса momentum.
package model

import "time"

// Scale — число минимальных единиц в одной нативной монете.
// Проекция фиатного баланса: projected = native * price / Scale.
const Scale = 1_000_000_000

// Authority описывает опциональную привязку конфигурации к адресу-владельцу.
// Если привязка не установлена, административные операции доступны любому
// аутентифицированному вызывающему.
type Authority struct {
	ID  string
	Set bool
}

// AuthorityOf возвращает привязку к указанному адресу.
func AuthorityOf(id string) Authority {
	return Authority{ID: id, Set: true}
}

// NoAuthority возвращает отсутствующую привязку.
func NoAuthority() Authority {
	return Authority{}
}

// Allows сообщает, разрешён ли административный доступ для адреса.
func (a Authority) Allows(addr string) bool {
	return !a.Set || a.ID == addr
}

// RewardConfig — конфигурация начислений деплоймента. Хранится в единственной
// записи, создаётся один раз при инициализации; цена и её таймстемп
// обновляются при каждом обращении к оракулу.
type RewardConfig struct {
	Authority            Authority
	PointsPerGoal        uint16
	FirstCompletedPoints uint16
	DailyPoints          uint16
	Price                int64 // центы USD за одну нативную монету
	PriceLastUpdated     int64 // unix-секунды
}

// UserAccount — аккаунт пользователя в системе наград.
type UserAccount struct {
	Owner                string
	TotalPoints          uint64
	ClaimableRewards     uint64
	NativeBalance        uint64
	ProjectedFiatBalance uint64 // центы USD
	GoalCount            uint64
}

// GoalAccount — финансовая цель пользователя.
// Completed и FirstCompletedBonus — однонаправленные защёлки: выставленный
// флаг при нормальной работе не сбрасывается.
type GoalAccount struct {
	Owner                    string
	TotalPoints              uint64
	CreationTimestamp        int64
	TargetFiat               uint64 // центы USD
	Deadline                 int64  // unix-секунды, 0 — не задан
	LastDailyRewardTimestamp int64  // unix-секунды, 0 — ежедневный бонус ещё не выплачивался
	GoalNumber               uint64
	Completed                bool
	FirstCompletedBonus      bool
	Padding                  [6]byte
}

// User — учётная запись для аутентификации.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Address      string
	CreatedAt    time.Time
}

// OracleReading — чтение прайс-фида: цена с доверительным интервалом
// и десятичной экспонентой.
type OracleReading struct {
	Price       int64  `json:"price"`
	Confidence  uint64 `json:"conf"`
	Exponent    int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}
