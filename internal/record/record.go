// Package record реализует бинарное фреймирование хранимых записей.
//
// Каждая запись состоит из фиксированного 8-байтового заголовка (тег
// типа и версии) и бинарной полезной нагрузки. Кодеки работают только
// с полезной нагрузкой: заголовок при мутации записи переносится в
// новый буфер байт-в-байт.
package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pvolkov/momentum-system/internal/model"
)

// HeaderSize — длина заголовка записи в байтах.
const HeaderSize = 8

// Теги типов записей. Последние два байта — версия формата.
var (
	ConfigHeader = [HeaderSize]byte{'M', 'F', 'C', 'O', 'N', 'F', '0', '1'}
	UserHeader   = [HeaderSize]byte{'M', 'F', 'U', 'S', 'E', 'R', '0', '1'}
	GoalHeader   = [HeaderSize]byte{'M', 'F', 'G', 'O', 'A', 'L', '0', '1'}
)

var (
	// ErrShortRecord возвращается, если буфер короче заголовка.
	ErrShortRecord = errors.New("record shorter than header")
	// ErrHeaderMismatch возвращается при несовпадении тега типа записи.
	ErrHeaderMismatch = errors.New("record header mismatch")
	// ErrTrailingBytes возвращается, если после декодирования полезной
	// нагрузки остались непрочитанные байты.
	ErrTrailingBytes = errors.New("trailing bytes after payload")
)

var byteOrder = binary.LittleEndian

// Split отделяет заголовок записи от полезной нагрузки без копирования.
func Split(buf []byte) (header, payload []byte, err error) {
	if len(buf) < HeaderSize {
		return nil, nil, ErrShortRecord
	}
	return buf[:HeaderSize:HeaderSize], buf[HeaderSize:], nil
}

// Frame собирает запись из заголовка и полезной нагрузки. Заголовок не
// интерпретируется и переносится как есть.
func Frame(header, payload []byte) ([]byte, error) {
	if len(header) != HeaderSize {
		return nil, fmt.Errorf("%w: header length %d", ErrShortRecord, len(header))
	}
	out := make([]byte, 0, HeaderSize+len(payload))
	out = append(out, header...)
	return append(out, payload...), nil
}

// Matches проверяет тег типа записи.
func Matches(header []byte, want [HeaderSize]byte) bool {
	return bytes.Equal(header, want[:])
}

// CheckHeader валидирует тег типа и возвращает ErrHeaderMismatch при
// расхождении.
func CheckHeader(header []byte, want [HeaderSize]byte) error {
	if !Matches(header, want) {
		return fmt.Errorf("%w: got %q, want %q", ErrHeaderMismatch, header, want[:])
	}
	return nil
}

// writeString пишет строку с uint16-префиксом длины.
func writeString(w io.Writer, s string) error {
	if len(s) > int(^uint16(0)) {
		return fmt.Errorf("string too long: %d", len(s))
	}
	if err := binary.Write(w, byteOrder, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// readString читает строку с uint16-префиксом длины.
func readString(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, byteOrder, &length); err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeBool(w io.Writer, v bool) error {
	var b uint8
	if v {
		b = 1
	}
	return binary.Write(w, byteOrder, b)
}

func readBool(r io.Reader) (bool, error) {
	var b uint8
	if err := binary.Read(r, byteOrder, &b); err != nil {
		return false, err
	}
	return b != 0, nil
}

func finish(r *bytes.Reader) error {
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d bytes", ErrTrailingBytes, r.Len())
	}
	return nil
}

// EncodeGoal сериализует полезную нагрузку записи цели.
func EncodeGoal(g *model.GoalAccount) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeString(&buf, g.Owner); err != nil {
		return nil, err
	}
	for _, v := range []any{
		g.TotalPoints,
		g.CreationTimestamp,
		g.TargetFiat,
		g.Deadline,
		g.LastDailyRewardTimestamp,
		g.GoalNumber,
	} {
		if err := binary.Write(&buf, byteOrder, v); err != nil {
			return nil, err
		}
	}
	if err := writeBool(&buf, g.Completed); err != nil {
		return nil, err
	}
	if err := writeBool(&buf, g.FirstCompletedBonus); err != nil {
		return nil, err
	}
	if _, err := buf.Write(g.Padding[:]); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeGoal разбирает полезную нагрузку записи цели.
func DecodeGoal(payload []byte) (*model.GoalAccount, error) {
	r := bytes.NewReader(payload)
	g := &model.GoalAccount{}

	var err error
	if g.Owner, err = readString(r); err != nil {
		return nil, fmt.Errorf("decode goal owner: %w", err)
	}
	for _, v := range []any{
		&g.TotalPoints,
		&g.CreationTimestamp,
		&g.TargetFiat,
		&g.Deadline,
		&g.LastDailyRewardTimestamp,
		&g.GoalNumber,
	} {
		if err := binary.Read(r, byteOrder, v); err != nil {
			return nil, fmt.Errorf("decode goal fields: %w", err)
		}
	}
	if g.Completed, err = readBool(r); err != nil {
		return nil, fmt.Errorf("decode goal flags: %w", err)
	}
	if g.FirstCompletedBonus, err = readBool(r); err != nil {
		return nil, fmt.Errorf("decode goal flags: %w", err)
	}
	if _, err := io.ReadFull(r, g.Padding[:]); err != nil {
		return nil, fmt.Errorf("decode goal padding: %w", err)
	}
	if err := finish(r); err != nil {
		return nil, fmt.Errorf("decode goal: %w", err)
	}
	return g, nil
}

// EncodeUser сериализует полезную нагрузку записи аккаунта пользователя.
func EncodeUser(u *model.UserAccount) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeString(&buf, u.Owner); err != nil {
		return nil, err
	}
	for _, v := range []any{
		u.TotalPoints,
		u.ClaimableRewards,
		u.NativeBalance,
		u.ProjectedFiatBalance,
		u.GoalCount,
	} {
		if err := binary.Write(&buf, byteOrder, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeUser разбирает полезную нагрузку записи аккаунта пользователя.
func DecodeUser(payload []byte) (*model.UserAccount, error) {
	r := bytes.NewReader(payload)
	u := &model.UserAccount{}

	var err error
	if u.Owner, err = readString(r); err != nil {
		return nil, fmt.Errorf("decode user owner: %w", err)
	}
	for _, v := range []any{
		&u.TotalPoints,
		&u.ClaimableRewards,
		&u.NativeBalance,
		&u.ProjectedFiatBalance,
		&u.GoalCount,
	} {
		if err := binary.Read(r, byteOrder, v); err != nil {
			return nil, fmt.Errorf("decode user fields: %w", err)
		}
	}
	if err := finish(r); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return u, nil
}

// EncodeConfig сериализует полезную нагрузку записи конфигурации.
// Опциональная привязка authority кодируется тегом-байтом перед значением.
func EncodeConfig(c *model.RewardConfig) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeBool(&buf, c.Authority.Set); err != nil {
		return nil, err
	}
	if c.Authority.Set {
		if err := writeString(&buf, c.Authority.ID); err != nil {
			return nil, err
		}
	}
	for _, v := range []any{
		c.PointsPerGoal,
		c.FirstCompletedPoints,
		c.DailyPoints,
		c.Price,
		c.PriceLastUpdated,
	} {
		if err := binary.Write(&buf, byteOrder, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeConfig разбирает полезную нагрузку записи конфигурации.
func DecodeConfig(payload []byte) (*model.RewardConfig, error) {
	r := bytes.NewReader(payload)
	c := &model.RewardConfig{}

	set, err := readBool(r)
	if err != nil {
		return nil, fmt.Errorf("decode config authority tag: %w", err)
	}
	if set {
		id, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("decode config authority: %w", err)
		}
		c.Authority = model.AuthorityOf(id)
	} else {
		c.Authority = model.NoAuthority()
	}
	for _, v := range []any{
		&c.PointsPerGoal,
		&c.FirstCompletedPoints,
		&c.DailyPoints,
		&c.Price,
		&c.PriceLastUpdated,
	} {
		if err := binary.Read(r, byteOrder, v); err != nil {
			return nil, fmt.Errorf("decode config fields: %w", err)
		}
	}
	if err := finish(r); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}

// FrameGoal кодирует цель и оборачивает её каноническим заголовком.
func FrameGoal(g *model.GoalAccount) ([]byte, error) {
	payload, err := EncodeGoal(g)
	if err != nil {
		return nil, err
	}
	return Frame(GoalHeader[:], payload)
}

// FrameUser кодирует аккаунт пользователя с каноническим заголовком.
func FrameUser(u *model.UserAccount) ([]byte, error) {
	payload, err := EncodeUser(u)
	if err != nil {
		return nil, err
	}
	return Frame(UserHeader[:], payload)
}

// FrameConfig кодирует конфигурацию с каноническим заголовком.
func FrameConfig(c *model.RewardConfig) ([]byte, error) {
	payload, err := EncodeConfig(c)
	if err != nil {
		return nil, err
	}
	return Frame(ConfigHeader[:], payload)
}
