// Package address реализует детерминированную деривацию адресов записей.
//
// Адрес записи — hex от sha256 над тегом типа, адресом владельца и
// порядковым номером, поэтому расположение любой записи вычислимо без
// обращения к хранилищу.
package address

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Теги типов записей, участвующие в деривации.
const (
	TagConfig = "config"
	TagUser   = "user_account"
	TagGoal   = "goal_account"
)

// Len — длина адреса в hex-символах.
const Len = sha256.Size * 2

func derive(tag, owner string, seq uint64) string {
	h := sha256.New()
	h.Write([]byte(tag))
	h.Write([]byte{0})
	h.Write([]byte(owner))
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], seq)
	h.Write(b[:])
	return hex.EncodeToString(h.Sum(nil))
}

// ForConfig возвращает адрес singleton-записи конфигурации.
func ForConfig() string {
	return derive(TagConfig, "", 0)
}

// ForUser возвращает адрес записи аккаунта пользователя.
func ForUser(owner string) string {
	return derive(TagUser, owner, 0)
}

// ForGoal возвращает адрес записи цели с указанным номером.
func ForGoal(owner string, number uint64) string {
	return derive(TagGoal, owner, number)
}

// FromLogin производит адрес-кошелёк пользователя из логина.
func FromLogin(login string) string {
	sum := sha256.Sum256([]byte("wallet:" + login))
	return hex.EncodeToString(sum[:])
}

// IsValid проверяет, что строка выглядит как адрес.
func IsValid(addr string) bool {
	if len(addr) != Len {
		return false
	}
	_, err := hex.DecodeString(addr)
	return err == nil
}
