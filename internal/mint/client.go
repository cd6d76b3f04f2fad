// Package mint предоставляет клиент коллаборатора, выпускающего наградные токены.
package mint

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом минтинга.
// Запросы подписываются ключом деплоймента, а не ключом пользователя.
// Ретраев нет намеренно: минт не идемпотентен, повтор — ответственность
// вызывающего в рамках следующей инвокации.
type Client struct {
	baseURL    string
	httpClient *http.Client
	secretKey  []byte
}

// NewClient создаёт HTTP-клиент минтинга с указанным ключом подписи.
func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		secretKey: []byte(secret),
	}
}

type mintRequest struct {
	Amount      uint64 `json:"amount"`
	Destination string `json:"destination"`
	Signature   string `json:"signature"`
}

// Mint выпускает amount токенов на адрес destination.
func (c *Client) Mint(ctx context.Context, amount uint64, destination string) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("mint client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(mintRequest{
		Amount:      amount,
		Destination: destination,
		Signature:   c.sign(amount, destination),
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/mint", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mint rejected: status %d", resp.StatusCode)
	}

	return nil
}

func (c *Client) sign(amount uint64, destination string) string {
	mac := hmac.New(sha256.New, c.secretKey)
	mac.Write([]byte(destination))
	mac.Write([]byte(":"))
	mac.Write([]byte(strconv.FormatUint(amount, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
