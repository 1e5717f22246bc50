package exchange

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"trading_gate/config"
	"trading_gate/logs"

	"github.com/golang-jwt/jwt/v5"
)

// Ensure CoinbaseClient implements Adapter
var _ Adapter = (*CoinbaseClient)(nil)

const (
	ordersPath       = "/api/v3/brokerage/orders"
	batchCancelPath  = "/api/v3/brokerage/orders/batch_cancel"
	fillsPath        = "/api/v3/brokerage/orders/historical/fills"
	accountsPath     = "/api/v3/brokerage/accounts"
	tickerPathFormat = "/api/v3/brokerage/products/%s/ticker"
)

type authMode int

const (
	authAdvanced authMode = iota
	authLegacy
)

// CoinbaseClient talks to the Coinbase Advanced Trade REST API. Advanced
// keys sign every request with a short-lived ES256 JWT; legacy keys use
// the CB-ACCESS HMAC headers.
type CoinbaseClient struct {
	ApiKey        string
	ApiSecret     string
	ApiPassphrase string
	BaseURL       string
	Http          *http.Client

	mode    authMode
	keyOnce sync.Once
	key     *ecdsa.PrivateKey
	keyErr  error
	now     func() time.Time
}

// coinbaseError is the error body shape of the brokerage endpoints.
type coinbaseError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewCoinbaseClient creates a live client from config and credentials.
func NewCoinbaseClient(cfg config.ExchangeConfig, env *config.EnvConfig) (*CoinbaseClient, error) {
	if env == nil || !env.HasCredentials(cfg.Name) {
		return nil, fmt.Errorf("exchange credentials are required for live mode (%s)", cfg.Name)
	}
	mode := authAdvanced
	if !strings.Contains(cfg.Name, "advanced") && !strings.Contains(cfg.Name, "brokerage") {
		mode = authLegacy
	}
	return &CoinbaseClient{
		ApiKey:        env.ApiKey,
		ApiSecret:     env.ApiSecret,
		ApiPassphrase: env.ApiPassphrase,
		BaseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		Http:          &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		mode:          mode,
		now:           time.Now,
	}, nil
}

func (c *CoinbaseClient) Name() string {
	if c.mode == authLegacy {
		return "coinbase_legacy"
	}
	return "coinbase_advanced"
}

// signingKey parses the EC private key once. Keys pasted from the Coinbase
// console often carry literal "\n" sequences instead of newlines.
func (c *CoinbaseClient) signingKey() (*ecdsa.PrivateKey, error) {
	c.keyOnce.Do(func() {
		pemText := strings.ReplaceAll(strings.TrimSpace(c.ApiSecret), `\n`, "\n")
		c.key, c.keyErr = jwt.ParseECPrivateKeyFromPEM([]byte(pemText))
		if c.keyErr != nil {
			c.keyErr = fmt.Errorf("decode API secret as EC private key PEM: %w", c.keyErr)
		}
	})
	return c.key, c.keyErr
}

// buildJWT signs the per-request token. uri is "METHOD host/path".
func (c *CoinbaseClient) buildJWT(method, path string) (string, error) {
	key, err := c.signingKey()
	if err != nil {
		return "", err
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	now := c.now().Unix()
	claims := jwt.MapClaims{
		"iss": "coinbase-cloud",
		"sub": c.ApiKey,
		"aud": []string{"retail_rest_api"},
		"uri": fmt.Sprintf("%s %s%s", method, u.Host, path),
		"nbf": now - 5,
		"exp": now + 60,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = c.ApiKey
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	token.Header["nonce"] = hex.EncodeToString(nonce)
	return token.SignedString(key)
}

// signHMAC produces the legacy CB-ACCESS-SIGN value.
func signHMAC(secret, timestamp, method, path, body string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(secret))
	if err != nil {
		return "", fmt.Errorf("decode API secret (base64): %w", err)
	}
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// sendRequest signs and sends one request and decodes the JSON answer.
func (c *CoinbaseClient) sendRequest(ctx context.Context, method, path string, query url.Values, payload, target interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	fullURL := c.BaseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	switch c.mode {
	case authAdvanced:
		token, err := c.buildJWT(method, path)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case authLegacy:
		ts := strconv.FormatInt(c.now().Unix(), 10)
		sig, err := signHMAC(c.ApiSecret, ts, method, path, string(body))
		if err != nil {
			return err
		}
		req.Header.Set("CB-ACCESS-KEY", c.ApiKey)
		req.Header.Set("CB-ACCESS-SIGN", sig)
		req.Header.Set("CB-ACCESS-TIMESTAMP", ts)
		req.Header.Set("CB-ACCESS-PASSPHRASE", c.ApiPassphrase)
	}

	resp, err := c.Http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		var e coinbaseError
		if json.Unmarshal(raw, &e) == nil && (e.Error != "" || e.Message != "") {
			return fmt.Errorf("API error: HTTP %d %s: %s", resp.StatusCode, e.Error, e.Message)
		}
		return fmt.Errorf("API error: HTTP %d, body: %s", resp.StatusCode, string(raw))
	}
	if target != nil {
		if err := json.Unmarshal(raw, target); err != nil {
			return fmt.Errorf("failed to decode JSON: %w, body: %s", err, string(raw))
		}
	}
	return nil
}

type createOrderResponse struct {
	Success         bool `json:"success"`
	SuccessResponse struct {
		OrderID       string `json:"order_id"`
		ClientOrderID string `json:"client_order_id"`
	} `json:"success_response"`
	ErrorResponse struct {
		Error        string `json:"error"`
		Message      string `json:"message"`
		ErrorDetails string `json:"error_details"`
	} `json:"error_response"`
	FailureReason string `json:"failure_reason"`
}

// Place submits a market IOC or limit GTC order. Executions arrive later
// through FillsSince.
func (c *CoinbaseClient) Place(ctx context.Context, order Order) (Execution, error) {
	size := strconv.FormatFloat(order.Size, 'f', 8, 64)
	var configuration map[string]interface{}
	switch order.OrderType {
	case Market:
		configuration = map[string]interface{}{
			"market_market_ioc": map[string]string{"base_size": size},
		}
	case Limit:
		configuration = map[string]interface{}{
			"limit_limit_gtc": map[string]interface{}{
				"base_size":   size,
				"limit_price": strconv.FormatFloat(order.RequestedPrice, 'f', 8, 64),
				"post_only":   false,
			},
		}
	default:
		return Execution{}, fmt.Errorf("unsupported order type %q", order.OrderType)
	}

	payload := map[string]interface{}{
		"client_order_id":     order.ID,
		"product_id":          order.Symbol,
		"side":                order.Side.Upper(),
		"order_configuration": configuration,
	}
	var resp createOrderResponse
	if err := c.sendRequest(ctx, http.MethodPost, ordersPath, nil, payload, &resp); err != nil {
		return Execution{}, err
	}
	if !resp.Success {
		reason := resp.ErrorResponse.Message
		if reason == "" {
			reason = resp.FailureReason
		}
		return Execution{}, fmt.Errorf("order %s rejected by venue: %s %s", order.ID, resp.ErrorResponse.Error, reason)
	}
	logs.Infof("[Coinbase] Order accepted: client=%s exchange=%s %s %s %s", order.ID, resp.SuccessResponse.OrderID, order.Side, size, order.Symbol)
	return Execution{
		ClientOrderID:   order.ID,
		ExchangeOrderID: resp.SuccessResponse.OrderID,
		Time:            c.now().UTC(),
	}, nil
}

type batchCancelResponse struct {
	Results []struct {
		Success       bool   `json:"success"`
		FailureReason string `json:"failure_reason"`
		OrderID       string `json:"order_id"`
	} `json:"results"`
}

// Cancel cancels a resting order by its venue id.
func (c *CoinbaseClient) Cancel(ctx context.Context, order Order) error {
	if order.ExchangeOrderID == "" {
		return fmt.Errorf("%w: order %s has no exchange id", ErrOrderNotFound, order.ID)
	}
	var resp batchCancelResponse
	payload := map[string][]string{"order_ids": {order.ExchangeOrderID}}
	if err := c.sendRequest(ctx, http.MethodPost, batchCancelPath, nil, payload, &resp); err != nil {
		return err
	}
	if len(resp.Results) == 0 {
		return errors.New("empty cancel response")
	}
	r := resp.Results[0]
	if r.Success {
		return nil
	}
	if r.FailureReason == "UNKNOWN_CANCEL_ORDER" {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, order.ExchangeOrderID)
	}
	return fmt.Errorf("cancel %s failed: %s", order.ExchangeOrderID, r.FailureReason)
}

type fillsResponse struct {
	Fills []struct {
		OrderID    string `json:"order_id"`
		TradeTime  string `json:"trade_time"`
		Price      string `json:"price"`
		Size       string `json:"size"`
		Commission string `json:"commission"`
		ProductID  string `json:"product_id"`
		Side       string `json:"side"`
	} `json:"fills"`
	Cursor string `json:"cursor"`
}

// FillsSince pages through historical fills from since.
func (c *CoinbaseClient) FillsSince(ctx context.Context, since time.Time) ([]Execution, error) {
	var out []Execution
	cursor := ""
	for {
		q := url.Values{}
		q.Set("start_sequence_timestamp", since.UTC().Format(time.RFC3339))
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var resp fillsResponse
		if err := c.sendRequest(ctx, http.MethodGet, fillsPath, q, nil, &resp); err != nil {
			return nil, err
		}
		for _, f := range resp.Fills {
			ts, err := time.Parse(time.RFC3339Nano, f.TradeTime)
			if err != nil {
				logs.Warnf("[Coinbase] Skipping fill for %s with unparseable time %q", f.OrderID, f.TradeTime)
				continue
			}
			out = append(out, Execution{
				ExchangeOrderID: f.OrderID,
				Filled:          true,
				Price:           parseMoney(f.Price),
				Size:            parseMoney(f.Size),
				Fee:             parseMoney(f.Commission),
				Time:            ts.UTC(),
			})
		}
		if resp.Cursor == "" || len(resp.Fills) == 0 {
			return out, nil
		}
		cursor = resp.Cursor
	}
}

type money struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type accountsResponse struct {
	Accounts []struct {
		Currency         string `json:"currency"`
		AvailableBalance money  `json:"available_balance"`
		Hold             money  `json:"hold"`
	} `json:"accounts"`
}

// AccountState sums the USD-like balances.
func (c *CoinbaseClient) AccountState(ctx context.Context) (AccountSnapshot, error) {
	var resp accountsResponse
	if err := c.sendRequest(ctx, http.MethodGet, accountsPath, nil, nil, &resp); err != nil {
		return AccountSnapshot{}, err
	}
	var snap AccountSnapshot
	for _, a := range resp.Accounts {
		cur := strings.ToUpper(a.Currency)
		if cur != "USD" && cur != "USDC" && cur != "USDT" {
			continue
		}
		if snap.Currency == "" {
			snap.Currency = cur
		}
		avail := parseMoney(a.AvailableBalance.Value)
		snap.AvailableCash += avail
		snap.AccountValue += avail + parseMoney(a.Hold.Value)
	}
	if snap.Currency == "" {
		return AccountSnapshot{}, errors.New("no balances returned in accounts response")
	}
	return snap, nil
}

type tickerResponse struct {
	Trades []struct {
		Price string `json:"price"`
		Time  string `json:"time"`
	} `json:"trades"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// Ticker returns the best bid/ask and last trade.
func (c *CoinbaseClient) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	q := url.Values{}
	q.Set("limit", "1")
	var resp tickerResponse
	if err := c.sendRequest(ctx, http.MethodGet, fmt.Sprintf(tickerPathFormat, symbol), q, nil, &resp); err != nil {
		return Ticker{}, err
	}
	t := Ticker{Symbol: symbol, Bid: parseMoney(resp.BestBid), Ask: parseMoney(resp.BestAsk), Time: c.now().UTC()}
	if len(resp.Trades) > 0 {
		t.Price = parseMoney(resp.Trades[0].Price)
	}
	if t.Price <= 0 && t.Bid > 0 && t.Ask > 0 {
		t.Price = (t.Bid + t.Ask) / 2
	}
	if t.Price <= 0 {
		return Ticker{}, fmt.Errorf("%w: empty ticker for %s", ErrNoPrice, symbol)
	}
	return t, nil
}

func parseMoney(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
