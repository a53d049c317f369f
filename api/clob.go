package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	ctfExchange        = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskCTFExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
)

// OrderPlacer is the order book side of the CLOB used by the executor.
type OrderPlacer interface {
	GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error)
	PlaceOrder(ctx context.Context, args OrderArgs) (*OrderResponse, error)
}

// ClobClient handles CLOB API interactions for trading
type ClobClient struct {
	baseURL       string
	httpClient    *http.Client
	auth          *Auth
	chainID       int64
	funder        common.Address
	signatureType int // 0=EOA, 1=Magic/Email, 2=Browser proxy
	log           logrus.FieldLogger

	credsMu  sync.Mutex
	apiCreds *APICreds

	negRisk sync.Map // conditionID -> bool
}

// APICreds holds API credentials for CLOB
type APICreds struct {
	APIKey        string `json:"apiKey"`
	APISecret     string `json:"secret"`
	APIPassphrase string `json:"passphrase"`
}

// OrderBook represents the order book for a token
type OrderBook struct {
	Market    string           `json:"market"`
	AssetID   string           `json:"asset_id"`
	Hash      string           `json:"hash"`
	Timestamp string           `json:"timestamp"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
}

// OrderBookLevel represents a single price level
type OrderBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// MarketInfo is the subset of CLOB market metadata the engine needs.
type MarketInfo struct {
	ConditionID      string `json:"condition_id"`
	MinimumOrderSize Numeric `json:"minimum_order_size"`
	MinimumTickSize  Numeric `json:"minimum_tick_size"`
	Active           bool   `json:"active"`
	Closed           bool   `json:"closed"`
	MarketSlug       string `json:"market_slug"`
	NegRisk          bool   `json:"neg_risk"`
}

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill (market order)
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled (limit order)
)

// Side represents buy or sell
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderArgs describes one market order. For BUY, Amount is USDC to spend;
// for SELL, Amount is tokens to sell. Price is the level being hit.
type OrderArgs struct {
	TokenID     string
	ConditionID string
	Side        Side
	Amount      float64
	Price       float64
}

// Order represents a signed order
type Order struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
	SideInt       int    `json:"-"` // Internal use for EIP-712 signing
}

// OrderRequest is the payload for placing an order
type OrderRequest struct {
	Order     Order     `json:"order"`
	Owner     string    `json:"owner"`
	OrderType OrderType `json:"orderType"`
}

// OrderResponse is the response from placing an order
type OrderResponse struct {
	Success     bool     `json:"success"`
	ErrorMsg    string   `json:"errorMsg"`
	OrderID     string   `json:"orderId"`
	OrderHashes []string `json:"orderHashes"`
	Status      string   `json:"status"` // matched, live, delayed, unmatched
}

// NewClobClient creates a new CLOB API client
func NewClobClient(baseURL string, auth *Auth, log logrus.FieldLogger) *ClobClient {
	if baseURL == "" {
		baseURL = "https://clob.polymarket.com"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &ClobClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		auth:       auth,
		chainID:    137, // Polygon mainnet
		funder:     auth.GetAddress(),
		log:        log,
	}
}

// SetFunder sets the funder address for Magic/Email wallets
// The funder is the Polymarket profile address where USDC is held
func (c *ClobClient) SetFunder(funderAddress string) {
	c.funder = common.HexToAddress(funderAddress)
}

// SetSignatureType sets the signature type (0=EOA, 1=Magic/Email, 2=Browser proxy)
func (c *ClobClient) SetSignatureType(sigType int) {
	c.signatureType = sigType
}

// SetTimeout overrides the HTTP timeout.
func (c *ClobClient) SetTimeout(d time.Duration) {
	c.httpClient.Timeout = d
}

// DeriveAPICreds creates API credentials, falling back to deriving the
// existing ones.
func (c *ClobClient) DeriveAPICreds(ctx context.Context) (*APICreds, error) {
	c.credsMu.Lock()
	defer c.credsMu.Unlock()
	return c.deriveLocked(ctx)
}

func (c *ClobClient) deriveLocked(ctx context.Context) (*APICreds, error) {
	creds, err := c.requestCreds(ctx, http.MethodPost, "/auth/api-key")
	if err == nil && creds.APIKey != "" {
		c.apiCreds = creds
		c.log.Infof("[CLOB] Created new API credentials")
		return creds, nil
	}

	c.log.Warnf("[CLOB] Creating creds failed (%v), trying to derive existing", err)
	creds, err = c.requestCreds(ctx, http.MethodGet, "/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("failed to derive API creds: %w", err)
	}
	c.apiCreds = creds
	return creds, nil
}

func (c *ClobClient) credentials(ctx context.Context) (*APICreds, error) {
	c.credsMu.Lock()
	defer c.credsMu.Unlock()
	if c.apiCreds != nil {
		return c.apiCreds, nil
	}
	return c.deriveLocked(ctx)
}

func (c *ClobClient) requestCreds(ctx context.Context, method, path string) (*APICreds, error) {
	headers, err := c.auth.SignRequest()
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s %s failed: %d %s", method, path, resp.StatusCode, string(respBody))
	}

	var creds APICreds
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, fmt.Errorf("failed to decode API creds: %w", err)
	}
	return &creds, nil
}

// GetOrderBook fetches the order book for a token
func (c *ClobClient) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	values := url.Values{}
	values.Set("token_id", tokenID)

	var book OrderBook
	if err := c.getJSON(ctx, "/book?"+values.Encode(), &book); err != nil {
		return nil, fmt.Errorf("get order book: %w", err)
	}
	return &book, nil
}

// GetMarket fetches market information
func (c *ClobClient) GetMarket(ctx context.Context, conditionID string) (*MarketInfo, error) {
	var market MarketInfo
	if err := c.getJSON(ctx, "/markets/"+conditionID, &market); err != nil {
		return nil, fmt.Errorf("get market: %w", err)
	}
	return &market, nil
}

func (c *ClobClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%d %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// isNegRisk looks up and caches whether a market settles through the
// neg-risk exchange. Lookup failures default to the standard exchange.
func (c *ClobClient) isNegRisk(ctx context.Context, conditionID string) bool {
	if conditionID == "" {
		return false
	}
	if v, ok := c.negRisk.Load(conditionID); ok {
		return v.(bool)
	}
	market, err := c.GetMarket(ctx, conditionID)
	if err != nil {
		c.log.Warnf("[CLOB] neg_risk lookup for %s failed: %v", conditionID, err)
		return false
	}
	c.negRisk.Store(conditionID, market.NegRisk)
	return market.NegRisk
}

// PlaceOrder signs and posts a Fill-Or-Kill market order.
func (c *ClobClient) PlaceOrder(ctx context.Context, args OrderArgs) (*OrderResponse, error) {
	order, err := c.CreateOrder(args, c.isNegRisk(ctx, args.ConditionID))
	if err != nil {
		return nil, fmt.Errorf("failed to create signed order: %w", err)
	}
	return c.PostOrder(ctx, order, OrderTypeFOK)
}

// CreateOrder builds and signs an order. Prices snap to the 0.01 tick and
// share sizes round down to 2 decimals; USDC amounts round down to cents.
func (c *ClobClient) CreateOrder(args OrderArgs, negRisk bool) (*Order, error) {
	makerAmount, takerAmount, err := orderAmounts(args)
	if err != nil {
		return nil, err
	}

	order := &Order{
		Salt:          generateSalt(),
		Maker:         c.funder.Hex(),
		Signer:        c.auth.GetAddress().Hex(),
		Taker:         zeroAddress,
		TokenID:       args.TokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          string(args.Side),
		SignatureType: c.signatureType,
	}
	if args.Side == SideSell {
		order.SideInt = 1
	}

	signature, err := c.signOrder(order, negRisk)
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}
	order.Signature = signature
	return order, nil
}

// orderAmounts returns maker and taker amounts in 6-decimal base units.
// BUY gives USDC and takes tokens; SELL is the reverse.
func orderAmounts(args OrderArgs) (maker, taker *big.Int, err error) {
	shares, usdc, err := roundedAmounts(args)
	if err != nil {
		return nil, nil, err
	}

	sharesUnits := shares.Shift(6).BigInt()
	usdcUnits := usdc.Shift(6).BigInt()
	if args.Side == SideBuy {
		return usdcUnits, sharesUnits, nil
	}
	return sharesUnits, usdcUnits, nil
}

// SubmittedAmounts returns the share count and USDC notional an order for
// args is signed with, after tick and lot rounding.
func SubmittedAmounts(args OrderArgs) (shares, usdc float64, err error) {
	s, u, err := roundedAmounts(args)
	if err != nil {
		return 0, 0, err
	}
	return s.InexactFloat64(), u.InexactFloat64(), nil
}

func roundedAmounts(args OrderArgs) (shares, usdc decimal.Decimal, err error) {
	price := decimal.NewFromFloat(args.Price).Round(2)
	if !price.IsPositive() || price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return shares, usdc, fmt.Errorf("price %.4f outside (0, 1)", args.Price)
	}
	amount := decimal.NewFromFloat(args.Amount)
	if !amount.IsPositive() {
		return shares, usdc, fmt.Errorf("amount must be positive, got %.6f", args.Amount)
	}

	switch args.Side {
	case SideBuy:
		shares = amount.Div(price).RoundFloor(2)
	case SideSell:
		shares = amount.RoundFloor(2)
	default:
		return shares, usdc, fmt.Errorf("unknown side %q", args.Side)
	}
	usdc = shares.Mul(price).RoundFloor(2)
	if !shares.IsPositive() || !usdc.IsPositive() {
		return shares, usdc, fmt.Errorf("order rounds to zero (amount %.6f at %s)", args.Amount, price)
	}
	return shares, usdc, nil
}

func (c *ClobClient) signOrder(order *Order, negRisk bool) (string, error) {
	verifyingContract := ctfExchange
	if negRisk {
		verifyingContract = negRiskCTFExchange
	}

	domain := apitypes.TypedDataDomain{
		Name:              "Polymarket CTF Exchange",
		Version:           "1",
		ChainId:           math.NewHexOrDecimal256(c.chainID),
		VerifyingContract: verifyingContract,
	}

	bigString := func(s string) *big.Int {
		v, _ := new(big.Int).SetString(s, 10)
		return v
	}

	message := map[string]interface{}{
		"salt":          big.NewInt(order.Salt),
		"maker":         order.Maker,
		"signer":        order.Signer,
		"taker":         order.Taker,
		"tokenId":       bigString(order.TokenID),
		"makerAmount":   bigString(order.MakerAmount),
		"takerAmount":   bigString(order.TakerAmount),
		"expiration":    bigString(order.Expiration),
		"nonce":         bigString(order.Nonce),
		"feeRateBps":    bigString(order.FeeRateBps),
		"side":          big.NewInt(int64(order.SideInt)),
		"signatureType": big.NewInt(int64(order.SignatureType)),
	}
	if message["tokenId"].(*big.Int) == nil {
		return "", fmt.Errorf("token id %q is not a decimal integer", order.TokenID)
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": []apitypes.Type{
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain:      domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("failed to hash typed data: %w", err)
	}

	signature, err := crypto.Sign(hash, c.auth.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	signature[64] += 27

	return "0x" + hex.EncodeToString(signature), nil
}

// PostOrder submits a signed order. A non-200 response is returned as an
// error carrying the response body so rejection reasons can be classified.
func (c *ClobClient) PostOrder(ctx context.Context, order *Order, orderType OrderType) (*OrderResponse, error) {
	creds, err := c.credentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get API creds: %w", err)
	}

	payload := OrderRequest{
		Order:     *order,
		Owner:     creds.APIKey,
		OrderType: orderType,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/order", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	c.addL2Headers(req, creds, body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	c.log.Debugf("[CLOB] POST /order -> %d %s", resp.StatusCode, string(respBody))

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("post order failed: %d %s", resp.StatusCode, string(respBody))
	}

	var orderResp OrderResponse
	if err := json.Unmarshal(respBody, &orderResp); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}
	return &orderResp, nil
}

// addL2Headers signs timestamp + method + path + body with the API secret.
func (c *ClobClient) addL2Headers(req *http.Request, creds *APICreds, body []byte) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	message := timestamp + req.Method + req.URL.Path + string(body)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("POLY_ADDRESS", c.auth.GetAddress().Hex())
	req.Header.Set("POLY_API_KEY", creds.APIKey)
	req.Header.Set("POLY_PASSPHRASE", creds.APIPassphrase)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_SIGNATURE", hmacSign(message, creds.APISecret))
}

func hmacSign(message string, secret string) string {
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			key = []byte(secret)
		}
	}

	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

func generateSalt() int64 {
	return time.Now().UnixNano() % 1000000000
}

var _ OrderPlacer = (*ClobClient)(nil)
