package api

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Ensure the mocks implement the interfaces the engine consumes
var (
	_ OrderPlacer   = (*MockClobClient)(nil)
	_ DataClient    = (*MockDataClient)(nil)
	_ BalanceReader = (*MockBalanceReader)(nil)
)

// MockOrderResult is one scripted answer to PlaceOrder.
type MockOrderResult struct {
	Response *OrderResponse
	Err      error
}

// MockClobClient is a mock CLOB client for testing
type MockClobClient struct {
	mu sync.Mutex

	// Books are served per token in order; the last book repeats.
	Books map[string][]*OrderBook
	// OrderResults are consumed in order; once exhausted every order fills.
	OrderResults []MockOrderResult
	// OnGetOrderBook runs before each book read, outside the lock.
	OnGetOrderBook func()

	// Call tracking
	Calls           map[string]int
	PlaceOrderCalls []OrderArgs

	// Error injection
	ErrorOnNext map[string]error
}

// NewMockClobClient creates a new mock CLOB client
func NewMockClobClient() *MockClobClient {
	return &MockClobClient{
		Books:       make(map[string][]*OrderBook),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockClobClient) trackCall(name string) error {
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// SetBooks scripts the order books returned for a token.
func (m *MockClobClient) SetBooks(tokenID string, books ...*OrderBook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Books[tokenID] = books
}

func (m *MockClobClient) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	m.mu.Lock()
	hook := m.OnGetOrderBook
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetOrderBook"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	books := m.Books[tokenID]
	if len(books) == 0 {
		return &OrderBook{AssetID: tokenID}, nil
	}
	book := books[0]
	if len(books) > 1 {
		m.Books[tokenID] = books[1:]
	}
	return book, nil
}

func (m *MockClobClient) PlaceOrder(ctx context.Context, args OrderArgs) (*OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.PlaceOrderCalls = append(m.PlaceOrderCalls, args)
	if err := m.trackCall("PlaceOrder"); err != nil {
		return nil, err
	}
	if len(m.OrderResults) == 0 {
		return &OrderResponse{Success: true, Status: "matched"}, nil
	}
	next := m.OrderResults[0]
	m.OrderResults = m.OrderResults[1:]
	return next.Response, next.Err
}

// Orders returns a copy of the orders placed so far.
func (m *MockClobClient) Orders() []OrderArgs {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OrderArgs, len(m.PlaceOrderCalls))
	copy(out, m.PlaceOrderCalls)
	return out
}

// MockDataClient is a mock data API client for testing
type MockDataClient struct {
	mu sync.Mutex

	Activities map[string][]Activity // by lowercased user
	Positions  map[string][]Position // by lowercased user
	// PositionsDelay slows every GetPositions call; the context cuts it short.
	PositionsDelay time.Duration

	Calls       map[string]int
	ErrorOnNext map[string]error
}

// NewMockDataClient creates a new mock data client
func NewMockDataClient() *MockDataClient {
	return &MockDataClient{
		Activities:  make(map[string][]Activity),
		Positions:   make(map[string][]Position),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockDataClient) trackCall(name string) error {
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// SetPositions replaces a wallet's positions.
func (m *MockDataClient) SetPositions(user string, positions ...Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Positions[strings.ToLower(user)] = positions
}

// AddActivity appends feed entries for a wallet.
func (m *MockDataClient) AddActivity(user string, activities ...Activity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(user)
	m.Activities[key] = append(m.Activities[key], activities...)
}

func (m *MockDataClient) GetActivity(ctx context.Context, user string, q ActivityQuery) ([]Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetActivity"); err != nil {
		return nil, err
	}

	var filtered []Activity
	for _, a := range m.Activities[strings.ToLower(user)] {
		if q.Type == "" || typeMatches(q.Type, a.Type) {
			filtered = append(filtered, a)
		}
	}
	if q.Offset >= len(filtered) {
		return nil, nil
	}
	filtered = filtered[q.Offset:]
	if q.Limit > 0 && len(filtered) > q.Limit {
		filtered = filtered[:q.Limit]
	}
	out := make([]Activity, len(filtered))
	copy(out, filtered)
	return out, nil
}

func typeMatches(filter, kind string) bool {
	for _, t := range strings.Split(filter, ",") {
		if strings.EqualFold(strings.TrimSpace(t), kind) {
			return true
		}
	}
	return false
}

func (m *MockDataClient) GetPositions(ctx context.Context, user string) ([]Position, error) {
	m.mu.Lock()
	delay := m.PositionsDelay
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetPositions"); err != nil {
		return nil, err
	}
	positions := m.Positions[strings.ToLower(user)]
	out := make([]Position, len(positions))
	copy(out, positions)
	return out, nil
}

// MockBalanceReader returns a fixed balance.
type MockBalanceReader struct {
	mu      sync.Mutex
	Balance float64
	Err     error
	Calls   int
}

func (m *MockBalanceReader) GetUSDCBalance(ctx context.Context, wallet string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	return m.Balance, m.Err
}
