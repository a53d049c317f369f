package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ActivityHandler is called with the tracked trader's address whenever the
// live feed reports a trade by them.
type ActivityHandler func(trader string)

// ActivityStream subscribes to the real-time data socket and reports trades
// from followed wallets. It only signals; the poller remains the source of
// truth for trade content.
type ActivityStream struct {
	url     string
	onTrade ActivityHandler
	log     logrus.FieldLogger

	conn   *websocket.Conn
	connMu sync.Mutex

	followed map[string]bool

	reconnectDelay time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type rtdsMessage struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type rtdsTrade struct {
	ProxyWallet     string `json:"proxyWallet"`
	TransactionHash string `json:"transactionHash"`
}

// NewActivityStream builds a stream for the given wallets.
func NewActivityStream(url string, traders []string, onTrade ActivityHandler, log logrus.FieldLogger) *ActivityStream {
	if log == nil {
		log = logrus.StandardLogger()
	}
	followed := make(map[string]bool, len(traders))
	for _, t := range traders {
		followed[strings.ToLower(t)] = true
	}
	return &ActivityStream{
		url:            url,
		onTrade:        onTrade,
		log:            log,
		followed:       followed,
		reconnectDelay: 2 * time.Second,
	}
}

// Start connects, subscribes and begins reading in the background.
func (s *ActivityStream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("activity stream already running")
	}

	if err := s.connect(); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true
	go s.readLoop(ctx)

	s.log.Infof("[ActivityWS] Started - watching %d traders", len(s.followed))
	return nil
}

// Stop closes the socket and waits for the reader to exit.
func (s *ActivityStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	s.connMu.Unlock()

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		s.log.Warnf("[ActivityWS] Shutdown timeout")
	}
	s.log.Infof("[ActivityWS] Stopped")
}

func (s *ActivityStream) connect() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		return err
	}

	sub := map[string]interface{}{
		"action": "subscribe",
		"subscriptions": []map[string]string{
			{"topic": "activity", "type": "trades"},
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe write failed: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	return nil
}

func (s *ActivityStream) readLoop(ctx context.Context) {
	defer close(s.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			s.reconnect(ctx)
			continue
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.log.Warnf("[ActivityWS] Read error: %v, reconnecting...", err)
			s.connMu.Lock()
			s.conn = nil
			s.connMu.Unlock()
			conn.Close()
			s.reconnect(ctx)
			continue
		}

		s.handleMessage(msg)
	}
}

func (s *ActivityStream) reconnect(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-s.stopCh:
		return
	case <-time.After(s.reconnectDelay):
	}

	if err := s.connect(); err != nil {
		s.log.Warnf("[ActivityWS] Reconnection failed: %v", err)
	}
}

func (s *ActivityStream) handleMessage(data []byte) {
	var msg rtdsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Topic != "activity" || len(msg.Payload) == 0 {
		return
	}

	var trade rtdsTrade
	if err := json.Unmarshal(msg.Payload, &trade); err != nil {
		return
	}
	trader := strings.ToLower(trade.ProxyWallet)
	if !s.followed[trader] {
		return
	}

	s.log.WithField("trader", trader).Debugf("[ActivityWS] Live trade %s", trade.TransactionHash)
	if s.onTrade != nil {
		s.onTrade(trader)
	}
}
