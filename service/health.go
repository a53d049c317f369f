package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/api"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/storage"

	"github.com/sirupsen/logrus"
)

const (
	lowBalanceUSD = 10.0
	probeTimeout  = 5 * time.Second
)

// CheckStatus is the outcome of one health probe.
type CheckStatus string

const (
	CheckOK      CheckStatus = "ok"
	CheckWarning CheckStatus = "warning"
	CheckError   CheckStatus = "error"
	CheckSkipped CheckStatus = "skipped"
)

// CheckResult is one probe's status and detail.
type CheckResult struct {
	Status  CheckStatus `json:"status"`
	Message string      `json:"message"`
	Balance *float64    `json:"balance,omitempty"`
}

// HealthReport is the combined result of every probe.
type HealthReport struct {
	Healthy   bool        `json:"healthy"`
	Database  CheckResult `json:"database"`
	RPC       CheckResult `json:"rpc"`
	Balance   CheckResult `json:"balance"`
	DataAPI   CheckResult `json:"data_api"`
	CheckedAt time.Time   `json:"checked_at"`
}

// ChainProbe answers with the latest block number.
type ChainProbe interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// DataProbe checks that the data API answers.
type DataProbe interface {
	Ping(ctx context.Context) error
}

// HealthChecker probes the ledger, the RPC node, the operator balance and
// the data API. A nil dependency is reported as skipped.
type HealthChecker struct {
	ledger  storage.TradeLedger
	chain   ChainProbe
	balance api.BalanceReader
	data    DataProbe
	wallet  string
	timeout time.Duration
	now     func() time.Time
}

// NewHealthChecker wires the probes. wallet is the operator's proxy wallet.
func NewHealthChecker(ledger storage.TradeLedger, chain ChainProbe, balance api.BalanceReader, data DataProbe, wallet string) *HealthChecker {
	return &HealthChecker{
		ledger:  ledger,
		chain:   chain,
		balance: balance,
		data:    data,
		wallet:  wallet,
		timeout: probeTimeout,
		now:     time.Now,
	}
}

// Check runs every probe. Healthy requires the ledger, the RPC node and the
// data API to answer, and a non-zero balance; a low balance only warns.
func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	report := HealthReport{
		Database:  h.checkDatabase(ctx),
		RPC:       h.checkRPC(ctx),
		Balance:   h.checkBalance(ctx),
		DataAPI:   h.checkDataAPI(ctx),
		CheckedAt: h.now(),
	}
	report.Healthy = report.Database.Status != CheckError &&
		report.RPC.Status != CheckError &&
		report.Balance.Status != CheckError &&
		report.DataAPI.Status != CheckError
	return report
}

func (h *HealthChecker) probeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, h.timeout)
}

func (h *HealthChecker) checkDatabase(ctx context.Context) CheckResult {
	if h.ledger == nil {
		return CheckResult{Status: CheckSkipped, Message: "Not configured"}
	}
	ctx, cancel := h.probeContext(ctx)
	defer cancel()
	if err := h.ledger.Ping(ctx); err != nil {
		return CheckResult{Status: CheckError, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	return CheckResult{Status: CheckOK, Message: "Connected"}
}

func (h *HealthChecker) checkRPC(ctx context.Context) CheckResult {
	if h.chain == nil {
		return CheckResult{Status: CheckSkipped, Message: "Not configured"}
	}
	ctx, cancel := h.probeContext(ctx)
	defer cancel()
	block, err := h.chain.BlockNumber(ctx)
	if err != nil {
		return CheckResult{Status: CheckError, Message: fmt.Sprintf("RPC check failed: %v", err)}
	}
	if block == 0 {
		return CheckResult{Status: CheckError, Message: "RPC returned block 0"}
	}
	return CheckResult{Status: CheckOK, Message: fmt.Sprintf("RPC endpoint responding (block %d)", block)}
}

func (h *HealthChecker) checkBalance(ctx context.Context) CheckResult {
	if h.balance == nil || h.wallet == "" {
		return CheckResult{Status: CheckSkipped, Message: "Not configured"}
	}
	ctx, cancel := h.probeContext(ctx)
	defer cancel()
	balance, err := h.balance.GetUSDCBalance(ctx, h.wallet)
	if err != nil {
		return CheckResult{Status: CheckError, Message: fmt.Sprintf("Balance check failed: %v", err)}
	}
	switch {
	case balance <= 0:
		return CheckResult{Status: CheckError, Message: "Zero balance", Balance: &balance}
	case balance < lowBalanceUSD:
		return CheckResult{Status: CheckWarning, Message: fmt.Sprintf("Low balance: $%.2f", balance), Balance: &balance}
	default:
		return CheckResult{Status: CheckOK, Message: fmt.Sprintf("Balance: $%.2f", balance), Balance: &balance}
	}
}

func (h *HealthChecker) checkDataAPI(ctx context.Context) CheckResult {
	if h.data == nil {
		return CheckResult{Status: CheckSkipped, Message: "Not configured"}
	}
	ctx, cancel := h.probeContext(ctx)
	defer cancel()
	if err := h.data.Ping(ctx); err != nil {
		return CheckResult{Status: CheckError, Message: fmt.Sprintf("API check failed: %v", err)}
	}
	return CheckResult{Status: CheckOK, Message: "API responding"}
}

// LogHealthReport writes the report one probe per line.
func LogHealthReport(log logrus.FieldLogger, r HealthReport) {
	overall := "Healthy"
	if !r.Healthy {
		overall = "Unhealthy"
	}
	log.Infof("[Health] Overall status: %s", overall)
	for _, line := range []struct {
		name string
		res  CheckResult
	}{
		{"Database", r.Database},
		{"RPC", r.RPC},
		{"Balance", r.Balance},
		{"Polymarket API", r.DataAPI},
	} {
		entry := log.WithField("check", line.name)
		msg := fmt.Sprintf("[Health] %s: %s %s", line.name, strings.ToUpper(string(line.res.Status)), line.res.Message)
		switch line.res.Status {
		case CheckError:
			entry.Error(msg)
		case CheckWarning:
			entry.Warn(msg)
		default:
			entry.Info(msg)
		}
	}
}
