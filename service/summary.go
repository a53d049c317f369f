package service

import (
	"context"
	"fmt"
	"time"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/api"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/models"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/storage"

	"github.com/sirupsen/logrus"
)

// StartupSummary is logged once before the scheduler starts.
type StartupSummary struct {
	Ledger        []storage.TraderStats `json:"ledger"`
	Operator      *WalletPositions      `json:"operator,omitempty"`
	OperatorError string                `json:"operator_error,omitempty"`
	Traders       []WalletPositions     `json:"traders"`
}

// StartupSummary collects ledger counts, the operator's live positions and
// each trader's stored snapshot. Only a ledger failure is an error; a data
// API failure is recorded on the summary.
func (s *Service) StartupSummary(ctx context.Context, data api.DataClient, wallet string, traders []string) (*StartupSummary, error) {
	stats, err := s.ledger.TradeStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("trade stats: %w", err)
	}
	sum := &StartupSummary{Ledger: stats}

	if data != nil && wallet != "" {
		positions, err := data.GetPositions(ctx, wallet)
		if err != nil {
			sum.OperatorError = err.Error()
		} else {
			sum.Operator = summarizePositions(models.NormalizeAddress(wallet), api.Snapshots(wallet, positions, time.Now()))
		}
	}

	for _, trader := range traders {
		wp, err := s.TraderPositions(ctx, trader)
		if err != nil {
			return nil, err
		}
		sum.Traders = append(sum.Traders, *wp)
	}
	return sum, nil
}

// LogStartupSummary writes the summary in the order an operator reads it.
func LogStartupSummary(log logrus.FieldLogger, sum *StartupSummary) {
	if len(sum.Ledger) == 0 {
		log.Info("[Startup] Ledger is empty")
	}
	for _, st := range sum.Ledger {
		log.WithField("trader", st.Trader).Infof("[Startup] Ledger %s: %d records (%d pending, %d done, %d skipped, %d failed)",
			models.ShortAddress(st.Trader), st.Total, st.Pending, st.Done, st.Skipped, st.Failed)
	}

	switch {
	case sum.OperatorError != "":
		log.Warnf("[Startup] Could not fetch your positions: %s", sum.OperatorError)
	case sum.Operator != nil:
		logWalletPositions(log, "Your positions", sum.Operator)
	}

	for i := range sum.Traders {
		wp := &sum.Traders[i]
		logWalletPositions(log, "Trader "+models.ShortAddress(wp.Wallet), wp)
	}
}

func logWalletPositions(log logrus.FieldLogger, label string, wp *WalletPositions) {
	if len(wp.Positions) == 0 {
		log.Infof("[Startup] %s: no open positions", label)
		return
	}
	log.Infof("[Startup] %s: %d positions, value $%.2f, initial $%.2f, P&L %+.1f%%",
		label, len(wp.Positions), wp.Stats.TotalValue, wp.Stats.InitialValue, wp.Stats.OverallPnl)
	for _, p := range wp.Top {
		title := p.Title
		if title == "" {
			title = models.ShortID(p.Asset)
		}
		log.Infof("[Startup]   %s %s: %.2f @ %.3f -> $%.2f (%+.1f%%)",
			title, p.Outcome, p.Size, p.AvgPrice, p.CurrentValue, p.PercentPnl)
	}
}
