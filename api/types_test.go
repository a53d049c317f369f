package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/models"
)

func TestNumericUnmarshal(t *testing.T) {
	tests := []struct {
		input string
		want  float64
	}{
		{`1.5`, 1.5},
		{`"2.25"`, 2.25},
		{`""`, 0},
		{`null`, 0},
		{`0`, 0},
	}
	for _, tt := range tests {
		var n Numeric
		if err := json.Unmarshal([]byte(tt.input), &n); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.input, err)
		}
		if n.Float64() != tt.want {
			t.Errorf("unmarshal %s = %v, want %v", tt.input, n, tt.want)
		}
	}

	var n Numeric
	if err := json.Unmarshal([]byte(`"abc"`), &n); err == nil {
		t.Error("expected error for non-numeric string")
	}
}

func TestActivityDecodeAndConvert(t *testing.T) {
	raw := `{
		"proxyWallet": "0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD",
		"timestamp": 1700000000,
		"conditionId": "0xcond",
		"type": "TRADE",
		"size": "20",
		"usdcSize": 10,
		"transactionHash": "0xtx1",
		"price": "0.5",
		"asset": "123456",
		"side": "buy",
		"outcomeIndex": 1,
		"slug": "will-it-rain"
	}`
	var a Activity
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec, err := a.ToTradeRecord("0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if rec.TraderAddress != "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd" {
		t.Errorf("trader not normalized: %s", rec.TraderAddress)
	}
	if rec.Side != models.SideBuy || rec.Type != models.ActivityTrade {
		t.Errorf("side/type = %s/%s", rec.Side, rec.Type)
	}
	if rec.Size != 20 || rec.UsdcSize != 10 || rec.Price != 0.5 {
		t.Errorf("amounts = %v/%v/%v", rec.Size, rec.UsdcSize, rec.Price)
	}
	if rec.State != models.StatePending || rec.Processed || rec.Attempts != 0 {
		t.Errorf("new record should be pending and untouched: %+v", rec)
	}
}

func TestActivityToTradeRecordRejects(t *testing.T) {
	base := Activity{
		Type: "TRADE", Side: "SELL", Asset: "1", ConditionID: "c",
		TransactionHash: "0xtx", Price: 0.4, Size: 5,
	}

	tests := []struct {
		name   string
		mutate func(*Activity)
	}{
		{"no hash", func(a *Activity) { a.TransactionHash = "" }},
		{"bad side", func(a *Activity) { a.Side = "HOLD" }},
		{"no asset", func(a *Activity) { a.Asset = "" }},
		{"zero price", func(a *Activity) { a.Price = 0 }},
		{"redeem", func(a *Activity) { a.Type = "REDEEM" }},
		{"merge without condition", func(a *Activity) {
			a.Type = "MERGE"
			a.ConditionID = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := base
			tt.mutate(&a)
			if _, err := a.ToTradeRecord("0xabc"); err == nil {
				t.Error("expected rejection")
			}
		})
	}

	merge := base
	merge.Type = "MERGE"
	merge.Side = ""
	merge.Price = 0
	if _, err := merge.ToTradeRecord("0xabc"); err != nil {
		t.Errorf("merge should convert: %v", err)
	}
}

func TestSnapshotsStampsWallet(t *testing.T) {
	now := time.Unix(1700000000, 0)
	snaps := Snapshots("0xWALLET", []Position{
		{Asset: "1", ConditionID: "c", Size: 10, AvgPrice: 0.4, CurrentValue: 5},
		{ProxyWallet: "0xOther", Asset: "2"},
	}, now)

	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots", len(snaps))
	}
	if snaps[0].ProxyWallet != "0xwallet" {
		t.Errorf("wallet = %s, want 0xwallet", snaps[0].ProxyWallet)
	}
	if snaps[1].ProxyWallet != "0xother" {
		t.Errorf("explicit wallet should be kept, got %s", snaps[1].ProxyWallet)
	}
	if snaps[0].Notional() != 4 || !snaps[0].UpdatedAt.Equal(now) {
		t.Errorf("unexpected snapshot %+v", snaps[0])
	}
}
