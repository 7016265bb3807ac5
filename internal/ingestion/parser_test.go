package ingestion_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"StableLedger/internal/engine"
	"StableLedger/internal/ingestion"
)

const (
	userHex       = "0x0000000000000000000000000000000000000001"
	liquidatorHex = "0x0000000000000000000000000000000000000002"
	wethHex       = "0x00000000000000000000000000000000000000e1"
)

func rawFromJSON(t *testing.T, op string, v interface{}) ingestion.RawCommand {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawCommand{
		Op:        op,
		Subject:   ingestion.CommandSubject + "." + op + ".test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseDeposit(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":  "dep-1",
		"user":   userHex,
		"asset":  wethHex,
		"amount": "10000000000000000000",
	}

	cmd, err := ingestion.ParseRawCommand(rawFromJSON(t, engine.OpDeposit, payload), engine.OpDeposit)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if cmd.OpID != "dep-1" {
		t.Errorf("op_id: got %s, want dep-1", cmd.OpID)
	}
	if cmd.User.Hex() != userHex {
		t.Errorf("user: got %s, want %s", cmd.User.Hex(), userHex)
	}
	if cmd.CollateralAmount.Dec() != "10000000000000000000" {
		t.Errorf("amount: got %s", cmd.CollateralAmount.Dec())
	}
	if cmd.DebtAmount != nil {
		t.Errorf("debt amount should be unset, got %s", cmd.DebtAmount.Dec())
	}
}

func TestParseMint(t *testing.T) {
	payload := map[string]interface{}{
		"user":   userHex,
		"amount": "5000000000000000000000",
	}

	cmd, err := ingestion.ParseCommand(rawFromJSON(t, engine.OpMint, payload).Data, engine.OpMint)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.OpID != "" {
		t.Errorf("op_id: got %q, want empty", cmd.OpID)
	}
	if cmd.DebtAmount.Dec() != "5000000000000000000000" {
		t.Errorf("amount: got %s", cmd.DebtAmount.Dec())
	}
}

func TestParseDepositAndMint(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":             "dam-1",
		"user":              userHex,
		"asset":             wethHex,
		"collateral_amount": "10000000000000000000",
		"debt_amount":       "10000000000000000000000",
	}

	cmd, err := ingestion.ParseCommand(rawFromJSON(t, engine.OpDepositAndMint, payload).Data, engine.OpDepositAndMint)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.CollateralAmount.Dec() != "10000000000000000000" {
		t.Errorf("collateral_amount: got %s", cmd.CollateralAmount.Dec())
	}
	if cmd.DebtAmount.Dec() != "10000000000000000000000" {
		t.Errorf("debt_amount: got %s", cmd.DebtAmount.Dec())
	}
}

func TestParseLiquidate(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":         "liq-1",
		"liquidator":    liquidatorHex,
		"user":          userHex,
		"asset":         wethHex,
		"debt_to_cover": "5000000000000000000000",
	}

	cmd, err := ingestion.ParseCommand(rawFromJSON(t, engine.OpLiquidate, payload).Data, engine.OpLiquidate)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.Liquidator.Hex() != liquidatorHex {
		t.Errorf("liquidator: got %s", cmd.Liquidator.Hex())
	}
	if cmd.DebtAmount.Dec() != "5000000000000000000000" {
		t.Errorf("debt_to_cover: got %s", cmd.DebtAmount.Dec())
	}
}

func TestParseZeroAmountPasses(t *testing.T) {
	payload := map[string]interface{}{"user": userHex, "amount": "0"}
	cmd, err := ingestion.ParseCommand(rawFromJSON(t, engine.OpBurn, payload).Data, engine.OpBurn)
	if err != nil {
		t.Fatalf("zero amounts are rejected by the engine, not the parser: %v", err)
	}
	if !cmd.DebtAmount.IsZero() {
		t.Errorf("amount: got %s, want 0", cmd.DebtAmount.Dec())
	}
}

func TestParseInvalidCommands(t *testing.T) {
	tests := []struct {
		name    string
		op      string
		payload string
	}{
		{"malformed json", engine.OpDeposit, `{"user":`},
		{"unknown op", "swap", `{"user":"` + userHex + `"}`},
		{"missing user", engine.OpMint, `{"amount":"1"}`},
		{"bad user", engine.OpMint, `{"user":"alice","amount":"1"}`},
		{"missing asset", engine.OpRedeem, `{"user":"` + userHex + `","amount":"1"}`},
		{"negative amount", engine.OpBurn, `{"user":"` + userHex + `","amount":"-1"}`},
		{"hex amount", engine.OpBurn, `{"user":"` + userHex + `","amount":"0x10"}`},
		{"overflow", engine.OpMint, `{"user":"` + userHex + `","amount":"115792089237316195423570985008687907853269984665640564039457584007913129639936"}`},
		{"missing debt amount", engine.OpRedeemAndBurn, `{"user":"` + userHex + `","asset":"` + wethHex + `","collateral_amount":"1"}`},
		{"missing liquidator", engine.OpLiquidate, `{"user":"` + userHex + `","asset":"` + wethHex + `","debt_to_cover":"1"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseCommand([]byte(tc.payload), tc.op)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ingestion.ErrInvalidCommand) {
				t.Errorf("error %v does not wrap ErrInvalidCommand", err)
			}
		})
	}
}

func TestDefaultSubjectsCoverEveryOperation(t *testing.T) {
	subjects := ingestion.DefaultSubjects()
	if len(subjects) != 7 {
		t.Fatalf("subjects: got %d, want 7", len(subjects))
	}
	for _, s := range subjects {
		if _, ok := engine.EventTypeOf(s.Op); !ok {
			t.Errorf("subject %s maps to unknown op %s", s.Subject, s.Op)
		}
		if s.Subject != ingestion.CommandSubjectFor(s.Op) {
			t.Errorf("subject: got %s, want %s", s.Subject, ingestion.CommandSubjectFor(s.Op))
		}
		if s.StreamName != ingestion.CommandStream {
			t.Errorf("stream: got %s", s.StreamName)
		}
	}
}
