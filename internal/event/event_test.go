package event_test

import (
	"testing"

	"StableLedger/internal/event"
	fpmath "StableLedger/internal/math"
	"StableLedger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventType(t *testing.T) {
	for et := event.EventTypeCollateralDeposited; et <= event.EventTypeLiquidated; et++ {
		assert.Equal(t, et, event.ParseEventType(et.String()))
	}
	assert.Equal(t, event.EventTypeUnknown, event.ParseEventType("TradeFill"))
}

func TestDecode_Liquidated(t *testing.T) {
	in := &event.Liquidated{
		OpID:               "liq-1",
		Liquidator:         testutil.Addr(2),
		User:               testutil.Addr(1),
		Asset:              testutil.Addr(0xE1),
		DebtCovered:        fpmath.Units(5000),
		CollateralSeized:   fpmath.MustFromDecimal("3055555555555555554"),
		Bonus:              fpmath.MustFromDecimal("277777777777777777"),
		HealthFactorBefore: fpmath.MustFromDecimal("900000000000000000"),
		HealthFactorAfter:  fpmath.MustFromDecimal("1250000000000000000"),
	}
	payload, err := event.Encode(in)
	require.NoError(t, err)

	out, err := event.Decode(event.EventTypeLiquidated, payload)
	require.NoError(t, err)
	liq, ok := out.(*event.Liquidated)
	require.True(t, ok)
	assert.Equal(t, in.CollateralSeized.Dec(), liq.CollateralSeized.Dec())
	assert.Equal(t, in.User, liq.Account())
	assert.Equal(t, "liq-1", liq.IdempotencyKey())
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := event.Decode(event.EventTypeUnknown, []byte("{}"))
	assert.Error(t, err)
}
