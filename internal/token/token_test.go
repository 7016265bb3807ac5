package token_test

import (
	"context"
	"errors"
	"testing"

	fpmath "StableLedger/internal/math"
	"StableLedger/internal/testutil"
	"StableLedger/internal/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	engineAddr = testutil.Addr(0xE)
	alice      = testutil.Addr(1)
	bob        = testutil.Addr(2)
)

func TestPort_TransferFromSpendsAllowance(t *testing.T) {
	ctx := context.Background()
	weth := token.New("WETH", engineAddr)
	require.NoError(t, weth.Credit(alice, fpmath.Units(10)))
	weth.Approve(alice, engineAddr, fpmath.Units(4))

	port := weth.Port(engineAddr)

	ok, err := port.TransferFrom(ctx, alice, engineAddr, fpmath.Units(3))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, fpmath.Units(7).Dec(), weth.BalanceOf(alice).Dec())
	assert.Equal(t, fpmath.Units(3).Dec(), weth.BalanceOf(engineAddr).Dec())
	assert.Equal(t, fpmath.Units(1).Dec(), weth.Allowance(alice, engineAddr).Dec())

	ok, err = port.TransferFrom(ctx, alice, engineAddr, fpmath.Units(2))
	assert.False(t, ok)
	assert.ErrorIs(t, err, token.ErrInsufficientAllowance)
}

func TestPort_TransferInsufficientBalance(t *testing.T) {
	weth := token.New("WETH", engineAddr)
	ok, err := weth.Port(engineAddr).Transfer(context.Background(), bob, fpmath.Units(1))
	assert.False(t, ok)
	assert.ErrorIs(t, err, token.ErrInsufficientBalance)
}

func TestPort_MintOwnerOnly(t *testing.T) {
	ctx := context.Background()
	dsc := token.New("DSC", engineAddr)

	ok, err := dsc.Port(alice).Mint(ctx, alice, fpmath.Units(1))
	assert.False(t, ok)
	assert.ErrorIs(t, err, token.ErrNotOwner)

	ok, err = dsc.Port(engineAddr).Mint(ctx, alice, fpmath.Units(5))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, fpmath.Units(5).Dec(), dsc.TotalSupply().Dec())
}

func TestPort_BurnReducesSupply(t *testing.T) {
	ctx := context.Background()
	dsc := token.New("DSC", engineAddr)
	port := dsc.Port(engineAddr)

	_, err := port.Mint(ctx, engineAddr, fpmath.Units(5))
	require.NoError(t, err)
	require.NoError(t, port.Burn(ctx, fpmath.Units(2)))

	assert.Equal(t, fpmath.Units(3).Dec(), dsc.TotalSupply().Dec())
	assert.Equal(t, fpmath.Units(3).Dec(), dsc.BalanceOf(engineAddr).Dec())
	assert.ErrorIs(t, port.Burn(ctx, fpmath.Units(4)), token.ErrInsufficientBalance)
}

func TestToken_FailNext(t *testing.T) {
	ctx := context.Background()
	dsc := token.New("DSC", engineAddr)
	port := dsc.Port(engineAddr)

	// nil error means the call reports false
	dsc.FailNext(token.OpMint, 1, nil)
	ok, err := port.Mint(ctx, alice, fpmath.Units(1))
	assert.False(t, ok)
	assert.NoError(t, err)

	boom := errors.New("boom")
	dsc.FailNext(token.OpMint, 1, boom)
	_, err = port.Mint(ctx, alice, fpmath.Units(1))
	assert.ErrorIs(t, err, boom)

	// fault is consumed
	ok, err = port.Mint(ctx, alice, fpmath.Units(1))
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, fpmath.Units(1).Dec(), dsc.TotalSupply().Dec())
}
