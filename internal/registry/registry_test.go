package registry_test

import (
	"errors"
	"testing"

	"StableLedger/internal/registry"

	"github.com/ethereum/go-ethereum/common"
)

var (
	weth    = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	wbtc    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	ethFeed = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	btcFeed = common.HexToAddress("0x00000000000000000000000000000000000000f2")
)

func TestNew_MismatchedLengths(t *testing.T) {
	_, err := registry.New([]common.Address{weth, wbtc}, []common.Address{ethFeed})
	if err == nil {
		t.Fatal("expected configuration error")
	}
	if !errorsIs(err, registry.ErrConfiguration) {
		t.Errorf("got %v, want ErrConfiguration", err)
	}
}

func TestNew_Duplicate(t *testing.T) {
	_, err := registry.New([]common.Address{weth, weth}, []common.Address{ethFeed, btcFeed})
	if !errorsIs(err, registry.ErrConfiguration) {
		t.Errorf("got %v, want ErrConfiguration", err)
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r, err := registry.New([]common.Address{weth, wbtc}, []common.Address{ethFeed, btcFeed})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !r.IsSupported(weth) || !r.IsSupported(wbtc) {
		t.Error("registered assets should be supported")
	}
	if r.IsSupported(ethFeed) {
		t.Error("feed address is not an asset")
	}

	feed, err := r.PriceFeedOf(wbtc)
	if err != nil || feed != btcFeed {
		t.Errorf("PriceFeedOf(wbtc) = %s, %v", feed.Hex(), err)
	}

	if _, err := r.PriceFeedOf(ethFeed); !errorsIs(err, registry.ErrUnsupportedAsset) {
		t.Errorf("got %v, want ErrUnsupportedAsset", err)
	}
}

func TestRegistry_InsertionOrder(t *testing.T) {
	r, err := registry.New([]common.Address{wbtc, weth}, []common.Address{btcFeed, ethFeed})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	all := r.AllAssets()
	if len(all) != 2 || all[0] != wbtc || all[1] != weth {
		t.Errorf("unexpected order: %v", all)
	}

	// returned slice is a copy
	all[0] = common.Address{}
	if r.AllAssets()[0] != wbtc {
		t.Error("AllAssets leaked internal slice")
	}
}

func errorsIs(err, target error) bool {
	return errors.Is(err, target)
}
