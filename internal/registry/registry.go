package registry

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrConfiguration is returned when the registry cannot be built from its inputs.
	ErrConfiguration = errors.New("registry configuration error")
	// ErrUnsupportedAsset is returned for assets that were not registered.
	ErrUnsupportedAsset = errors.New("unsupported collateral asset")
)

// Asset is a supported collateral token and the price feed that values it.
type Asset struct {
	Address   common.Address
	PriceFeed common.Address
}

// Registry is the immutable set of supported collateral assets.
// Insertion order is preserved so collateral valuation iterates deterministically.
type Registry struct {
	feeds  map[common.Address]common.Address
	assets []common.Address
}

// New builds a registry from parallel lists of asset and price feed addresses.
func New(assets, priceFeeds []common.Address) (*Registry, error) {
	if len(assets) != len(priceFeeds) {
		return nil, fmt.Errorf("%w: %d assets but %d price feeds", ErrConfiguration, len(assets), len(priceFeeds))
	}

	r := &Registry{
		feeds:  make(map[common.Address]common.Address, len(assets)),
		assets: make([]common.Address, 0, len(assets)),
	}
	for i, asset := range assets {
		if asset == (common.Address{}) || priceFeeds[i] == (common.Address{}) {
			return nil, fmt.Errorf("%w: zero address at index %d", ErrConfiguration, i)
		}
		if _, dup := r.feeds[asset]; dup {
			return nil, fmt.Errorf("%w: duplicate asset %s", ErrConfiguration, asset.Hex())
		}
		r.feeds[asset] = priceFeeds[i]
		r.assets = append(r.assets, asset)
	}
	return r, nil
}

// IsSupported reports whether asset was registered.
func (r *Registry) IsSupported(asset common.Address) bool {
	_, ok := r.feeds[asset]
	return ok
}

// PriceFeedOf returns the feed address for asset.
func (r *Registry) PriceFeedOf(asset common.Address) (common.Address, error) {
	feed, ok := r.feeds[asset]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, asset.Hex())
	}
	return feed, nil
}

// AllAssets returns the registered assets in insertion order.
func (r *Registry) AllAssets() []common.Address {
	out := make([]common.Address, len(r.assets))
	copy(out, r.assets)
	return out
}

// Assets returns the registered assets paired with their feeds, in insertion order.
func (r *Registry) Assets() []Asset {
	out := make([]Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, Asset{Address: a, PriceFeed: r.feeds[a]})
	}
	return out
}

// Len returns the number of supported assets.
func (r *Registry) Len() int {
	return len(r.assets)
}
