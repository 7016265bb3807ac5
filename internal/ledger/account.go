package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota
	SubTypeDebt

	// System sub-types
	SubTypeSystemCustody
	SubTypeSystemDebtSupply

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalIssuance
	SubTypeExternalRepayments
)

// AccountKey is the in-memory key for balance tracking.
// Owner is the user for user accounts and the counterparty wallet for external ones.
type AccountKey struct {
	Scope   AccountScope
	Owner   common.Address
	SubType AccountSubType
	Asset   common.Address
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(user common.Address, subType AccountSubType, asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeUser,
		Owner:   user,
		SubType: subType,
		Asset:   asset,
	}
}

// NewSystemAccountKey creates a key for the protocol aggregate accounts
func NewSystemAccountKey(subType AccountSubType, asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		Asset:   asset,
	}
}

// NewExternalAccountKey creates a key for an external boundary account.
// counterparty is the wallet on the other side of the movement.
func NewExternalAccountKey(subType AccountSubType, counterparty, asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		Owner:   counterparty,
		SubType: subType,
		Asset:   asset,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.Owner.Hex(), k.subTypeName(), k.Asset.Hex())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Asset.Hex())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s:%s", k.subTypeName(), k.Owner.Hex(), k.Asset.Hex())
	}
	return "unknown"
}

// aggregate returns the system account that mirrors a user account's total.
func (k AccountKey) aggregate() (AccountKey, bool) {
	if k.Scope != AccountScopeUser {
		return AccountKey{}, false
	}
	switch k.SubType {
	case SubTypeCollateral:
		return NewSystemAccountKey(SubTypeSystemCustody, k.Asset), true
	case SubTypeDebt:
		return NewSystemAccountKey(SubTypeSystemDebtSupply, k.Asset), true
	}
	return AccountKey{}, false
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeDebt:
		return "debt"
	case SubTypeSystemCustody:
		return "custody"
	case SubTypeSystemDebtSupply:
		return "debt_supply"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	case SubTypeExternalIssuance:
		return "issuance"
	case SubTypeExternalRepayments:
		return "repayments"
	default:
		return "unknown"
	}
}

var subTypesByName = map[string]AccountSubType{
	"collateral":  SubTypeCollateral,
	"debt":        SubTypeDebt,
	"custody":     SubTypeSystemCustody,
	"debt_supply": SubTypeSystemDebtSupply,
	"deposits":    SubTypeExternalDeposits,
	"withdrawals": SubTypeExternalWithdrawals,
	"issuance":    SubTypeExternalIssuance,
	"repayments":  SubTypeExternalRepayments,
}

// ParseAccountPath is the inverse of AccountKey.AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	hexAddr := func(s string) (common.Address, error) {
		if !common.IsHexAddress(s) {
			return common.Address{}, fmt.Errorf("account path %q: bad address %q", path, s)
		}
		return common.HexToAddress(s), nil
	}
	subType := func(s string) (AccountSubType, error) {
		st, ok := subTypesByName[s]
		if !ok {
			return 0, fmt.Errorf("account path %q: unknown sub-type %q", path, s)
		}
		return st, nil
	}

	switch {
	case len(parts) == 4 && parts[0] == "user":
		owner, err := hexAddr(parts[1])
		if err != nil {
			return AccountKey{}, err
		}
		st, err := subType(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		asset, err := hexAddr(parts[3])
		if err != nil {
			return AccountKey{}, err
		}
		return NewUserAccountKey(owner, st, asset), nil

	case len(parts) == 3 && parts[0] == "system":
		st, err := subType(parts[1])
		if err != nil {
			return AccountKey{}, err
		}
		asset, err := hexAddr(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		return NewSystemAccountKey(st, asset), nil

	case len(parts) == 4 && parts[0] == "external":
		st, err := subType(parts[1])
		if err != nil {
			return AccountKey{}, err
		}
		owner, err := hexAddr(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		asset, err := hexAddr(parts[3])
		if err != nil {
			return AccountKey{}, err
		}
		return NewExternalAccountKey(st, owner, asset), nil
	}
	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}
