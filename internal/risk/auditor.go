package risk

import (
	"context"
	"fmt"

	"StableLedger/internal/ledger"
	fpmath "StableLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Violation is an account below the minimum health factor.
type Violation struct {
	User         common.Address
	Debt         *uint256.Int
	HealthFactor *uint256.Int
}

// AuditReport summarizes a scan of every account in the store.
type AuditReport struct {
	Sequence           int64
	Accounts           int
	TotalDebt          *uint256.Int
	TotalCollateralUsd *uint256.Int
	Unhealthy          []Violation
}

// Solvent reports whether the protocol as a whole is over-collateralized
// at the liquidation threshold.
func (r AuditReport) Solvent() bool {
	return fpmath.IsHealthy(fpmath.CalculateHealthFactor(r.TotalDebt, r.TotalCollateralUsd))
}

// Auditor scans every position for health factor violations. Price moves can
// legitimately produce them; liquidators are expected to act on the result.
type Auditor struct {
	store    *ledger.Store
	valuator *Valuator
}

func NewAuditor(store *ledger.Store, valuator *Valuator) *Auditor {
	return &Auditor{store: store, valuator: valuator}
}

// Scan values every account with a balance.
func (a *Auditor) Scan(ctx context.Context) (AuditReport, error) {
	// one price per feed for the whole scan
	ctx = PinPrices(ctx)
	assets := a.valuator.registry.AllAssets()
	report := AuditReport{
		Sequence:           a.store.Sequence(),
		TotalDebt:          new(uint256.Int),
		TotalCollateralUsd: new(uint256.Int),
	}

	for _, user := range a.store.Users() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		health, err := a.valuator.Assess(ctx, a.store.Position(user, assets))
		if err != nil {
			return report, fmt.Errorf("assess %s: %w", user.Hex(), err)
		}
		report.Accounts++

		if report.TotalDebt, err = fpmath.Add(report.TotalDebt, health.Debt); err != nil {
			return report, err
		}
		if report.TotalCollateralUsd, err = fpmath.Add(report.TotalCollateralUsd, health.CollateralUsd); err != nil {
			return report, err
		}
		if !health.Debt.IsZero() && !health.Healthy() {
			report.Unhealthy = append(report.Unhealthy, Violation{
				User:         user,
				Debt:         health.Debt,
				HealthFactor: health.HealthFactor,
			})
		}
	}
	return report, nil
}
