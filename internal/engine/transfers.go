package engine

import (
	"context"
	"fmt"

	"StableLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// transferStep is one external token movement and the movement that undoes it.
type transferStep struct {
	name  string
	exec  func(ctx context.Context) error
	abort func(ctx context.Context) error
}

// settlement runs transfer steps in order and remembers the executed ones so
// they can be aborted in reverse.
type settlement struct {
	done []transferStep
}

func (s *settlement) run(ctx context.Context, steps []transferStep) error {
	for _, st := range steps {
		if err := st.exec(ctx); err != nil {
			return err
		}
		s.done = append(s.done, st)
	}
	return nil
}

// abort undoes executed steps in reverse order. Every step is attempted;
// the failures are returned by step name.
func (s *settlement) abort(ctx context.Context) map[string]error {
	var failed map[string]error
	for i := len(s.done) - 1; i >= 0; i-- {
		st := s.done[i]
		if st.abort == nil {
			continue
		}
		if err := st.abort(ctx); err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[st.name] = err
		}
	}
	s.done = nil
	return failed
}

// transferErr turns a port result into an error. A false result with no
// error is a failure.
func transferErr(sentinel error, what string, ok bool, err error) error {
	switch {
	case err != nil:
		return fmt.Errorf("%w: %s: %w", sentinel, what, err)
	case !ok:
		return fmt.Errorf("%w: %s returned false", sentinel, what)
	}
	return nil
}

// Transfer step constructors. self is the engine's own account.

func pullStep(port token.TransferPort, asset, payer, self common.Address, amount *uint256.Int) transferStep {
	what := fmt.Sprintf("transferFrom %s of %s from %s", amount.Dec(), asset.Hex(), payer.Hex())
	return transferStep{
		name: what,
		exec: func(ctx context.Context) error {
			ok, err := port.TransferFrom(ctx, payer, self, amount)
			return transferErr(ErrTransfer, what, ok, err)
		},
		abort: func(ctx context.Context) error {
			ok, err := port.Transfer(ctx, payer, amount)
			return transferErr(ErrTransfer, "refund "+what, ok, err)
		},
	}
}

func pushStep(port token.TransferPort, asset, to, self common.Address, amount *uint256.Int) transferStep {
	what := fmt.Sprintf("transfer %s of %s to %s", amount.Dec(), asset.Hex(), to.Hex())
	return transferStep{
		name: what,
		exec: func(ctx context.Context) error {
			ok, err := port.Transfer(ctx, to, amount)
			return transferErr(ErrTransfer, what, ok, err)
		},
		abort: func(ctx context.Context) error {
			ok, err := port.TransferFrom(ctx, to, self, amount)
			return transferErr(ErrTransfer, "reclaim "+what, ok, err)
		},
	}
}

func mintStep(port token.TransferPort, to, self common.Address, amount *uint256.Int) transferStep {
	what := fmt.Sprintf("mint %s to %s", amount.Dec(), to.Hex())
	return transferStep{
		name: what,
		exec: func(ctx context.Context) error {
			ok, err := port.Mint(ctx, to, amount)
			return transferErr(ErrMint, what, ok, err)
		},
		abort: func(ctx context.Context) error {
			ok, err := port.TransferFrom(ctx, to, self, amount)
			if err := transferErr(ErrTransfer, "reclaim "+what, ok, err); err != nil {
				return err
			}
			if err := port.Burn(ctx, amount); err != nil {
				return fmt.Errorf("%w: burn reclaimed %s: %w", ErrTransfer, amount.Dec(), err)
			}
			return nil
		},
	}
}

func burnStep(port token.TransferPort, self common.Address, amount *uint256.Int) transferStep {
	what := fmt.Sprintf("burn %s", amount.Dec())
	return transferStep{
		name: what,
		exec: func(ctx context.Context) error {
			if err := port.Burn(ctx, amount); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrTransfer, what, err)
			}
			return nil
		},
		abort: func(ctx context.Context) error {
			ok, err := port.Mint(ctx, self, amount)
			return transferErr(ErrMint, "re-mint "+what, ok, err)
		},
	}
}
