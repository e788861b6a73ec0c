package format

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// TokenDecimals is the precision of the DAI token.
const TokenDecimals int32 = 18

var ErrTooPrecise = errors.New("amount exceeds token precision")

// ToBaseUnits scales amount by 10^decimals. Amounts with more fractional
// digits than the token supports are rejected rather than rounded.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	scaled := amount.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: %s has more than %d decimal places", ErrTooPrecise, amount.String(), decimals)
	}
	return scaled.BigInt(), nil
}

// PaymentURI renders an EIP-681 token transfer request. chainID 0 leaves the
// chain unspecified.
func PaymentURI(token, recipient common.Address, units *big.Int, chainID int64) string {
	target := token.Hex()
	if chainID > 0 {
		target = fmt.Sprintf("%s@%d", target, chainID)
	}
	amount := "0"
	if units != nil {
		amount = units.String()
	}
	return fmt.Sprintf("ethereum:%s/transfer?address=%s&uint256=%s", target, recipient.Hex(), amount)
}
