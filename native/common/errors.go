package common

import "errors"

// Error kinds surfaced by every engine. Call sites wrap them with the numeric
// context that tripped the check; callers match with errors.Is.
var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrArithmeticOverflow    = errors.New("arithmetic overflow")
	ErrStaleOracle           = errors.New("stale oracle price")
	ErrOracleOutOfBounds     = errors.New("oracle price out of bounds")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrSlippageExceeded      = errors.New("slippage exceeded")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrVaultBalanceMismatch  = errors.New("vault balance mismatch")
	ErrPositionNotOpen       = errors.New("position not open")
	ErrNotLiquidatable       = errors.New("position not liquidatable")
	ErrProtocolPaused        = errors.New("protocol paused")
	ErrInvalidConfig         = errors.New("invalid config")
)

// Kind returns the taxonomy name of err, or "Internal" when err does not wrap
// one of the sentinels above.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAmount):
		return "InvalidAmount"
	case errors.Is(err, ErrArithmeticOverflow):
		return "ArithmeticOverflow"
	case errors.Is(err, ErrStaleOracle):
		return "StaleOracle"
	case errors.Is(err, ErrOracleOutOfBounds):
		return "OracleOutOfBounds"
	case errors.Is(err, ErrInsufficientLiquidity):
		return "InsufficientLiquidity"
	case errors.Is(err, ErrSlippageExceeded):
		return "SlippageExceeded"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrVaultBalanceMismatch):
		return "VaultBalanceMismatch"
	case errors.Is(err, ErrPositionNotOpen):
		return "PositionNotOpen"
	case errors.Is(err, ErrNotLiquidatable):
		return "NotLiquidatable"
	case errors.Is(err, ErrProtocolPaused):
		return "ProtocolPaused"
	case errors.Is(err, ErrInvalidConfig):
		return "InvalidConfig"
	default:
		return "Internal"
	}
}
