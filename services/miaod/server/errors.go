package server

import (
	"errors"
	"net/http"

	"miaochain/native/synth"
	"miaochain/native/token"
	"miaochain/oracle"
)

// requestError marks malformed input that never reached the engine.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }

func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &requestError{err: err} }

var (
	errStreamDisabled = errors.New("event stream not enabled")
	errInvalidCursor  = errors.New("cursor must be a non-negative integer")
	errActorMismatch  = errors.New("request account does not match authenticated subject")
	errCustodyOwner   = errors.New("custody account cannot grant allowances")
)

var (
	badRequestErrors = []error{
		synth.ErrInvalidAddress,
		synth.ErrValueCannotBeZero,
		synth.ErrTokenNotSupported,
		token.ErrUnknownToken,
		token.ErrInvalidAmount,
	}
	unprocessableErrors = []error{
		synth.ErrAmountToRedeemExceedsDeposited,
		synth.ErrInsufficientBalance,
		synth.ErrAmountExceedsDebt,
		synth.ErrCollateralRatioIsBroken,
		synth.ErrCollateralRatioIsNotBroken,
		token.ErrInsufficientBalance,
		token.ErrInsufficientAllowance,
	}
	upstreamErrors = []error{
		synth.ErrOracleDecimals,
		synth.ErrInvalidPrice,
		oracle.ErrUnknownFeed,
		oracle.ErrInvalidPrice,
	}
)

// statusFor maps engine and ledger errors onto HTTP status codes. Input
// problems are 400, acting for another account than the token subject 403,
// requests the position cannot honour 422, a paused engine 503 and price feed
// trouble 502.
func statusFor(err error) int {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return http.StatusBadRequest
	}
	if errors.Is(err, errActorMismatch) {
		return http.StatusForbidden
	}
	if errors.Is(err, synth.ErrModulePaused) {
		return http.StatusServiceUnavailable
	}
	if matchesAny(err, badRequestErrors) {
		return http.StatusBadRequest
	}
	if matchesAny(err, unprocessableErrors) {
		return http.StatusUnprocessableEntity
	}
	if matchesAny(err, upstreamErrors) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
