package vault

import (
	"errors"
	"fmt"
)

// Error classes. Every rejection the engine produces wraps exactly one of
// these so callers can classify failures with errors.Is without matching on
// message text.
var (
	// ErrUnauthorized marks calls from an address lacking the required role.
	ErrUnauthorized = errors.New("vault: caller not authorized")
	// ErrInvalidState marks operations that do not fit the current lifecycle
	// state (value already set, pending change exists, nothing to accept).
	ErrInvalidState = errors.New("vault: invalid state")
	// ErrBoundsViolation marks parameter values outside their allowed window.
	ErrBoundsViolation = errors.New("vault: value out of bounds")
	// ErrTimingViolation marks accepts attempted before the timelock elapses.
	ErrTimingViolation = errors.New("vault: timelock has not elapsed")
	// ErrEconomicGuard marks operations that would breach an economic safety
	// limit such as the deposit ceiling or the venue health floor.
	ErrEconomicGuard = errors.New("vault: economic guard tripped")
)

var (
	errNilState            = errors.New("vault: state not configured")
	errNilVenue            = errors.New("vault: primary credit venue not configured")
	errNilStaker           = errors.New("vault: staking converter not configured")
	errInvalidAmount       = errors.New("vault: amount must be positive")
	errInsufficientBalance = errors.New("vault: insufficient balance")
	errInsufficientShares  = errors.New("vault: insufficient share balance")
	errInsufficientIdle    = errors.New("vault: unwind released less than requested")

	errAlreadySet      = fmt.Errorf("%w: value already set", ErrInvalidState)
	errPendingExists   = fmt.Errorf("%w: pending change already exists", ErrInvalidState)
	errNoPending       = fmt.Errorf("%w: no pending change", ErrInvalidState)
	errTimelockActive  = fmt.Errorf("%w: accept before validity timestamp", ErrTimingViolation)
	errZeroAddress     = fmt.Errorf("%w: zero address", ErrBoundsViolation)
	errFeeAboveCeiling = fmt.Errorf("%w: fee rate above ceiling", ErrBoundsViolation)
	errNoFeeRecipient  = fmt.Errorf("%w: fee recipient required for non-zero fee", ErrInvalidState)
	errNoSkimRecipient = fmt.Errorf("%w: skim recipient not configured", ErrInvalidState)
	errTimelockBounds  = fmt.Errorf("%w: timelock outside allowed window", ErrBoundsViolation)
	errLeverageBounds  = fmt.Errorf("%w: target leverage outside allowed window", ErrBoundsViolation)
	errIterationBounds = fmt.Errorf("%w: iteration cap outside allowed window", ErrBoundsViolation)
	errSplitBounds     = fmt.Errorf("%w: venue split exceeds 100%%", ErrBoundsViolation)
	errHealthBounds    = fmt.Errorf("%w: health floor below one", ErrBoundsViolation)
	errCeilingExceeded = fmt.Errorf("%w: deposit would exceed ceiling", ErrEconomicGuard)
	errSkimCoreAsset   = fmt.Errorf("%w: cannot skim a core asset", ErrInvalidState)
)
