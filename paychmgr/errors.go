package paychmgr

import (
	"errors"
	"fmt"

	"golang.org/x/xerrors"
)

// Payment rejections. The ledger is left untouched when one of these is
// returned and the caller may retry with a corrected or newer proof.
var (
	ErrInvalidBalanceProof       = xerrors.New("invalid balance proof")
	ErrInvalidBalanceAmount      = xerrors.New("invalid balance amount")
	ErrNoOpenChannel             = xerrors.New("no open channel")
	ErrInsufficientConfirmations = xerrors.New("insufficient confirmations")
	ErrNoBalanceProofReceived    = xerrors.New("no balance proof received")
)

// Ledger state errors.
var (
	ErrChannelAlreadyExists = xerrors.New("channel already exists")
	ErrInvalidChannelState  = xerrors.New("invalid channel state")
	ErrChannelNotTracked    = xerrors.New("channel not tracked")
)

// State file errors. They are only ever returned wrapped in a *StateFileError.
var (
	ErrStateReceiverAddrMismatch = xerrors.New("state file receiver address mismatch")
	ErrStateContractAddrMismatch = xerrors.New("state file contract address mismatch")
	ErrNetworkIDMismatch         = xerrors.New("state file network id mismatch")
	ErrStateFileLocked           = xerrors.New("state file locked")
	ErrInsecureStateFile         = xerrors.New("insecure state file")
	ErrStateFileCorrupt          = xerrors.New("state file corrupt")
)

// StateFileError reports a state file that cannot be trusted. The process
// must refuse to start until an operator fixes, moves or rekeys the file.
type StateFileError struct {
	// Kind is one of the ErrState* / ErrInsecureStateFile sentinels.
	Kind error
	Path string

	Expected string
	Found    string

	Err error
}

func (e *StateFileError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Path, e.Kind)
	if e.Expected != "" || e.Found != "" {
		msg += fmt.Sprintf(" (expected %s, found %s)", e.Expected, e.Found)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StateFileError) Is(target error) bool {
	return target == e.Kind
}

func (e *StateFileError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must abort startup.
func IsFatal(err error) bool {
	var sfe *StateFileError
	return errors.As(err, &sfe)
}

// IsPaymentRejection reports whether err is a per-request payment rejection.
func IsPaymentRejection(err error) bool {
	for _, target := range []error{
		ErrInvalidBalanceProof,
		ErrInvalidBalanceAmount,
		ErrNoOpenChannel,
		ErrInsufficientConfirmations,
		ErrNoBalanceProofReceived,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// failureType is the metrics tag value for a payment rejection.
func failureType(err error) string {
	switch {
	case errors.Is(err, ErrInvalidBalanceProof):
		return "invalid_proof"
	case errors.Is(err, ErrInvalidBalanceAmount):
		return "invalid_amount"
	case errors.Is(err, ErrNoOpenChannel):
		return "no_open_channel"
	case errors.Is(err, ErrInsufficientConfirmations):
		return "insufficient_confirmations"
	case errors.Is(err, ErrNoBalanceProofReceived):
		return "no_proof"
	default:
		return "internal"
	}
}
