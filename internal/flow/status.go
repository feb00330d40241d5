package flow

import (
	"fmt"

	"gmcoin.meme/gm-verify/internal/dispatch"
)

// Step of the verification walk. Steps only move forward on their own;
// going back is an explicit user action.
type Step int32

const (
	WalletStep Step = iota
	SocialStep
	DispatchStep
	ConfirmStep
)

func (s Step) String() string {
	switch s {
	case WalletStep:
		return "wallet"
	case SocialStep:
		return "social"
	case DispatchStep:
		return "dispatch"
	case ConfirmStep:
		return "confirm"
	default:
		return fmt.Sprintf("step(%d)", int32(s))
	}
}

// Phase of the current verification attempt.
type Phase int32

const (
	Idle Phase = iota
	Pending
	Success
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Success:
		return "success"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Status is the single source of truth for what an external UI should
// render. Category and Message are set only when Phase is Failed.
type Status struct {
	Phase    Phase
	Category dispatch.Category
	Message  string
}

func statusIdle() Status    { return Status{Phase: Idle} }
func statusPending() Status { return Status{Phase: Pending} }
func statusSuccess() Status { return Status{Phase: Success} }

func statusError(category dispatch.Category, message string) Status {
	return Status{Phase: Failed, Category: category, Message: message}
}

// messageFor renders a classified failure as the text shown to the user.
func messageFor(category dispatch.Category, detail string) string {
	switch category {
	case dispatch.UserCancelled:
		return "request rejected in the wallet, you can retry right away"
	case dispatch.WrongNetwork:
		if detail != "" {
			return detail
		}
		return "wallet is connected to the wrong network"
	case dispatch.EstimationFailed:
		return "the contract refused the verification request"
	case dispatch.TransactionFailed:
		return "the verification transaction failed on chain"
	case dispatch.InsufficientFundsAndRelayUnavailable:
		return "not enough funds for gas and the relay service is unreachable"
	case dispatch.RelayServiceError:
		return "the relay service failed to process the verification"
	case dispatch.ConfirmationTimeout:
		return "no confirmation from the contract within the wait window"
	case dispatch.ConfirmationFailure:
		if detail != "" {
			return "verification rejected: " + detail
		}
		return "verification rejected by the contract"
	case dispatch.MissingCredentials:
		return "twitter authorization expired, please authorize again"
	default:
		return "verification failed, please retry"
	}
}
