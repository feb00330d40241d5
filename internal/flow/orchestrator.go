package flow

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/atomic"

	"gmcoin.meme/gm-verify/internal/confirm"
	"gmcoin.meme/gm-verify/internal/dispatch"
	"gmcoin.meme/gm-verify/internal/relay"
	"gmcoin.meme/gm-verify/internal/session"
	"gmcoin.meme/gm-verify/internal/wallet"
	"gmcoin.meme/gm-verify/pkg/errors"
	"gmcoin.meme/gm-verify/pkg/log"
)

// Orchestrator walks a wallet through the verification steps and owns the
// flow status the UI renders. It is the only component that turns classified
// dispatch failures into user-facing state.
type Orchestrator struct {
	connector  *wallet.Connector
	dispatcher *dispatch.Dispatcher
	listener   *confirm.Listener
	resolver   *relay.HandleResolver
	volatile   session.Store

	// busy guards the dispatch+confirmation join, one in flight at most.
	busy atomic.Int64

	mu      sync.RWMutex
	step    Step
	status  Status
	receipt *dispatch.Receipt
}

func NewOrchestrator(connector *wallet.Connector, dispatcher *dispatch.Dispatcher,
	listener *confirm.Listener, resolver *relay.HandleResolver, volatile session.Store) *Orchestrator {
	in := &Orchestrator{
		connector:  connector,
		dispatcher: dispatcher,
		listener:   listener,
		resolver:   resolver,
		volatile:   volatile,
		step:       WalletStep,
		status:     statusIdle(),
	}
	connector.OnIdentityChange(in.onIdentityChange)
	return in
}

func (in *Orchestrator) Step() Step {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.step
}

func (in *Orchestrator) Status() Status {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.status
}

// Receipt of the last successful dispatch, nil before any.
func (in *Orchestrator) Receipt() *dispatch.Receipt {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.receipt
}

// Sync advances the step as far as the present wallet and authorization
// state allow. Idempotent, safe to call after every external event.
func (in *Orchestrator) Sync() Step {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.step == WalletStep && in.connector.State() == wallet.Connected {
		in.step = SocialStep
	}
	if in.step == SocialStep && in.authorized() {
		in.step = DispatchStep
	}
	return in.step
}

// authorized needs both the code and its verifier, a code alone cannot be
// exchanged. Callers hold in.mu.
func (in *Orchestrator) authorized() bool {
	return in.volatile.Get(session.KeyAuthCode) != "" &&
		in.volatile.Get(session.KeyCodeVerifier) != ""
}

type dispatchResult struct {
	receipt *dispatch.Receipt
	err     error
}

// Verify runs one dispatch+confirmation attempt to completion and returns
// the final flow status. The dispatcher submission and the event listener
// start together; success needs both a dispatch receipt and a favorable
// contract event. The attempt holds the re-entrancy guard for its whole
// duration, a concurrent trigger is refused without touching the status.
func (in *Orchestrator) Verify(ctx context.Context, autoFollow bool) (Status, error) {
	if !in.busy.CAS(0, 1) {
		return in.Status(), errors.New("verification already in flight")
	}
	defer in.busy.Store(0)

	in.Sync()
	walletAddr := in.connector.Identity().Address
	req := &dispatch.Request{
		AuthCode:   in.volatile.Get(session.KeyAuthCode),
		Verifier:   in.volatile.Get(session.KeyCodeVerifier),
		AutoFollow: autoFollow,
	}
	in.setStatus(statusPending())

	// The listener gets its own cancellation so a settled attempt releases
	// the event stream. The dispatcher keeps the caller context: an already
	// broadcast transaction or in-flight relay call runs to its natural end.
	listenerCtx, stopListening := context.WithCancel(ctx)
	defer stopListening()

	dispatchCh := make(chan dispatchResult, 1)
	confirmCh := make(chan confirm.Outcome, 1)
	go func() {
		receipt, err := in.dispatcher.Dispatch(ctx, req)
		dispatchCh <- dispatchResult{receipt: receipt, err: err}
	}()
	go func() {
		confirmCh <- in.listener.Await(listenerCtx, walletAddr)
	}()

	var (
		receipt                   *dispatch.Receipt
		haveDispatch, haveConfirm bool
	)
	for !(haveDispatch && haveConfirm) {
		select {
		case res := <-dispatchCh:
			if res.err != nil {
				return in.fail(res.err), nil
			}
			receipt, haveDispatch = res.receipt, true
		case outcome := <-confirmCh:
			switch outcome.Status {
			case confirm.Timeout:
				return in.fail(dispatch.NewError(dispatch.ConfirmationTimeout,
					"no contract event before the deadline", nil)), nil
			case confirm.Failure:
				return in.fail(dispatch.NewError(dispatch.ConfirmationFailure,
					outcome.Reason, nil)), nil
			}
			haveConfirm = true
		}
	}

	return in.succeed(ctx, receipt, req), nil
}

// fail records a classified failure without advancing the step, so the user
// can retry from where they are.
func (in *Orchestrator) fail(err error) Status {
	category := dispatch.CategoryOf(err)
	detail := ""
	var classified *dispatch.Error
	if errors.As(err, &classified) {
		detail = classified.Message
	}
	status := statusError(category, messageFor(category, detail))
	log.Warnf("verification attempt failed: %v", err)
	in.setStatus(status)
	return status
}

func (in *Orchestrator) succeed(ctx context.Context, receipt *dispatch.Receipt, req *dispatch.Request) Status {
	// The handle lookup spends the auth code, so it runs before the
	// credentials are cleared. Never fatal.
	handle := in.resolver.Resolve(ctx, req.AuthCode, req.Verifier)
	in.volatile.Remove(session.KeyAuthCode)
	in.volatile.Remove(session.KeyCodeVerifier)

	in.mu.Lock()
	in.step = ConfirmStep
	in.status = statusSuccess()
	in.receipt = receipt
	in.mu.Unlock()
	log.Infof("verification confirmed for @%v via %v", handle, receipt.Route)
	return statusSuccess()
}

// Back moves one step backwards. From the dispatch or confirm step this
// drops the wallet session entirely; from the social step it only discards
// the authorization credentials.
func (in *Orchestrator) Back(ctx context.Context) error {
	if in.busy.Load() != 0 {
		return errors.New("verification in flight, cannot navigate back")
	}
	switch in.Step() {
	case ConfirmStep, DispatchStep:
		if err := in.connector.Disconnect(ctx); err != nil {
			log.Warnf("wallet disconnect on back navigation: %v", err)
		}
		in.reset()
	case SocialStep:
		in.volatile.Remove(session.KeyAuthCode)
		in.volatile.Remove(session.KeyCodeVerifier)
		in.mu.Lock()
		in.step = WalletStep
		in.mu.Unlock()
	}
	return nil
}

func (in *Orchestrator) reset() {
	in.mu.Lock()
	in.step = WalletStep
	in.status = statusIdle()
	in.receipt = nil
	in.mu.Unlock()
}

func (in *Orchestrator) setStatus(status Status) {
	in.mu.Lock()
	in.status = status
	in.mu.Unlock()
}

// onIdentityChange keeps the step honest when the wallet changes under us.
// Losing the account restarts the walk, a swap to another account keeps the
// step but the stale attempt state is dropped.
func (in *Orchestrator) onIdentityChange(identity wallet.Identity) {
	if in.busy.Load() != 0 {
		// the running attempt settles on its own terms
		return
	}
	if identity.Address == (common.Address{}) {
		in.reset()
		return
	}
	in.Sync()
}
