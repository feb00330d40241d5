package wallet

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/atomic"

	"gmcoin.meme/gm-verify/internal/chains"
	"gmcoin.meme/gm-verify/internal/session"
	"gmcoin.meme/gm-verify/pkg/errors"
	"gmcoin.meme/gm-verify/pkg/log"
)

// State of the wallet connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	// ErrWrongNetwork marks a chain mismatch. Distinct from generic connect
	// failures so callers can offer a network switch instead of a retry.
	ErrWrongNetwork = errors.New("wallet connected to wrong network")

	errNotConnected = errors.New("wallet not connected")
)

// Identity is the active wallet account. Invalidated on disconnect, callers
// must not hold on to a copy across account-change notifications.
type Identity struct {
	Address common.Address
	ChainID int
}

// ProviderFactory opens a fresh provider session.
type ProviderFactory func() (Provider, error)

// Connector owns the singleton wallet provider connection and its
// Disconnected -> Connecting -> Connected lifecycle.
type Connector struct {
	newProvider ProviderFactory
	durable     session.Store
	targetChain int

	mu       sync.RWMutex
	state    State
	provider Provider
	identity Identity

	// guards against overlapping Connect/Disconnect calls
	busy atomic.Int64

	onChange  func(Identity)
	onPairing func(qr []byte)
}

func NewConnector(factory ProviderFactory, durable session.Store, targetChain int) *Connector {
	return &Connector{
		newProvider: factory,
		durable:     durable,
		targetChain: targetChain,
	}
}

// OnIdentityChange registers the single listener notified when the active
// account changes, wire balance or role refreshes there. Must be called
// before Connect.
func (in *Connector) OnIdentityChange(fn func(Identity)) {
	in.onChange = fn
}

// OnPairing registers the listener handed the pairing QR when the provider
// session needs a user-side scan. Must be called before Connect.
func (in *Connector) OnPairing(fn func(qr []byte)) {
	in.onPairing = fn
}

func (in *Connector) State() State {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.state
}

// Identity returns a copy of the active account, zero when disconnected.
func (in *Connector) Identity() Identity {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.state != Connected {
		return Identity{}
	}
	return in.identity
}

// Provider exposes the live provider session to the dispatcher. Nil when
// disconnected.
func (in *Connector) Provider() Provider {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.state != Connected {
		return nil
	}
	return in.provider
}

// Connect requests account access and adopts the first reported account.
func (in *Connector) Connect(ctx context.Context) (Identity, error) {
	if !in.busy.CAS(0, 1) {
		return Identity{}, errors.NewWithReport("concurrent wallet connect")
	}
	defer in.busy.Store(0)

	in.setState(Connecting)
	provider, err := in.newProvider()
	if err != nil {
		in.setState(Disconnected)
		return Identity{}, errors.Wrap(err, "open wallet provider session")
	}
	if pairable, ok := provider.(Pairable); ok && in.onPairing != nil {
		qr, qrErr := pairable.PairingQR()
		if qrErr != nil {
			log.Warnf("render wallet pairing qr:%v", qrErr)
		} else {
			in.onPairing(qr)
		}
	}
	accounts, err := provider.RequestAccounts(ctx)
	if err != nil {
		provider.Close()
		in.setState(Disconnected)
		return Identity{}, errors.Wrap(err, "request wallet accounts")
	}
	if len(accounts) == 0 {
		provider.Close()
		in.setState(Disconnected)
		return Identity{}, errors.NewWithReport("wallet approved access with no accounts")
	}
	chainID, err := provider.ChainID(ctx)
	if err != nil {
		provider.Close()
		in.setState(Disconnected)
		return Identity{}, errors.Wrap(err, "read wallet chain id")
	}

	in.mu.Lock()
	in.provider = provider
	in.state = Connected
	in.mu.Unlock()
	identity := in.updateIdentity(Identity{Address: accounts[0], ChainID: chainID})

	go in.watchAccounts(provider)
	log.Infof("wallet connected: %v on %v", identity.Address.Hex(), chains.Describe(chainID))
	return identity, nil
}

// Disconnect tears down the provider session and clears the identity.
func (in *Connector) Disconnect(ctx context.Context) error {
	if !in.busy.CAS(0, 1) {
		return errors.NewWithReport("concurrent wallet disconnect")
	}
	defer in.busy.Store(0)
	in.teardown()
	return nil
}

// Reconnect is a disconnect followed by a connect, used when a stale
// session is detected.
func (in *Connector) Reconnect(ctx context.Context) (Identity, error) {
	if err := in.Disconnect(ctx); err != nil {
		return Identity{}, err
	}
	return in.Connect(ctx)
}

// RequireChain verifies the wallet session is on the configured target chain.
func (in *Connector) RequireChain(ctx context.Context) error {
	in.mu.RLock()
	provider := in.provider
	connected := in.state == Connected
	in.mu.RUnlock()
	if !connected {
		return errNotConnected
	}
	chainID, err := provider.ChainID(ctx)
	if err != nil {
		return errors.Wrap(err, "read wallet chain id")
	}
	if chainID != in.targetChain {
		return errors.Wrapf(ErrWrongNetwork, "connected to %v, want %v",
			chains.Describe(chainID), chains.Describe(in.targetChain))
	}
	return nil
}

// TargetChain returns the configured chain, for network-switch hints.
func (in *Connector) TargetChain() *chains.Blockchain {
	return chains.FromID(in.targetChain)
}

func (in *Connector) setState(s State) {
	in.mu.Lock()
	in.state = s
	in.mu.Unlock()
}

// updateIdentity is the single writer for the wallet identity.
func (in *Connector) updateIdentity(identity Identity) Identity {
	in.mu.Lock()
	in.identity = identity
	in.mu.Unlock()
	in.durable.Set(session.KeyWalletAddress, identity.Address.Hex())
	if in.onChange != nil {
		in.onChange(identity)
	}
	return identity
}

func (in *Connector) teardown() {
	in.mu.Lock()
	provider := in.provider
	in.provider = nil
	in.identity = Identity{}
	in.state = Disconnected
	in.mu.Unlock()
	in.durable.Remove(session.KeyWalletAddress)
	if provider != nil {
		if err := provider.Close(); err != nil {
			log.Warnf("close wallet provider:%v", err)
		}
	}
	if in.onChange != nil {
		in.onChange(Identity{})
	}
}

// watchAccounts reacts to account mutations pushed by the wallet: an empty
// account list forces a disconnect, otherwise the first reported address
// becomes the new identity.
func (in *Connector) watchAccounts(provider Provider) {
	for accounts := range provider.AccountsChanged() {
		in.mu.RLock()
		stale := in.provider != provider
		chainID := in.identity.ChainID
		in.mu.RUnlock()
		if stale {
			return
		}
		if len(accounts) == 0 {
			log.Info("wallet session ended by provider")
			in.teardown()
			return
		}
		log.Infof("wallet account changed to %v", accounts[0].Hex())
		in.updateIdentity(Identity{Address: accounts[0], ChainID: chainID})
	}
}
