package wallet

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"gmcoin.meme/gm-verify/pkg/errors"
)

var (
	// ErrUserRejected marks a request the user declined in their wallet,
	// the EIP-1193 code 4001 case.
	ErrUserRejected = errors.New("user rejected wallet request")
)

// IsUserRejected reports whether err originates from the user declining a
// wallet prompt.
func IsUserRejected(err error) bool {
	return errors.Is(err, ErrUserRejected)
}

// TxRequest is the transaction shape the provider submits on our behalf.
type TxRequest struct {
	From     common.Address
	To       common.Address
	Data     []byte
	Gas      uint64
	GasPrice *big.Int
}

// Provider is the wallet capability the connector drives. Implementations
// hold the actual wallet session (browser-injected bridge, SDK, ...). The
// provider connection is a process-wide singleton owned by the Connector,
// no other component may drive it directly.
type Provider interface {
	// RequestAccounts prompts the user for account access.
	RequestAccounts(ctx context.Context) ([]common.Address, error)

	// ChainID reports the chain the wallet session is currently on.
	ChainID(ctx context.Context) (int, error)

	// SignMessage personal-signs msg with the given account and returns the
	// hex encoded signature. The private key never leaves the wallet.
	SignMessage(ctx context.Context, account common.Address, msg []byte) (string, error)

	// SendTransaction submits the transaction through the wallet and returns
	// its hash once the user approved it.
	SendTransaction(ctx context.Context, tx TxRequest) (common.Hash, error)

	// AccountsChanged streams account mutations pushed by the wallet. An
	// empty slice means the wallet ended the session.
	AccountsChanged() <-chan []common.Address

	// Close tears the provider session down.
	Close() error
}

// Pairable providers need a user-side scan before accounts can be
// requested, the connector hands their QR to the registered listener.
type Pairable interface {
	PairingQR() ([]byte, error)
}
