package dispatch

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gmcoin.meme/gm-verify/internal/relay"
	"gmcoin.meme/gm-verify/internal/session"
	"gmcoin.meme/gm-verify/internal/wallet"
	"gmcoin.meme/gm-verify/pkg/errors"
)

const (
	targetChain    = 84532
	attestationMsg = "gmcoin.meme twitter-verification"
)

var contractAddr = common.HexToAddress("0x05694e4A34e5f6f8504fC2b2cbe67Db523e0fCCb")

func ether(eth float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(eth), big.NewFloat(1e18)).Int(nil)
	return wei
}

// signingProvider answers wallet requests with a real key so attestation
// signatures verify.
type signingProvider struct {
	key        *ecdsa.PrivateKey
	address    common.Address
	chainID    int
	changes    chan []common.Address
	signCalls  int
	sendCalls  int
	rejectSign bool
	rejectSend bool
	txHash     common.Hash
}

func newSigningProvider(chainID int) *signingProvider {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return &signingProvider{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		changes: make(chan []common.Address, 1),
		txHash:  common.HexToHash("0xf00d"),
	}
}

func (in *signingProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	return []common.Address{in.address}, nil
}

func (in *signingProvider) ChainID(ctx context.Context) (int, error) {
	return in.chainID, nil
}

func (in *signingProvider) SignMessage(ctx context.Context, account common.Address, msg []byte) (string, error) {
	in.signCalls++
	if in.rejectSign {
		return "", errors.Wrap(wallet.ErrUserRejected, "personal_sign")
	}
	sig, err := crypto.Sign(accounts.TextHash(msg), in.key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

func (in *signingProvider) SendTransaction(ctx context.Context, tx wallet.TxRequest) (common.Hash, error) {
	in.sendCalls++
	if in.rejectSend {
		return common.Hash{}, errors.Wrap(wallet.ErrUserRejected, "eth_sendTransaction")
	}
	return in.txHash, nil
}

func (in *signingProvider) AccountsChanged() <-chan []common.Address {
	return in.changes
}

func (in *signingProvider) Close() error { return nil }

type fakeBackend struct {
	balance     *big.Int
	gas         uint64
	gasErr      error
	gasPrice    *big.Int
	gasPriceErr error
	receipt     *types.Receipt
	receiptErr  error
}

func (in *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return in.balance, nil
}

func (in *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return in.gas, in.gasErr
}

func (in *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return in.gasPrice, in.gasPriceErr
}

func (in *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if in.receiptErr != nil {
		return nil, in.receiptErr
	}
	if in.receipt == nil {
		return nil, ethereum.NotFound
	}
	return in.receipt, nil
}

type fakeRelay struct {
	ack  *relay.Ack
	err  error
	last *relay.SubmitRequest
}

func (in *fakeRelay) Submit(ctx context.Context, req *relay.SubmitRequest) (*relay.Ack, error) {
	in.last = req
	if in.err != nil {
		return nil, in.err
	}
	return in.ack, nil
}

func newTestDispatcher(t *testing.T, provider *signingProvider, backend *fakeBackend, relayClient relay.Client) *Dispatcher {
	connector := wallet.NewConnector(func() (wallet.Provider, error) {
		return provider, nil
	}, session.NewMemoryStore(), targetChain)
	_, err := connector.Connect(context.Background())
	require.NoError(t, err)
	d := NewDispatcher(backend, relayClient, connector, contractAddr, attestationMsg, 2)
	d.receiptPollInterval = time.Millisecond
	d.receiptWaitTimeout = time.Second
	return d
}

func validRequest() *Request {
	return &Request{AuthCode: "abc123", Verifier: "verifier-string", AutoFollow: true}
}

func TestChooseStrictInequality(t *testing.T) {
	cost := big.NewInt(1000)
	assert.Equal(t, Relayed, Choose(big.NewInt(2000), cost, 2), "boundary balance == 2x cost must relay")
	assert.Equal(t, Direct, Choose(big.NewInt(2001), cost, 2))
	assert.Equal(t, Relayed, Choose(big.NewInt(1999), cost, 2))
}

func TestChooseLowBalanceScenario(t *testing.T) {
	// balance 0.0005 ETH against 0.0003 ETH estimated cost: 2x cost exceeds
	// the balance, the relay must carry the verification.
	assert.Equal(t, Relayed, Choose(ether(0.0005), ether(0.0003), 2))
}

func TestDispatchMissingCredentials(t *testing.T) {
	d := newTestDispatcher(t, newSigningProvider(targetChain), &fakeBackend{}, &fakeRelay{})
	_, err := d.Dispatch(context.Background(), &Request{AuthCode: "abc123"})
	require.Error(t, err)
	assert.Equal(t, MissingCredentials, CategoryOf(err))
}

func TestDispatchWrongNetwork(t *testing.T) {
	provider := newSigningProvider(1) // mainnet, not the target
	d := newTestDispatcher(t, provider, &fakeBackend{}, &fakeRelay{})
	_, err := d.Dispatch(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, WrongNetwork, CategoryOf(err))
}

func TestDispatchEstimationFailureAbortsBeforeSignature(t *testing.T) {
	provider := newSigningProvider(targetChain)
	backend := &fakeBackend{
		balance: ether(1),
		gasErr:  errors.New("execution reverted: code already used"),
	}
	d := newTestDispatcher(t, provider, backend, &fakeRelay{})

	_, err := d.Dispatch(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, EstimationFailed, CategoryOf(err))
	assert.Zero(t, provider.signCalls, "no signature may be requested after estimation failed")
	assert.Zero(t, provider.sendCalls)
}

func TestDispatchDirectWhenFunded(t *testing.T) {
	provider := newSigningProvider(targetChain)
	backend := &fakeBackend{
		balance:  ether(1),
		gas:      100000,
		gasPrice: big.NewInt(1e9),
		receipt:  &types.Receipt{Status: types.ReceiptStatusSuccessful},
	}
	relayClient := &fakeRelay{}
	d := newTestDispatcher(t, provider, backend, relayClient)

	receipt, err := d.Dispatch(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, Direct, receipt.Route)
	assert.Equal(t, provider.txHash, receipt.TxHash)
	assert.Equal(t, 1, provider.sendCalls)
	assert.Zero(t, provider.signCalls, "direct path needs no attestation")
	assert.Nil(t, relayClient.last, "direct path must not touch the relay")
}

func TestDispatchDirectUserRejection(t *testing.T) {
	provider := newSigningProvider(targetChain)
	provider.rejectSend = true
	backend := &fakeBackend{
		balance:  ether(1),
		gas:      100000,
		gasPrice: big.NewInt(1e9),
	}
	d := newTestDispatcher(t, provider, backend, &fakeRelay{})

	_, err := d.Dispatch(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, UserCancelled, CategoryOf(err))
}

func TestDispatchDirectRevertedReceipt(t *testing.T) {
	provider := newSigningProvider(targetChain)
	backend := &fakeBackend{
		balance:  ether(1),
		gas:      100000,
		gasPrice: big.NewInt(1e9),
		receipt:  &types.Receipt{Status: types.ReceiptStatusFailed},
	}
	d := newTestDispatcher(t, provider, backend, &fakeRelay{})

	_, err := d.Dispatch(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, TransactionFailed, CategoryOf(err))
}

func TestDispatchRelaysWhenUnderfunded(t *testing.T) {
	provider := newSigningProvider(targetChain)
	// 0.0005 ETH balance, 0.0003 ETH cost
	backend := &fakeBackend{
		balance:  ether(0.0005),
		gas:      100000,
		gasPrice: new(big.Int).Div(ether(0.0003), big.NewInt(100000)),
	}
	relayClient := &fakeRelay{ack: &relay.Ack{Raw: []byte(`{}`)}}
	d := newTestDispatcher(t, provider, backend, relayClient)

	receipt, err := d.Dispatch(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, Relayed, receipt.Route)
	assert.NotNil(t, receipt.Ack)
	assert.Equal(t, 1, provider.signCalls)
	assert.Zero(t, provider.sendCalls)

	require.NotNil(t, relayClient.last)
	assert.Equal(t, "abc123", relayClient.last.AuthCode)
	assert.Equal(t, "verifier-string", relayClient.last.Verifier)
	assert.True(t, relayClient.last.AutoFollow)
	assert.True(t, wallet.VerifyPersonalSignature(provider.address,
		relayClient.last.Signature, []byte(attestationMsg)))
}

func TestDispatchRelayedSignatureRejected(t *testing.T) {
	provider := newSigningProvider(targetChain)
	provider.rejectSign = true
	backend := &fakeBackend{
		balance:  ether(0.0005),
		gas:      100000,
		gasPrice: new(big.Int).Div(ether(0.0003), big.NewInt(100000)),
	}
	d := newTestDispatcher(t, provider, backend, &fakeRelay{})

	_, err := d.Dispatch(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, UserCancelled, CategoryOf(err))
}

func TestDispatchRelayUnreachable(t *testing.T) {
	provider := newSigningProvider(targetChain)
	backend := &fakeBackend{
		balance:  big.NewInt(0),
		gas:      100000,
		gasPrice: big.NewInt(1e9),
	}
	relayClient := &fakeRelay{err: errors.Wrap(relay.ErrUnreachable, "connection refused")}
	d := newTestDispatcher(t, provider, backend, relayClient)

	_, err := d.Dispatch(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, InsufficientFundsAndRelayUnavailable, CategoryOf(err))
}

func TestDispatchRelayRefusal(t *testing.T) {
	provider := newSigningProvider(targetChain)
	backend := &fakeBackend{
		balance:  big.NewInt(0),
		gas:      100000,
		gasPrice: big.NewInt(1e9),
	}
	relayClient := &fakeRelay{err: errors.Wrap(relay.ErrService, "relay answered 500")}
	d := newTestDispatcher(t, provider, backend, relayClient)

	_, err := d.Dispatch(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, RelayServiceError, CategoryOf(err))
}

func TestEtherString(t *testing.T) {
	assert.Equal(t, "0.000500 ETH", EtherString(ether(0.0005)))
}
