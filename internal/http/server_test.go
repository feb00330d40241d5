package http

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gmcoin.meme/gm-verify/internal/confirm"
	"gmcoin.meme/gm-verify/internal/dispatch"
	"gmcoin.meme/gm-verify/internal/flow"
	"gmcoin.meme/gm-verify/internal/relay"
	"gmcoin.meme/gm-verify/internal/session"
	"gmcoin.meme/gm-verify/internal/twitter"
	"gmcoin.meme/gm-verify/internal/wallet"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const targetChain = 84532

var (
	contractAddr = common.HexToAddress("0x05694e4A34e5f6f8504fC2b2cbe67Db523e0fCCb")
	ourWallet    = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

type fakeProvider struct {
	changes chan []common.Address
}

func (in *fakeProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	return []common.Address{ourWallet}, nil
}

func (in *fakeProvider) ChainID(ctx context.Context) (int, error) { return targetChain, nil }

func (in *fakeProvider) SignMessage(ctx context.Context, account common.Address, msg []byte) (string, error) {
	return "0xsigned", nil
}

func (in *fakeProvider) SendTransaction(ctx context.Context, tx wallet.TxRequest) (common.Hash, error) {
	return common.HexToHash("0xf00d"), nil
}

func (in *fakeProvider) AccountsChanged() <-chan []common.Address { return in.changes }
func (in *fakeProvider) Close() error                             { return nil }

func (in *fakeProvider) PairingQR() ([]byte, error) {
	return []byte("png-bytes"), nil
}

type fakeChain struct{}

func (in *fakeChain) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(5e14), nil
}

func (in *fakeChain) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 100000, nil
}

func (in *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1e9), nil
}

func (in *fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func (in *fakeChain) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		return nil, err
	}
	return abi.Arguments{{Type: stringType}}.Pack("123456789")
}

type idleSubscription struct {
	errCh chan error
}

func (in *idleSubscription) Unsubscribe()      {}
func (in *idleSubscription) Err() <-chan error { return in.errCh }

type idleSubscriber struct{}

func (in *idleSubscriber) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return &idleSubscription{errCh: make(chan error, 1)}, nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, session.Store) {
	chain := &fakeChain{}
	volatile := session.NewMemoryStore()
	durable := session.NewMemoryStore()
	connector := wallet.NewConnector(func() (wallet.Provider, error) {
		return &fakeProvider{changes: make(chan []common.Address, 1)}, nil
	}, durable, targetChain)
	dispatcher := dispatch.NewDispatcher(chain, relay.NewClient("http://127.0.0.1:1/submit"), connector,
		contractAddr, "gmcoin.meme twitter-verification", 2)
	listener := confirm.NewListener(&idleSubscriber{}, contractAddr, time.Millisecond*50)
	resolver := relay.NewHandleResolver("http://127.0.0.1:1/token", durable)
	orch := flow.NewOrchestrator(connector, dispatcher, listener, resolver, volatile)
	oauth := twitter.NewOAuth("Z0FaQ2Q2Tl9jZTE0aTg2N2cwT2c", "https://gmcoin.meme/",
		"users.read tweet.read follows.write", volatile)

	server := NewServer(orch, connector, oauth, chain, chain, contractAddr, durable, ":0")
	ts := httptest.NewServer(server.router())
	t.Cleanup(ts.Close)
	return server, ts, volatile
}

func getJSON(t *testing.T, ts *httptest.Server, url string) map[string]interface{} {
	resp, err := ts.Client().Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestStatusBeforeConnect(t *testing.T) {
	_, ts, _ := newTestServer(t)

	body := getJSON(t, ts, ts.URL+"/status")
	assert.Equal(t, "wallet", body["step"])
	assert.Equal(t, "idle", body["status"])
	assert.NotContains(t, body, "wallet")
}

func TestConnectWalletAdvancesStep(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := ts.Client().Post(ts.URL+"/wallet/connect", "application/json", nil)
	require.NoError(t, err)
	body := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, ourWallet.Hex(), body["wallet"])

	status := getJSON(t, ts, ts.URL+"/status")
	assert.Equal(t, "social", status["step"])
	assert.Equal(t, ourWallet.Hex(), status["wallet"])
	assert.Equal(t, "0.000500 ETH", status["balance"])
}

func TestPairingQRServedAfterConnect(t *testing.T) {
	_, ts, _ := newTestServer(t)

	body := getJSON(t, ts, ts.URL+"/wallet/qr")
	assert.Contains(t, body, "error")

	resp, err := ts.Client().Post(ts.URL+"/wallet/connect", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = ts.Client().Get(ts.URL + "/wallet/qr")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	png, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), png)
}

func TestAuthorizeURLCarriesChallenge(t *testing.T) {
	_, ts, volatile := newTestServer(t)

	body := getJSON(t, ts, ts.URL+"/auth/url")
	authorizeURL, _ := body["url"].(string)
	require.NotEmpty(t, authorizeURL)
	assert.Contains(t, authorizeURL, "code_challenge_method=S256")
	assert.NotEmpty(t, volatile.Get(session.KeyCodeVerifier))
}

func TestAuthorizeCallbackStripsCode(t *testing.T) {
	_, ts, volatile := newTestServer(t)
	getJSON(t, ts, ts.URL+"/auth/url")

	body := getJSON(t, ts, ts.URL+"/auth/callback?code=abc123&state=nonce")
	cleanURL, _ := body["url"].(string)
	assert.NotContains(t, cleanURL, "code=")
	assert.Equal(t, "abc123", volatile.Get(session.KeyAuthCode))
}

func TestLinkedUserReadsContract(t *testing.T) {
	_, ts, _ := newTestServer(t)

	body := getJSON(t, ts, ts.URL+"/user?wallet="+ourWallet.Hex())
	assert.Equal(t, "123456789", body["userId"])

	missing := getJSON(t, ts, ts.URL+"/user")
	assert.Contains(t, missing, "error")
}

func TestDispatchWithoutCredentials(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp, err := ts.Client().Post(ts.URL+"/wallet/connect", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = ts.Client().Post(ts.URL+"/dispatch", "application/json",
		strings.NewReader(`{"autoFollow":true}`))
	require.NoError(t, err)
	body := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, string(dispatch.MissingCredentials), body["category"])
}

func TestBackFromSocial(t *testing.T) {
	_, ts, volatile := newTestServer(t)
	resp, err := ts.Client().Post(ts.URL+"/wallet/connect", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	volatile.Set(session.KeyAuthCode, "abc123")
	getJSON(t, ts, ts.URL+"/status") // sync to social

	resp, err = ts.Client().Post(ts.URL+"/back", "application/json", nil)
	require.NoError(t, err)
	body := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, "wallet", body["step"])
	assert.Empty(t, volatile.Get(session.KeyAuthCode))
}
