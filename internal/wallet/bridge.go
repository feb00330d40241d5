package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/skip2/go-qrcode"
	"github.com/tidwall/gjson"

	"gmcoin.meme/gm-verify/pkg/errors"
	"gmcoin.meme/gm-verify/pkg/log"
	"gmcoin.meme/gm-verify/pkg/walletbridge"
)

// userRejectedCode is the EIP-1193 rejection code wallets answer with.
const userRejectedCode = 4001

// BridgeProvider drives a user wallet through a walletconnect v1 bridge:
// the user pairs by scanning a QR code, every request travels encrypted
// over the shared bridge websocket.
type BridgeProvider struct {
	bridgeURL      string
	handshakeTopic string
	clientID       string
	encryptionKey  []byte

	dappName string
	dappURL  string

	mu         sync.Mutex
	conn       *websocket.Conn
	walletPeer string
	accounts   []common.Address
	chainID    int

	pending        map[int64]chan string
	accountsChange chan []common.Address
	closed         chan struct{}
	closeOnce      sync.Once

	requestTimeout time.Duration
}

var _ Provider = (*BridgeProvider)(nil)

func NewBridgeProvider(bridgeURL, dappName, dappURL string) *BridgeProvider {
	if bridgeURL == "" {
		bridgeURL = walletbridge.RandomBridgeURL()
	}
	encryptionKey, _ := walletbridge.GenerateRandomBytes(256 / 8)
	return &BridgeProvider{
		bridgeURL:      bridgeURL,
		handshakeTopic: uuid.NewString(),
		clientID:       uuid.NewString(),
		encryptionKey:  encryptionKey,
		dappName:       dappName,
		dappURL:        dappURL,
		pending:        make(map[int64]chan string),
		accountsChange: make(chan []common.Address, 4),
		closed:         make(chan struct{}),
		requestTimeout: time.Minute * 5,
	}
}

// PairingQR renders the wc: pairing URI as a PNG for the user to scan.
func (in *BridgeProvider) PairingQR() ([]byte, error) {
	uri := fmt.Sprintf("wc:%s@1?bridge=%s&key=%s",
		in.handshakeTopic, url.QueryEscape(in.bridgeURL), hex.EncodeToString(in.encryptionKey))
	log.Debugf("wallet bridge - pairing uri:%v", uri)
	png, err := qrcode.Encode(uri, qrcode.Medium, 256)
	if err != nil {
		return nil, errors.WrapAndReport(err, "encode wallet pairing qr code")
	}
	return png, nil
}

// RequestAccounts establishes the bridge session and waits for the user to
// approve it in their wallet.
func (in *BridgeProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	if err := in.dial(ctx); err != nil {
		return nil, err
	}
	if err := in.subscribe(in.clientID); err != nil {
		return nil, err
	}
	request := newJSONRpcRequest("wc_sessionRequest", peer{
		PeerID: in.clientID,
		PeerMeta: peerMeta{
			Name:        in.dappName,
			URL:         in.dappURL,
			Description: "link your wallet to your twitter account",
		},
	})
	reply, err := in.request(ctx, in.handshakeTopic, request)
	if err != nil {
		return nil, err
	}
	if errMsg := gjson.Get(reply, "error.message").String(); errMsg != "" {
		if strings.Contains(errMsg, "Session Rejected") {
			return nil, errors.Wrap(ErrUserRejected, "session request")
		}
		return nil, errors.New(errMsg)
	}
	result := gjson.Get(reply, "result")
	if !result.Get("approved").Bool() {
		return nil, errors.Wrap(ErrUserRejected, "session request")
	}

	in.mu.Lock()
	in.walletPeer = result.Get("peerId").String()
	in.chainID = int(result.Get("chainId").Int())
	in.accounts = in.accounts[:0]
	for _, acc := range result.Get("accounts").Array() {
		in.accounts = append(in.accounts, common.HexToAddress(acc.String()))
	}
	accounts := append([]common.Address(nil), in.accounts...)
	in.mu.Unlock()

	if len(accounts) == 0 {
		return nil, errors.NewWithReport("no wallet accounts acquired")
	}
	return accounts, nil
}

func (in *BridgeProvider) ChainID(ctx context.Context) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.walletPeer == "" {
		return 0, errors.New("bridge session not established")
	}
	return in.chainID, nil
}

func (in *BridgeProvider) SignMessage(ctx context.Context, account common.Address, msg []byte) (string, error) {
	request := newJSONRpcRequest("personal_sign",
		hexutil.Encode(msg), strings.ToLower(account.Hex()))
	reply, err := in.walletRequest(ctx, request)
	if err != nil {
		return "", err
	}
	signature := gjson.Get(reply, "result").String()
	if signature == "" {
		return "", errors.NewWithReport("empty signature from wallet")
	}
	return signature, nil
}

func (in *BridgeProvider) SendTransaction(ctx context.Context, tx TxRequest) (common.Hash, error) {
	param := map[string]string{
		"from": strings.ToLower(tx.From.Hex()),
		"to":   strings.ToLower(tx.To.Hex()),
		"data": hexutil.Encode(tx.Data),
	}
	if tx.Gas > 0 {
		param["gas"] = hexutil.EncodeUint64(tx.Gas)
	}
	if tx.GasPrice != nil {
		param["gasPrice"] = hexutil.EncodeBig(tx.GasPrice)
	}
	request := newJSONRpcRequest("eth_sendTransaction", param)
	reply, err := in.walletRequest(ctx, request)
	if err != nil {
		return common.Hash{}, err
	}
	txHash := gjson.Get(reply, "result").String()
	if txHash == "" {
		return common.Hash{}, errors.NewWithReport("empty transaction hash from wallet")
	}
	return common.HexToHash(txHash), nil
}

func (in *BridgeProvider) AccountsChanged() <-chan []common.Address {
	return in.accountsChange
}

func (in *BridgeProvider) Close() error {
	in.closeOnce.Do(func() {
		close(in.closed)
		in.mu.Lock()
		conn := in.conn
		in.conn = nil
		close(in.accountsChange)
		in.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
	return nil
}

func (in *BridgeProvider) dial(ctx context.Context) error {
	wsURL := walletbridge.GetWebSocketUrl(in.bridgeURL, "wc", "1")
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return errors.WrapAndReport(err, "dial to wallet bridge url")
	}
	in.mu.Lock()
	in.conn = conn
	in.mu.Unlock()
	go in.readLoop(conn)
	return nil
}

func (in *BridgeProvider) subscribe(topic string) error {
	msg := bridgeMessage{
		Topic:  topic,
		Type:   "sub",
		Silent: true,
	}
	return in.send(msg.Marshal())
}

func (in *BridgeProvider) send(payload []byte) error {
	in.mu.Lock()
	conn := in.conn
	in.mu.Unlock()
	if conn == nil {
		return errors.New("bridge connection closed")
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.WrapAndReport(err, "write message to wallet bridge")
	}
	return nil
}

// walletRequest sends a JSON-RPC request to the paired wallet and maps the
// EIP-1193 rejection code onto ErrUserRejected.
func (in *BridgeProvider) walletRequest(ctx context.Context, request *jsonRpcRequest) (string, error) {
	in.mu.Lock()
	walletPeer := in.walletPeer
	in.mu.Unlock()
	if walletPeer == "" {
		return "", errors.New("bridge session not established")
	}
	reply, err := in.request(ctx, walletPeer, request)
	if err != nil {
		return "", err
	}
	if rpcErr := gjson.Get(reply, "error"); rpcErr.Exists() {
		if rpcErr.Get("code").Int() == userRejectedCode {
			return "", errors.Wrap(ErrUserRejected, request.Method)
		}
		return "", errors.Errorf("%v: %v", request.Method, rpcErr.Get("message").String())
	}
	return reply, nil
}

// request publishes an encrypted JSON-RPC request on topic and blocks until
// the matching response arrives, the context expires or the session closes.
func (in *BridgeProvider) request(ctx context.Context, topic string, request *jsonRpcRequest) (string, error) {
	payload, err := in.encrypt(request.Marshal())
	if err != nil {
		return "", err
	}
	replyCh := make(chan string, 1)
	in.mu.Lock()
	in.pending[request.Id] = replyCh
	in.mu.Unlock()
	defer func() {
		in.mu.Lock()
		delete(in.pending, request.Id)
		in.mu.Unlock()
	}()

	msg := bridgeMessage{
		Topic:   topic,
		Type:    "pub",
		Payload: payload.Marshal(),
		Silent:  true,
	}
	if err := in.send(msg.Marshal()); err != nil {
		return "", err
	}

	timer := time.NewTimer(in.requestTimeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return "", errors.Errorf("wallet did not answer %v in time", request.Method)
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), request.Method)
	case <-in.closed:
		return "", errors.New("bridge session closed")
	}
}

func (in *BridgeProvider) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-in.closed:
			default:
				log.Warnf("wallet bridge read:%v", err)
				in.notifyAccounts(nil)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		in.ack()
		msg, err := newBridgeMessageFromBytes(data)
		if err != nil {
			continue
		}
		jsonRpc, err := in.decrypt(msg)
		if err != nil {
			log.Warnf("wallet bridge decrypt:%v", err)
			continue
		}
		log.Debugf("wallet bridge - receive:%v", jsonRpc)
		in.route(jsonRpc)
	}
}

func (in *BridgeProvider) route(jsonRpc string) {
	if gjson.Get(jsonRpc, "method").String() == "wc_sessionUpdate" {
		in.handleSessionUpdate(jsonRpc)
		return
	}
	id := gjson.Get(jsonRpc, "id").Int()
	in.mu.Lock()
	replyCh := in.pending[id]
	in.mu.Unlock()
	if replyCh == nil {
		log.Debugf("wallet bridge - unmatched response id %v", id)
		return
	}
	select {
	case replyCh <- jsonRpc:
	default:
	}
}

// handleSessionUpdate translates wallet-side session mutations into
// account-change notifications: a closed session or an empty account list
// becomes an empty notification, forcing the connector to disconnect.
func (in *BridgeProvider) handleSessionUpdate(jsonRpc string) {
	params := gjson.Get(jsonRpc, "params").Array()
	if len(params) == 0 {
		return
	}
	update := params[0]
	if !update.Get("approved").Bool() {
		log.Warn("wallet bridge - session closed by wallet")
		in.notifyAccounts(nil)
		return
	}
	var accounts []common.Address
	for _, acc := range update.Get("accounts").Array() {
		accounts = append(accounts, common.HexToAddress(acc.String()))
	}
	in.mu.Lock()
	in.accounts = append(in.accounts[:0], accounts...)
	if chainID := update.Get("chainId").Int(); chainID > 0 {
		in.chainID = int(chainID)
	}
	in.mu.Unlock()
	in.notifyAccounts(accounts)
}

// notifyAccounts publishes under the lock so Close cannot race the send.
func (in *BridgeProvider) notifyAccounts(accounts []common.Address) {
	if accounts == nil {
		accounts = []common.Address{}
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.conn == nil {
		return
	}
	select {
	case in.accountsChange <- accounts:
	default:
		log.Warn("wallet bridge - account notification dropped, consumer stalled")
	}
}

func (in *BridgeProvider) ack() {
	msg := bridgeMessage{
		Topic:  in.clientID,
		Type:   "ack",
		Silent: true,
	}
	if err := in.send(msg.Marshal()); err != nil {
		log.Debugf("wallet bridge ack:%v", err)
	}
}

func (in *BridgeProvider) encrypt(jsonRpc string) (*bridgePayload, error) {
	iv, err := walletbridge.GenerateRandomBytes(128 / 8)
	if err != nil {
		return nil, errors.WrapAndReport(err, "generate random bytes")
	}
	data, err := walletbridge.Aes256Encrypt([]byte(jsonRpc), in.encryptionKey, iv)
	if err != nil {
		return nil, err
	}
	unsigned := append(data, iv...)
	hmac := walletbridge.HmacSha256(unsigned, in.encryptionKey)
	return &bridgePayload{
		Data: hex.EncodeToString(data),
		IV:   hex.EncodeToString(iv),
		Hmac: hex.EncodeToString(hmac),
	}, nil
}

func (in *BridgeProvider) decrypt(msg *bridgeMessage) (string, error) {
	mp, err := newBridgePayloadFromBytes([]byte(msg.Payload))
	if err != nil {
		return "", err
	}
	iv, err := hex.DecodeString(mp.IV)
	if err != nil {
		return "", errors.WrapAndReport(err, "decode iv hex")
	}
	cipher, err := hex.DecodeString(mp.Data)
	if err != nil {
		return "", errors.WrapAndReport(err, "decode cipher hex")
	}
	unsigned := append(cipher, iv...)
	hmac := walletbridge.HmacSha256(unsigned, in.encryptionKey)
	if hex.EncodeToString(hmac) != mp.Hmac {
		return "", errors.NewWithReport("inconsistent bridge message hmac")
	}
	data, err := walletbridge.Aes256Decrypt(cipher, in.encryptionKey, iv)
	if err != nil {
		return "", errors.WrapAndReport(err, "aes256 decrypt")
	}
	return string(data), nil
}
