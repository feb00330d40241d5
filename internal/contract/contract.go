package contract

import (
	"context"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"gmcoin.meme/gm-verify/pkg/errors"
)

// Surface of the gmcoin verification contract. Mirrors the deployed ABI:
// a write entry point, two outcome events and a read-only reverse lookup.
const rawABI = `[
	{"type":"function","name":"requestTwitterVerification","stateMutability":"nonpayable","inputs":[
		{"name":"authCode","type":"string"},
		{"name":"verifier","type":"string"},
		{"name":"autoFollow","type":"bool"}],"outputs":[]},
	{"type":"function","name":"userByWallet","stateMutability":"view","inputs":[
		{"name":"wallet","type":"address"}],"outputs":[{"name":"","type":"string"}]},
	{"type":"event","name":"TwitterConnected","inputs":[
		{"name":"userID","type":"string","indexed":true},
		{"name":"wallet","type":"address","indexed":true}]},
	{"type":"event","name":"TwitterConnectError","inputs":[
		{"name":"wallet","type":"address","indexed":true},
		{"name":"errorMsg","type":"string","indexed":false}]}
]`

var (
	verificationABI abi.ABI

	// ConnectedTopic and ConnectErrorTopic identify the two outcome events
	// in subscription filters.
	ConnectedTopic    common.Hash
	ConnectErrorTopic common.Hash
)

// nolint:gochecknoinits
func init() {
	parsed, err := abi.JSON(strings.NewReader(rawABI))
	if err != nil {
		panic(err)
	}
	verificationABI = parsed
	ConnectedTopic = verificationABI.Events["TwitterConnected"].ID
	ConnectErrorTopic = verificationABI.Events["TwitterConnectError"].ID
}

// PackRequestVerification returns the calldata for requestTwitterVerification.
func PackRequestVerification(authCode, verifier string, autoFollow bool) ([]byte, error) {
	data, err := verificationABI.Pack("requestTwitterVerification", authCode, verifier, autoFollow)
	if err != nil {
		return nil, errors.WrapAndReport(err, "pack requestTwitterVerification calldata")
	}
	return data, nil
}

// ConnectedEvent is a decoded TwitterConnected log. The user id is an indexed
// string, so only its keccak hash survives in the topic.
type ConnectedEvent struct {
	UserIDHash common.Hash
	Wallet     common.Address
}

// ConnectErrorEvent is a decoded TwitterConnectError log.
type ConnectErrorEvent struct {
	Wallet   common.Address
	ErrorMsg string
}

// ParseConnected decodes a TwitterConnected log.
func ParseConnected(lg types.Log) (*ConnectedEvent, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != ConnectedTopic {
		return nil, errors.New("log is not a TwitterConnected event")
	}
	return &ConnectedEvent{
		UserIDHash: lg.Topics[1],
		Wallet:     common.BytesToAddress(lg.Topics[2].Bytes()),
	}, nil
}

// ParseConnectError decodes a TwitterConnectError log.
func ParseConnectError(lg types.Log) (*ConnectErrorEvent, error) {
	if len(lg.Topics) != 2 || lg.Topics[0] != ConnectErrorTopic {
		return nil, errors.New("log is not a TwitterConnectError event")
	}
	vals, err := verificationABI.Unpack("TwitterConnectError", lg.Data)
	if err != nil {
		return nil, errors.WrapAndReport(err, "unpack TwitterConnectError data")
	}
	msg, ok := vals[0].(string)
	if !ok {
		return nil, errors.NewWithReport("unexpected TwitterConnectError payload type")
	}
	return &ConnectErrorEvent{
		Wallet:   common.BytesToAddress(lg.Topics[1].Bytes()),
		ErrorMsg: msg,
	}, nil
}

// UserByWallet resolves the twitter user id linked to a wallet, empty when none.
func UserByWallet(ctx context.Context, caller ethereum.ContractCaller, contractAddr, wallet common.Address) (string, error) {
	data, err := verificationABI.Pack("userByWallet", wallet)
	if err != nil {
		return "", errors.WrapAndReport(err, "pack userByWallet calldata")
	}
	out, err := caller.CallContract(ctx, ethereum.CallMsg{
		To:   &contractAddr,
		Data: data,
	}, nil)
	if err != nil {
		return "", errors.Wrap(err, "call userByWallet")
	}
	vals, err := verificationABI.Unpack("userByWallet", out)
	if err != nil {
		return "", errors.WrapAndReport(err, "unpack userByWallet result")
	}
	user, _ := vals[0].(string)
	return user, nil
}
