package wallet

import (
	"encoding/json"

	"go.uber.org/atomic"

	"gmcoin.meme/gm-verify/pkg/errors"
	"gmcoin.meme/gm-verify/pkg/log"
)

// Bridge protocol message shapes, walletconnect v1.

type bridgeMessage struct {
	Topic string `json:"topic"`
	// pub sub ack
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Silent  bool   `json:"silent"`
}

func newBridgeMessageFromBytes(data []byte) (*bridgeMessage, error) {
	var msg bridgeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.WrapAndReport(err, "unmarshal bridge message")
	}
	return &msg, nil
}

func (msg *bridgeMessage) Marshal() []byte {
	bytes, _ := json.Marshal(msg)
	return bytes
}

type bridgePayload struct {
	Data string `json:"data"`
	Hmac string `json:"hmac"`
	IV   string `json:"iv"`
}

func newBridgePayloadFromBytes(data []byte) (*bridgePayload, error) {
	var payload bridgePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errors.WrapAndReport(err, "unmarshal bridge message payload")
	}
	return &payload, nil
}

func (e *bridgePayload) Marshal() string {
	s, err := json.Marshal(e)
	if err != nil {
		log.Errorf("marshal:%v", err)
	}
	return string(s)
}

type peerMeta struct {
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
	Name        string   `json:"name"`
}

type peer struct {
	PeerID   string   `json:"peerId"`
	PeerMeta peerMeta `json:"peerMeta"`
}

type jsonRpcRequest struct {
	Id      int64         `json:"id"`
	JSONRpc string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

var rpcID atomic.Int64

func newJSONRpcRequest(method string, params ...interface{}) *jsonRpcRequest {
	r := &jsonRpcRequest{
		Id:      rpcID.Inc(),
		JSONRpc: "2.0",
		Method:  method,
		Params:  []interface{}{},
	}
	if len(params) > 0 {
		r.Params = params
	}
	return r
}

func (e *jsonRpcRequest) Marshal() string {
	s, err := json.Marshal(e)
	if err != nil {
		log.Errorf("marshal:%v", err)
	}
	return string(s)
}
