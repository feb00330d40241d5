package confirm

import (
	"context"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"gmcoin.meme/gm-verify/internal/contract"
	"gmcoin.meme/gm-verify/pkg/log"
)

// Status of one confirmation attempt.
type Status int

const (
	// Success: the contract emitted TwitterConnected for the wallet.
	Success Status = iota
	// Failure: the contract emitted TwitterConnectError, or the stream broke.
	Failure
	// Timeout: neither event arrived inside the window.
	Timeout
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "timeout"
	}
}

// Outcome is produced exactly once per dispatch attempt.
type Outcome struct {
	Status Status
	// Reason carries the contract's error string on Failure.
	Reason string
}

// LogSubscriber is the read-only streaming connection the listener runs on,
// satisfied by an ethclient on the websocket RPC endpoint.
type LogSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Listener races the two mutually exclusive outcome events of the
// verification contract against a bounded timer. The subscription is
// released on every exit path.
type Listener struct {
	subscriber   LogSubscriber
	contractAddr common.Address
	timeout      time.Duration
}

func NewListener(subscriber LogSubscriber, contractAddr common.Address, timeout time.Duration) *Listener {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Listener{
		subscriber:   subscriber,
		contractAddr: contractAddr,
		timeout:      timeout,
	}
}

// Await blocks until one outcome event for the given wallet arrives or the
// window elapses. Events for other wallets on the shared stream are ignored.
func (in *Listener) Await(ctx context.Context, wallet common.Address) Outcome {
	logs := make(chan types.Log, 8)
	query := ethereum.FilterQuery{
		Addresses: []common.Address{in.contractAddr},
		Topics: [][]common.Hash{
			{contract.ConnectedTopic, contract.ConnectErrorTopic},
		},
	}
	sub, err := in.subscriber.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		log.Errorf("subscribe verification events:%v", err)
		return Outcome{Status: Failure, Reason: "event stream unavailable"}
	}
	defer sub.Unsubscribe()

	timer := time.NewTimer(in.timeout)
	defer timer.Stop()

	for {
		select {
		case lg := <-logs:
			outcome, matched := in.classify(lg, wallet)
			if !matched {
				continue
			}
			return outcome
		case err := <-sub.Err():
			log.Warnf("verification event stream:%v", err)
			return Outcome{Status: Failure, Reason: "event stream interrupted"}
		case <-timer.C:
			log.Warnf("no verification event for %v within %v", wallet.Hex(), in.timeout)
			return Outcome{Status: Timeout}
		case <-ctx.Done():
			return Outcome{Status: Failure, Reason: ctx.Err().Error()}
		}
	}
}

func (in *Listener) classify(lg types.Log, wallet common.Address) (Outcome, bool) {
	if len(lg.Topics) == 0 {
		return Outcome{}, false
	}
	switch lg.Topics[0] {
	case contract.ConnectedTopic:
		event, err := contract.ParseConnected(lg)
		if err != nil {
			log.Warnf("parse TwitterConnected log:%v", err)
			return Outcome{}, false
		}
		if event.Wallet != wallet {
			return Outcome{}, false
		}
		return Outcome{Status: Success}, true
	case contract.ConnectErrorTopic:
		event, err := contract.ParseConnectError(lg)
		if err != nil {
			log.Warnf("parse TwitterConnectError log:%v", err)
			return Outcome{}, false
		}
		if event.Wallet != wallet {
			return Outcome{}, false
		}
		return Outcome{Status: Failure, Reason: event.ErrorMsg}, true
	default:
		return Outcome{}, false
	}
}
