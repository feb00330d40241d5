package dispatch

import (
	"context"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	"gmcoin.meme/gm-verify/internal/contract"
	"gmcoin.meme/gm-verify/internal/relay"
	"gmcoin.meme/gm-verify/internal/wallet"
	"gmcoin.meme/gm-verify/pkg/errors"
	"gmcoin.meme/gm-verify/pkg/log"
)

// Backend is the read side of the chain the dispatcher prices against,
// satisfied by an ethclient on the RPC endpoint.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Request is one verification attempt. Ephemeral, never persisted.
type Request struct {
	AuthCode   string
	Verifier   string
	AutoFollow bool
}

// Route taken by a dispatch.
type Route string

const (
	Direct  Route = "direct"
	Relayed Route = "relayed"
)

// Receipt is the resolution of the chosen path: a mined transaction for the
// direct route, a relay acknowledgment for the relayed one. The contract
// event is awaited separately.
type Receipt struct {
	Route  Route
	TxHash common.Hash
	Ack    *relay.Ack
}

// Choose picks the route: direct only when the balance clears the safety
// factor over the estimated cost, strictly. A balance exactly at the
// threshold goes through the relay.
func Choose(balance, totalGasCost *big.Int, factor int64) Route {
	threshold := new(big.Int).Mul(totalGasCost, big.NewInt(factor))
	if balance.Cmp(threshold) > 0 {
		return Direct
	}
	return Relayed
}

// Dispatcher prices the direct contract call against the account balance on
// every attempt and falls back to the relay when funds are short.
type Dispatcher struct {
	backend        Backend
	relayClient    relay.Client
	connector      *wallet.Connector
	contractAddr   common.Address
	attestationMsg string
	gasFactor      int64

	receiptPollInterval time.Duration
	receiptWaitTimeout  time.Duration
}

func NewDispatcher(backend Backend, relayClient relay.Client, connector *wallet.Connector,
	contractAddr common.Address, attestationMsg string, gasFactor int64) *Dispatcher {
	if gasFactor <= 0 {
		gasFactor = 2
	}
	return &Dispatcher{
		backend:             backend,
		relayClient:         relayClient,
		connector:           connector,
		contractAddr:        contractAddr,
		attestationMsg:      attestationMsg,
		gasFactor:           gasFactor,
		receiptPollInterval: time.Second * 2,
		receiptWaitTimeout:  time.Minute * 2,
	}
}

// Dispatch submits the verification through the chosen route and resolves
// with its receipt or acknowledgment. The caller joins this with the
// confirmation event separately.
func (in *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Receipt, error) {
	if req.AuthCode == "" || req.Verifier == "" {
		return nil, NewError(MissingCredentials, "authorization code or verifier absent", nil)
	}
	identity := in.connector.Identity()
	provider := in.connector.Provider()
	if provider == nil {
		return nil, NewError(Internal, "wallet not connected", nil)
	}
	if err := in.connector.RequireChain(ctx); err != nil {
		if errors.Is(err, wallet.ErrWrongNetwork) {
			return nil, NewError(WrongNetwork, err.Error(), err)
		}
		return nil, NewError(Internal, "check wallet network", err)
	}

	calldata, err := contract.PackRequestVerification(req.AuthCode, req.Verifier, req.AutoFollow)
	if err != nil {
		return nil, NewError(Internal, "pack verification calldata", err)
	}

	// Balances and gas prices are point in time, recomputed on every attempt.
	balance, err := in.backend.BalanceAt(ctx, identity.Address, nil)
	if err != nil {
		return nil, NewError(EstimationFailed, "read account balance", err)
	}
	gas, err := in.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: identity.Address,
		To:   &in.contractAddr,
		Data: calldata,
	})
	if err != nil {
		// The node simulates the call, an estimation failure means the
		// contract would revert. Abort before any signature prompt.
		return nil, NewError(EstimationFailed, "estimate verification gas", err)
	}
	gasPrice, err := in.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, NewError(EstimationFailed, "read gas price", err)
	}
	totalGasCost := new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice)
	log.Debugf("dispatch pricing: balance=%v wei, gas=%v, gasPrice=%v, cost=%v wei",
		balance, gas, gasPrice, totalGasCost)

	if Choose(balance, totalGasCost, in.gasFactor) == Direct {
		return in.sendDirect(ctx, identity.Address, provider, calldata, gas, gasPrice)
	}
	return in.sendRelayed(ctx, identity.Address, provider, req)
}

func (in *Dispatcher) sendDirect(ctx context.Context, from common.Address, provider wallet.Provider,
	calldata []byte, gas uint64, gasPrice *big.Int) (*Receipt, error) {
	log.Infof("dispatching verification directly for %v", from.Hex())
	txHash, err := provider.SendTransaction(ctx, wallet.TxRequest{
		From:     from,
		To:       in.contractAddr,
		Data:     calldata,
		Gas:      gas,
		GasPrice: gasPrice,
	})
	if err != nil {
		if wallet.IsUserRejected(err) {
			return nil, NewError(UserCancelled, "transaction rejected in wallet", err)
		}
		return nil, NewError(TransactionFailed, "send verification transaction", err)
	}
	receipt, err := in.waitMined(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, NewError(TransactionFailed, "verification transaction reverted", nil)
	}
	return &Receipt{Route: Direct, TxHash: txHash}, nil
}

func (in *Dispatcher) sendRelayed(ctx context.Context, from common.Address, provider wallet.Provider,
	req *Request) (*Receipt, error) {
	log.Infof("balance below %vx gas cost, relaying verification for %v", in.gasFactor, from.Hex())
	signature, err := provider.SignMessage(ctx, from, []byte(in.attestationMsg))
	if err != nil {
		if wallet.IsUserRejected(err) {
			return nil, NewError(UserCancelled, "attestation signature rejected in wallet", err)
		}
		return nil, NewError(Internal, "sign relay attestation", err)
	}
	if !wallet.VerifyPersonalSignature(from, signature, []byte(in.attestationMsg)) {
		return nil, NewError(Internal, "attestation signature does not recover to wallet", nil)
	}
	ack, err := in.relayClient.Submit(ctx, &relay.SubmitRequest{
		Signature:  signature,
		AuthCode:   req.AuthCode,
		Verifier:   req.Verifier,
		AutoFollow: req.AutoFollow,
		Wallet:     from.Hex(),
	})
	if err != nil {
		if errors.Is(err, relay.ErrUnreachable) {
			return nil, NewError(InsufficientFundsAndRelayUnavailable,
				"gas too high and relay unreachable", err)
		}
		return nil, NewError(RelayServiceError, "relay refused submission", err)
	}
	return &Receipt{Route: Relayed, Ack: ack}, nil
}

// waitMined polls for the transaction receipt. The broadcast transaction is
// not cancelled when the caller's window closes, it settles or fails on
// chain independently.
func (in *Dispatcher) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	deadline := time.NewTimer(in.receiptWaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(in.receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := in.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			log.Debugf("poll receipt %v:%v", txHash.Hex(), err)
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return nil, NewError(TransactionFailed, "transaction not mined in time", nil)
		case <-ctx.Done():
			return nil, NewError(TransactionFailed, "wait for transaction receipt", ctx.Err())
		}
	}
}

// EtherString formats a wei amount for logs and user-facing messages.
func EtherString(wei *big.Int) string {
	eth := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.Ether))
	return eth.Text('f', 6) + " ETH"
}
