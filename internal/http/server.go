package http

import (
	"context"
	"math/big"
	"net/http"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"gmcoin.meme/gm-verify/internal/config"
	"gmcoin.meme/gm-verify/internal/contract"
	"gmcoin.meme/gm-verify/internal/dispatch"
	"gmcoin.meme/gm-verify/internal/flow"
	"gmcoin.meme/gm-verify/internal/session"
	"gmcoin.meme/gm-verify/internal/twitter"
	"gmcoin.meme/gm-verify/internal/wallet"
	"gmcoin.meme/gm-verify/pkg/errors"
	"gmcoin.meme/gm-verify/pkg/log"
)

// BalanceReader is the slice of an eth client the status endpoint needs.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Server exposes the verification flow to the embedding UI. Handlers are
// thin adapters, every decision stays in the flow package.
type Server struct {
	orch         *flow.Orchestrator
	connector    *wallet.Connector
	oauth        *twitter.OAuth
	caller       ethereum.ContractCaller
	balances     BalanceReader
	contractAddr common.Address
	durable      session.Store
	listenAddr   string

	mu sync.Mutex
	qr []byte
}

func NewServer(orch *flow.Orchestrator, connector *wallet.Connector, oauth *twitter.OAuth,
	caller ethereum.ContractCaller, balances BalanceReader, contractAddr common.Address,
	durable session.Store, listenAddr string) *Server {
	in := &Server{
		orch:         orch,
		connector:    connector,
		oauth:        oauth,
		caller:       caller,
		balances:     balances,
		contractAddr: contractAddr,
		durable:      durable,
		listenAddr:   listenAddr,
	}
	connector.OnPairing(func(qr []byte) {
		in.mu.Lock()
		in.qr = qr
		in.mu.Unlock()
	})
	return in
}

func (in *Server) Apply(conf *config.Configuration) {
	if conf.HTTPListenAddr != "" {
		in.listenAddr = conf.HTTPListenAddr
	}
}

func (in *Server) Start(ctx context.Context) {
	go in.Run()
}

func (in *Server) Run() {
	if err := in.router().Run(in.listenAddr); err != nil {
		log.Fatal(err)
	}
}

func (in *Server) router() *gin.Engine {
	router := gin.Default()
	router.Use(gin.Recovery())

	router.GET("/status", in.status)
	router.POST("/wallet/connect", in.connectWallet)
	router.GET("/wallet/qr", in.pairingQR)
	router.POST("/wallet/disconnect", in.disconnectWallet)
	router.GET("/auth/url", in.authorizeURL)
	router.GET("/auth/callback", in.authorizeCallback)
	router.POST("/dispatch", in.dispatchVerification)
	router.POST("/back", in.back)
	router.GET("/user", in.linkedUser)
	return router
}

func (in *Server) status(ctx *gin.Context) {
	step := in.orch.Sync()
	status := in.orch.Status()
	resp := map[string]interface{}{
		"step":   step.String(),
		"status": status.Phase.String(),
	}
	if status.Phase == flow.Failed {
		resp["category"] = string(status.Category)
		resp["message"] = status.Message
	}
	if identity := in.connector.Identity(); identity.Address != (common.Address{}) {
		resp["wallet"] = identity.Address.Hex()
		resp["chainId"] = identity.ChainID
		if balance, err := in.balances.BalanceAt(ctx.Request.Context(), identity.Address, nil); err == nil {
			resp["balance"] = dispatch.EtherString(balance)
		}
	}
	if handle := in.durable.Get(session.KeyTwitterName); handle != "" {
		resp["twitterName"] = handle
	}
	ctx.JSONP(http.StatusOK, resp)
}

func (in *Server) connectWallet(ctx *gin.Context) {
	identity, err := in.connector.Connect(ctx.Request.Context())
	if err != nil {
		log.Error(errors.Wrap(err, "connect wallet"))
		ctx.JSONP(http.StatusOK, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	in.orch.Sync()
	ctx.JSONP(http.StatusOK, map[string]interface{}{
		"wallet":  identity.Address.Hex(),
		"chainId": identity.ChainID,
	})
}

// pairingQR serves the current wallet pairing code. Connect opens the
// session and blocks on user approval, the UI polls this for the image to
// present meanwhile.
func (in *Server) pairingQR(ctx *gin.Context) {
	in.mu.Lock()
	qr := in.qr
	in.mu.Unlock()
	if len(qr) == 0 {
		ctx.JSONP(http.StatusOK, map[string]interface{}{
			"error": "no pairing in progress",
		})
		return
	}
	ctx.Data(http.StatusOK, "image/png", qr)
}

func (in *Server) disconnectWallet(ctx *gin.Context) {
	if err := in.connector.Disconnect(ctx.Request.Context()); err != nil {
		ctx.JSONP(http.StatusOK, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	ctx.JSONP(http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

func (in *Server) authorizeURL(ctx *gin.Context) {
	authorizeURL, err := in.oauth.BeginAuthorization()
	if err != nil {
		log.Error(errors.Wrap(err, "begin twitter authorization"))
		ctx.JSONP(http.StatusOK, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	ctx.JSONP(http.StatusOK, map[string]interface{}{
		"url": authorizeURL,
	})
}

func (in *Server) authorizeCallback(ctx *gin.Context) {
	_, cleanURL, err := in.oauth.AcceptCallback(ctx.Request.URL.String())
	if err != nil {
		ctx.JSONP(http.StatusOK, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	step := in.orch.Sync()
	ctx.JSONP(http.StatusOK, map[string]interface{}{
		"url":  cleanURL,
		"step": step.String(),
	})
}

type dispatchRequest struct {
	AutoFollow bool `json:"autoFollow"`
}

func (in *Server) dispatchVerification(ctx *gin.Context) {
	var req dispatchRequest
	if err := ctx.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		ctx.JSONP(http.StatusOK, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	status, err := in.orch.Verify(ctx.Request.Context(), req.AutoFollow)
	if err != nil {
		ctx.JSONP(http.StatusOK, map[string]interface{}{
			"error":  err.Error(),
			"status": status.Phase.String(),
		})
		return
	}
	resp := map[string]interface{}{
		"status": status.Phase.String(),
	}
	if status.Phase == flow.Failed {
		resp["category"] = string(status.Category)
		resp["message"] = status.Message
	}
	if receipt := in.orch.Receipt(); receipt != nil && status.Phase == flow.Success {
		resp["route"] = string(receipt.Route)
		if receipt.TxHash != (common.Hash{}) {
			resp["txHash"] = receipt.TxHash.Hex()
		}
	}
	ctx.JSONP(http.StatusOK, resp)
}

func (in *Server) back(ctx *gin.Context) {
	if err := in.orch.Back(ctx.Request.Context()); err != nil {
		ctx.JSONP(http.StatusOK, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	ctx.JSONP(http.StatusOK, map[string]interface{}{
		"step": in.orch.Step().String(),
	})
}

// linkedUser reads the social id the contract holds for a wallet. Defaults
// to the connected wallet when none is given.
func (in *Server) linkedUser(ctx *gin.Context) {
	walletHex := ctx.Query("wallet")
	if walletHex == "" {
		identity := in.connector.Identity()
		if identity.Address == (common.Address{}) {
			ctx.JSONP(http.StatusOK, map[string]interface{}{
				"error": "wallet address not present",
			})
			return
		}
		walletHex = identity.Address.Hex()
	}
	if !common.IsHexAddress(walletHex) {
		ctx.JSONP(http.StatusOK, map[string]interface{}{
			"error": "wallet address invalid",
		})
		return
	}
	userID, err := contract.UserByWallet(ctx.Request.Context(), in.caller,
		in.contractAddr, common.HexToAddress(walletHex))
	if err != nil {
		log.Error(errors.Wrap(err, "read user by wallet"))
		ctx.JSONP(http.StatusOK, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	ctx.JSONP(http.StatusOK, map[string]interface{}{
		"wallet": common.HexToAddress(walletHex).Hex(),
		"userId": userID,
	})
}
