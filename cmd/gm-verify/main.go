package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"gmcoin.meme/gm-verify/internal/confirm"
	"gmcoin.meme/gm-verify/internal/config"
	"gmcoin.meme/gm-verify/internal/dispatch"
	"gmcoin.meme/gm-verify/internal/flow"
	"gmcoin.meme/gm-verify/internal/http"
	"gmcoin.meme/gm-verify/internal/relay"
	"gmcoin.meme/gm-verify/internal/session"
	"gmcoin.meme/gm-verify/internal/starter"
	"gmcoin.meme/gm-verify/internal/twitter"
	"gmcoin.meme/gm-verify/internal/wallet"
	"gmcoin.meme/gm-verify/pkg/errors"
	"gmcoin.meme/gm-verify/pkg/log"
)

func main() {
	log.Infof("Starting app")
	startApp()
}

func startApp() {
	defer func() {
		if i := recover(); i != nil {
			log.Fatal(errors.ErrorfAndReport("%v", i))
		}
	}()
	log.SetLevel(0)
	config.Read()
	if config.Global.SentryDSN != "" {
		if err := errors.NewSentryReporter(config.Global.SentryDSN); err != nil {
			log.Error(errors.Wrap(err, "init sentry reporter"))
		}
	}
	ctx := context.Background()
	scopes := session.Init(&config.Global.RedisCredential)
	defer session.Close()

	rpc, err := ethclient.Dial(config.Global.Contract.RPCEndpoint)
	if err != nil {
		log.Fatal(errors.WrapAndReport(err, "dial chain rpc"))
	}
	defer rpc.Close()
	stream, err := ethclient.Dial(config.Global.Contract.WsEndpoint)
	if err != nil {
		log.Fatal(errors.WrapAndReport(err, "dial chain event stream"))
	}
	defer stream.Close()

	contractAddr := common.HexToAddress(config.Global.Contract.Address)
	connector := wallet.NewConnector(func() (wallet.Provider, error) {
		return wallet.NewBridgeProvider(config.Global.WalletBridgeURL,
			"gmcoin.meme", "https://gmcoin.meme"), nil
	}, scopes.Durable, config.Global.Contract.ChainID)

	dispatcher := dispatch.NewDispatcher(rpc, relay.NewClient(config.Global.Relay.SubmitURL),
		connector, contractAddr, config.Global.AttestationMsg, config.Global.GasFactor())
	listener := confirm.NewListener(stream, contractAddr, config.Global.ConfirmTimeout())
	resolver := relay.NewHandleResolver(config.Global.Relay.TokenURL, scopes.Durable)
	orch := flow.NewOrchestrator(connector, dispatcher, listener, resolver, scopes.Volatile)
	oauth := twitter.NewOAuth(config.Global.Twitter.ClientID, config.Global.Twitter.RedirectURI,
		config.Global.Twitter.Scopes, scopes.Volatile)

	starter.Start(ctx,
		http.NewServer(orch, connector, oauth, rpc, rpc, contractAddr,
			scopes.Durable, config.Global.HTTPListenAddr),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infof("Stopping app")
	if err := connector.Disconnect(ctx); err != nil {
		log.Warnf("disconnect wallet on shutdown:%v", err)
	}
}
