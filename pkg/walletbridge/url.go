package walletbridge

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

const (
	alphanumerical  = "abcdefghijklmnopqrstuvwxyz0123456789"
	bridgeURLFormat = "https://%v.bridge.walletconnect.org"
)

// RandomBridgeURL picks one of the public walletconnect bridge shards.
func RandomBridgeURL() string {
	rand.Seed(time.Now().Unix())
	n := rand.Intn(len(alphanumerical))
	c := alphanumerical[n]
	return fmt.Sprintf(bridgeURLFormat, string(c))
}

// GetWebSocketUrl rewrites a bridge https URL into its websocket endpoint.
func GetWebSocketUrl(url, protocol, version string) string {
	if strings.HasPrefix(url, "https") {
		url = strings.Replace(url, "https", "wss", 1)
	}
	return url + "?protocol=" + protocol + "&version=" + version + "&env=gm-verify"
}
