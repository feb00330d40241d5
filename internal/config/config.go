package config

import (
	"flag"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// DBCredential struct
type DBCredential struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
}

// GetRedisAddress prints redis credential info.
func (c *DBCredential) GetRedisAddress() string {
	return fmt.Sprintf("%v:%v", c.Address, c.Port)
}

// Configuration struct
type Configuration struct {
	RedisCredential   DBCredential `yaml:"redis"`
	SentryDSN         string       `yaml:"sentry_dsn"`
	Contract          Contract     `yaml:"contract"`
	Relay             Relay        `yaml:"relay"`
	Twitter           Twitter      `yaml:"twitter"`
	WalletBridgeURL   string       `yaml:"wallet_bridge_url"`
	HTTPListenAddr    string       `yaml:"http_listen_addr"`
	AttestationMsg    string       `yaml:"attestation_message"`
	GasSafetyFactor   int64        `yaml:"gas_safety_factor"`
	ConfirmTimeoutSec int64        `yaml:"confirm_timeout_sec"`
}

type Contract struct {
	Address     string `yaml:"address"`
	ChainID     int    `yaml:"chain_id"`
	RPCEndpoint string `yaml:"rpc_endpoint"`
	WsEndpoint  string `yaml:"ws_endpoint"`
}

type Relay struct {
	SubmitURL string `yaml:"submit_url"`
	TokenURL  string `yaml:"token_url"`
}

type Twitter struct {
	ClientID    string `yaml:"client_id"`
	RedirectURI string `yaml:"redirect_uri"`
	Scopes      string `yaml:"scopes"`
}

// GasFactor returns the safety multiplier applied to the estimated gas cost
// when deciding between the direct and relayed path.
func (c *Configuration) GasFactor() int64 {
	if c.GasSafetyFactor <= 0 {
		return 2
	}
	return c.GasSafetyFactor
}

// ConfirmTimeout returns the window the confirmation listener waits for a
// contract event before giving up.
func (c *Configuration) ConfirmTimeout() time.Duration {
	if c.ConfirmTimeoutSec <= 0 {
		return time.Minute
	}
	return time.Duration(c.ConfirmTimeoutSec) * time.Second
}

func readConfig(path string) (Configuration, error) {
	logrus.Info("Starting to load configuration file ...")
	dat, err := ioutil.ReadFile(path)
	if err != nil {
		logrus.Fatal(err)
	}
	t := Configuration{}
	if err := yaml.Unmarshal(dat, &t); err != nil {
		logrus.Fatalf("fail to decode config error: %v", err)
	}
	return t, nil
}

var Global *Configuration

// Read reads configuration information from yml.
func Read() {
	configFilePath := flag.String("config-path", "internal/config/config.yml", "The path to the configuration file")
	flag.Parse()
	logrus.Infof("Loading configuration file from %s", *configFilePath)
	globalConfig, err := readConfig(*configFilePath)
	if err != nil {
		logrus.Fatal(err)
	}
	Global = &globalConfig
}
