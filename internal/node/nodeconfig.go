package node

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
)

// File names written by `neard init` into the node home.
const (
	ConfigFile       = "config.json"
	ValidatorKeyFile = "validator_key.json"
)

const (
	defaultRPCAddr     = "0.0.0.0:3030"
	defaultNetworkAddr = "0.0.0.0:24567"
)

// HomeConfig is the subset of config.json the launchers read.
type HomeConfig struct {
	ChainID string `json:"chain_id,omitempty"`
	RPC     struct {
		Addr string `json:"addr"`
	} `json:"rpc"`
	Network struct {
		Addr string `json:"addr"`
	} `json:"network"`
}

// ValidatorKey is the public part of validator_key.json.
type ValidatorKey struct {
	AccountID string `json:"account_id"`
	PublicKey string `json:"public_key"`
}

// ParseHomeConfig decodes config.json content and fills default addresses.
func ParseHomeConfig(data []byte) (HomeConfig, error) {
	var hc HomeConfig
	if err := json.Unmarshal(data, &hc); err != nil {
		return hc, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	if hc.RPC.Addr == "" {
		hc.RPC.Addr = defaultRPCAddr
	}
	if hc.Network.Addr == "" {
		hc.Network.Addr = defaultNetworkAddr
	}
	return hc, nil
}

// ReadHomeConfig loads config.json from home. A missing file yields the
// default addresses.
func ReadHomeConfig(home string) (HomeConfig, error) {
	data, err := os.ReadFile(filepath.Join(home, ConfigFile))
	if os.IsNotExist(err) {
		return ParseHomeConfig([]byte("{}"))
	}
	if err != nil {
		return HomeConfig{}, fmt.Errorf("read %s: %w", ConfigFile, err)
	}
	return ParseHomeConfig(data)
}

// ReadValidatorKey loads the validator key written by init.
func ReadValidatorKey(home string) (ValidatorKey, error) {
	data, err := os.ReadFile(filepath.Join(home, ValidatorKeyFile))
	if err != nil {
		return ValidatorKey{}, fmt.Errorf("read %s: %w", ValidatorKeyFile, err)
	}
	return ParseValidatorKey(data)
}

// ParseValidatorKey decodes validator_key.json content.
func ParseValidatorKey(data []byte) (ValidatorKey, error) {
	var vk ValidatorKey
	if err := json.Unmarshal(data, &vk); err != nil {
		return vk, fmt.Errorf("parse %s: %w", ValidatorKeyFile, err)
	}
	return vk, nil
}

// RPCPort returns the port of the RPC listen address.
func (hc HomeConfig) RPCPort() (int, error) { return portOf(hc.RPC.Addr) }

// NetworkPort returns the port of the p2p listen address.
func (hc HomeConfig) NetworkPort() (int, error) { return portOf(hc.Network.Addr) }

// DialAddr turns a listen address into one a client can dial. Wildcard hosts
// are replaced by host, or loopback when host is empty.
func DialAddr(listen, host string) (string, error) {
	h, p, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("split %q: %w", listen, err)
	}
	if host != "" && (h == "" || h == "0.0.0.0" || h == "::" || h == "127.0.0.1" || h == "localhost") {
		h = host
	} else if h == "" || h == "0.0.0.0" || h == "::" {
		h = "127.0.0.1"
	}
	return net.JoinHostPort(h, p), nil
}

func portOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("split %q: %w", addr, err)
	}
	return strconv.Atoi(p)
}
