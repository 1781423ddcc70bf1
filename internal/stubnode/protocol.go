package stubnode

import "time"

// StatusResponse mirrors the fields of the node's /status reply that the
// launcher and its tests look at.
type StatusResponse struct {
	Version    VersionInfo `json:"version"`
	ChainID    string      `json:"chain_id"`
	RPCAddr    string      `json:"rpc_addr"`
	SyncInfo   SyncInfo    `json:"sync_info"`
	Validators []Validator `json:"validators"`
}

type VersionInfo struct {
	Version string `json:"version"`
	Build   string `json:"build"`
}

type SyncInfo struct {
	LatestBlockHeight uint64    `json:"latest_block_height"`
	LatestBlockTime   time.Time `json:"latest_block_time"`
	Syncing           bool      `json:"syncing"`
}

type Validator struct {
	AccountID string `json:"account_id"`
}

// homeConfig is the config.json written by init.
type homeConfig struct {
	ChainID string `json:"chain_id"`
	RPC     struct {
		Addr string `json:"addr"`
	} `json:"rpc"`
	Network struct {
		Addr string `json:"addr"`
	} `json:"network"`
	Fast bool `json:"fast"`
}

// keyFile is the layout of validator_key.json and node_key.json.
type keyFile struct {
	AccountID string `json:"account_id"`
	PublicKey string `json:"public_key"`
	SecretKey string `json:"secret_key"`
}
