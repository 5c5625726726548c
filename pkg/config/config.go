package config

// Package config provides a reusable loader for Synnergy configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"synnergy-network/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a Synnergy node. It mirrors
// the structure of the YAML files under cmd/config.
type Config struct {
	DataDir        string `mapstructure:"data_dir" json:"data_dir"`
	NetworkMode    string `mapstructure:"network" json:"network"` // devnet | testnet | mainnet
	RewardAddress  string `mapstructure:"reward_address" json:"reward_address"`
	EnableNetwork  bool   `mapstructure:"enable_network" json:"enable_network"`
	Discovery      bool   `mapstructure:"discovery" json:"discovery"`

	Network struct {
		ID             string   `mapstructure:"id" json:"id"`
		ChainID        int      `mapstructure:"chain_id" json:"chain_id"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
		GenesisFile    string   `mapstructure:"genesis_file" json:"genesis_file"`
		RPCEnabled     bool     `mapstructure:"rpc_enabled" json:"rpc_enabled"`
		RPCPort        int      `mapstructure:"rpc_port" json:"rpc_port"`
		WSPort         int      `mapstructure:"ws_port" json:"ws_port"`
		RESTPort       int      `mapstructure:"rest_port" json:"rest_port"`
		P2PPort        int      `mapstructure:"p2p_port" json:"p2p_port"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		Bootnodes      []string `mapstructure:"bootnodes" json:"bootnodes"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		Type               string `mapstructure:"type" json:"type"`
		BlockTimeMS        int    `mapstructure:"block_time_ms" json:"block_time_ms"`
		BlockTimeSeconds   int    `mapstructure:"block_time_seconds" json:"block_time_seconds"`
		ValidatorsRequired int    `mapstructure:"validators_required" json:"validators_required"`
		KParameter         int    `mapstructure:"k_parameter" json:"k_parameter"`
		PruningWindow      int    `mapstructure:"pruning_window" json:"pruning_window"`
		FinalityDepth      int    `mapstructure:"finality_depth" json:"finality_depth"`
	} `mapstructure:"consensus" json:"consensus"`

	// Mempool mirrors §6's mempool configuration interface, consumed by
	// core.MempoolConfig at node startup.
	Mempool struct {
		MinGasPrice           uint64 `mapstructure:"min_gas_price" json:"min_gas_price"`
		MaxPerSender          int    `mapstructure:"max_per_sender" json:"max_per_sender"`
		AllowReplacement      bool   `mapstructure:"allow_replacement" json:"allow_replacement"`
		ChainID               uint64 `mapstructure:"chain_id" json:"chain_id"`
		MaxSize               int    `mapstructure:"max_size" json:"max_size"`
		ReplacementFactor     int    `mapstructure:"replacement_factor" json:"replacement_factor"`
		RequireValidSignature bool   `mapstructure:"require_valid_signature" json:"require_valid_signature"`
		TxExpirySecs          int    `mapstructure:"tx_expiry_secs" json:"tx_expiry_secs"`
	} `mapstructure:"mempool" json:"mempool"`

	VM struct {
		MaxGasPerBlock int  `mapstructure:"max_gas_per_block" json:"max_gas_per_block"`
		OpcodeDebug    bool `mapstructure:"opcode_debug" json:"opcode_debug"`
	} `mapstructure:"vm" json:"vm"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
		Prune  bool   `mapstructure:"prune" json:"prune"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	// godotenv.Load is a no-op error (file not found) on most deployments;
	// only a malformed .env that does exist is worth surfacing.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, utils.Wrap(err, "load .env")
	}

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // overrides from the process environment, including anything godotenv loaded above

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SYNN_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SYNN_ENV", ""))
}
