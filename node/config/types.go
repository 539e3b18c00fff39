package config

// // NOTE: ONLY PUT STRUCT DEFINITIONS IN THIS FILE

// Receiver is the payment receiver daemon config
type Receiver struct {
	API     API
	Chain   Chain
	Wallet  Wallet
	State   State
	Journal Journal
	Logging Logging
}

// API contains configs for the HTTP endpoint
type API struct {
	// Binding address for the payment API
	ListenAddress string
	// Maximum time spent handling a single request
	Timeout Duration
	// Requests per second accepted overall, 0 disables the limit
	RateLimit int64
	// Requests per minute accepted from a single remote host, 0 disables the limit
	PerHostPerMinute int64
}

// Chain describes the node and contract the receiver follows
type Chain struct {
	// JSON-RPC endpoint of an Ethereum node
	Endpoint string
	// Chain id the endpoint is expected to serve
	NetworkID uint64
	// Address of the channel manager contract
	Contract string

	// Number of blocks an event must be buried under before it is applied
	ConfirmationDepth uint64
	// Challenge period of the contract, in blocks
	ChallengePeriod uint64
	// First block scanned by a fresh ledger, usually the contract deployment block
	StartBlock uint64

	PollInterval   Duration
	MaxPollBackoff Duration
	// Maximum number of blocks covered by a single log query
	MaxBlockRange uint64
}

// Wallet holds the receiver key
type Wallet struct {
	// File with the hex encoded secp256k1 private key of the receiver
	KeyFile string
}

// State configures the persistent channel ledger
type State struct {
	// Path of the state file; a lock file is kept next to it
	Path string
	// Number of applied contract events remembered to drop redeliveries
	DedupCacheSize int
}

// Journal configures the event journal
type Journal struct {
	// Directory for journal files, journaling is off when empty
	Path string
	// Comma separated system:event pairs which are not journaled
	DisabledEvents string
}

// Logging is the logging system config
type Logging struct {
	// SubsystemLevels specify per-subsystem log levels
	SubsystemLevels map[string]string
}
