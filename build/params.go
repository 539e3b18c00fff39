package build

import "time"

// ConfirmationDepth is the default number of blocks a contract event must be
// buried under before it is applied to the channel ledger.
const ConfirmationDepth = 5

// ChallengePeriodMin is the smallest challenge period the channel contract
// accepts, in blocks. A unilateral close may be settled by anyone once this
// many blocks have passed since the close request.
const ChallengePeriodMin = 500

// PollInterval is the default interval between chain polls. It is scaled to
// roughly half a block time on mainnet-like chains.
const PollInterval = 2 * time.Second

// MaxBlockRange bounds the block span of a single log query.
const MaxBlockRange = 10000

// MaxPollBackoff caps the delay between retries of a failing chain poll.
const MaxPollBackoff = time.Minute

// DedupCacheSize is the number of applied contract events remembered to
// drop redeliveries.
const DedupCacheSize = 4096
