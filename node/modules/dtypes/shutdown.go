package dtypes

// ShutdownChan is a channel to which you send a value if you intend to shut
// down the daemon, including the channel manager and API server.
type ShutdownChan chan struct{}
