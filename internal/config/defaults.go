package config

// Default configuration values.
const (
	DefaultTFTPPort        = 69
	DefaultDataDir         = "./data"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultTransferTimeout = "5s"
)
