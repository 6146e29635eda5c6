package blob

const (
	// BlockSize is the size of every staged block but the last one.
	BlockSize int64 = 4 * 1024 * 1024
	// SingleUploadLimit is the smallest payload uploaded in blocks.
	SingleUploadLimit int64 = 64 * 1024 * 1024
	// MaxBlockCount is the block count limit of a block blob.
	MaxBlockCount = 50000
)

// Config holds configuration for the blob uploader.
type Config struct {
	// BlockSize is the size of a staged block.
	// Default: 4 MiB
	BlockSize int64

	// SingleUploadLimit is the payload size from which blocks are used.
	// Default: 64 MiB
	SingleUploadLimit int64

	// MaxBlockCount caps the number of blocks, bounding the largest payload
	// to MaxBlockCount * BlockSize.
	// Default: 50000
	MaxBlockCount int

	// DisableBlocks turns the block upload off, payloads at or above
	// SingleUploadLimit are then rejected with ErrNotImplemented.
	DisableBlocks bool

	// Options are set on the request executor before the first request,
	// see the transport package for the names.
	Options map[string]interface{}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BlockSize:         BlockSize,
		SingleUploadLimit: SingleUploadLimit,
		MaxBlockCount:     MaxBlockCount,
	}
}

// MaxUploadSize is the largest payload accepted with this configuration.
func (c Config) MaxUploadSize() int64 {
	return int64(c.MaxBlockCount) * c.BlockSize
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BlockSize <= 0 {
		c.BlockSize = d.BlockSize
	}
	if c.SingleUploadLimit <= 0 {
		c.SingleUploadLimit = d.SingleUploadLimit
	}
	if c.MaxBlockCount <= 0 {
		c.MaxBlockCount = d.MaxBlockCount
	}
	return c
}
