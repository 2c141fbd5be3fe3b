package repository

import (
	"github.com/klauspost/compress/zstd"

	"github.com/okian/speedcast/pkg/logger"
)

// Option applies a configuration option to the FileStore.
type Option func(*FileStore)

// WithCompressionLevel sets the zstd encoder level.
func WithCompressionLevel(level zstd.EncoderLevel) Option {
	return func(s *FileStore) {
		if level >= zstd.SpeedFastest && level <= zstd.SpeedBestCompression {
			s.level = level
		}
	}
}

// WithLogger overrides the store logger.
func WithLogger(l logger.Logger) Option {
	return func(s *FileStore) {
		if l != nil {
			s.logger = l
		}
	}
}
