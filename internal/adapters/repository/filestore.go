package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/okian/speedcast/internal/domain/traffic"
	"github.com/okian/speedcast/pkg/logger"
	"github.com/okian/speedcast/pkg/metrics"
)

// FileStore keeps one zstd-compressed JSON file per model type and kind in a
// directory. Writes go to a temp file that is synced and renamed over the
// target, so readers never observe a partial checkpoint.
type FileStore struct {
	dir    string
	level  zstd.EncoderLevel
	logger logger.Logger

	// decoderPool provides reusable zstd decoders.
	decoderPool sync.Pool
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at dir. The directory is created on
// first save.
func NewFileStore(dir string, opts ...Option) *FileStore {
	s := &FileStore{
		dir:    dir,
		level:  zstd.SpeedDefault,
		logger: logger.Get().Named("repository"),
		decoderPool: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				if err != nil {
					panic(fmt.Sprintf("create zstd decoder: %v", err))
				}
				return d
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location returns the file path of a checkpoint.
func (s *FileStore) Location(model traffic.ModelType, kind Kind) string {
	name := string(model) + ".ckpt.zst"
	if kind == KindBest {
		name = string(model) + ".best.ckpt.zst"
	}
	return filepath.Join(s.dir, name)
}

// Save validates, encodes and atomically writes cp.
func (s *FileStore) Save(ctx context.Context, kind Kind, cp *Checkpoint) error {
	const op = "repository.save"
	if err := ctx.Err(); err != nil {
		return err
	}
	if cp.Version == 0 {
		cp.Version = Version
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(s.level))
	if err != nil {
		return fmt.Errorf("%s: zstd writer: %w", op, err)
	}
	data := enc.EncodeAll(raw, nil)
	_ = enc.Close()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	path := s.Location(cp.ModelType, kind)
	if err := writeAtomic(s.dir, path, data); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	metrics.RecordCheckpointWrite(string(cp.ModelType), string(kind))
	s.logger.Debug(ctx, "checkpoint written",
		logger.String("model", string(cp.ModelType)),
		logger.String("kind", string(kind)),
		logger.String("path", path),
		logger.Int("bytes", len(data)),
		logger.Int("epoch", cp.Epoch),
	)
	return nil
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads and validates a checkpoint.
func (s *FileStore) Load(ctx context.Context, model traffic.ModelType, kind Kind) (*Checkpoint, error) {
	const op = "repository.load"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.Location(model, kind)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w: %s", op, ErrCheckpointMissing, path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	raw, err := s.decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s: %v", op, ErrCorruptCheckpoint, path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("%s: %w: %s: %v", op, ErrCorruptCheckpoint, path, err)
	}
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, path, err)
	}
	if cp.ModelType != model {
		return nil, fmt.Errorf("%s: %w: %s holds a %s model", op, ErrCorruptCheckpoint, path, cp.ModelType)
	}
	return &cp, nil
}

func (s *FileStore) decompress(data []byte) ([]byte, error) {
	decoder := s.decoderPool.Get().(*zstd.Decoder)
	defer s.decoderPool.Put(decoder)
	return decoder.DecodeAll(data, nil)
}
