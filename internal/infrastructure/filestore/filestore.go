package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/control-assurance-backend/internal/domain/errors"
	"github.com/davidleathers/control-assurance-backend/internal/domain/evidence"
	"github.com/davidleathers/control-assurance-backend/internal/service/workflow"
)

var _ workflow.FileStore = (*LocalStore)(nil)

// LocalStore keeps evidence files on disk addressed by their SHA-256.
// Identical uploads share one blob; a reference is valid only when its hash
// matches the stored content address.
type LocalStore struct {
	root   string
	logger *zap.Logger
	now    func() time.Time
}

func NewLocalStore(root string, logger *zap.Logger) (*LocalStore, error) {
	if root == "" {
		return nil, errors.NewValidationError("MISSING_ROOT", "file store root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, "blobs"), 0o750); err != nil {
		return nil, errors.NewInternalError("failed to create file store root").WithCause(err)
	}
	return &LocalStore{root: root, logger: logger, now: time.Now}, nil
}

// Put streams r into the store and returns its reference
func (s *LocalStore) Put(ctx context.Context, r io.Reader) (evidence.FileRef, error) {
	tmp, err := os.CreateTemp(s.root, "upload-*")
	if err != nil {
		return evidence.FileRef{}, errors.NewInternalError("failed to create upload file").WithCause(err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), contextReader{ctx: ctx, r: r})
	if err != nil {
		return evidence.FileRef{}, errors.NewInternalError("failed to write upload").WithCause(err)
	}
	if err := tmp.Sync(); err != nil {
		return evidence.FileRef{}, errors.NewInternalError("failed to sync upload").WithCause(err)
	}
	hash := hex.EncodeToString(h.Sum(nil))

	dst := s.blobPath(hash)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return evidence.FileRef{}, errors.NewInternalError("failed to create blob directory").WithCause(err)
	}
	if _, err := os.Stat(dst); stderrors.Is(err, fs.ErrNotExist) {
		if err := tmp.Close(); err != nil {
			return evidence.FileRef{}, errors.NewInternalError("failed to close upload").WithCause(err)
		}
		if err := os.Rename(tmp.Name(), dst); err != nil {
			return evidence.FileRef{}, errors.NewInternalError("failed to store blob").WithCause(err)
		}
	}

	ref := evidence.FileRef{ID: hash, Hash: hash, Size: size, UploadedAt: s.now().UTC()}
	s.logger.Debug("evidence file stored", zap.String("hash", hash), zap.Int64("size", size))
	return ref, nil
}

// Exists reports whether a blob with the referenced hash and size is stored
func (s *LocalStore) Exists(_ context.Context, ref evidence.FileRef) (bool, error) {
	if !validHash(ref.Hash) {
		return false, nil
	}
	info, err := os.Stat(s.blobPath(ref.Hash))
	if stderrors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return info.Size() == ref.Size, nil
}

// Open returns the stored content for ref
func (s *LocalStore) Open(_ context.Context, ref evidence.FileRef) (io.ReadCloser, error) {
	if !validHash(ref.Hash) {
		return nil, errors.NewNotFoundError("evidence file")
	}
	f, err := os.Open(s.blobPath(ref.Hash))
	if stderrors.Is(err, fs.ErrNotExist) {
		return nil, errors.NewNotFoundError("evidence file")
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to open blob").WithCause(err)
	}
	return f, nil
}

func (s *LocalStore) blobPath(hash string) string {
	return filepath.Join(s.root, "blobs", hash[:2], hash)
}

func validHash(h string) bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
