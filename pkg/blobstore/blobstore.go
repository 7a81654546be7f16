// Package blobstore stores uploaded files outside the message log.
package blobstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/harun/vice/pkg/chat"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Meta describes an upload before it is stored
type Meta struct {
	SessionID string
	Name      string
	MimeType  string
	// Size is the size declared by the client, or -1 when unknown.
	Size int64
}

// Store persists and retrieves upload bytes
type Store interface {
	Store(ctx context.Context, r io.Reader, meta Meta) (chat.FileRef, error)
	Fetch(ctx context.Context, ref chat.FileRef) ([]byte, error)
	Open(ctx context.Context, storedPath string) (*os.File, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeName reduces a client file name to a safe base name. It returns
// an empty string when nothing usable remains.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	return name
}

// FSStore stores files under <root>/<session>/<id>_<name>
type FSStore struct {
	root     string
	maxBytes int64
	logger   zerolog.Logger
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates the root directory if needed
func NewFSStore(root string, maxBytes int64, logger zerolog.Logger) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("upload directory is required")
	}
	if maxBytes <= 0 {
		return nil, errors.New("max upload size must be positive")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &FSStore{
		root:     root,
		maxBytes: maxBytes,
		logger:   logger.With().Str("component", "blobstore").Logger(),
	}, nil
}

// MaxBytes returns the upload size limit
func (s *FSStore) MaxBytes() int64 {
	return s.maxBytes
}

func (s *FSStore) Store(ctx context.Context, r io.Reader, meta Meta) (chat.FileRef, error) {
	name := SanitizeName(meta.Name)
	if name == "" {
		return chat.FileRef{}, chat.Errorf(chat.CodeInvalidFile, "file name is required")
	}
	if meta.Size > s.maxBytes {
		return chat.FileRef{}, chat.Errorf(chat.CodeFileTooLarge, "file is %d bytes, limit is %d", meta.Size, s.maxBytes)
	}
	sessionDir := SanitizeName(meta.SessionID)
	if sessionDir == "" || sessionDir != meta.SessionID {
		return chat.FileRef{}, chat.Errorf(chat.CodeInvalidInput, "invalid session id")
	}

	id, err := gonanoid.New()
	if err != nil {
		return chat.FileRef{}, fmt.Errorf("failed to generate file id: %w", err)
	}

	dir := filepath.Join(s.root, sessionDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return chat.FileRef{}, fmt.Errorf("failed to create session upload directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return chat.FileRef{}, fmt.Errorf("failed to create upload file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	br := bufio.NewReaderSize(r, 512)
	head, _ := br.Peek(512)
	mimeType := meta.MimeType
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(head)
	}

	// One byte over the limit is enough to know the upload is too large.
	written, err := io.Copy(tmp, io.LimitReader(&ctxReader{ctx: ctx, r: br}, s.maxBytes+1))
	if err != nil {
		return chat.FileRef{}, fmt.Errorf("failed to write upload: %w", err)
	}
	if written > s.maxBytes {
		return chat.FileRef{}, chat.Errorf(chat.CodeFileTooLarge, "file exceeds %d bytes", s.maxBytes)
	}
	if written == 0 {
		return chat.FileRef{}, chat.Errorf(chat.CodeInvalidFile, "file is empty")
	}

	if err := tmp.Close(); err != nil {
		return chat.FileRef{}, fmt.Errorf("failed to close upload: %w", err)
	}

	storedName := id + "_" + name
	if err := os.Rename(tmpName, filepath.Join(dir, storedName)); err != nil {
		return chat.FileRef{}, fmt.Errorf("failed to commit upload: %w", err)
	}
	committed = true

	ref := chat.FileRef{
		ID:         id,
		Name:       name,
		StoredPath: sessionDir + "/" + storedName,
		Size:       written,
		MimeType:   mimeType,
	}
	s.logger.Debug().
		Str("session_id", meta.SessionID).
		Str("stored_path", ref.StoredPath).
		Int64("size", written).
		Msg("Upload stored")
	return ref, nil
}

func (s *FSStore) Fetch(ctx context.Context, ref chat.FileRef) ([]byte, error) {
	f, err := s.Open(ctx, ref.StoredPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	return data, nil
}

// Open returns the stored file. storedPath must be a path previously
// returned in a FileRef.
func (s *FSStore) Open(ctx context.Context, storedPath string) (*os.File, error) {
	path, err := s.resolve(storedPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, chat.Errorf(chat.CodeInvalidFile, "file %s not found", storedPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	return f, nil
}

func (s *FSStore) DeleteSession(ctx context.Context, sessionID string) error {
	dir := SanitizeName(sessionID)
	if dir == "" || dir != sessionID {
		return chat.Errorf(chat.CodeInvalidInput, "invalid session id")
	}
	if err := os.RemoveAll(filepath.Join(s.root, dir)); err != nil {
		return fmt.Errorf("failed to delete session uploads: %w", err)
	}
	return nil
}

func (s *FSStore) resolve(storedPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(storedPath))
	if storedPath == "" || filepath.IsAbs(clean) || clean == "." ||
		clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", chat.Errorf(chat.CodeInvalidFile, "invalid file path %q", storedPath)
	}
	return filepath.Join(s.root, clean), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
