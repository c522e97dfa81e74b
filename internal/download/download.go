// Package download fetches attachments and saves them locally.
package download

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/matheus3301/msync/internal/metrics"
	"go.uber.org/zap"
)

// FileInfo identifies an uploaded attachment.
type FileInfo struct {
	Key  string
	Name string
}

// Remote resolves and fetches blobs.
type Remote interface {
	DownloadURL(ctx context.Context, key string) (string, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Saver stores a downloaded blob under a suggested name and returns where
// it ended up.
type Saver interface {
	Save(name string, data []byte) (string, error)
}

// Downloader runs downloads. It does not retry or verify content.
type Downloader struct {
	api    Remote
	saver  Saver
	logger *zap.Logger
}

// New creates a downloader.
func New(api Remote, saver Saver, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{api: api, saver: saver, logger: logger}
}

// DownloadFile fetches the attachment and saves it under its name with the
// extension stripped. It returns the saved path.
func (d *Downloader) DownloadFile(ctx context.Context, f FileInfo) (string, error) {
	log := d.logger.With(zap.String("key", f.Key))
	if f.Key == "" {
		return "", errors.New("download: attachment has no storage key")
	}

	url, err := d.api.DownloadURL(ctx, f.Key)
	if err != nil {
		metrics.Downloads.WithLabelValues("error").Inc()
		log.Error("failed to resolve download url", zap.Error(err))
		return "", fmt.Errorf("resolve download url: %w", err)
	}
	data, err := d.api.Fetch(ctx, url)
	if err != nil {
		metrics.Downloads.WithLabelValues("error").Inc()
		log.Error("failed to fetch file", zap.Error(err))
		return "", fmt.Errorf("fetch file: %w", err)
	}

	path, err := d.saver.Save(stripExtension(f.Name), data)
	if err != nil {
		metrics.Downloads.WithLabelValues("error").Inc()
		log.Error("failed to save file", zap.Error(err))
		return "", fmt.Errorf("save file: %w", err)
	}
	metrics.Downloads.WithLabelValues("ok").Inc()
	log.Info("file downloaded", zap.String("path", path), zap.Int("bytes", len(data)))
	return path, nil
}

// stripExtension drops everything from the last dot, unless the dot starts
// the name.
func stripExtension(name string) string {
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[:i]
	}
	return name
}

// DirSaver writes files into Dir. A name already taken gets a numeric
// suffix. Writes go through a temp file so a failed save leaves nothing
// behind.
type DirSaver struct {
	Dir string
}

// Save implements Saver.
func (s DirSaver) Save(name string, data []byte) (string, error) {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "download"
	}
	if err := os.MkdirAll(s.Dir, 0700); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.Dir, ".download-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	for i := 0; ; i++ {
		path := filepath.Join(s.Dir, name)
		if i > 0 {
			path = filepath.Join(s.Dir, name+" ("+strconv.Itoa(i)+")")
		}
		if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
			if err := os.Rename(tmp.Name(), path); err != nil {
				return "", err
			}
			return path, nil
		} else if err != nil {
			return "", err
		}
	}
}
