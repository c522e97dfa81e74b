// Package outbox resumes attachment uploads that were staged but never
// finished before the daemon last stopped.
package outbox

import (
	"context"
	"errors"
	"sync"

	"github.com/matheus3301/msync/internal/store"
	"github.com/matheus3301/msync/internal/upload"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxConcurrent bounds how many uploads a resume pass runs at once.
const maxConcurrent = 2

// Uploader is the upload pipeline.
type Uploader interface {
	SendMessageWithFile(ctx context.Context, msg *store.Message, file *upload.File) error
	InFlight(id string) bool
}

// Store lists staged files and their messages.
type Store interface {
	ListTempFileIDs(ctx context.Context) ([]string, error)
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	DeleteTempFile(ctx context.Context, id string) error
}

// Resumer re-drives staged uploads once, when the daemon starts. Uploads
// that fail during the pass stay staged until the user resumes them.
type Resumer struct {
	db     Store
	up     Uploader
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResumer creates a resumer.
func NewResumer(db Store, up Uploader, logger *zap.Logger) *Resumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resumer{db: db, up: up, logger: logger}
}

// Start runs one resume pass in the background.
func (r *Resumer) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.ResumeAll(ctx)
	}()
}

// Stop cancels running uploads and waits for the pass to exit.
func (r *Resumer) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// ResumeAll uploads every staged file whose message still exists and
// returns how many uploads it started. Staged files whose message is gone
// are dropped.
func (r *Resumer) ResumeAll(ctx context.Context) int {
	ids, err := r.db.ListTempFileIDs(ctx)
	if err != nil {
		r.logger.Error("failed to list staged files", zap.Error(err))
		return 0
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrent)
	started := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if r.up.InFlight(id) {
			continue
		}
		msg, err := r.db.GetMessage(ctx, id)
		if err != nil {
			r.logger.Error("failed to load message for staged file", zap.Error(err), zap.String("msg_id", id))
			continue
		}
		if msg == nil {
			r.logger.Info("dropping orphaned staged file", zap.String("msg_id", id))
			if err := r.db.DeleteTempFile(ctx, id); err != nil {
				r.logger.Warn("failed to drop staged file", zap.Error(err), zap.String("msg_id", id))
			}
			continue
		}

		started++
		g.Go(func() error {
			err := r.up.SendMessageWithFile(ctx, msg, nil)
			switch {
			case err == nil:
				r.logger.Info("resumed upload finished", zap.String("msg_id", msg.ID))
			case errors.Is(err, upload.ErrInFlight):
			default:
				r.logger.Warn("resumed upload failed", zap.Error(err), zap.String("msg_id", msg.ID))
			}
			return nil
		})
	}
	_ = g.Wait()
	if started > 0 {
		r.logger.Info("resume pass finished", zap.Int("uploads", started))
	}
	return started
}
