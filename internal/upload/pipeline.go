// Package upload sends messages that carry a file: stage locally, stream the
// file to a negotiated destination, then ask the server to create the
// message. Progress is reported through a notify.Notifier.
package upload

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/matheus3301/msync/internal/notify"
	"github.com/matheus3301/msync/internal/remote"
	"github.com/matheus3301/msync/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrNoTarget means the message names neither a conversation nor a receiver.
	ErrNoTarget = errors.New("message has neither conversation_id nor receiver_id")
	// ErrTempFileNotFound means a resumed upload has no staged file.
	ErrTempFileNotFound = errors.New("no staged file for message")
	// ErrInFlight means an upload for the same message is already running.
	ErrInFlight = errors.New("upload already in progress")
)

// File is the payload to attach.
type File struct {
	Name    string
	Size    int64
	Content []byte
}

// Store holds staged files between the call and a successful upload.
type Store interface {
	PutTempFile(ctx context.Context, f *store.TempFile) error
	GetTempFile(ctx context.Context, id string) (*store.TempFile, error)
	DeleteTempFile(ctx context.Context, id string) error
}

// Stager is the part of the reconciliation engine the pipeline uses.
type Stager interface {
	Stage(ctx context.Context, msg *store.Message) (bool, error)
	ResolveAttachment(ctx context.Context, id, key string) error
}

// Remote is the part of the API client the pipeline uses.
type Remote interface {
	UploadURL(ctx context.Context) (*remote.UploadDestination, error)
	PostMultipart(ctx context.Context, dest *remote.UploadDestination, name string, content []byte, progress remote.ProgressFunc) (int, error)
	MediaMessage(ctx context.Context, req remote.MediaMessageRequest) error
}

// Pipeline runs uploads. It never retries and never rolls back the
// optimistic message; failures surface as uploadError events.
type Pipeline struct {
	db     Store
	stager Stager
	api    Remote
	events *notify.Notifier
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a pipeline emitting lifecycle events on events.
func New(db Store, stager Stager, api Remote, events *notify.Notifier, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		db:       db,
		stager:   stager,
		api:      api,
		events:   events,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// InFlight reports whether an upload for id is running.
func (p *Pipeline) InFlight(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[id]
	return ok
}

func (p *Pipeline) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[id]; ok {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Pipeline) release(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

// SendMessageWithFile uploads file as the attachment of msg. A nil file
// resumes the upload of the file already staged under msg.ID.
func (p *Pipeline) SendMessageWithFile(ctx context.Context, msg *store.Message, file *File) error {
	log := p.logger.With(zap.String("msg_id", msg.ID))
	if msg.ConversationID == "" && msg.ReceiverID == "" {
		log.Warn("upload rejected", zap.Error(ErrNoTarget))
		return ErrNoTarget
	}
	if !p.claim(msg.ID) {
		return ErrInFlight
	}
	defer p.release(msg.ID)

	file, err := p.stageFile(ctx, msg, file)
	if err != nil {
		if errors.Is(err, ErrTempFileNotFound) {
			log.Warn("cannot resume upload", zap.Error(err))
			return err
		}
		return p.fail(log, msg.ID, err)
	}

	if msg.Attachment == nil {
		msg.Attachment = &store.Attachment{
			Type:       store.AttachmentFile,
			Name:       file.Name,
			Size:       file.Size,
			TempFileID: msg.ID,
		}
	}
	if msg.Status == "" {
		msg.Status = store.StatusUploading
	}
	if msg.SendingTime.IsZero() {
		msg.SendingTime = time.Now().UTC()
	}
	if _, err := p.stager.Stage(ctx, msg); err != nil {
		return p.fail(log, msg.ID, fmt.Errorf("stage message: %w", err))
	}

	p.events.Preprocessing(msg.ID)

	dest, err := p.api.UploadURL(ctx)
	if err != nil {
		return p.fail(log, msg.ID, fmt.Errorf("negotiate upload: %w", err))
	}

	progress := newProgress(p.events, msg.ID, file.Size)
	status, err := p.api.PostMultipart(ctx, dest, file.Name, file.Content, progress.report)
	if err != nil {
		return p.fail(log, msg.ID, fmt.Errorf("upload file: %w", err))
	}
	if status != http.StatusNoContent {
		return p.fail(log, msg.ID, fmt.Errorf("upload file: unexpected status %d", status))
	}
	progress.finish()

	p.events.PostProcessing(msg.ID)
	key := dest.Key()
	err = p.api.MediaMessage(ctx, remote.MediaMessageRequest{
		Message:        msg.Body,
		ReceiverID:     remote.NullableString(msg.ReceiverID),
		ConversationID: remote.NullableString(msg.ConversationID),
		TempID:         msg.ID,
		Attachment:     remote.MediaAttachment{TempFileID: key, Name: file.Name},
	})
	if err != nil {
		return p.fail(log, msg.ID, fmt.Errorf("finalize media message: %w", err))
	}

	if err := p.stager.ResolveAttachment(ctx, msg.ID, key); err != nil {
		log.Warn("failed to record attachment key", zap.Error(err))
	}
	if err := p.db.DeleteTempFile(ctx, msg.ID); err != nil {
		log.Warn("failed to drop staged file", zap.Error(err))
	}
	log.Info("upload finished", zap.String("key", key), zap.Int64("size", file.Size))
	return nil
}

// stageFile loads the staged file when f is nil, or stages f.
func (p *Pipeline) stageFile(ctx context.Context, msg *store.Message, f *File) (*File, error) {
	if f == nil {
		staged, err := p.db.GetTempFile(ctx, msg.ID)
		if err != nil {
			return nil, fmt.Errorf("load staged file: %w", err)
		}
		if staged == nil {
			return nil, ErrTempFileNotFound
		}
		return &File{Name: staged.Name, Size: staged.Size, Content: staged.Content}, nil
	}
	if f.Size == 0 {
		f.Size = int64(len(f.Content))
	}
	err := p.db.PutTempFile(ctx, &store.TempFile{
		ID:      msg.ID,
		Name:    f.Name,
		Size:    f.Size,
		Content: f.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("stage file: %w", err)
	}
	return f, nil
}

func (p *Pipeline) fail(log *zap.Logger, id string, err error) error {
	log.Error("upload failed", zap.Error(err))
	p.events.Error(id)
	return err
}

// progress turns byte counts into whole percentages. It emits 0 on the first
// report and afterwards only increases.
type progress struct {
	events   *notify.Notifier
	id       string
	fallback int64
	last     int
}

func newProgress(events *notify.Notifier, id string, fileSize int64) *progress {
	return &progress{events: events, id: id, fallback: fileSize, last: -1}
}

func (p *progress) report(sent, total int64) {
	if total <= 0 {
		total = p.fallback
	}
	if total <= 0 {
		return
	}
	if p.last < 0 {
		p.last = 0
		p.events.Progress(p.id, 0)
	}
	pct := int(math.Round(float64(sent) * 100 / float64(total)))
	if pct > 100 {
		pct = 100
	}
	if pct > p.last {
		p.last = pct
		p.events.Progress(p.id, pct)
	}
}

func (p *progress) finish() {
	if p.last < 0 {
		p.events.Progress(p.id, 0)
	}
	if p.last < 100 {
		p.last = 100
		p.events.Progress(p.id, 100)
	}
}
