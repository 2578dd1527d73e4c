// Package upload runs attachment uploads concurrently under a bounded
// parallelism budget. Each attachment walks local-preview → uploading →
// uploaded or failed; one file's failure never touches another descriptor.
package upload

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/anunciaya/chatd/internal/bus"
	"github.com/anunciaya/chatd/internal/model"
	"github.com/anunciaya/chatd/internal/rest"
)

// Uploader is the slice of the REST client the coordinator uses.
type Uploader interface {
	UploadFile(ctx context.Context, filename string, r io.Reader) (rest.UploadResult, error)
}

// Event is the payload for upload.finished and upload.failed.
type Event struct {
	Name string
	URL  string
	Err  string
}

// Coordinator owns attachment descriptors from preview to completion.
// Descriptor reads and writes go through it; the structs themselves are
// shared with the send path.
type Coordinator struct {
	uploader Uploader
	bus      *bus.Bus
	logger   *zap.Logger
	sem      *semaphore.Weighted

	mu sync.Mutex
	wg sync.WaitGroup
}

func NewCoordinator(uploader Uploader, b *bus.Bus, logger *zap.Logger, parallel int64) *Coordinator {
	if parallel <= 0 {
		parallel = 3
	}
	return &Coordinator{
		uploader: uploader,
		bus:      b,
		logger:   logger,
		sem:      semaphore.NewWeighted(parallel),
	}
}

// LocalPreview creates a descriptor the composer can render immediately,
// before any bytes leave the machine. URL points at the local copy until the
// upload replaces it.
func (c *Coordinator) LocalPreview(name, mimeType, localURL string) *model.Attachment {
	return &model.Attachment{
		Name:     name,
		MimeType: mimeType,
		URL:      localURL,
		IsImage:  model.IsImageType(mimeType, name),
		Upload:   model.UploadLocalPreview,
	}
}

// Start launches the real upload for a descriptor. It returns immediately;
// the transfer waits its turn under the parallelism budget.
func (c *Coordinator) Start(ctx context.Context, att *model.Attachment, r io.Reader) {
	c.mu.Lock()
	att.Upload = model.UploadUploading
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		if err := c.sem.Acquire(ctx, 1); err != nil {
			c.fail(att, err)
			return
		}
		defer c.sem.Release(1)

		res, err := c.uploader.UploadFile(ctx, att.Name, r)
		if err != nil {
			c.fail(att, err)
			return
		}

		c.mu.Lock()
		att.URL = res.URL
		att.ThumbURL = res.ThumbURL
		if res.MimeType != "" {
			att.MimeType = res.MimeType
			att.IsImage = model.IsImageType(res.MimeType, att.Name)
		}
		att.Upload = model.UploadUploaded
		c.mu.Unlock()

		c.logger.Debug("upload finished", zap.String("name", att.Name), zap.String("url", res.URL))
		c.bus.Emit(bus.KindUploadFinished, Event{Name: att.Name, URL: res.URL})
	}()
}

// Wait blocks until every started upload has settled. Used on shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Snapshot returns a consistent copy of a descriptor for send-time
// filtering.
func (c *Coordinator) Snapshot(att *model.Attachment) model.Attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *att
}

// State returns the descriptor's current upload state.
func (c *Coordinator) State(att *model.Attachment) model.UploadState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return att.Upload
}

func (c *Coordinator) fail(att *model.Attachment, err error) {
	c.mu.Lock()
	att.Upload = model.UploadFailed
	c.mu.Unlock()

	c.logger.Warn("upload failed", zap.String("name", att.Name), zap.Error(err))
	c.bus.Emit(bus.KindUploadFailed, Event{Name: att.Name, Err: err.Error()})
}
