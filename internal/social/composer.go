package social

import (
	"context"
	"time"

	"github.com/ampcome-mcps/bluesky-mcp/internal/logutil"
)

// DefaultAltText is attached to every uploaded image.
const DefaultAltText = "Image"

// Composer assembles posts and submits them through the backend.
type Composer struct {
	session *Session
	backend Backend
	now     func() time.Time
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithClock overrides the clock used to stamp createdAt.
func WithClock(now func() time.Time) ComposerOption {
	return func(c *Composer) {
		c.now = now
	}
}

// NewComposer returns a composer guarded by session.
func NewComposer(session *Session, backend Backend, opts ...ComposerOption) *Composer {
	c := &Composer{
		session: session,
		backend: backend,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreatePost normalizes text, uploads images one at a time in input order,
// and creates the post. Images that fail to upload are logged and left out;
// if none succeed the post is created without an embed. Normalizer and
// create-record failures abort the call and are never retried.
func (c *Composer) CreatePost(ctx context.Context, text string, images []RawImage) (PostReceipt, error) {
	if err := c.session.RequireAuthenticated(); err != nil {
		return PostReceipt{}, err
	}

	rt, err := c.backend.NormalizeRichText(ctx, text)
	if err != nil {
		return PostReceipt{}, backendErr("detect facets", err)
	}

	record := PostRecord{
		Text:      rt.Text,
		Facets:    rt.Facets,
		CreatedAt: c.now(),
	}

	if len(images) > 0 {
		blobs := c.uploadImages(ctx, images)
		if len(blobs) > 0 {
			embed := &ImageEmbed{Images: make([]EmbeddedImage, 0, len(blobs))}
			for _, blob := range blobs {
				embed.Images = append(embed.Images, EmbeddedImage{Alt: DefaultAltText, Blob: blob})
			}
			record.Embed = embed
		}
		logutil.Debugf("images uploaded: requested=%d attached=%d", len(images), len(blobs))
	}

	receipt, err := c.backend.CreatePost(ctx, record)
	if err != nil {
		return PostReceipt{}, backendErr("create record", err)
	}

	logutil.Infof("created post: uri=%s", receipt.URI)
	return receipt, nil
}

func (c *Composer) uploadImages(ctx context.Context, images []RawImage) []BlobRef {
	blobs := make([]BlobRef, 0, len(images))
	for i, img := range images {
		blob, err := c.backend.UploadBlob(ctx, img.Data, img.MimeType)
		if err == nil && blob.IsZero() {
			err = errEmptyBlob
		}
		if err != nil {
			uerr := &UploadError{Index: i, MimeType: img.MimeType, Err: err}
			logutil.Warnf("skipping image: %v", uerr)
			continue
		}
		blobs = append(blobs, blob)
	}
	return blobs
}
