// Package socialtest provides an in-memory social.Client for tests.
package socialtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ampcome-mcps/bluesky-mcp/internal/social"
)

// ErrBadCredentials is returned by Authenticate for unknown accounts.
var ErrBadCredentials = errors.New("AuthenticationRequired: Invalid identifier or password")

// Upload is one recorded UploadBlob call.
type Upload struct {
	Data     []byte
	MimeType string
}

// Backend is a scriptable fake. The zero value rejects every login; use New
// for a backend with one known account.
type Backend struct {
	// Accounts maps identifier to password.
	Accounts map[string]string
	// DID is returned by a successful Authenticate.
	DID string

	// Normalize replaces the default normalizer, which returns the text
	// unchanged with no facets.
	Normalize func(text string) (social.RichText, error)
	// FailUpload reports whether upload n (zero based) fails.
	FailUpload func(n int) error
	// EmptyUpload makes upload n succeed with no blob reference.
	EmptyUpload func(n int) bool
	// CreateErr fails CreatePost.
	CreateErr error
	// ReadErr fails every passthrough call.
	ReadErr error
	// Timeline is returned by GetTimeline.
	Timeline []social.TimelinePost

	mu       sync.Mutex
	calls    []string
	uploads  []Upload
	records  []social.PostRecord
	inflight atomic.Int32
	overlap  atomic.Bool
}

// New returns a backend that accepts identifier/secret and logs in as did.
func New(identifier, secret, did string) *Backend {
	return &Backend{
		Accounts: map[string]string{identifier: secret},
		DID:      did,
	}
}

func (b *Backend) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
}

// Calls returns the names of every backend call in order.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// ResetCalls clears the call log. Uploads and records are kept.
func (b *Backend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// CallCount returns how many backend calls were made.
func (b *Backend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// Uploads returns the recorded uploads in call order.
func (b *Backend) Uploads() []Upload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Upload(nil), b.uploads...)
}

// Records returns every submitted post record.
func (b *Backend) Records() []social.PostRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]social.PostRecord(nil), b.records...)
}

// UploadsOverlapped reports whether two uploads were ever in flight at once.
func (b *Backend) UploadsOverlapped() bool { return b.overlap.Load() }

func (b *Backend) Authenticate(_ context.Context, identifier, secret string) (string, error) {
	b.record("authenticate")
	if pw, ok := b.Accounts[identifier]; !ok || pw != secret {
		return "", ErrBadCredentials
	}
	return b.DID, nil
}

func (b *Backend) NormalizeRichText(_ context.Context, text string) (social.RichText, error) {
	b.record("normalize")
	if b.Normalize != nil {
		return b.Normalize(text)
	}
	return social.RichText{Text: text}, nil
}

func (b *Backend) UploadBlob(_ context.Context, data []byte, mimeType string) (social.BlobRef, error) {
	if b.inflight.Add(1) > 1 {
		b.overlap.Store(true)
	}
	defer b.inflight.Add(-1)

	b.record("upload")
	b.mu.Lock()
	n := len(b.uploads)
	b.uploads = append(b.uploads, Upload{Data: append([]byte(nil), data...), MimeType: mimeType})
	b.mu.Unlock()

	if b.FailUpload != nil {
		if err := b.FailUpload(n); err != nil {
			return social.BlobRef{}, err
		}
	}
	if b.EmptyUpload != nil && b.EmptyUpload(n) {
		return social.BlobRef{}, nil
	}
	return social.BlobRef{
		CID:      fmt.Sprintf("bafkblob%d", n),
		MimeType: mimeType,
		Size:     int64(len(data)),
	}, nil
}

func (b *Backend) CreatePost(_ context.Context, rec social.PostRecord) (social.PostReceipt, error) {
	b.record("create")
	if b.CreateErr != nil {
		return social.PostReceipt{}, b.CreateErr
	}
	b.mu.Lock()
	b.records = append(b.records, rec)
	n := len(b.records)
	b.mu.Unlock()
	return social.PostReceipt{
		URI: fmt.Sprintf("at://%s/app.bsky.feed.post/rkey%d", b.DID, n),
		CID: fmt.Sprintf("bafypost%d", n),
	}, nil
}

func (b *Backend) GetProfile(_ context.Context, actor string) (any, error) {
	b.record("get-profile")
	if b.ReadErr != nil {
		return nil, b.ReadErr
	}
	return map[string]any{"did": actor}, nil
}

func (b *Backend) GetTimeline(_ context.Context, limit int) ([]social.TimelinePost, error) {
	b.record(fmt.Sprintf("get-timeline:%d", limit))
	if b.ReadErr != nil {
		return nil, b.ReadErr
	}
	return b.Timeline, nil
}

func (b *Backend) GetPostThread(_ context.Context, uri string) (any, error) {
	b.record("get-post")
	if b.ReadErr != nil {
		return nil, b.ReadErr
	}
	return map[string]any{"uri": uri}, nil
}

func (b *Backend) GetPosts(_ context.Context, uris []string) (any, error) {
	b.record("get-posts")
	if b.ReadErr != nil {
		return nil, b.ReadErr
	}
	return map[string]any{"uris": uris}, nil
}

func (b *Backend) DeletePost(_ context.Context, uri string) error {
	b.record("delete-post")
	return b.ReadErr
}

func (b *Backend) Like(_ context.Context, uri, cid string) (social.PostReceipt, error) {
	b.record("like")
	if b.ReadErr != nil {
		return social.PostReceipt{}, b.ReadErr
	}
	return social.PostReceipt{URI: fmt.Sprintf("at://%s/app.bsky.feed.like/l1", b.DID), CID: "bafylike"}, nil
}

func (b *Backend) DeleteLike(_ context.Context, likeURI string) error {
	b.record("unlike")
	return b.ReadErr
}

func (b *Backend) Repost(_ context.Context, uri, cid string) (social.PostReceipt, error) {
	b.record("repost")
	if b.ReadErr != nil {
		return social.PostReceipt{}, b.ReadErr
	}
	return social.PostReceipt{URI: fmt.Sprintf("at://%s/app.bsky.feed.repost/r1", b.DID), CID: "bafyrepost"}, nil
}

func (b *Backend) DeleteRepost(_ context.Context, repostURI string) error {
	b.record("unrepost")
	return b.ReadErr
}

var _ social.Client = (*Backend)(nil)
