package bluesky

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/ipfs/go-cid"

	"github.com/ampcome-mcps/bluesky-mcp/internal/logutil"
	"github.com/ampcome-mcps/bluesky-mcp/internal/social"
)

const (
	collectionPost   = "app.bsky.feed.post"
	collectionLike   = "app.bsky.feed.like"
	collectionRepost = "app.bsky.feed.repost"

	requestTimeout = 30 * time.Second
	userAgent      = "bluesky-mcp/1"
)

// Config allows the caller to point the client at a PDS.
type Config struct {
	Service    string
	HTTPClient *http.Client
}

// Client implements social.Client on top of indigo's XRPC client.
type Client struct {
	client *xrpc.Client
	// mu guards client.Auth, which is replaced on login and refresh.
	mu sync.Mutex
}

// New constructs an unauthenticated Bluesky client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	service := strings.TrimRight(strings.TrimSpace(cfg.Service), "/")
	if service == "" {
		service = "https://bsky.social"
	}
	ua := userAgent
	return &Client{
		client: &xrpc.Client{
			Client:    httpClient,
			Host:      service,
			UserAgent: &ua,
		},
	}
}

// Authenticate creates a session and returns the account DID.
func (c *Client) Authenticate(ctx context.Context, identifier, secret string) (string, error) {
	session, err := atproto.ServerCreateSession(ctx, c.xrpcClient(), &atproto.ServerCreateSession_Input{
		Identifier: identifier,
		Password:   secret,
	})
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.client.Auth = &xrpc.AuthInfo{
		AccessJwt:  session.AccessJwt,
		RefreshJwt: session.RefreshJwt,
		Handle:     session.Handle,
		Did:        session.Did,
	}
	c.mu.Unlock()

	return session.Did, nil
}

// xrpcClient returns a copy of the XRPC client carrying the current auth.
func (c *Client) xrpcClient() *xrpc.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *c.client
	return &cp
}

func (c *Client) did() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client.Auth == nil {
		return ""
	}
	return c.client.Auth.Did
}

// withRefresh runs call and, if the access token has expired, refreshes the
// session once and runs it again. A rejected token means the PDS did not act
// on the first attempt.
func (c *Client) withRefresh(ctx context.Context, call func() error) error {
	err := call()
	if err == nil || !isExpiredToken(err) {
		return err
	}
	logutil.Debugf("access token expired, refreshing session")
	if rerr := c.refresh(ctx); rerr != nil {
		return errors.Join(err, fmt.Errorf("refresh session: %w", rerr))
	}
	return call()
}

func (c *Client) refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client.Auth == nil {
		return errors.New("no session to refresh")
	}

	refreshClient := *c.client
	refreshClient.Auth = &xrpc.AuthInfo{
		AccessJwt:  c.client.Auth.RefreshJwt,
		RefreshJwt: c.client.Auth.RefreshJwt,
		Did:        c.client.Auth.Did,
		Handle:     c.client.Auth.Handle,
	}
	out, err := atproto.ServerRefreshSession(ctx, &refreshClient)
	if err != nil {
		return err
	}
	c.client.Auth = &xrpc.AuthInfo{
		AccessJwt:  out.AccessJwt,
		RefreshJwt: out.RefreshJwt,
		Handle:     out.Handle,
		Did:        out.Did,
	}
	return nil
}

func isExpiredToken(err error) bool {
	var xerr *xrpc.Error
	if !errors.As(err, &xerr) {
		return false
	}
	inner, ok := xerr.Wrapped.(*xrpc.XRPCError)
	return ok && inner.ErrStr == "ExpiredToken"
}

// ResolveHandle resolves a handle to its DID.
func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	var did string
	err := c.withRefresh(ctx, func() error {
		out, err := atproto.IdentityResolveHandle(ctx, c.xrpcClient(), handle)
		if err != nil {
			return err
		}
		did = out.Did
		return nil
	})
	return did, err
}

// NormalizeRichText normalizes text and detects mention, link and tag facets
// over the normalized form.
func (c *Client) NormalizeRichText(ctx context.Context, text string) (social.RichText, error) {
	normalized := NormalizeText(text)
	return social.RichText{
		Text:   normalized,
		Facets: DetectFacets(ctx, normalized, c),
	}, nil
}

// UploadBlob uploads data and returns its blob reference. The declared MIME
// type is kept when the PDS does not report one.
func (c *Client) UploadBlob(ctx context.Context, data []byte, mimeType string) (social.BlobRef, error) {
	encoding := mimeType
	if encoding == "" {
		encoding = "*/*"
	}
	var out atproto.RepoUploadBlob_Output
	err := c.withRefresh(ctx, func() error {
		// atproto.RepoUploadBlob always sends */*, so the body goes out with
		// the declared type here.
		return c.xrpcClient().LexDo(ctx, util.Procedure, encoding, "com.atproto.repo.uploadBlob", nil, bytes.NewReader(data), &out)
	})
	if err != nil {
		return social.BlobRef{}, fmt.Errorf("upload blob: %w", err)
	}
	if out.Blob == nil {
		return social.BlobRef{}, errors.New("upload blob: empty response")
	}

	ref := cid.Cid(out.Blob.Ref)
	if !ref.Defined() {
		return social.BlobRef{}, errors.New("upload blob: response has no CID")
	}
	blob := social.BlobRef{
		CID:      ref.String(),
		MimeType: out.Blob.MimeType,
		Size:     out.Blob.Size,
	}
	if blob.MimeType == "" || blob.MimeType == "*/*" {
		blob.MimeType = mimeType
	}
	if blob.Size == 0 {
		blob.Size = int64(len(data))
	}
	return blob, nil
}

// CreatePost writes record to the logged-in repo.
func (c *Client) CreatePost(ctx context.Context, record social.PostRecord) (social.PostReceipt, error) {
	post, err := toFeedPost(record)
	if err != nil {
		return social.PostReceipt{}, err
	}
	return c.createRecord(ctx, collectionPost, post)
}

func (c *Client) createRecord(ctx context.Context, collection string, val util.CBOR) (social.PostReceipt, error) {
	var out *atproto.RepoCreateRecord_Output
	err := c.withRefresh(ctx, func() error {
		var err error
		out, err = atproto.RepoCreateRecord(ctx, c.xrpcClient(), &atproto.RepoCreateRecord_Input{
			Collection: collection,
			Repo:       c.did(),
			Record:     &util.LexiconTypeDecoder{Val: val},
		})
		return err
	})
	if err != nil {
		return social.PostReceipt{}, err
	}
	return social.PostReceipt{URI: out.Uri, CID: out.Cid}, nil
}

func toFeedPost(record social.PostRecord) (*bsky.FeedPost, error) {
	post := &bsky.FeedPost{
		LexiconTypeID: collectionPost,
		CreatedAt:     record.CreatedAt.UTC().Format(time.RFC3339Nano),
		Text:          record.Text,
		Facets:        toRichtextFacets(record.Facets),
	}

	if record.Embed != nil && len(record.Embed.Images) > 0 {
		images := make([]*bsky.EmbedImages_Image, 0, len(record.Embed.Images))
		for _, img := range record.Embed.Images {
			blob, err := toLexBlob(img.Blob)
			if err != nil {
				return nil, err
			}
			images = append(images, &bsky.EmbedImages_Image{
				Alt:   img.Alt,
				Image: blob,
			})
		}
		post.Embed = &bsky.FeedPost_Embed{
			EmbedImages: &bsky.EmbedImages{
				LexiconTypeID: "app.bsky.embed.images",
				Images:        images,
			},
		}
	}

	return post, nil
}

func toLexBlob(ref social.BlobRef) (*util.LexBlob, error) {
	parsed, err := cid.Decode(ref.CID)
	if err != nil {
		return nil, fmt.Errorf("blob ref %q: %w", ref.CID, err)
	}
	return &util.LexBlob{
		Ref:      util.LexLink(parsed),
		MimeType: ref.MimeType,
		Size:     ref.Size,
	}, nil
}

func toRichtextFacets(facets []social.Facet) []*bsky.RichtextFacet {
	if len(facets) == 0 {
		return nil
	}
	out := make([]*bsky.RichtextFacet, 0, len(facets))
	for _, f := range facets {
		features := make([]*bsky.RichtextFacet_Features_Elem, 0, len(f.Features))
		for _, feat := range f.Features {
			switch feat.Kind {
			case social.FeatureMention:
				features = append(features, &bsky.RichtextFacet_Features_Elem{
					RichtextFacet_Mention: &bsky.RichtextFacet_Mention{
						LexiconTypeID: "app.bsky.richtext.facet#mention",
						Did:           feat.Value,
					},
				})
			case social.FeatureLink:
				features = append(features, &bsky.RichtextFacet_Features_Elem{
					RichtextFacet_Link: &bsky.RichtextFacet_Link{
						LexiconTypeID: "app.bsky.richtext.facet#link",
						Uri:           feat.Value,
					},
				})
			case social.FeatureTag:
				features = append(features, &bsky.RichtextFacet_Features_Elem{
					RichtextFacet_Tag: &bsky.RichtextFacet_Tag{
						LexiconTypeID: "app.bsky.richtext.facet#tag",
						Tag:           feat.Value,
					},
				})
			}
		}
		if len(features) == 0 {
			continue
		}
		out = append(out, &bsky.RichtextFacet{
			Index: &bsky.RichtextFacet_ByteSlice{
				ByteStart: int64(f.ByteStart),
				ByteEnd:   int64(f.ByteEnd),
			},
			Features: features,
		})
	}
	return out
}

// GetProfile fetches the detailed profile of actor.
func (c *Client) GetProfile(ctx context.Context, actor string) (any, error) {
	var out *bsky.ActorDefs_ProfileViewDetailed
	err := c.withRefresh(ctx, func() error {
		var err error
		out, err = bsky.ActorGetProfile(ctx, c.xrpcClient(), actor)
		return err
	})
	return out, err
}

// GetTimeline fetches one page of the home timeline.
func (c *Client) GetTimeline(ctx context.Context, limit int) ([]social.TimelinePost, error) {
	var out *bsky.FeedGetTimeline_Output
	err := c.withRefresh(ctx, func() error {
		var err error
		out, err = bsky.FeedGetTimeline(ctx, c.xrpcClient(), "", "", int64(limit))
		return err
	})
	if err != nil {
		return nil, err
	}

	posts := make([]social.TimelinePost, 0, len(out.Feed))
	for _, item := range out.Feed {
		if item == nil || item.Post == nil {
			continue
		}
		posts = append(posts, toTimelinePost(item.Post))
	}
	return posts, nil
}

func toTimelinePost(pv *bsky.FeedDefs_PostView) social.TimelinePost {
	post := social.TimelinePost{
		URI:         pv.Uri,
		CID:         pv.Cid,
		ReplyCount:  deref(pv.ReplyCount),
		RepostCount: deref(pv.RepostCount),
		LikeCount:   deref(pv.LikeCount),
		CreatedAt:   pv.IndexedAt,
	}
	if pv.Author != nil {
		post.AuthorHandle = pv.Author.Handle
		if pv.Author.DisplayName != nil {
			post.AuthorDisplayName = *pv.Author.DisplayName
		}
	}
	if pv.Record != nil {
		if fp, ok := pv.Record.Val.(*bsky.FeedPost); ok {
			post.Text = fp.Text
			post.CreatedAt = fp.CreatedAt
		}
	}
	return post
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// GetPostThread fetches the thread around uri.
func (c *Client) GetPostThread(ctx context.Context, uri string) (any, error) {
	if _, err := parseRecordURI(uri, collectionPost); err != nil {
		return nil, err
	}
	var out *bsky.FeedGetPostThread_Output
	err := c.withRefresh(ctx, func() error {
		var err error
		out, err = bsky.FeedGetPostThread(ctx, c.xrpcClient(), 6, 80, uri)
		return err
	})
	return out, err
}

// GetPosts hydrates several posts by URI.
func (c *Client) GetPosts(ctx context.Context, uris []string) (any, error) {
	for _, uri := range uris {
		if _, err := parseRecordURI(uri, collectionPost); err != nil {
			return nil, err
		}
	}
	var out *bsky.FeedGetPosts_Output
	err := c.withRefresh(ctx, func() error {
		var err error
		out, err = bsky.FeedGetPosts(ctx, c.xrpcClient(), uris)
		return err
	})
	return out, err
}

// Like creates a like record for the post.
func (c *Client) Like(ctx context.Context, uri, postCID string) (social.PostReceipt, error) {
	if _, err := parseRecordURI(uri, collectionPost); err != nil {
		return social.PostReceipt{}, err
	}
	return c.createRecord(ctx, collectionLike, &bsky.FeedLike{
		LexiconTypeID: collectionLike,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		Subject:       &atproto.RepoStrongRef{Uri: uri, Cid: postCID},
	})
}

// Repost creates a repost record for the post.
func (c *Client) Repost(ctx context.Context, uri, postCID string) (social.PostReceipt, error) {
	if _, err := parseRecordURI(uri, collectionPost); err != nil {
		return social.PostReceipt{}, err
	}
	return c.createRecord(ctx, collectionRepost, &bsky.FeedRepost{
		LexiconTypeID: collectionRepost,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		Subject:       &atproto.RepoStrongRef{Uri: uri, Cid: postCID},
	})
}

// DeletePost deletes a post record.
func (c *Client) DeletePost(ctx context.Context, uri string) error {
	return c.deleteRecord(ctx, uri, collectionPost)
}

// DeleteLike deletes a like record.
func (c *Client) DeleteLike(ctx context.Context, likeURI string) error {
	return c.deleteRecord(ctx, likeURI, collectionLike)
}

// DeleteRepost deletes a repost record.
func (c *Client) DeleteRepost(ctx context.Context, repostURI string) error {
	return c.deleteRecord(ctx, repostURI, collectionRepost)
}

func (c *Client) deleteRecord(ctx context.Context, uri, collection string) error {
	aturi, err := parseRecordURI(uri, collection)
	if err != nil {
		return err
	}
	return c.withRefresh(ctx, func() error {
		_, err := atproto.RepoDeleteRecord(ctx, c.xrpcClient(), &atproto.RepoDeleteRecord_Input{
			Collection: collection,
			Repo:       aturi.Authority().String(),
			Rkey:       aturi.RecordKey().String(),
		})
		return err
	})
}

// parseRecordURI checks that raw is an AT-URI naming a record in collection.
func parseRecordURI(raw, collection string) (syntax.ATURI, error) {
	aturi, err := syntax.ParseATURI(raw)
	if err != nil {
		return "", social.ValidationError{Field: "uri", Reason: err.Error()}
	}
	if got := aturi.Collection().String(); got != collection {
		return "", social.ValidationError{Field: "uri", Reason: fmt.Sprintf("expected a %s record, got %q", collection, got)}
	}
	if aturi.RecordKey().String() == "" {
		return "", social.ValidationError{Field: "uri", Reason: "missing record key"}
	}
	return aturi, nil
}

var _ social.Client = (*Client)(nil)
