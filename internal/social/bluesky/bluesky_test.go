package bluesky

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ampcome-mcps/bluesky-mcp/internal/social"
)

const (
	testDID     = "did:plc:alice"
	blobCIDOne  = "bafkreibfcwsbbkdcbqxljxj3ajv2sypijqkt2vfmq6clllrk46qi4rwgvm"
	blobCIDTwo  = "bafkreieh5nhw5cwhjyctgdx75355gql7fw2tkqiouv7qeqkbsyhipggteq"
	postCID     = "bafkreidsemiehpaya7tpoqfsgxvxkepmwmzfljvdovbvmmiznxuks5injm"
	postURI     = "at://did:plc:alice/app.bsky.feed.post/3kpost"
	sessionPath = "/xrpc/com.atproto.server.createSession"
	refreshPath = "/xrpc/com.atproto.server.refreshSession"
	createPath  = "/xrpc/com.atproto.repo.createRecord"
	deletePath  = "/xrpc/com.atproto.repo.deleteRecord"
	uploadPath  = "/xrpc/com.atproto.repo.uploadBlob"
)

// fakePDS records requests and serves canned XRPC responses.
type fakePDS struct {
	t        *testing.T
	mu       sync.Mutex
	requests map[string][]recorded
	handlers map[string]http.HandlerFunc
}

type recorded struct {
	auth        string
	contentType string
	body        []byte
}

func newFakePDS(t *testing.T) (*fakePDS, *Client) {
	t.Helper()
	pds := &fakePDS{t: t, requests: map[string][]recorded{}, handlers: map[string]http.HandlerFunc{}}
	pds.handle(sessionPath, writeJSON(map[string]any{
		"accessJwt":  "access-1",
		"refreshJwt": "refresh-1",
		"handle":     "alice.test",
		"did":        testDID,
	}))

	srv := httptest.NewServer(http.HandlerFunc(pds.serve))
	t.Cleanup(srv.Close)

	return pds, New(Config{Service: srv.URL + "/", HTTPClient: srv.Client()})
}

func (p *fakePDS) handle(path string, h http.HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[path] = h
}

func (p *fakePDS) serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	assert.NoError(p.t, err)

	p.mu.Lock()
	p.requests[r.URL.Path] = append(p.requests[r.URL.Path], recorded{
		auth:        r.Header.Get("Authorization"),
		contentType: r.Header.Get("Content-Type"),
		body:        body,
	})
	h, ok := p.handlers[r.URL.Path]
	p.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	h(w, r)
}

func (p *fakePDS) calls(path string) []recorded {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recorded(nil), p.requests[path]...)
}

func writeJSON(v any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeXRPCError(status int, code, message string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
	}
}

func login(t *testing.T, c *Client) {
	t.Helper()
	did, err := c.Authenticate(context.Background(), "alice.test", "app-pass")
	require.NoError(t, err)
	require.Equal(t, testDID, did)
}

func TestAuthenticate(t *testing.T) {
	pds, client := newFakePDS(t)

	login(t, client)

	reqs := pds.calls(sessionPath)
	require.Len(t, reqs, 1)
	var input map[string]any
	require.NoError(t, json.Unmarshal(reqs[0].body, &input))
	assert.Equal(t, "alice.test", input["identifier"])
	assert.Equal(t, "app-pass", input["password"])
	assert.Equal(t, testDID, client.did())
}

func TestAuthenticateFailure(t *testing.T) {
	pds, client := newFakePDS(t)
	pds.handle(sessionPath, writeXRPCError(http.StatusUnauthorized, "AuthenticationRequired", "Invalid identifier or password"))

	_, err := client.Authenticate(context.Background(), "alice.test", "nope")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid identifier or password")
	assert.NotContains(t, err.Error(), "login")
	assert.Empty(t, client.did())
}

func TestUploadBlob(t *testing.T) {
	pds, client := newFakePDS(t)
	login(t, client)

	t.Run("returns the blob reference", func(t *testing.T) {
		pds.handle(uploadPath, writeJSON(map[string]any{
			"blob": map[string]any{
				"$type":    "blob",
				"ref":      map[string]string{"$link": blobCIDOne},
				"mimeType": "image/png",
				"size":     3,
			},
		}))

		blob, err := client.UploadBlob(context.Background(), []byte{1, 2, 3}, "image/png")

		require.NoError(t, err)
		assert.Equal(t, social.BlobRef{CID: blobCIDOne, MimeType: "image/png", Size: 3}, blob)
		reqs := pds.calls(uploadPath)
		require.NotEmpty(t, reqs)
		assert.Equal(t, []byte{1, 2, 3}, reqs[len(reqs)-1].body)
		assert.Equal(t, "Bearer access-1", reqs[len(reqs)-1].auth)
		assert.Equal(t, "image/png", reqs[len(reqs)-1].contentType)
	})

	t.Run("declared type is sent even when the PDS echoes another", func(t *testing.T) {
		pds.handle(uploadPath, writeJSON(map[string]any{
			"blob": map[string]any{
				"$type":    "blob",
				"ref":      map[string]string{"$link": blobCIDTwo},
				"mimeType": "image/webp",
				"size":     2,
			},
		}))

		blob, err := client.UploadBlob(context.Background(), []byte{4, 5}, "image/webp")

		require.NoError(t, err)
		assert.Equal(t, "image/webp", blob.MimeType)
		reqs := pds.calls(uploadPath)
		assert.Equal(t, "image/webp", reqs[len(reqs)-1].contentType)
	})

	t.Run("missing type falls back to any", func(t *testing.T) {
		pds.handle(uploadPath, writeJSON(map[string]any{
			"blob": map[string]any{
				"$type": "blob",
				"ref":   map[string]string{"$link": blobCIDOne},
				"size":  1,
			},
		}))

		_, err := client.UploadBlob(context.Background(), []byte{9}, "")

		require.NoError(t, err)
		reqs := pds.calls(uploadPath)
		assert.Equal(t, "*/*", reqs[len(reqs)-1].contentType)
	})

	t.Run("rejected upload is an error", func(t *testing.T) {
		pds.handle(uploadPath, writeXRPCError(http.StatusBadRequest, "BlobTooLarge", "too big"))

		_, err := client.UploadBlob(context.Background(), []byte{1}, "image/jpeg")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "upload blob")
	})
}

func TestCreatePostRecord(t *testing.T) {
	pds, client := newFakePDS(t)
	login(t, client)
	pds.handle(createPath, writeJSON(map[string]string{"uri": postURI, "cid": postCID}))

	record := social.PostRecord{
		Text: "hi #go",
		Facets: []social.Facet{{
			ByteStart: 3,
			ByteEnd:   6,
			Features:  []social.FacetFeature{{Kind: social.FeatureTag, Value: "go"}},
		}},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Embed: &social.ImageEmbed{Images: []social.EmbeddedImage{
			{Alt: "Image", Blob: social.BlobRef{CID: blobCIDOne, MimeType: "image/png", Size: 3}},
			{Alt: "Image", Blob: social.BlobRef{CID: blobCIDTwo, MimeType: "image/jpeg", Size: 9}},
		}},
	}

	receipt, err := client.CreatePost(context.Background(), record)
	require.NoError(t, err)
	assert.Equal(t, social.PostReceipt{URI: postURI, CID: postCID}, receipt)

	reqs := pds.calls(createPath)
	require.Len(t, reqs, 1)

	var input struct {
		Collection string `json:"collection"`
		Repo       string `json:"repo"`
		Record     struct {
			Type      string `json:"$type"`
			Text      string `json:"text"`
			CreatedAt string `json:"createdAt"`
			Facets    []struct {
				Index struct {
					ByteStart int `json:"byteStart"`
					ByteEnd   int `json:"byteEnd"`
				} `json:"index"`
				Features []map[string]any `json:"features"`
			} `json:"facets"`
			Embed struct {
				Type   string `json:"$type"`
				Images []struct {
					Alt   string `json:"alt"`
					Image struct {
						Ref struct {
							Link string `json:"$link"`
						} `json:"ref"`
						MimeType string `json:"mimeType"`
					} `json:"image"`
				} `json:"images"`
			} `json:"embed"`
		} `json:"record"`
	}
	require.NoError(t, json.Unmarshal(reqs[0].body, &input))

	assert.Equal(t, "app.bsky.feed.post", input.Collection)
	assert.Equal(t, testDID, input.Repo)
	assert.Equal(t, "app.bsky.feed.post", input.Record.Type)
	assert.Equal(t, "hi #go", input.Record.Text)
	assert.Equal(t, "2026-03-01T12:00:00Z", input.Record.CreatedAt)
	require.Len(t, input.Record.Facets, 1)
	assert.Equal(t, 3, input.Record.Facets[0].Index.ByteStart)
	assert.Equal(t, 6, input.Record.Facets[0].Index.ByteEnd)
	require.Len(t, input.Record.Facets[0].Features, 1)
	assert.Equal(t, "app.bsky.richtext.facet#tag", input.Record.Facets[0].Features[0]["$type"])
	assert.Equal(t, "go", input.Record.Facets[0].Features[0]["tag"])
	assert.Equal(t, "app.bsky.embed.images", input.Record.Embed.Type)
	require.Len(t, input.Record.Embed.Images, 2)
	assert.Equal(t, blobCIDOne, input.Record.Embed.Images[0].Image.Ref.Link)
	assert.Equal(t, blobCIDTwo, input.Record.Embed.Images[1].Image.Ref.Link)
	assert.Equal(t, "image/jpeg", input.Record.Embed.Images[1].Image.MimeType)
	assert.Equal(t, "Image", input.Record.Embed.Images[0].Alt)
}

func TestCreatePostRejectsBadBlobRef(t *testing.T) {
	pds, client := newFakePDS(t)
	login(t, client)

	_, err := client.CreatePost(context.Background(), social.PostRecord{
		Text:  "hi",
		Embed: &social.ImageEmbed{Images: []social.EmbeddedImage{{Alt: "Image", Blob: social.BlobRef{CID: "not-a-cid"}}}},
	})

	require.Error(t, err)
	assert.Empty(t, pds.calls(createPath))
}

func TestExpiredTokenIsRefreshedOnce(t *testing.T) {
	pds, client := newFakePDS(t)
	login(t, client)

	var attempts int
	var mu sync.Mutex
	pds.handle(createPath, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			writeXRPCError(http.StatusBadRequest, "ExpiredToken", "Token has expired")(w, r)
			return
		}
		writeJSON(map[string]string{"uri": postURI, "cid": postCID})(w, r)
	})
	pds.handle(refreshPath, writeJSON(map[string]any{
		"accessJwt":  "access-2",
		"refreshJwt": "refresh-2",
		"handle":     "alice.test",
		"did":        testDID,
	}))

	receipt, err := client.CreatePost(context.Background(), social.PostRecord{Text: "hi", CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, postURI, receipt.URI)

	refreshes := pds.calls(refreshPath)
	require.Len(t, refreshes, 1)
	assert.Equal(t, "Bearer refresh-1", refreshes[0].auth)

	creates := pds.calls(createPath)
	require.Len(t, creates, 2)
	assert.Equal(t, "Bearer access-1", creates[0].auth)
	assert.Equal(t, "Bearer access-2", creates[1].auth)
}

func TestOtherErrorsAreNotRetried(t *testing.T) {
	pds, client := newFakePDS(t)
	login(t, client)
	pds.handle(createPath, writeXRPCError(http.StatusBadRequest, "InvalidRecord", "text too long"))

	_, err := client.CreatePost(context.Background(), social.PostRecord{Text: "hi", CreatedAt: time.Now()})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "text too long")
	assert.NotContains(t, err.Error(), "create record")
	assert.Len(t, pds.calls(createPath), 1)
	assert.Empty(t, pds.calls(refreshPath))
}

func TestDeleteRecords(t *testing.T) {
	pds, client := newFakePDS(t)
	login(t, client)
	pds.handle(deletePath, writeJSON(map[string]any{}))

	require.NoError(t, client.DeleteLike(context.Background(), "at://did:plc:alice/app.bsky.feed.like/3klike"))

	reqs := pds.calls(deletePath)
	require.Len(t, reqs, 1)
	var input map[string]string
	require.NoError(t, json.Unmarshal(reqs[0].body, &input))
	assert.Equal(t, map[string]string{
		"collection": "app.bsky.feed.like",
		"repo":       "did:plc:alice",
		"rkey":       "3klike",
	}, input)
}

func TestRecordURIValidation(t *testing.T) {
	pds, client := newFakePDS(t)
	login(t, client)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{name: "not an at-uri", call: func() error { return client.DeletePost(ctx, "https://bsky.app/post/1") }},
		{name: "wrong collection", call: func() error { return client.DeleteRepost(ctx, "at://did:plc:alice/app.bsky.feed.like/3k") }},
		{name: "missing rkey", call: func() error { return client.DeletePost(ctx, "at://did:plc:alice/app.bsky.feed.post") }},
		{name: "like needs a post", call: func() error {
			_, err := client.Like(ctx, "at://did:plc:bob/app.bsky.feed.like/3k", postCID)
			return err
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var verr social.ValidationError
			assert.ErrorAs(t, tc.call(), &verr)
		})
	}
	assert.Empty(t, pds.calls(deletePath))
	assert.Empty(t, pds.calls(createPath))
}

func TestGetTimeline(t *testing.T) {
	pds, client := newFakePDS(t)
	login(t, client)
	pds.handle("/xrpc/app.bsky.feed.getTimeline", writeJSON(map[string]any{
		"feed": []any{
			map[string]any{
				"post": map[string]any{
					"uri":         "at://did:plc:bob/app.bsky.feed.post/3kabc",
					"cid":         postCID,
					"author":      map[string]any{"did": "did:plc:bob", "handle": "bob.test", "displayName": "Bob"},
					"record":      map[string]any{"$type": "app.bsky.feed.post", "text": "hello world", "createdAt": "2026-01-02T03:04:05Z"},
					"indexedAt":   "2026-01-02T03:04:06Z",
					"likeCount":   3,
					"replyCount":  1,
					"repostCount": 2,
				},
			},
		},
	}))

	posts, err := client.GetTimeline(context.Background(), 5)

	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, social.TimelinePost{
		URI:               "at://did:plc:bob/app.bsky.feed.post/3kabc",
		CID:               postCID,
		AuthorHandle:      "bob.test",
		AuthorDisplayName: "Bob",
		Text:              "hello world",
		ReplyCount:        1,
		RepostCount:       2,
		LikeCount:         3,
		CreatedAt:         "2026-01-02T03:04:05Z",
	}, posts[0])
}
