package social_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ampcome-mcps/bluesky-mcp/internal/social"
	"github.com/ampcome-mcps/bluesky-mcp/internal/social/socialtest"
)

func TestActionsRequireLogin(t *testing.T) {
	backend := socialtest.New(testHandle, testPassword, testDID)
	actions := social.NewActions(social.NewSession(backend, nil), backend)
	ctx := context.Background()
	uri := "at://did:plc:bob/app.bsky.feed.post/abc"

	calls := map[string]func() error{
		"get-profile":  func() error { _, err := actions.GetProfile(ctx); return err },
		"get-timeline": func() error { _, err := actions.GetTimeline(ctx, 10); return err },
		"get-post":     func() error { _, err := actions.GetPost(ctx, uri); return err },
		"get-posts":    func() error { _, err := actions.GetPosts(ctx, []string{uri}); return err },
		"delete-post":  func() error { return actions.DeletePost(ctx, uri) },
		"like-post":    func() error { _, err := actions.LikePost(ctx, uri, "bafy"); return err },
		"unlike-post":  func() error { return actions.UnlikePost(ctx, uri) },
		"repost":       func() error { _, err := actions.Repost(ctx, uri, "bafy"); return err },
		"unrepost":     func() error { return actions.Unrepost(ctx, uri) },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, call(), social.ErrNotAuthenticated)
		})
	}
	assert.Zero(t, backend.CallCount())
}

func loggedInActions(t *testing.T) (*social.Actions, *socialtest.Backend) {
	t.Helper()
	backend := socialtest.New(testHandle, testPassword, testDID)
	session := social.NewSession(backend, nil)
	require.NoError(t, session.Login(context.Background(), testHandle, testPassword))
	return social.NewActions(session, backend), backend
}

func TestGetProfileUsesSessionActor(t *testing.T) {
	actions, _ := loggedInActions(t)

	profile, err := actions.GetProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"did": testDID}, profile)
}

func TestGetTimeline(t *testing.T) {
	actions, backend := loggedInActions(t)
	backend.Timeline = []social.TimelinePost{
		{
			URI:               "at://did:plc:bob/app.bsky.feed.post/3kabc",
			AuthorHandle:      "bob.test",
			AuthorDisplayName: "Bob",
			Text:              "first",
			ReplyCount:        1,
			RepostCount:       2,
			LikeCount:         3,
			CreatedAt:         "2026-01-02T03:04:05Z",
		},
		{
			URI:          "at://did:plc:carol/app.bsky.feed.post/3kdef",
			AuthorHandle: "carol.test",
			Text:         "second",
		},
	}

	timeline, err := actions.GetTimeline(context.Background(), 0)
	require.NoError(t, err)

	assert.Contains(t, backend.Calls(), "get-timeline:20")
	assert.Equal(t, 2, timeline.Count)
	require.Len(t, timeline.Posts, 2)
	first := timeline.Posts[0]
	assert.Equal(t, 1, first.Position)
	assert.Equal(t, "Bob", first.Author.DisplayName)
	assert.Equal(t, "first", first.Content)
	assert.Equal(t, social.PostStats{Replies: 1, Reposts: 2, Likes: 3}, first.Stats)
	assert.Equal(t, "https://bsky.app/profile/bob.test/post/3kabc", first.URL)
	assert.Equal(t, 2, timeline.Posts[1].Position)
	assert.Equal(t, "https://bsky.app/profile/carol.test/post/3kdef", timeline.Posts[1].URL)
}

func TestPassthroughErrorsNameTheAction(t *testing.T) {
	actions, backend := loggedInActions(t)
	backend.ReadErr = errors.New("RecordNotFound")

	_, err := actions.LikePost(context.Background(), "at://did:plc:bob/app.bsky.feed.post/abc", "bafy")

	var berr *social.BackendError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "like post", berr.Op)
	assert.ErrorIs(t, err, backend.ReadErr)

	err = actions.Unrepost(context.Background(), "at://did:plc:alice/app.bsky.feed.repost/r1")
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "unrepost", berr.Op)
}

func TestInteractionsReturnReceipts(t *testing.T) {
	actions, _ := loggedInActions(t)
	ctx := context.Background()

	like, err := actions.LikePost(ctx, "at://did:plc:bob/app.bsky.feed.post/abc", "bafy")
	require.NoError(t, err)
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.like/l1", like.URI)

	repost, err := actions.Repost(ctx, "at://did:plc:bob/app.bsky.feed.post/abc", "bafy")
	require.NoError(t, err)
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.repost/r1", repost.URI)

	assert.NoError(t, actions.DeletePost(ctx, "at://did:plc:alice/app.bsky.feed.post/abc"))
	assert.NoError(t, actions.UnlikePost(ctx, like.URI))
	assert.NoError(t, actions.Unrepost(ctx, repost.URI))
}
