package social

import (
	"context"
	"strings"
)

// DefaultTimelineLimit is used when the caller does not ask for a size.
const DefaultTimelineLimit = 20

const profileURLBase = "https://bsky.app/profile"

// Actions exposes the passthrough operations. Each call passes the session
// guard and then issues exactly one backend call.
type Actions struct {
	session *Session
	client  Client
}

// NewActions returns the passthrough operations guarded by session.
func NewActions(session *Session, client Client) *Actions {
	return &Actions{session: session, client: client}
}

// GetProfile fetches the profile of the logged-in actor.
func (a *Actions) GetProfile(ctx context.Context) (any, error) {
	if err := a.session.RequireAuthenticated(); err != nil {
		return nil, err
	}
	profile, err := a.client.GetProfile(ctx, a.session.ActorID())
	if err != nil {
		return nil, backendErr("get profile", err)
	}
	return profile, nil
}

// Timeline is the caller-facing shape of a home timeline page.
type Timeline struct {
	Count int             `json:"count"`
	Posts []FormattedPost `json:"posts"`
}

// FormattedPost is one numbered timeline entry.
type FormattedPost struct {
	Position  int        `json:"position"`
	Author    PostAuthor `json:"author"`
	Content   string     `json:"content"`
	Stats     PostStats  `json:"stats"`
	CreatedAt string     `json:"createdAt"`
	URL       string     `json:"url"`
}

type PostAuthor struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName,omitempty"`
}

type PostStats struct {
	Replies int64 `json:"replies"`
	Reposts int64 `json:"reposts"`
	Likes   int64 `json:"likes"`
}

// GetTimeline fetches the home timeline. A non-positive limit selects
// DefaultTimelineLimit.
func (a *Actions) GetTimeline(ctx context.Context, limit int) (Timeline, error) {
	if err := a.session.RequireAuthenticated(); err != nil {
		return Timeline{}, err
	}
	if limit <= 0 {
		limit = DefaultTimelineLimit
	}
	posts, err := a.client.GetTimeline(ctx, limit)
	if err != nil {
		return Timeline{}, backendErr("get timeline", err)
	}
	return FormatTimeline(posts), nil
}

// FormatTimeline numbers posts and links each one to its web URL.
func FormatTimeline(posts []TimelinePost) Timeline {
	out := Timeline{Count: len(posts), Posts: make([]FormattedPost, 0, len(posts))}
	for i, p := range posts {
		out.Posts = append(out.Posts, FormattedPost{
			Position: i + 1,
			Author: PostAuthor{
				Handle:      p.AuthorHandle,
				DisplayName: p.AuthorDisplayName,
			},
			Content: p.Text,
			Stats: PostStats{
				Replies: p.ReplyCount,
				Reposts: p.RepostCount,
				Likes:   p.LikeCount,
			},
			CreatedAt: p.CreatedAt,
			URL:       profileURLBase + "/" + p.AuthorHandle + "/post/" + lastPathSegment(p.URI),
		})
	}
	return out
}

func lastPathSegment(uri string) string {
	if i := strings.LastIndexByte(uri, '/'); i >= 0 {
		return uri[i+1:]
	}
	return uri
}

// GetPost fetches the thread rooted at uri.
func (a *Actions) GetPost(ctx context.Context, uri string) (any, error) {
	if err := a.session.RequireAuthenticated(); err != nil {
		return nil, err
	}
	thread, err := a.client.GetPostThread(ctx, uri)
	if err != nil {
		return nil, backendErr("get post", err)
	}
	return thread, nil
}

// GetPosts fetches several posts in one call.
func (a *Actions) GetPosts(ctx context.Context, uris []string) (any, error) {
	if err := a.session.RequireAuthenticated(); err != nil {
		return nil, err
	}
	posts, err := a.client.GetPosts(ctx, uris)
	if err != nil {
		return nil, backendErr("get posts", err)
	}
	return posts, nil
}

// DeletePost deletes one of the actor's posts.
func (a *Actions) DeletePost(ctx context.Context, uri string) error {
	if err := a.session.RequireAuthenticated(); err != nil {
		return err
	}
	return backendErr("delete post", a.client.DeletePost(ctx, uri))
}

// LikePost likes the post identified by uri and cid.
func (a *Actions) LikePost(ctx context.Context, uri, cid string) (PostReceipt, error) {
	if err := a.session.RequireAuthenticated(); err != nil {
		return PostReceipt{}, err
	}
	receipt, err := a.client.Like(ctx, uri, cid)
	if err != nil {
		return PostReceipt{}, backendErr("like post", err)
	}
	return receipt, nil
}

// UnlikePost removes a like record.
func (a *Actions) UnlikePost(ctx context.Context, likeURI string) error {
	if err := a.session.RequireAuthenticated(); err != nil {
		return err
	}
	return backendErr("unlike post", a.client.DeleteLike(ctx, likeURI))
}

// Repost reposts the post identified by uri and cid.
func (a *Actions) Repost(ctx context.Context, uri, cid string) (PostReceipt, error) {
	if err := a.session.RequireAuthenticated(); err != nil {
		return PostReceipt{}, err
	}
	receipt, err := a.client.Repost(ctx, uri, cid)
	if err != nil {
		return PostReceipt{}, backendErr("repost", err)
	}
	return receipt, nil
}

// Unrepost removes a repost record.
func (a *Actions) Unrepost(ctx context.Context, repostURI string) error {
	if err := a.session.RequireAuthenticated(); err != nil {
		return err
	}
	return backendErr("unrepost", a.client.DeleteRepost(ctx, repostURI))
}
