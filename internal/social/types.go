package social

import (
	"context"
	"time"
)

// Credentials identify the account a session logs in as. They are held
// only for the duration of a login call.
type Credentials struct {
	Identifier string
	Secret     string
}

// RawImage is a caller-supplied image payload for a single post.
type RawImage struct {
	Data     []byte
	MimeType string
}

// BlobRef references a blob the backend accepted.
type BlobRef struct {
	CID      string
	MimeType string
	Size     int64
}

// IsZero reports whether the reference carries no blob.
func (b BlobRef) IsZero() bool { return b.CID == "" }

// FeatureKind names the entity a facet feature annotates.
type FeatureKind string

const (
	FeatureMention FeatureKind = "mention"
	FeatureLink    FeatureKind = "link"
	FeatureTag     FeatureKind = "tag"
)

// FacetFeature is one annotation over a facet span. Value holds a DID for
// mentions, a URI for links and the bare tag (no '#') for tags.
type FacetFeature struct {
	Kind  FeatureKind
	Value string
}

// Facet annotates the UTF-8 byte range [ByteStart, ByteEnd) of normalized text.
type Facet struct {
	ByteStart int
	ByteEnd   int
	Features  []FacetFeature
}

// RichText is normalized post text together with the facets detected over it.
type RichText struct {
	Text   string
	Facets []Facet
}

// EmbeddedImage is one entry of an images embed.
type EmbeddedImage struct {
	Alt  string
	Blob BlobRef
}

// ImageEmbed lists the images attached to a post.
type ImageEmbed struct {
	Images []EmbeddedImage
}

// PostRecord is the fully assembled post submitted to the backend.
type PostRecord struct {
	Text      string
	Facets    []Facet
	CreatedAt time.Time
	Embed     *ImageEmbed
}

// PostReceipt identifies a record created by the backend.
type PostReceipt struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// TimelinePost is a single feed entry as returned by the backend.
type TimelinePost struct {
	URI               string
	CID               string
	AuthorHandle      string
	AuthorDisplayName string
	Text              string
	ReplyCount        int64
	RepostCount       int64
	LikeCount         int64
	CreatedAt         string
}

// Backend is the social network capability the session and composer call into.
type Backend interface {
	Authenticate(ctx context.Context, identifier, secret string) (string, error)
	NormalizeRichText(ctx context.Context, text string) (RichText, error)
	UploadBlob(ctx context.Context, data []byte, mimeType string) (BlobRef, error)
	CreatePost(ctx context.Context, record PostRecord) (PostReceipt, error)
}

// Client extends Backend with the passthrough reads and interactions.
// Results of reads are backend-native values meant to be serialized as-is.
type Client interface {
	Backend

	GetProfile(ctx context.Context, actor string) (any, error)
	GetTimeline(ctx context.Context, limit int) ([]TimelinePost, error)
	GetPostThread(ctx context.Context, uri string) (any, error)
	GetPosts(ctx context.Context, uris []string) (any, error)
	DeletePost(ctx context.Context, uri string) error
	Like(ctx context.Context, uri, cid string) (PostReceipt, error)
	DeleteLike(ctx context.Context, likeURI string) error
	Repost(ctx context.Context, uri, cid string) (PostReceipt, error)
	DeleteRepost(ctx context.Context, repostURI string) error
}
