package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ampcome-mcps/bluesky-mcp/internal/social"
)

// maxPostsPerRequest is the app.bsky.feed.getPosts limit.
const maxPostsPerRequest = 25

// tool is a registered MCP tool. run receives arguments that already passed
// schema validation.
type tool struct {
	name          string
	description   string
	inputSchema   map[string]any
	schema        *gojsonschema.Schema
	annotations   *toolAnnotations
	failurePrefix string

	run func(ctx context.Context, arguments json.RawMessage) (string, error)
	// formatFailure renders the failure message; nil means plain text.
	formatFailure func(message string) string
}

func (t *tool) validate(arguments json.RawMessage) error {
	if t.schema == nil {
		return nil
	}
	result, err := t.schema.Validate(gojsonschema.NewBytesLoader(normalizeArguments(arguments)))
	if err != nil {
		return social.ValidationError{Field: "arguments", Reason: err.Error()}
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			reasons = append(reasons, resultErr.String())
		}
		return social.ValidationError{Field: "arguments", Reason: strings.Join(reasons, "; ")}
	}
	return nil
}

func (t *tool) failure(err error) toolsCallResult {
	message := fmt.Sprintf("%s: %v", t.failurePrefix, err)
	if t.formatFailure != nil {
		message = t.formatFailure(message)
	}
	return toolsCallResult{
		Content:   []contentBlock{{Type: "text", Text: message}},
		IsError:   true,
		ErrorInfo: classifyError(err),
	}
}

// normalizeArguments treats absent or null arguments as an empty object.
func normalizeArguments(arguments json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(arguments))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage("{}")
	}
	return arguments
}

func decodeArguments[T any](arguments json.RawMessage) (T, error) {
	var out T
	if err := json.Unmarshal(normalizeArguments(arguments), &out); err != nil {
		return out, social.ValidationError{Field: "arguments", Reason: err.Error()}
	}
	return out, nil
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProperty(description string) map[string]any {
	return map[string]any{"type": "string", "minLength": 1, "description": description}
}

func mustCompile(name string, schemaMap map[string]any) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		panic(fmt.Sprintf("mcp: invalid input schema for tool %s: %v", name, err))
	}
	return schema
}

func prettyJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode response: %w", err)
	}
	return string(data), nil
}

var (
	readOnly = &toolAnnotations{
		ReadOnlyHint:  boolPtr(true),
		OpenWorldHint: boolPtr(true),
	}
	additive = &toolAnnotations{
		ReadOnlyHint:    boolPtr(false),
		DestructiveHint: boolPtr(false),
		OpenWorldHint:   boolPtr(true),
	}
	// sessionOnly changes local authentication state, nothing remote.
	sessionOnly = &toolAnnotations{
		ReadOnlyHint:    boolPtr(false),
		DestructiveHint: boolPtr(false),
		IdempotentHint:  boolPtr(true),
		OpenWorldHint:   boolPtr(true),
	}
	destructive = &toolAnnotations{
		ReadOnlyHint:    boolPtr(false),
		DestructiveHint: boolPtr(true),
		IdempotentHint:  boolPtr(true),
		OpenWorldHint:   boolPtr(true),
	}
)

type loginArguments struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type imageArgument struct {
	Data     string `json:"data"`
	Encoding string `json:"encoding"`
}

type createPostArguments struct {
	Text   string          `json:"text"`
	Images []imageArgument `json:"images"`
}

type timelineArguments struct {
	Limit int `json:"limit"`
}

type uriArguments struct {
	URI string `json:"uri"`
}

type urisArguments struct {
	URIs []string `json:"uris"`
}

type subjectArguments struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type likeURIArguments struct {
	LikeURI string `json:"likeUri"`
}

type repostURIArguments struct {
	RepostURI string `json:"repostUri"`
}

// postStatus is the create-post response body.
type postStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	URI     string `json:"uri,omitempty"`
	CID     string `json:"cid,omitempty"`
}

func (p postStatus) String() string {
	data, err := json.Marshal(p)
	if err != nil {
		return p.Message
	}
	return string(data)
}

// decodeImages turns base64 payloads into raw images. A payload may carry a
// data URL prefix.
func decodeImages(images []imageArgument) ([]social.RawImage, error) {
	if len(images) == 0 {
		return nil, nil
	}
	out := make([]social.RawImage, 0, len(images))
	for i, img := range images {
		payload := img.Data
		if strings.HasPrefix(payload, "data:") {
			if _, rest, ok := strings.Cut(payload, ","); ok {
				payload = rest
			}
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
		if err != nil {
			return nil, social.ValidationError{Field: fmt.Sprintf("images[%d].data", i), Reason: "not valid base64"}
		}
		if len(data) == 0 {
			return nil, social.ValidationError{Field: fmt.Sprintf("images[%d].data", i), Reason: "must not be empty"}
		}
		out = append(out, social.RawImage{Data: data, MimeType: img.Encoding})
	}
	return out, nil
}

func (s *Server) buildTools() []*tool {
	tools := []*tool{
		{
			name: "login",
			description: "Log in to Bluesky. With identifier and password the given account is used; " +
				"otherwise the BLUESKY_IDENTIFIER and BLUESKY_PASSWORD configuration is used.",
			inputSchema: objectSchema(map[string]any{
				"identifier": map[string]any{"type": "string", "description": "Handle or email of the account"},
				"password":   map[string]any{"type": "string", "description": "Account password or app password"},
			}),
			annotations:   sessionOnly,
			failurePrefix: "Failed to login",
			run:           s.runLogin,
		},
		{
			name:        "create-post",
			description: "Create a Bluesky post. Mentions, links and hashtags are detected automatically; images are attached in order.",
			inputSchema: objectSchema(map[string]any{
				"text": stringProperty("Post text"),
				"images": map[string]any{
					"type":        "array",
					"description": "Images to attach",
					"items": objectSchema(map[string]any{
						"data":     stringProperty("Base64 encoded image data"),
						"encoding": stringProperty("Image MIME type, e.g. image/png"),
					}, "data", "encoding"),
				},
			}, "text"),
			annotations:   additive,
			failurePrefix: "Failed to create post",
			run:           s.runCreatePost,
			formatFailure: func(message string) string {
				return postStatus{Status: "error", Message: message}.String()
			},
		},
		{
			name:          "get-profile",
			description:   "Get the profile of the logged-in account.",
			inputSchema:   objectSchema(map[string]any{}),
			annotations:   readOnly,
			failurePrefix: "Failed to get profile",
			run:           s.runGetProfile,
		},
		{
			name:        "get-timeline",
			description: "Get posts from the home timeline of the logged-in account.",
			inputSchema: objectSchema(map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     100,
					"default":     social.DefaultTimelineLimit,
					"description": "Number of posts to fetch",
				},
			}),
			annotations:   readOnly,
			failurePrefix: "Failed to get timeline",
			run:           s.runGetTimeline,
		},
		{
			name:        "get-post",
			description: "Get a post and its thread by AT-URI.",
			inputSchema: objectSchema(map[string]any{
				"uri": stringProperty("AT-URI of the post"),
			}, "uri"),
			annotations:   readOnly,
			failurePrefix: "Failed to get post",
			run:           s.runGetPost,
		},
		{
			name:        "get-posts",
			description: "Get several posts by AT-URI.",
			inputSchema: objectSchema(map[string]any{
				"uris": map[string]any{
					"type":        "array",
					"minItems":    1,
					"maxItems":    maxPostsPerRequest,
					"items":       map[string]any{"type": "string", "minLength": 1},
					"description": "AT-URIs of the posts",
				},
			}, "uris"),
			annotations:   readOnly,
			failurePrefix: "Failed to get posts",
			run:           s.runGetPosts,
		},
		{
			name:        "delete-post",
			description: "Delete a post of the logged-in account.",
			inputSchema: objectSchema(map[string]any{
				"uri": stringProperty("AT-URI of the post"),
			}, "uri"),
			annotations:   destructive,
			failurePrefix: "Failed to delete post",
			run:           s.runDeletePost,
		},
		{
			name:        "like-post",
			description: "Like a post.",
			inputSchema: objectSchema(map[string]any{
				"uri": stringProperty("AT-URI of the post"),
				"cid": stringProperty("CID of the post"),
			}, "uri", "cid"),
			annotations:   additive,
			failurePrefix: "Failed to like post",
			run:           s.runLikePost,
		},
		{
			name:        "unlike-post",
			description: "Remove a like.",
			inputSchema: objectSchema(map[string]any{
				"likeUri": stringProperty("AT-URI of the like record"),
			}, "likeUri"),
			annotations:   destructive,
			failurePrefix: "Failed to remove like",
			run:           s.runUnlikePost,
		},
		{
			name:        "repost",
			description: "Repost a post.",
			inputSchema: objectSchema(map[string]any{
				"uri": stringProperty("AT-URI of the post"),
				"cid": stringProperty("CID of the post"),
			}, "uri", "cid"),
			annotations:   additive,
			failurePrefix: "Failed to repost",
			run:           s.runRepost,
		},
		{
			name:        "unrepost",
			description: "Remove a repost.",
			inputSchema: objectSchema(map[string]any{
				"repostUri": stringProperty("AT-URI of the repost record"),
			}, "repostUri"),
			annotations:   destructive,
			failurePrefix: "Failed to remove repost",
			run:           s.runUnrepost,
		},
	}

	for _, t := range tools {
		t.schema = mustCompile(t.name, t.inputSchema)
	}
	return tools
}

func (s *Server) runLogin(ctx context.Context, arguments json.RawMessage) (string, error) {
	args, err := decodeArguments[loginArguments](arguments)
	if err != nil {
		return "", err
	}
	if args.Identifier != "" && args.Password != "" {
		err = s.session.Login(ctx, args.Identifier, args.Password)
	} else {
		err = s.session.AutoLogin(ctx)
	}
	if err != nil {
		return "", err
	}
	return "Successfully logged in to Bluesky", nil
}

func (s *Server) runCreatePost(ctx context.Context, arguments json.RawMessage) (string, error) {
	args, err := decodeArguments[createPostArguments](arguments)
	if err != nil {
		return "", err
	}
	images, err := decodeImages(args.Images)
	if err != nil {
		return "", err
	}
	receipt, err := s.composer.CreatePost(ctx, args.Text, images)
	if err != nil {
		return "", err
	}
	return postStatus{
		Status:  "success",
		Message: "Post created successfully",
		URI:     receipt.URI,
		CID:     receipt.CID,
	}.String(), nil
}

func (s *Server) runGetProfile(ctx context.Context, _ json.RawMessage) (string, error) {
	profile, err := s.actions.GetProfile(ctx)
	if err != nil {
		return "", err
	}
	return prettyJSON(profile)
}

func (s *Server) runGetTimeline(ctx context.Context, arguments json.RawMessage) (string, error) {
	args, err := decodeArguments[timelineArguments](arguments)
	if err != nil {
		return "", err
	}
	timeline, err := s.actions.GetTimeline(ctx, args.Limit)
	if err != nil {
		return "", err
	}
	return prettyJSON(timeline)
}

func (s *Server) runGetPost(ctx context.Context, arguments json.RawMessage) (string, error) {
	args, err := decodeArguments[uriArguments](arguments)
	if err != nil {
		return "", err
	}
	thread, err := s.actions.GetPost(ctx, args.URI)
	if err != nil {
		return "", err
	}
	return prettyJSON(thread)
}

func (s *Server) runGetPosts(ctx context.Context, arguments json.RawMessage) (string, error) {
	args, err := decodeArguments[urisArguments](arguments)
	if err != nil {
		return "", err
	}
	posts, err := s.actions.GetPosts(ctx, args.URIs)
	if err != nil {
		return "", err
	}
	return prettyJSON(posts)
}

func (s *Server) runDeletePost(ctx context.Context, arguments json.RawMessage) (string, error) {
	args, err := decodeArguments[uriArguments](arguments)
	if err != nil {
		return "", err
	}
	if err := s.actions.DeletePost(ctx, args.URI); err != nil {
		return "", err
	}
	return "Post deleted successfully", nil
}

func (s *Server) runLikePost(ctx context.Context, arguments json.RawMessage) (string, error) {
	args, err := decodeArguments[subjectArguments](arguments)
	if err != nil {
		return "", err
	}
	receipt, err := s.actions.LikePost(ctx, args.URI, args.CID)
	if err != nil {
		return "", err
	}
	return "Successfully liked post. Like URI: " + receipt.URI, nil
}

func (s *Server) runUnlikePost(ctx context.Context, arguments json.RawMessage) (string, error) {
	args, err := decodeArguments[likeURIArguments](arguments)
	if err != nil {
		return "", err
	}
	if err := s.actions.UnlikePost(ctx, args.LikeURI); err != nil {
		return "", err
	}
	return "Successfully removed like", nil
}

func (s *Server) runRepost(ctx context.Context, arguments json.RawMessage) (string, error) {
	args, err := decodeArguments[subjectArguments](arguments)
	if err != nil {
		return "", err
	}
	receipt, err := s.actions.Repost(ctx, args.URI, args.CID)
	if err != nil {
		return "", err
	}
	return "Successfully reposted. Repost URI: " + receipt.URI, nil
}

func (s *Server) runUnrepost(ctx context.Context, arguments json.RawMessage) (string, error) {
	args, err := decodeArguments[repostURIArguments](arguments)
	if err != nil {
		return "", err
	}
	if err := s.actions.Unrepost(ctx, args.RepostURI); err != nil {
		return "", err
	}
	return "Successfully removed repost", nil
}
