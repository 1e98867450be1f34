package bluesky

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"golang.org/x/text/unicode/norm"

	"github.com/ampcome-mcps/bluesky-mcp/internal/logutil"
	"github.com/ampcome-mcps/bluesky-mcp/internal/social"
)

const maxTagRunes = 64

var (
	mentionRe = regexp.MustCompile(`(?:^|\s|\()(@[a-zA-Z0-9.-]+)`)
	linkRe    = regexp.MustCompile(`(?i)(?:^|\s|\()((?:https?://\S+)|(?:[a-z][a-z0-9]*(?:\.[a-z0-9]+)+\S*))`)
	tagRe     = regexp.MustCompile(`(?:^|\s)([#＃]\S+)`)
)

// knownTLDs gates bare-domain links so that "file.txt" is not linked.
var knownTLDs = map[string]struct{}{
	"ai": {}, "app": {}, "art": {}, "blog": {}, "ca": {}, "cloud": {}, "co": {},
	"com": {}, "de": {}, "dev": {}, "edu": {}, "es": {}, "eu": {}, "fr": {},
	"gg": {}, "gov": {}, "io": {}, "it": {}, "jp": {}, "me": {}, "net": {},
	"news": {}, "nl": {}, "org": {}, "page": {}, "sh": {}, "site": {},
	"social": {}, "tech": {}, "to": {}, "tv": {}, "uk": {}, "us": {}, "xyz": {},
}

// HandleResolver resolves a handle to a DID.
type HandleResolver interface {
	ResolveHandle(ctx context.Context, handle string) (string, error)
}

// NormalizeText converts line endings to LF and applies Unicode NFC, so that
// byte offsets computed over the result are stable.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return norm.NFC.String(text)
}

// DetectFacets finds mentions, links and hashtags in text and returns them
// ordered by byte offset. Mentions that do not resolve are dropped.
func DetectFacets(ctx context.Context, text string, resolver HandleResolver) []social.Facet {
	var facets []social.Facet
	facets = append(facets, detectMentions(ctx, text, resolver)...)
	facets = append(facets, detectLinks(text)...)
	facets = append(facets, detectTags(text)...)
	sort.SliceStable(facets, func(i, j int) bool {
		return facets[i].ByteStart < facets[j].ByteStart
	})
	return facets
}

func detectMentions(ctx context.Context, text string, resolver HandleResolver) []social.Facet {
	var facets []social.Facet
	for _, m := range mentionRe.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[2], m[3]
		raw := strings.TrimRight(text[start+1:end], ".-")
		if raw == "" {
			continue
		}
		handle, err := syntax.ParseHandle(raw)
		if err != nil {
			continue
		}
		if resolver == nil {
			continue
		}
		did, err := resolver.ResolveHandle(ctx, handle.String())
		if err != nil || did == "" {
			logutil.Debugf("dropping unresolved mention: handle=%s err=%v", raw, err)
			continue
		}
		facets = append(facets, social.Facet{
			ByteStart: start,
			ByteEnd:   start + 1 + len(raw),
			Features:  []social.FacetFeature{{Kind: social.FeatureMention, Value: did}},
		})
	}
	return facets
}

func detectLinks(text string) []social.Facet {
	var facets []social.Facet
	for _, m := range linkRe.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[2], m[3]
		raw := text[start:end]

		uri := raw
		if !hasScheme(uri) {
			if !hasKnownTLD(uri) {
				continue
			}
			uri = "https://" + uri
		}

		trimmed := trimLinkSuffix(raw)
		uri = uri[:len(uri)-(len(raw)-len(trimmed))]

		facets = append(facets, social.Facet{
			ByteStart: start,
			ByteEnd:   start + len(trimmed),
			Features:  []social.FacetFeature{{Kind: social.FeatureLink, Value: uri}},
		})
	}
	return facets
}

func hasScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func hasKnownTLD(s string) bool {
	host := s
	if i := strings.IndexAny(host, "/?#:"); i >= 0 {
		host = host[:i]
	}
	host = strings.TrimRight(host, ".,;:!?)")
	i := strings.LastIndexByte(host, '.')
	if i < 0 {
		return false
	}
	_, ok := knownTLDs[strings.ToLower(host[i+1:])]
	return ok
}

// trimLinkSuffix strips sentence punctuation that follows a link, and a
// closing paren that has no opening partner inside the link.
func trimLinkSuffix(s string) string {
	s = strings.TrimRight(s, ".,;:!?")
	if strings.HasSuffix(s, ")") && !strings.Contains(s, "(") {
		s = strings.TrimSuffix(s, ")")
		s = strings.TrimRight(s, ".,;:!?")
	}
	return s
}

func detectTags(text string) []social.Facet {
	var facets []social.Facet
	for _, m := range tagRe.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[2], m[3]
		_, hashLen := utf8.DecodeRuneInString(text[start:])
		tag := strings.TrimRightFunc(text[start+hashLen:end], unicode.IsPunct)
		if !validTag(tag) {
			continue
		}
		facets = append(facets, social.Facet{
			ByteStart: start,
			ByteEnd:   start + hashLen + len(tag),
			Features:  []social.FacetFeature{{Kind: social.FeatureTag, Value: tag}},
		})
	}
	return facets
}

// validTag rejects empty, overlong, keycap and purely numeric tags.
func validTag(tag string) bool {
	if tag == "" || utf8.RuneCountInString(tag) > maxTagRunes {
		return false
	}
	if strings.HasPrefix(tag, "\ufe0f") {
		return false
	}
	for _, r := range tag {
		if !unicode.IsDigit(r) && !unicode.IsPunct(r) {
			return true
		}
	}
	return false
}
