// Package googletrans provides a Synthesizer backed by the Google Translate
// text-to-speech endpoint. It implements the tts.Synthesizer interface.
//
// The endpoint accepts at most a couple hundred characters per request, so
// longer texts are split into segments at sentence boundaries (falling back
// to spaces, then hard cuts) and synthesised one request per segment. Each
// segment comes back as an MP3 clip.
package googletrans

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

const (
	defaultEndpoint = "https://translate.google.com/translate_tts"
	defaultLanguage = "en"

	// maxSegmentLen is the endpoint's per-request character limit.
	maxSegmentLen = 200
)

// segmentBreaks are tried in order when splitting an oversized text.
var segmentBreaks = []string{". ", "! ", "? ", "; ", ", ", " "}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithEndpoint overrides the synthesis endpoint. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithHTTPClient overrides the HTTP client used for synthesis requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithLanguage sets the default language used when Synthesize is called with
// an empty language.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// Provider implements tts.Synthesizer backed by the Google Translate TTS
// endpoint. The endpoint is unauthenticated.
type Provider struct {
	endpoint   string
	language   string
	httpClient *http.Client
}

// New creates a new Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		endpoint:   defaultEndpoint,
		language:   defaultLanguage,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

var _ tts.Synthesizer = (*Provider)(nil)

// Synthesize implements tts.Synthesizer. It returns one MP3 clip per text
// segment, in speaking order.
func (p *Provider) Synthesize(ctx context.Context, text string, language string) ([][]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if language == "" {
		language = p.language
	}

	segments := splitText(text, maxSegmentLen)
	clips := make([][]byte, 0, len(segments))
	for _, seg := range segments {
		clip, err := p.fetch(ctx, seg, language)
		if err != nil {
			return nil, fmt.Errorf("googletrans: synthesize segment: %w", err)
		}
		clips = append(clips, clip)
	}
	return clips, nil
}

// fetch performs one synthesis request for a single segment.
func (p *Provider) fetch(ctx context.Context, segment, language string) ([]byte, error) {
	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("client", "tw-ob")
	q.Set("tl", language)
	q.Set("q", segment)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	clip, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(clip) == 0 {
		return nil, errors.New("empty audio response")
	}
	return clip, nil
}

// splitText splits text into segments of at most limit characters, preferring
// sentence boundaries, then word boundaries, then hard cuts.
func splitText(text string, limit int) []string {
	var segments []string
	rest := text
	for utf8.RuneCountInString(rest) > limit {
		head := truncateRunes(rest, limit)
		cut := -1
		for _, brk := range segmentBreaks {
			if i := strings.LastIndex(head, brk); i > 0 {
				cut = i + len(brk)
				break
			}
		}
		if cut <= 0 {
			cut = len(head)
		}
		seg := strings.TrimSpace(rest[:cut])
		if seg != "" {
			segments = append(segments, seg)
		}
		rest = strings.TrimSpace(rest[cut:])
	}
	if rest != "" {
		segments = append(segments, rest)
	}
	return segments
}

// truncateRunes returns the longest prefix of s holding at most limit runes.
func truncateRunes(s string, limit int) string {
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
