// Copyright 2024-2026 Aiku AI

// Package attachment turns VK attachment objects into hub-ready media or
// short inline notes.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/aiku/telehooper/pkg/hub"
	"github.com/aiku/telehooper/pkg/store"
)

// DefaultMaxSize is the download cap for a single attachment.
const DefaultMaxSize int64 = 50 * 1024 * 1024

// DefaultVideoQuality is used when neither the caller nor the config pick a
// maximum video quality.
const DefaultVideoQuality = 720

// QualityLadder lists video heights from best to worst.
var QualityLadder = []int{1080, 720, 480, 360, 240, 144}

var errTranscodeUnsupported = errors.New("transcoding is not available")

// AttachmentTooLargeError is returned when a download exceeds the cap.
type AttachmentTooLargeError struct {
	Type  string
	Size  int64
	Limit int64
}

func (e *AttachmentTooLargeError) Error() string {
	if e.Size > 0 {
		return fmt.Sprintf("%s attachment is too large (%d bytes, limit %d)", e.Type, e.Size, e.Limit)
	}
	return fmt.Sprintf("%s attachment exceeds the %d byte limit", e.Type, e.Limit)
}

// UnsupportedAttachmentError is returned for attachment types that have no
// hub representation.
type UnsupportedAttachmentError struct {
	Type string
}

func (e *UnsupportedAttachmentError) Error() string {
	return fmt.Sprintf("unsupported attachment type %q", e.Type)
}

// IsTooLarge reports whether err is an AttachmentTooLargeError.
func IsTooLarge(err error) bool {
	var tooLarge *AttachmentTooLargeError
	return errors.As(err, &tooLarge)
}

// Prefs are per-user choices that affect resolution.
type Prefs struct {
	// MaxVideoQuality is the highest video height to pick; 0 uses the
	// pipeline default.
	MaxVideoQuality int
}

// Result of resolving one attachment. If both fields are empty the
// attachment is skipped.
type Result struct {
	Media *hub.Media
	Note  string
}

// Skip reports whether the result carries nothing.
func (r Result) Skip() bool {
	return r.Media == nil && r.Note == ""
}

// Options configure a Pipeline.
type Options struct {
	HTTPClient          *http.Client
	MaxSize             int64
	DefaultVideoQuality int
	Transcoder          Transcoder
	// Service scopes cache keys. Defaults to "vk".
	Service string
}

// Pipeline resolves attachments.
type Pipeline struct {
	http         *http.Client
	cache        *Cache
	transcoder   Transcoder
	maxSize      int64
	videoQuality int
	service      string
	log          zerolog.Logger
}

// New creates a pipeline. st may be nil, which disables the file cache.
func New(st *store.Store, opts Options, log zerolog.Logger) *Pipeline {
	p := &Pipeline{
		http:         opts.HTTPClient,
		cache:        NewCache(st),
		transcoder:   opts.Transcoder,
		maxSize:      opts.MaxSize,
		videoQuality: opts.DefaultVideoQuality,
		service:      opts.Service,
		log:          log.With().Str("component", "attachments").Logger(),
	}
	if p.http == nil {
		p.http = http.DefaultClient
	}
	if p.transcoder == nil {
		p.transcoder = noTranscoder{}
	}
	if p.maxSize <= 0 {
		p.maxSize = DefaultMaxSize
	}
	if p.videoQuality <= 0 {
		p.videoQuality = DefaultVideoQuality
	}
	if p.service == "" {
		p.service = "vk"
	}
	return p
}

// MaxSize returns the download cap.
func (p *Pipeline) MaxSize() int64 {
	return p.maxSize
}

// Remember caches the hub file reference of a delivered media item. It is a
// no-op for media without a cache key.
func (p *Pipeline) Remember(ctx context.Context, m *hub.Media, fileID string) {
	if m == nil || m.CacheKey == "" || fileID == "" {
		return
	}
	if err := p.cache.Put(ctx, p.service, m.CacheKey, fileID); err != nil {
		p.log.Warn().Err(err).Str("cache_key", m.CacheKey).Msg("Failed to cache attachment reference")
	}
}

// Resolved is the outcome of ResolveAll.
type Resolved struct {
	Media []*hub.Media
	Notes []string
}

// ResolveAll resolves every attachment of a message. A failing attachment
// is dropped and replaced by a note, unless it is the only attachment, in
// which case its error is returned.
func (p *Pipeline) ResolveAll(ctx context.Context, raws []gjson.Result, prefs Prefs) (*Resolved, error) {
	out := &Resolved{}
	for _, raw := range raws {
		res, err := p.Resolve(ctx, raw, prefs)
		var unsupported *UnsupportedAttachmentError
		switch {
		case errors.As(err, &unsupported):
			out.Notes = append(out.Notes, "[unsupported attachment: "+unsupported.Type+"]")
			continue
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil && len(raws) == 1:
			return nil, err
		case IsTooLarge(err):
			p.log.Debug().Err(err).Msg("Dropping oversized attachment")
			out.Notes = append(out.Notes, "[attachment too large: "+raw.Get("type").String()+"]")
			continue
		case err != nil:
			p.log.Warn().Err(err).Str("type", raw.Get("type").String()).Msg("Failed to resolve attachment")
			out.Notes = append(out.Notes, "[failed to load attachment: "+raw.Get("type").String()+"]")
			continue
		}
		if res.Media != nil {
			out.Media = append(out.Media, res.Media)
		}
		if res.Note != "" {
			out.Notes = append(out.Notes, res.Note)
		}
	}
	return out, nil
}

// Resolve turns one VK attachment object ({"type": T, T: {...}}) into a
// result.
func (p *Pipeline) Resolve(ctx context.Context, raw gjson.Result, prefs Prefs) (Result, error) {
	typ := raw.Get("type").String()
	body := raw.Get(typ)
	switch typ {
	case "photo":
		return p.resolvePhoto(ctx, body)
	case "graffiti":
		return p.resolveURL(ctx, typ, body.Get("url").String(), hub.MediaPhoto, "graffiti.png")
	case "video":
		return p.resolveVideo(ctx, body, prefs)
	case "audio":
		name := strings.TrimSpace(body.Get("artist").String() + " - " + body.Get("title").String())
		return p.resolveURL(ctx, typ, body.Get("url").String(), hub.MediaAudio, name+".mp3")
	case "audio_message":
		return p.resolveVoice(ctx, body)
	case "doc":
		return p.resolveDoc(ctx, body)
	case "sticker":
		return p.resolveSticker(ctx, body)
	case "wall", "wall_reply":
		owner := body.Get("owner_id").Int()
		if owner == 0 {
			owner = body.Get("from_id").Int()
		}
		return Result{Note: fmt.Sprintf("Wall post: https://vk.com/wall%d_%d", owner, body.Get("id").Int())}, nil
	case "poll":
		return Result{Note: "Poll: " + body.Get("question").String()}, nil
	case "gift":
		return Result{Note: "Gift"}, nil
	case "market":
		return Result{Note: fmt.Sprintf("Market item: %s https://vk.com/market%d_%d",
			body.Get("title").String(), body.Get("owner_id").Int(), body.Get("id").Int())}, nil
	case "link":
		if title := body.Get("title").String(); title != "" {
			return Result{Note: title + ": " + body.Get("url").String()}, nil
		}
		return Result{Note: body.Get("url").String()}, nil
	default:
		return Result{}, &UnsupportedAttachmentError{Type: typ}
	}
}

func (p *Pipeline) resolveURL(ctx context.Context, typ, url string, kind hub.MediaKind, name string) (Result, error) {
	if url == "" {
		return Result{}, fmt.Errorf("%s attachment has no URL", typ)
	}
	data, mime, err := p.download(ctx, typ, url)
	if err != nil {
		return Result{}, err
	}
	return Result{Media: &hub.Media{Kind: kind, FileName: name, MimeType: mime, Data: data}}, nil
}

func largestImage(sizes []gjson.Result) string {
	var best string
	var bestArea int64 = -1
	for _, size := range sizes {
		area := size.Get("width").Int() * size.Get("height").Int()
		if area > bestArea {
			bestArea = area
			best = size.Get("url").String()
			if best == "" {
				best = size.Get("src").String()
			}
		}
	}
	return best
}

func (p *Pipeline) resolvePhoto(ctx context.Context, body gjson.Result) (Result, error) {
	url := largestImage(body.Get("sizes").Array())
	if orig := body.Get("orig_photo.url").String(); orig != "" {
		url = orig
	}
	return p.resolveURL(ctx, "photo", url, hub.MediaPhoto, "photo.jpg")
}

// resolveVideo walks the quality ladder from the preferred maximum down and
// takes the first variant that fits the cap.
func (p *Pipeline) resolveVideo(ctx context.Context, body gjson.Result, prefs Prefs) (Result, error) {
	maxQuality := prefs.MaxVideoQuality
	if maxQuality <= 0 {
		maxQuality = p.videoQuality
	}
	files := body.Get("files")
	var lastErr error
	for _, quality := range QualityLadder {
		if quality > maxQuality {
			continue
		}
		url := files.Get("mp4_" + strconv.Itoa(quality)).String()
		if url == "" {
			continue
		}
		data, mime, err := p.download(ctx, "video", url)
		if IsTooLarge(err) {
			p.log.Debug().Int("quality", quality).Msg("Video variant over size cap, trying lower quality")
			lastErr = err
			continue
		} else if err != nil {
			return Result{}, err
		}
		return Result{Media: &hub.Media{Kind: hub.MediaVideo, FileName: "video.mp4", MimeType: mime, Data: data}}, nil
	}
	if lastErr != nil {
		return Result{}, lastErr
	}
	link := fmt.Sprintf("https://vk.com/video%d_%d", body.Get("owner_id").Int(), body.Get("id").Int())
	if title := body.Get("title").String(); title != "" {
		return Result{Note: fmt.Sprintf("Video %q: %s", title, link)}, nil
	}
	return Result{Note: "Video: " + link}, nil
}

func (p *Pipeline) resolveVoice(ctx context.Context, body gjson.Result) (Result, error) {
	if ogg := body.Get("link_ogg").String(); ogg != "" {
		return p.resolveURL(ctx, "audio_message", ogg, hub.MediaVoice, "voice.ogg")
	}
	res, err := p.resolveURL(ctx, "audio_message", body.Get("link_mp3").String(), hub.MediaAudio, "voice.mp3")
	if err != nil || !p.transcoder.Supported() {
		return res, err
	}
	converted, err := p.transcoder.Convert(ctx, res.Media.Data, ".ogg", nil, []string{"-c:a", "libopus"}, "audio/mpeg")
	if err != nil {
		p.log.Warn().Err(err).Msg("Failed to convert voice message, sending as audio")
		return res, nil
	}
	res.Media = &hub.Media{Kind: hub.MediaVoice, FileName: "voice.ogg", MimeType: "audio/ogg", Data: converted}
	return res, nil
}

func (p *Pipeline) fromCache(ctx context.Context, key string, kind hub.MediaKind) *hub.Media {
	ref, ok, err := p.cache.Lookup(ctx, p.service, key)
	if err != nil {
		p.log.Warn().Err(err).Str("cache_key", key).Msg("Failed to read attachment cache")
		return nil
	} else if !ok {
		return nil
	}
	return &hub.Media{Kind: kind, FileID: ref}
}

func (p *Pipeline) resolveDoc(ctx context.Context, body gjson.Result) (Result, error) {
	name := body.Get("title").String()
	if name == "" {
		name = "document." + body.Get("ext").String()
	}
	// VK doc type 3 is a gif.
	if body.Get("type").Int() == 3 || body.Get("ext").String() == "gif" {
		key := fmt.Sprintf("doc:%d_%d", body.Get("owner_id").Int(), body.Get("id").Int())
		if cached := p.fromCache(ctx, key, hub.MediaAnimation); cached != nil {
			return Result{Media: cached}, nil
		}
		res, err := p.resolveURL(ctx, "doc", body.Get("url").String(), hub.MediaAnimation, name)
		if err != nil {
			return res, err
		}
		res.Media.CacheKey = key
		return res, nil
	}
	if size := body.Get("size").Int(); size > p.maxSize {
		return Result{}, &AttachmentTooLargeError{Type: "doc", Size: size, Limit: p.maxSize}
	}
	return p.resolveURL(ctx, "doc", body.Get("url").String(), hub.MediaDocument, name)
}

func (p *Pipeline) resolveSticker(ctx context.Context, body gjson.Result) (Result, error) {
	key := "sticker:" + body.Get("sticker_id").String()
	if cached := p.fromCache(ctx, key, hub.MediaSticker); cached != nil {
		return Result{Media: cached}, nil
	}
	images := body.Get("images").Array()
	if len(images) == 0 {
		images = body.Get("images_with_background").Array()
	}
	res, err := p.resolveURL(ctx, "sticker", largestImage(images), hub.MediaPhoto, "sticker.png")
	if err != nil || !p.transcoder.Supported() {
		// Plain PNG goes out as an uncached photo.
		return res, err
	}
	webp, err := p.transcoder.Convert(ctx, res.Media.Data, ".webp", nil, nil, "image/png")
	if err != nil {
		p.log.Warn().Err(err).Str("cache_key", key).Msg("Failed to convert sticker, sending as photo")
		return res, nil
	}
	res.Media = &hub.Media{Kind: hub.MediaSticker, FileName: "sticker.webp", MimeType: "image/webp", Data: webp, CacheKey: key}
	return res, nil
}

// Fetch downloads url under the same size cap. It serves hub media that is
// forwarded to the remote side.
func (p *Pipeline) Fetch(ctx context.Context, typ, url string) ([]byte, error) {
	data, _, err := p.download(ctx, typ, url)
	return data, err
}

// download fetches url, failing with AttachmentTooLargeError once the body
// passes the cap.
func (p *Pipeline) download(ctx context.Context, typ, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download %s: %w", typ, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to download %s: status %d", typ, resp.StatusCode)
	}
	if resp.ContentLength > p.maxSize {
		return nil, "", &AttachmentTooLargeError{Type: typ, Size: resp.ContentLength, Limit: p.maxSize}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", typ, err)
	}
	if int64(len(data)) > p.maxSize {
		return nil, "", &AttachmentTooLargeError{Type: typ, Limit: p.maxSize}
	}
	return data, resp.Header.Get("Content-Type"), nil
}
