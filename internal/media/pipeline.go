package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nfnt/resize"
	"github.com/rs/zerolog/log"
)

// ErrNoURL means the event carried no download location; the message is
// saved without a file reference.
var ErrNoURL = errors.New("media: no download url in event")

// ErrNotPersistable means the fetched bytes could neither be recognized as a
// plain container nor decrypted; nothing is written to disk.
var ErrNotPersistable = errors.New("media: payload not recognized and not decryptable")

// ErrUnavailable means the host answered the download with a non-success
// status. Media URLs are transient, so this never heals under retry; the
// message is saved without a file.
var ErrUnavailable = errors.New("media: download url no longer serves the payload")

const (
	retentionAge  = 30 * 24 * time.Hour
	thumbnailEdge = 200
)

// Request describes one attachment to acquire, assembled by the event
// handlers from the webhook payload.
type Request struct {
	TenantID       string
	ConversationID string
	Kind           string // image, video, audio, document, sticker
	MimeType       string
	DeclaredSize   int64
	URL            string
	MediaKeyB64    string
	FileHashB64    string
	PlainHashB64   string
	FileName       string
}

// Result describes the persisted attachment.
type Result struct {
	Path          string
	ThumbnailPath string
	FileName      string
	MimeType      string
	Size          int64
}

// Pipeline downloads, decrypts and persists attachments under a tenant- and
// conversation-scoped directory tree.
type Pipeline struct {
	http     *resty.Client
	root     string
	archiver Archiver
}

// Archiver receives a copy of every persisted attachment. Optional.
type Archiver interface {
	Archive(ctx context.Context, tenantID, conversationID, fileName string, data []byte, mimeType string) error
}

// NewPipeline builds a pipeline writing under root. archiver may be nil.
func NewPipeline(root string, archiver Archiver) *Pipeline {
	return &Pipeline{
		http:     resty.New().SetTimeout(30 * time.Second),
		root:     root,
		archiver: archiver,
	}
}

// Process runs the full acquisition flow for one attachment. ErrNoURL,
// ErrUnavailable and ErrNotPersistable are degraded outcomes the caller logs
// and absorbs; anything else is a transient failure worth retrying.
func (p *Pipeline) Process(ctx context.Context, req *Request) (*Result, error) {
	if req.URL == "" {
		return nil, ErrNoURL
	}

	resp, err := p.http.R().SetContext(ctx).Get(req.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
	body := resp.Body()

	data, err := p.materialize(body, req)
	if err != nil {
		return nil, err
	}

	result, err := p.persist(data, req)
	if err != nil {
		return nil, err
	}

	if p.archiver != nil {
		if err := p.archiver.Archive(ctx, req.TenantID, req.ConversationID, result.FileName, data, result.MimeType); err != nil {
			log.Warn().Err(err).Str("file", result.FileName).Msg("Media archival failed")
		}
	}

	p.pruneOld(req.TenantID)
	return result, nil
}

// materialize turns the fetched bytes into persistable plaintext: either the
// payload already is a known container, or it decrypts with the event key.
func (p *Pipeline) materialize(body []byte, req *Request) ([]byte, error) {
	if ContainerMatchesKind(req.Kind, SniffContainer(body)) {
		return body, nil
	}
	if req.MediaKeyB64 == "" {
		return nil, ErrNotPersistable
	}

	plaintext, err := Decrypt(body, req.MediaKeyB64, req.Kind)
	if err != nil {
		log.Warn().Err(err).Str("kind", req.Kind).Msg("Media decryption failed")
		return nil, ErrNotPersistable
	}

	if req.FileHashB64 != "" || req.PlainHashB64 != "" {
		if !VerifyPlaintextHash(plaintext, req.PlainHashB64, req.FileHashB64) {
			log.Warn().Str("kind", req.Kind).Msg("Media integrity hash mismatch, keeping file")
		}
	}
	if !ContainerMatchesKind(req.Kind, SniffContainer(plaintext)) {
		log.Warn().Str("kind", req.Kind).Str("mime", req.MimeType).Msg("Decrypted media has unknown container signature")
	}
	return plaintext, nil
}

func (p *Pipeline) persist(data []byte, req *Request) (*Result, error) {
	dir := filepath.Join(p.root, req.TenantID, req.ConversationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}

	name := fmt.Sprintf("%d_%06d%s", time.Now().Unix(), rand.Intn(1000000), ExtensionForMime(req.MimeType, req.Kind))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write media file: %w", err)
	}

	result := &Result{
		Path:     path,
		FileName: req.FileName,
		MimeType: req.MimeType,
		Size:     int64(len(data)),
	}
	if result.FileName == "" {
		result.FileName = name
	}

	if req.Kind == "image" {
		if thumb, err := p.writeThumbnail(path, data); err != nil {
			log.Debug().Err(err).Str("path", path).Msg("Thumbnail generation skipped")
		} else {
			result.ThumbnailPath = thumb
		}
	}
	return result, nil
}

// writeThumbnail renders a 200px-wide JPEG preview next to the original.
func (p *Pipeline) writeThumbnail(path string, data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}
	small := resize.Resize(thumbnailEdge, 0, img, resize.Lanczos3)

	thumbPath := strings.TrimSuffix(path, filepath.Ext(path)) + "_thumb.jpg"
	f, err := os.Create(thumbPath)
	if err != nil {
		return "", fmt.Errorf("failed to create thumbnail: %w", err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, small, &jpeg.Options{Quality: 80}); err != nil {
		return "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return thumbPath, nil
}

// pruneOld removes files under the tenant's media root older than the
// retention window. Best effort only.
func (p *Pipeline) pruneOld(tenantID string) {
	tenantRoot := filepath.Join(p.root, tenantID)
	cutoff := time.Now().Add(-retentionAge)

	err := filepath.Walk(tenantRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(path); rmErr != nil {
				log.Warn().Err(rmErr).Str("path", path).Msg("Failed to prune old media file")
			}
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Media pruning walk failed")
	}
}

// ExtractAttributes pulls the mime type and declared size out of a media
// payload map, tolerating the casing conventions gateways actually emit.
func ExtractAttributes(maps ...map[string]interface{}) (mime string, size int64) {
	for _, m := range maps {
		if mime == "" {
			mime = lookupString(m, "mimetype", "Mimetype", "mimeType", "MimeType", "mime_type")
		}
		if size == 0 {
			size = lookupInt(m, "fileLength", "FileLength", "file_length", "fileSize", "FileSize", "file_size")
		}
	}
	return mime, size
}

// LocateURL finds the transient download URL in one of the candidate payload
// maps, checked in order.
func LocateURL(maps ...map[string]interface{}) string {
	for _, m := range maps {
		if url := lookupString(m, "url", "URL", "Url", "directPath"); url != "" {
			return url
		}
	}
	return ""
}

func lookupString(m map[string]interface{}, keys ...string) string {
	if m == nil {
		return ""
	}
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func lookupInt(m map[string]interface{}, keys ...string) int64 {
	if m == nil {
		return 0
	}
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int64(v)
		case int64:
			return v
		case int:
			return int64(v)
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

// ExtensionForMime maps a mime type to a file extension, falling back to a
// sensible default per media kind.
func ExtensionForMime(mimeType, kind string) string {
	base := mimeType
	if i := strings.Index(base, ";"); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	switch base {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/3gpp":
		return ".3gp"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4":
		return ".m4a"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "application/pdf":
		return ".pdf"
	case "text/plain":
		return ".txt"
	}
	switch kind {
	case "image":
		return ".jpg"
	case "sticker":
		return ".webp"
	case "video":
		return ".mp4"
	case "audio":
		return ".ogg"
	default:
		return ".bin"
	}
}
