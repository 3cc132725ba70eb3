// Package imaging turns a candidate image url into a transportable icon.
// It downloads the bytes, validates the format against an allow-list,
// detects transparency, optionally strips a near-white background, and
// emits a base64 data uri.
package imaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"net/http"
	"strings"

	_ "image/gif"  // registered decoder
	_ "image/jpeg" // registered decoder
	_ "image/png"  // registered decoder

	_ "golang.org/x/image/webp" // registered decoder

	"go.uber.org/zap"

	"github.com/appfetch/icon-resolver/internal/fetch"
)

// DefaultWhiteThreshold is the per-channel brightness above which the
// sampled background pixel counts as near-white.
const DefaultWhiteThreshold = 251

// Kind classifies processing failures.
type Kind int

const (
	// KindDownloadFailed means the image bytes could not be retrieved.
	KindDownloadFailed Kind = iota + 1
	// KindUnsupportedFormat means the bytes are not png, gif, jpeg or webp.
	KindUnsupportedFormat
	// KindDecodeFailure means the bytes claimed a supported format but did
	// not decode.
	KindDecodeFailure
)

func (k Kind) String() string {
	switch k {
	case KindDownloadFailed:
		return "download_failed"
	case KindUnsupportedFormat:
		return "unsupported_format"
	case KindDecodeFailure:
		return "decode_failure"
	default:
		return "unknown"
	}
}

// Error is the structured processing failure returned to the resolution
// pipeline. It never wraps a panic; every failure path produces one.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("imaging: %s for %s: %v", e.Kind, e.URL, e.Err)
	}
	return fmt.Sprintf("imaging: %s for %s", e.Kind, e.URL)
}

func (e *Error) Unwrap() error { return e.Err }

// Icon is the processed result handed back to the resolution engine.
type Icon struct {
	DataURI           string
	Format            string
	Transparent       bool
	BackgroundRemoved bool
	SourceURL         string
}

// Remover strips the background from an image, binary in, binary out.
type Remover interface {
	Remove(ctx context.Context, img []byte) ([]byte, error)
}

// Config tunes the processor.
type Config struct {
	// WhiteThreshold is the per-channel floor for the near-white check.
	// Zero selects DefaultWhiteThreshold.
	WhiteThreshold int
}

// Processor implements the post-processing stage.
type Processor struct {
	client    *fetch.Client
	remover   Remover
	threshold uint8
	logger    *zap.Logger
}

// New constructs a Processor. remover may be nil, in which case background
// removal requests are ignored.
func New(cfg Config, client *fetch.Client, remover Remover, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.WhiteThreshold
	if threshold <= 0 || threshold > 255 {
		threshold = DefaultWhiteThreshold
	}
	return &Processor{
		client:    client,
		remover:   remover,
		threshold: uint8(threshold),
		logger:    logger,
	}
}

// allowed maps sniffed content types to the subtype used in the data uri.
var allowed = map[string]string{
	"image/png":  "png",
	"image/gif":  "gif",
	"image/jpeg": "jpeg",
	"image/webp": "webp",
}

// Process obtains the bytes behind imageURL, an http(s) URL or a base64
// data uri, and produces an Icon. An image that already carries
// transparency is emitted unchanged. An opaque image whose sample pixel is
// near-white is sent through the remover when removeBackground is set;
// remover failure falls back to the original bytes.
func (p *Processor) Process(ctx context.Context, imageURL string, removeBackground bool) (*Icon, error) {
	body, typeHint, err := p.download(ctx, imageURL)
	if err != nil {
		return nil, &Error{Kind: KindDownloadFailed, URL: imageURL, Err: err}
	}

	format, ok := sniffFormat(body)
	if !ok {
		return nil, &Error{
			Kind: KindUnsupportedFormat,
			URL:  imageURL,
			Err:  fmt.Errorf("content type %q", typeHint),
		}
	}

	img, decodedFormat, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindDecodeFailure, URL: imageURL, Err: err}
	}
	if decodedFormat != "" {
		format = decodedFormat
	}

	icon := &Icon{Format: format, SourceURL: imageURL}

	if hasTransparency(img) {
		icon.Transparent = true
		icon.DataURI = dataURI(format, body)
		return icon, nil
	}

	if removeBackground && p.remover != nil && p.nearWhiteAt(img) {
		processed, err := p.remover.Remove(ctx, body)
		if err != nil {
			p.logger.Warn("background removal failed, keeping original bytes",
				zap.String("url", imageURL),
				zap.Error(err),
			)
		} else if f, ok := sniffFormat(processed); ok {
			body = processed
			format = f
			icon.Format = f
			icon.Transparent = true
			icon.BackgroundRemoved = true
		}
	}

	icon.DataURI = dataURI(format, body)
	return icon, nil
}

// download fetches the raw image bytes. Headless image search hands back
// either a thumbnail URL or an inline data uri, so both are accepted. The
// second return value is the declared content type, used only for error
// messages.
func (p *Processor) download(ctx context.Context, imageURL string) ([]byte, string, error) {
	if strings.HasPrefix(imageURL, "data:") {
		return decodeDataURI(imageURL)
	}
	resp, err := p.client.Get(ctx, imageURL, nil, nil)
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.ContentType(), nil
}

// decodeDataURI unpacks a base64 data uri of the form
// data:<mediatype>;base64,<payload>.
func decodeDataURI(uri string) ([]byte, string, error) {
	meta, payload, found := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !found {
		return nil, "", fmt.Errorf("malformed data uri")
	}
	mediaType, base64Encoded := strings.CutSuffix(meta, ";base64")
	if !base64Encoded {
		return nil, "", fmt.Errorf("data uri is not base64 encoded")
	}
	body, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data uri: %w", err)
	}
	return body, mediaType, nil
}

// sniffFormat identifies the image format from the leading bytes. The
// Content-Type header is only a hint; hosts routinely mislabel icons.
func sniffFormat(body []byte) (string, bool) {
	sub, ok := allowed[http.DetectContentType(body)]
	return sub, ok
}

// hasTransparency reports whether the decoded image declares a non-opaque
// alpha channel.
func hasTransparency(img image.Image) bool {
	type opaquer interface {
		Opaque() bool
	}
	if o, ok := img.(opaquer); ok {
		return !o.Opaque()
	}
	return false
}

// nearWhiteAt samples the pixel at (1,1) relative to the image origin and
// reports whether every channel clears the configured threshold.
func (p *Processor) nearWhiteAt(img image.Image) bool {
	b := img.Bounds()
	x, y := b.Min.X, b.Min.Y
	if b.Dx() > 1 {
		x++
	}
	if b.Dy() > 1 {
		y++
	}
	r, g, bl, _ := img.At(x, y).RGBA()
	t := uint32(p.threshold)
	return uint32(r>>8) >= t && uint32(g>>8) >= t && uint32(bl>>8) >= t
}

func dataURI(format string, body []byte) string {
	return "data:image/" + format + ";base64," + base64.StdEncoding.EncodeToString(body)
}
