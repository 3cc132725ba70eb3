package imaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/appfetch/icon-resolver/internal/fetch"
)

type imageTransport struct {
	status      int
	body        []byte
	contentType string
	requests    []*http.Request
}

func (t *imageTransport) Do(req *http.Request) (*http.Response, error) {
	t.requests = append(t.requests, req)
	ct := t.contentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	return &http.Response{
		StatusCode: t.status,
		Header:     http.Header{"Content-Type": {ct}},
		Body:       io.NopCloser(bytes.NewReader(t.body)),
	}, nil
}

type stubRemover struct {
	out    []byte
	err    error
	called int
}

func (r *stubRemover) Remove(_ context.Context, _ []byte) ([]byte, error) {
	r.called++
	return r.out, r.err
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func solidPNG(t *testing.T, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return encodePNG(t, img)
}

func transparentPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 0})
		}
	}
	return encodePNG(t, img)
}

func newTestProcessor(transport *imageTransport, remover Remover) *Processor {
	client := fetch.New(fetch.Config{MaxRetries: 1, Backoff: fetch.Fixed(0)}, transport, zap.NewNop())
	return New(Config{}, client, remover, zap.NewNop())
}

func TestProcessTransparentImagePassesThrough(t *testing.T) {
	t.Parallel()

	body := transparentPNG(t)
	transport := &imageTransport{status: 200, body: body, contentType: "image/png"}
	remover := &stubRemover{}
	p := newTestProcessor(transport, remover)

	icon, err := p.Process(context.Background(), "https://cdn.example/icon.png", true)
	require.NoError(t, err)
	require.True(t, icon.Transparent)
	require.False(t, icon.BackgroundRemoved)
	require.Equal(t, "png", icon.Format)
	require.True(t, strings.HasPrefix(icon.DataURI, "data:image/png;base64,"))
	require.Zero(t, remover.called, "transparent images must not hit the remover")
}

func TestProcessWhiteBackgroundInvokesRemover(t *testing.T) {
	t.Parallel()

	transport := &imageTransport{
		status:      200,
		body:        solidPNG(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}),
		contentType: "image/png",
	}
	remover := &stubRemover{out: transparentPNG(t)}
	p := newTestProcessor(transport, remover)

	icon, err := p.Process(context.Background(), "https://cdn.example/icon.png", true)
	require.NoError(t, err)
	require.Equal(t, 1, remover.called)
	require.True(t, icon.BackgroundRemoved)
	require.True(t, icon.Transparent)
	require.True(t, strings.HasPrefix(icon.DataURI, "data:image/png;base64,"))
}

func TestProcessRemoverFailureFallsBackToOriginal(t *testing.T) {
	t.Parallel()

	original := solidPNG(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	transport := &imageTransport{status: 200, body: original, contentType: "image/png"}
	remover := &stubRemover{err: errors.New("quota exceeded")}
	p := newTestProcessor(transport, remover)

	icon, err := p.Process(context.Background(), "https://cdn.example/icon.png", true)
	require.NoError(t, err)
	require.Equal(t, 1, remover.called)
	require.False(t, icon.BackgroundRemoved)
	require.Equal(t, dataURI("png", original), icon.DataURI)
}

func TestProcessDarkBackgroundSkipsRemover(t *testing.T) {
	t.Parallel()

	transport := &imageTransport{
		status:      200,
		body:        solidPNG(t, color.NRGBA{R: 30, G: 60, B: 90, A: 255}),
		contentType: "image/png",
	}
	remover := &stubRemover{}
	p := newTestProcessor(transport, remover)

	icon, err := p.Process(context.Background(), "https://cdn.example/icon.png", true)
	require.NoError(t, err)
	require.Zero(t, remover.called)
	require.False(t, icon.Transparent)
}

func TestProcessRemovalNotRequested(t *testing.T) {
	t.Parallel()

	transport := &imageTransport{
		status:      200,
		body:        solidPNG(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}),
		contentType: "image/png",
	}
	remover := &stubRemover{out: transparentPNG(t)}
	p := newTestProcessor(transport, remover)

	icon, err := p.Process(context.Background(), "https://cdn.example/icon.png", false)
	require.NoError(t, err)
	require.Zero(t, remover.called)
	require.False(t, icon.BackgroundRemoved)
}

func TestProcessUnsupportedFormat(t *testing.T) {
	t.Parallel()

	transport := &imageTransport{
		status:      200,
		body:        []byte("<!doctype html><html><body>not an image</body></html>"),
		contentType: "text/html",
	}
	p := newTestProcessor(transport, nil)

	_, err := p.Process(context.Background(), "https://cdn.example/icon", true)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, KindUnsupportedFormat, perr.Kind)
}

func TestProcessTruncatedImage(t *testing.T) {
	t.Parallel()

	full := transparentPNG(t)
	transport := &imageTransport{status: 200, body: full[:20], contentType: "image/png"}
	p := newTestProcessor(transport, nil)

	_, err := p.Process(context.Background(), "https://cdn.example/icon.png", false)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, KindDecodeFailure, perr.Kind)
}

func TestProcessDownloadFailure(t *testing.T) {
	t.Parallel()

	transport := &imageTransport{status: 503, body: []byte("unavailable")}
	p := newTestProcessor(transport, nil)

	_, err := p.Process(context.Background(), "https://cdn.example/icon.png", false)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, KindDownloadFailed, perr.Kind)

	var ferr *fetch.Error
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, fetch.KindBadStatus, ferr.Kind)
}

func TestProcessDataURISource(t *testing.T) {
	t.Parallel()

	body := transparentPNG(t)
	transport := &imageTransport{status: 200}
	p := newTestProcessor(transport, nil)

	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(body)
	icon, err := p.Process(context.Background(), uri, false)
	require.NoError(t, err)
	require.True(t, icon.Transparent)
	require.Equal(t, "png", icon.Format)
	require.Equal(t, uri, icon.DataURI)
	require.Empty(t, transport.requests, "inline sources must not go over the network")
}

func TestProcessMalformedDataURI(t *testing.T) {
	t.Parallel()

	transport := &imageTransport{status: 200}
	p := newTestProcessor(transport, nil)

	for _, uri := range []string{
		"data:image/png;base64",
		"data:image/png,plain-payload",
		"data:image/png;base64,!!not-base64!!",
	} {
		_, err := p.Process(context.Background(), uri, false)
		var perr *Error
		require.ErrorAs(t, err, &perr, uri)
		require.Equal(t, KindDownloadFailed, perr.Kind, uri)
	}
	require.Empty(t, transport.requests)
}

func TestKindStrings(t *testing.T) {
	t.Parallel()

	require.Equal(t, "unknown", Kind(0).String())
	require.Equal(t, "download_failed", KindDownloadFailed.String())
	require.Equal(t, "unsupported_format", KindUnsupportedFormat.String())
	require.Equal(t, "decode_failure", KindDecodeFailure.String())
}

func TestRemoveBGRequestShape(t *testing.T) {
	t.Parallel()

	processed := transparentPNG(t)
	transport := &imageTransport{status: 200, body: processed, contentType: "image/png"}
	client := fetch.New(fetch.Config{MaxRetries: 1, Backoff: fetch.Fixed(0)}, transport, zap.NewNop())
	rbg := NewRemoveBG("https://api.remove.bg/v1.0/removebg", "key-123", client, zap.NewNop())

	out, err := rbg.Remove(context.Background(), solidPNG(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}))
	require.NoError(t, err)
	require.Equal(t, processed, out)

	require.Len(t, transport.requests, 1)
	req := transport.requests[0]
	require.Equal(t, http.MethodPost, req.Method)
	require.Equal(t, "key-123", req.Header.Get("X-Api-Key"))
	require.Contains(t, req.Header.Get("Content-Type"), "multipart/form-data")
}
