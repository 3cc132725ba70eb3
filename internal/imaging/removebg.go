package imaging

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"

	"go.uber.org/zap"

	"github.com/appfetch/icon-resolver/internal/fetch"
)

// RemoveBG calls a remove.bg style API: multipart image in, binary image
// out. It implements Remover.
type RemoveBG struct {
	client   *fetch.Client
	endpoint string
	apiKey   string
	logger   *zap.Logger
}

// NewRemoveBG constructs the background removal client.
func NewRemoveBG(endpoint, apiKey string, client *fetch.Client, logger *zap.Logger) *RemoveBG {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoveBG{
		client:   client,
		endpoint: endpoint,
		apiKey:   apiKey,
		logger:   logger,
	}
}

// Remove uploads the image and returns the processed bytes.
func (r *RemoveBG) Remove(ctx context.Context, img []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("image_file", "image.png")
	if err != nil {
		return nil, fmt.Errorf("build multipart form: %w", err)
	}
	if _, err := part.Write(img); err != nil {
		return nil, fmt.Errorf("write image part: %w", err)
	}
	if err := writer.WriteField("size", "auto"); err != nil {
		return nil, fmt.Errorf("write size field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart form: %w", err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", writer.FormDataContentType())
	headers.Set("X-Api-Key", r.apiKey)

	resp, err := r.client.Do(ctx, fetch.Request{
		Method:  http.MethodPost,
		URL:     r.endpoint,
		Body:    buf.Bytes(),
		Headers: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("remove background: %w", err)
	}

	r.logger.Debug("background removal succeeded",
		zap.Int("bytes_in", len(img)),
		zap.Int("bytes_out", len(resp.Body)),
	)
	return resp.Body, nil
}
