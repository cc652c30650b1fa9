package civitai

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
)

// FileStream is an open, streaming file download. The caller owns Body and
// must close it. Resumed reports whether the server honored the requested
// byte range (206); a 200 on a ranged request means the transfer restarts
// from byte zero and the caller must truncate its partial file.
type FileStream struct {
	Body          io.ReadCloser
	StatusCode    int
	ContentLength int64
	Resumed       bool
	FileName      string
}

// OpenFile starts a file download from an absolute URL, optionally
// resuming at offset. No retry happens at this layer: the download engine
// owns the attempt lifecycle because each retry must re-plan the offset
// from the on-disk partial.
func (c *Client) OpenFile(ctx context.Context, fileURL string, offset int64) (*FileStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("civitai: creating download request: %w", err)
	}

	c.setHeaders(req)

	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("civitai: GET %s: %w", redactURL(fileURL), err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return &FileStream{
			Body:          resp.Body,
			StatusCode:    resp.StatusCode,
			ContentLength: resp.ContentLength,
			Resumed:       offset > 0 && resp.StatusCode == http.StatusPartialContent,
			FileName:      dispositionFileName(resp.Header.Get("Content-Disposition")),
		}, nil
	default:
		defer resp.Body.Close()
		return nil, c.statusError(resp, fileURL)
	}
}

// dispositionFileName extracts the declared filename from a
// Content-Disposition header, or returns empty. Only used for naming —
// never for path construction without sanitization.
func dispositionFileName(header string) string {
	if header == "" {
		return ""
	}

	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}

	return params["filename"]
}
