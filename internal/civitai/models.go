package civitai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
)

// GetModel fetches a single model with its full version tree. The verbatim
// payload is retained in Model.Raw for the metadata sidecar.
func (c *Client) GetModel(ctx context.Context, id int64) (*Model, error) {
	body, err := c.get(ctx, fmt.Sprintf("/models/%d", id), nil)
	if err != nil {
		return nil, err
	}

	var m Model
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("civitai: decoding model %d: %w", id, err)
	}

	m.Raw = json.RawMessage(body)
	attachVersionRaw(&m, body)

	return &m, nil
}

// GetVersion fetches a single model version.
func (c *Client) GetVersion(ctx context.Context, id int64) (*Version, error) {
	body, err := c.get(ctx, fmt.Sprintf("/model-versions/%d", id), nil)
	if err != nil {
		return nil, err
	}

	var v Version
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("civitai: decoding version %d: %w", id, err)
	}

	v.Raw = json.RawMessage(body)

	return &v, nil
}

// attachVersionRaw slices the model payload's modelVersions array back onto
// the decoded versions so each keeps its own verbatim JSON.
func attachVersionRaw(m *Model, body []byte) {
	var envelope struct {
		Versions []json.RawMessage `json:"modelVersions"`
	}

	if err := json.Unmarshal(body, &envelope); err != nil {
		return
	}

	for i := range m.Versions {
		if i < len(envelope.Versions) {
			m.Versions[i].Raw = envelope.Versions[i]
		}
	}
}

// UserModels walks all model pages for a user, invoking fn for each
// decoded model. Malformed items are logged and skipped; paging errors
// surface through the standard retry policy.
func (c *Client) UserModels(ctx context.Context, username string, fn func(*Model) error) error {
	query := url.Values{
		"username": {username},
		"limit":    {strconv.Itoa(pageSize)},
		"nsfw":     {"true"},
	}

	return c.walkPages(ctx, "/models", query, func(raw json.RawMessage) error {
		var m Model
		if err := json.Unmarshal(raw, &m); err != nil {
			c.logger.Warn("skipping malformed model item",
				slog.String("username", username),
				slog.String("error", err.Error()),
			)

			return nil
		}

		m.Raw = raw
		attachVersionRaw(&m, raw)

		return fn(&m)
	})
}

// ModelImages walks all gallery image pages for a model.
func (c *Client) ModelImages(ctx context.Context, modelID int64, limit int, fn func(*Image) error) error {
	query := url.Values{
		"modelId": {strconv.FormatInt(modelID, 10)},
		"limit":   {strconv.Itoa(pageSize)},
		"nsfw":    {"true"},
	}

	return c.walkImagePages(ctx, query, limit, fn)
}

// UserImages walks all posted-image pages for a user, stopping after limit
// images (0 means unlimited).
func (c *Client) UserImages(ctx context.Context, username string, limit int, fn func(*Image) error) error {
	query := url.Values{
		"username": {username},
		"limit":    {strconv.Itoa(pageSize)},
		"nsfw":     {"true"},
	}

	return c.walkImagePages(ctx, query, limit, fn)
}

// walkImagePages shares the tolerant image decoding between the model and
// user image walkers.
func (c *Client) walkImagePages(ctx context.Context, query url.Values, limit int, fn func(*Image) error) error {
	seen := 0

	err := c.walkPages(ctx, "/images", query, func(raw json.RawMessage) error {
		if limit > 0 && seen >= limit {
			return errStopPaging
		}

		var img Image
		if err := json.Unmarshal(raw, &img); err != nil {
			c.logger.Warn("skipping malformed image item", slog.String("error", err.Error()))
			return nil
		}

		seen++

		return fn(&img)
	})
	if err != nil && err != errStopPaging {
		return err
	}

	return nil
}

// errStopPaging is an internal sentinel for early pagination termination.
var errStopPaging = fmt.Errorf("civitai: stop paging")

// walkPages follows a paginated endpoint to exhaustion. metadata.nextPage
// (a full URL) takes precedence; otherwise the page parameter is
// incremented until currentPage reaches totalPages or a page comes back
// empty.
func (c *Client) walkPages(ctx context.Context, path string, query url.Values, fn func(json.RawMessage) error) error {
	page := 1
	nextURL := ""

	for {
		var pageData listPage

		if nextURL != "" {
			if err := c.GetJSON(ctx, nextURL, nil, &pageData); err != nil {
				return err
			}
		} else {
			q := cloneValues(query)
			q.Set("page", strconv.Itoa(page))

			if err := c.GetJSON(ctx, path, q, &pageData); err != nil {
				return err
			}
		}

		if len(pageData.Items) == 0 {
			return nil
		}

		for _, raw := range pageData.Items {
			if err := fn(raw); err != nil {
				return err
			}
		}

		meta := &pageData.Metadata
		if !meta.HasMore() {
			return nil
		}

		if meta.NextPage != "" {
			nextURL = meta.NextPage
			continue
		}

		nextURL = ""

		if meta.CurrentPage > 0 {
			page = meta.CurrentPage + 1
		} else {
			page++
		}
	}
}

// cloneValues copies a url.Values so walkPages can mutate the page
// parameter without aliasing the caller's map.
func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}

	return out
}
