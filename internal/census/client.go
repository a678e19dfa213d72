package census

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// getJSON fetches endpoint and decodes the response body into out. The API
// key, when present, rides along as a query parameter on every request.
func (h *Helper) getJSON(ctx context.Context, endpoint string, out any) error {
	uri, err := h.requestURL(endpoint)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if h.config.UserAgent != "" {
		req.Header.Set("User-Agent", h.config.UserAgent)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("census: request failed (%s): %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("census: decoding %s: %w", endpoint, err)
	}
	return nil
}

func (h *Helper) requestURL(endpoint string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("census: invalid endpoint %q: %w", endpoint, err)
	}
	if strings.TrimSpace(h.config.APIKey) != "" {
		query := parsed.Query()
		query.Set(h.config.APIKeyParam, h.config.APIKey)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}
