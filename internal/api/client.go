package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/banshee-data/sonde.report/internal/httputil"
)

// RequestShutdown asks the station at baseURL to stop, presenting key.
func RequestShutdown(ctx context.Context, client httputil.HTTPClient, baseURL, key string) error {
	u := strings.TrimRight(baseURL, "/") + "/shutdown/" + url.PathEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("shutdown request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("shutdown refused: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
