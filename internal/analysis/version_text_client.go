package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"paperflow/internal/domain"
)

// VersionTextClient читает окончательный текст версии через REST-процесс,
// не обращаясь к базе напрямую
type VersionTextClient struct {
	baseURL string
	http    *http.Client
}

func NewVersionTextClient(baseURL string, timeout time.Duration) *VersionTextClient {
	return &VersionTextClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *VersionTextClient) GetExtractedText(ctx context.Context, versionID int64) (*domain.ExtractedText, error) {
	q := url.Values{"versionId": {strconv.FormatInt(versionID, 10)}}
	endpoint := c.baseURL + "/v1/extracted-text?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch extracted text for version %d: %w", versionID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: version %d", domain.ErrNotFound, versionID)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("extracted text request for version %d returned %d: %s",
			versionID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var text domain.ExtractedText
	if err := json.NewDecoder(resp.Body).Decode(&text); err != nil {
		return nil, fmt.Errorf("failed to decode extracted text response: %w", err)
	}
	return &text, nil
}
