package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"orderpulse/internal/config"
	"orderpulse/internal/logging"
)

// APIClient is the REST collaborator of the realtime pipeline: it refreshes
// credentials and refetches the order queries that events invalidate.
type APIClient struct {
	http      *http.Client
	endpoints config.APIEndpoints
	logger    *logging.Logger
}

func New(httpClient *http.Client, endpoints config.APIEndpoints, logger *logging.Logger) *APIClient {
	if logger == nil {
		panic("client.New: logger must not be nil")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &APIClient{http: httpClient, endpoints: endpoints, logger: logger}
}

func (c *APIClient) getJSON(ctx context.Context, url string, accessToken string, out any) error {
	token := strings.TrimSpace(accessToken)
	if token == "" {
		return &HTTPStatusError{StatusCode: http.StatusUnauthorized, Status: "missing access token"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.logger.Debugf("GET %s -> %s", url, resp.Status)

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Warn("order request failed",
			logging.Field("url", url),
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if err := json.Unmarshal(unwrapData(data), out); err != nil {
		c.logger.Warn("invalid order JSON",
			logging.Field("url", url),
			logging.Field("content_type", resp.Header.Get("Content-Type")),
			logging.Field("error", err),
		)
		return err
	}
	return nil
}

// unwrapData returns the "data" member of an {"data": ...} envelope, or raw
// unchanged when the body is not enveloped.
func unwrapData(raw []byte) []byte {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return raw
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return raw
	}
	return envelope.Data
}
