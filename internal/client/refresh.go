package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"orderpulse/internal/logging"
)

var ErrMissingAccessToken = errors.New("refresh response missing access token")

// RefreshCredential exchanges a refresh token for a new access token via
// POST /auth/refresh. Any non-2xx reply is an *HTTPStatusError.
func (c *APIClient) RefreshCredential(ctx context.Context, refreshToken string) (Credential, error) {
	token := strings.TrimSpace(refreshToken)
	if token == "" {
		return Credential{}, &HTTPStatusError{StatusCode: http.StatusUnauthorized, Status: "missing refresh token"}
	}
	body, err := json.Marshal(refreshRequest{RefreshToken: token})
	if err != nil {
		return Credential{}, err
	}
	c.logger.Debug("refreshing access token", logging.Field("url", c.endpoints.RefreshURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.RefreshURL, bytes.NewReader(body))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Credential{}, err
	}
	defer resp.Body.Close()
	c.logger.Debugf("POST %s -> %s", c.endpoints.RefreshURL, resp.Status)

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Warn("token refresh rejected",
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return Credential{}, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	credential := Credential{}
	if err := json.Unmarshal(unwrapData(data), &credential); err != nil {
		return Credential{}, err
	}
	credential.AccessToken = strings.TrimSpace(credential.AccessToken)
	credential.RefreshToken = strings.TrimSpace(credential.RefreshToken)
	if credential.AccessToken == "" {
		return Credential{}, ErrMissingAccessToken
	}
	c.logger.Debug("access token refreshed", logging.Field("rotated_refresh_token", credential.RefreshToken != ""))
	return credential, nil
}
