package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const verifyTokenPath = "/users/verify-token"

// maxVerifyResponse bounds how much of the verify-token reply is read.
const maxVerifyResponse = 1 << 20

// RemoteResolver asks the access control service to verify each token via POST /users/verify-token.
type RemoteResolver struct {
	endpoint string
	client   *http.Client
}

// NewRemoteResolver returns a resolver calling baseURL with the given per-request timeout.
// client may be nil, in which case a dedicated client is created.
func NewRemoteResolver(baseURL string, timeout time.Duration, client *http.Client) *RemoteResolver {
	if client == nil {
		client = &http.Client{}
	}
	if timeout > 0 {
		c := *client
		c.Timeout = timeout
		client = &c
	}
	return &RemoteResolver{
		endpoint: strings.TrimRight(baseURL, "/") + verifyTokenPath,
		client:   client,
	}
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Payload struct {
		UserID json.RawMessage `json:"user_id"`
		Sub    json.RawMessage `json:"sub"`
		Role   json.RawMessage `json:"role"`
	} `json:"payload"`
}

// Resolve verifies token. 400, 401 and 403 replies map to ErrUnauthorized; any other failure maps to ErrUnavailable.
func (r *RemoteResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthorized
	}
	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: encode request: %v", ErrUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxVerifyResponse))
		return Identity{}, ErrUnauthorized
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxVerifyResponse))
		return Identity{}, fmt.Errorf("%w: verify-token returned %d", ErrUnavailable, resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxVerifyResponse)).Decode(&out); err != nil {
		return Identity{}, fmt.Errorf("%w: decode reply: %v", ErrUnavailable, err)
	}
	subject, ok := parseSubject(out.Payload.UserID)
	if !ok {
		subject, ok = parseSubject(out.Payload.Sub)
	}
	if !ok {
		return Identity{}, fmt.Errorf("%w: reply carries no usable user_id or sub", ErrUnavailable)
	}
	return Identity{SubjectID: subject, IsAdmin: isAdminRole(out.Payload.Role)}, nil
}

// parseSubject accepts a JSON integer or a string holding one.
func parseSubject(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// isAdminRole accepts either a boolean role flag or the role name "admin".
func isAdminRole(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.EqualFold(strings.TrimSpace(s), "admin")
	}
	return false
}
