package business

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alcosi/twinhorn/apps/default/service"
	"github.com/alcosi/twinhorn/internal"
)

// TokenIntrospector validates a bearer token against the external
// introspection endpoint and resolves it to a client session.
type TokenIntrospector interface {
	Introspect(ctx context.Context, token string) (*internal.TokenSession, error)
}

type introspectionClient struct {
	httpCli *http.Client
	url     string
}

// NewIntrospectionClient creates an introspector talking to the given endpoint.
func NewIntrospectionClient(url string, timeout time.Duration) TokenIntrospector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &introspectionClient{
		httpCli: &http.Client{Timeout: timeout},
		url:     url,
	}
}

type introspectionResponse struct {
	Active   bool   `json:"active"`
	ClientID string `json:"client_id"`
	Exp      int64  `json:"exp"`
}

// Introspect posts the token to the introspection endpoint. Transport and
// server-side failures classify as introspection connectivity errors so they
// are distinguishable from a plain rejected credential.
func (ic *introspectionClient) Introspect(ctx context.Context, token string) (*internal.TokenSession, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, service.WrapError(service.ReasonIntrospectConnection, "encoding introspection request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ic.url, bytes.NewReader(body))
	if err != nil {
		return nil, service.WrapError(service.ReasonIntrospectConnection, "building introspection request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ic.httpCli.Do(req)
	if err != nil {
		return nil, service.WrapError(service.ReasonIntrospectConnection, "calling introspection endpoint", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, service.ErrTokenRejected
	case resp.StatusCode != http.StatusOK:
		return nil, service.WrapError(service.ReasonIntrospectConnection,
			"introspection endpoint failed", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var result introspectionResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, service.WrapError(service.ReasonIntrospectConnection, "decoding introspection response", err)
	}

	if !result.Active || result.ClientID == "" {
		return nil, service.ErrTokenRejected
	}

	session := &internal.TokenSession{ClientID: result.ClientID}
	if result.Exp > 0 {
		session.ExpiresAt = time.Unix(result.Exp, 0)
	}
	return session, nil
}
