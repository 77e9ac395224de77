package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// HTTPTransport is the default TransportClient. It sends bearer-authenticated
// requests and hands every response back unjudged: classification and the
// retry budget belong to the session engine, so the underlying retryablehttp
// client runs with retries disabled.
type HTTPTransport struct {
	client *retryablehttp.Client
	token  string
	logger log.Logger
}

// NewHTTPTransport creates a transport that authenticates with the given
// access token.
func NewHTTPTransport(accessToken string, logger log.Logger) *HTTPTransport {
	client := retryhttp.NewClient(logger)
	// The session engine owns the attempt budget. A transport that retried on
	// its own would multiply attempts behind the engine's back.
	client.RetryMax = 0
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		return false, nil
	}

	return &HTTPTransport{
		client: client,
		token:  accessToken,
		logger: logger,
	}
}

// PostForm sends an URL-encoded form POST.
func (t *HTTPTransport) PostForm(ctx context.Context, requestURL string, fields map[string]string) (Response, error) {
	form := url.Values{}
	for key, value := range fields {
		form.Set(key, value)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, requestURL, []byte(form.Encode()))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return t.do(req)
}

// PostJSON sends a JSON POST.
func (t *HTTPTransport) PostJSON(ctx context.Context, requestURL string, body interface{}) (Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, requestURL, payload)
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	return t.do(req)
}

// GetJSON sends a GET with the given query parameters.
func (t *HTTPTransport) GetJSON(ctx context.Context, requestURL string, query map[string]string) (Response, error) {
	if len(query) > 0 {
		values := url.Values{}
		for key, value := range query {
			values.Set(key, value)
		}

		separator := "?"
		if strings.Contains(requestURL, "?") {
			separator = "&"
		}
		requestURL = requestURL + separator + values.Encode()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return Response{}, err
	}

	return t.do(req)
}

func (t *HTTPTransport) do(req *retryablehttp.Request) (Response, error) {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t.token))

	resp, err := t.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			t.logger.Printf(err.Error())
		}
	}(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response body: %w", err)
	}

	t.logger.Debugf("%s %s: HTTP %d (%d bytes)", req.Method, req.URL.Path, resp.StatusCode, len(body))

	return Response{StatusCode: resp.StatusCode, Body: body}, nil
}
