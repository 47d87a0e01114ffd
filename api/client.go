// Package api is the HTTP client for the brokerage backend. It maps the
// provider's REST surface onto typed operations and translates non-2xx
// responses into the engine's error taxonomy.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"decred.org/dcrwallet/v2/errors"

	"code.cryptopower.dev/group/brokerage"
)

const (
	// Default http client timeout in secs.
	defaultHTTPClientTimeout = 10 * time.Second
)

type (
	// Client is the base for calls against the brokerage backend.
	Client struct {
		httpClient *http.Client
		baseURL    string
		network    brokerage.NetworkType
	}

	// reqConfig models the configuration options for requests.
	reqConfig struct {
		method  string
		path    string
		query   url.Values
		payload interface{}
	}

	// providerErrorBody is the shape of the backend's error responses.
	providerErrorBody struct {
		Code    string `json:"id"`
		Message string `json:"description"`
	}
)

// NewClient configures and returns a new client for cfg's environment.
func NewClient(cfg brokerage.Config) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout:   defaultHTTPClientTimeout,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		},
		baseURL: cfg.BaseURL,
		network: cfg.Network,
	}
}

// Network returns the environment this client was built for.
func (c *Client) Network() brokerage.NetworkType {
	return c.network
}

func (c *Client) requestFilter(ctx context.Context, reqCfg *reqConfig) (*http.Request, error) {
	reqURL := c.baseURL + reqCfg.path
	if len(reqCfg.query) > 0 {
		reqURL += "?" + reqCfg.query.Encode()
	}
	if _, err := url.ParseRequestURI(reqURL); err != nil {
		return nil, fmt.Errorf("error: url not properly constituted: %v", err)
	}

	var body io.Reader
	if reqCfg.payload != nil {
		b, err := json.Marshal(reqCfg.payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, reqCfg.method, reqURL, body)
	if err != nil {
		return nil, err
	}
	if reqCfg.method == http.MethodPost || reqCfg.method == http.MethodPut {
		req.Header.Add("Content-Type", "application/json;charset=utf-8")
	}
	req.Header.Add("Accept", "application/json")
	return req, nil
}

// do prepares and processes one HTTP request against the backend. A non-2xx
// status is returned as a ProviderError, except 409 which becomes a
// ConflictError so cancel-after-settlement can be treated as success.
func (c *Client) do(ctx context.Context, reqCfg *reqConfig, response interface{}) error {
	req, err := c.requestFilter(ctx, reqCfg)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &brokerage.ProviderError{Message: err.Error()}
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusConflict {
		return &brokerage.ConflictError{}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var errBody providerErrorBody
		if json.Unmarshal(body, &errBody) != nil || errBody.Code == "" {
			errBody.Message = string(body)
		}
		log.Errorf("%s %s: status %v code %q", reqCfg.method, reqCfg.path, resp.Status, errBody.Code)
		return &brokerage.ProviderError{
			Status:  resp.StatusCode,
			Code:    errBody.Code,
			Message: errBody.Message,
		}
	}

	if response == nil {
		return nil
	}

	err = json.Unmarshal(body, response)
	if err != nil {
		return errors.Errorf("error unmarshalling response: %s", err.Error())
	}

	return nil
}
