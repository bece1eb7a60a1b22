// Package twocaptcha adapts the 2Captcha HTTP API (in.php / res.php) to the
// captcha.Vendor interface.
package twocaptcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JakeFAU/consulta-orchestrator/internal/captcha"
	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
)

// DefaultBaseURL is the public 2Captcha endpoint.
const DefaultBaseURL = "http://2captcha.com"

const notReady = "CAPCHA_NOT_READY"

// Waiter paces outbound calls.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client talks to 2Captcha.
type Client struct {
	apiKey  string
	baseURL string
	rest    *resty.Client
	limiter Waiter
}

type apiResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// New creates a Client. httpClient and limiter may be nil.
func New(cfg Config, httpClient *http.Client, limiter Waiter) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("twocaptcha: api key is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rest := resty.New()
	if httpClient != nil {
		rest = resty.NewWithClient(httpClient)
	}
	rest.SetBaseURL(base).SetTimeout(timeout)
	return &Client{apiKey: cfg.APIKey, baseURL: base, rest: rest, limiter: limiter}, nil
}

// Submit posts the challenge to in.php and returns the vendor's captcha id.
func (c *Client) Submit(ctx context.Context, challenge consulta.Challenge) (string, error) {
	form := map[string]string{
		"key":       c.apiKey,
		"method":    "userrecaptcha",
		"googlekey": challenge.SiteKey,
		"pageurl":   challenge.PageURL,
		"json":      "1",
	}
	if challenge.Action != "" {
		form["version"] = "v3"
		form["action"] = challenge.Action
	}

	resp, err := c.call(ctx, c.rest.R().SetFormData(form), http.MethodPost, "/in.php")
	if err != nil {
		return "", fmt.Errorf("submit captcha: %w", err)
	}
	if resp.Status != 1 {
		return "", fmt.Errorf("%w: %s", captcha.ErrVendorRejected, resp.Request)
	}
	return resp.Request, nil
}

// Poll asks res.php for the token of a submitted captcha.
func (c *Client) Poll(ctx context.Context, handle string) (captcha.PollResult, error) {
	req := c.rest.R().SetQueryParams(map[string]string{
		"key":    c.apiKey,
		"action": "get",
		"id":     handle,
		"json":   "1",
	})
	resp, err := c.call(ctx, req, http.MethodGet, "/res.php")
	if err != nil {
		return captcha.PollResult{}, fmt.Errorf("poll captcha: %w", err)
	}
	switch {
	case resp.Status == 1:
		return captcha.PollResult{Status: captcha.PollReady, Token: resp.Request}, nil
	case resp.Request == notReady:
		return captcha.PollResult{Status: captcha.PollNotReady}, nil
	default:
		return captcha.PollResult{Status: captcha.PollFailed, Detail: resp.Request}, nil
	}
}

func (c *Client) call(ctx context.Context, req *resty.Request, method, path string) (apiResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.baseURL+path); err != nil {
			return apiResponse{}, err
		}
	}
	res, err := req.SetContext(ctx).Execute(method, path)
	if err != nil {
		return apiResponse{}, fmt.Errorf("do request: %w", err)
	}
	if res.StatusCode() >= http.StatusBadRequest {
		return apiResponse{}, fmt.Errorf("unexpected status %d", res.StatusCode())
	}
	var decoded apiResponse
	if err := json.Unmarshal(res.Body(), &decoded); err != nil {
		return apiResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return decoded, nil
}
