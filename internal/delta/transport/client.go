package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	"github.com/mschirtzinger/deltarepo/internal/delta/sync"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL of the remote server, e.g. http://master:7480.
	URL string

	// Caller is the local repo id, used as token subject.
	Caller schema.RepoPk

	// Secret mints a fresh token per request when set.
	Secret string

	// Token is a pre-issued bearer token, used when Secret is empty.
	Token string

	// Timeout per request (default: 30s)
	Timeout time.Duration

	// HTTPClient overrides the underlying client (tests).
	HTTPClient *http.Client
}

// Client talks to a remote repo. It implements sync.Upstream, so a mirror
// can Sync against it like an in-process master.
type Client struct {
	base   *url.URL
	config ClientConfig
	http   *http.Client
	info   Info
}

var _ sync.Upstream = (*Client)(nil)

// Dial connects to the server at config.URL and checks protocol
// compatibility.
func Dial(ctx context.Context, config ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(config.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url %q: %w", config.URL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream url %q: scheme must be http or https", config.URL)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	hc := config.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: config.Timeout}
	}

	c := &Client{base: base, config: config, http: hc}
	if err := c.do(ctx, http.MethodGet, "/v1/info", nil, nil, &c.info); err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", config.URL, err)
	}
	if !compatible(c.info.Protocol) {
		return nil, fmt.Errorf("%w: server %s, client %s", ErrIncompatibleProtocol, c.info.Protocol, ProtocolVersion)
	}
	return c, nil
}

// ID returns the remote repo's identity.
func (c *Client) ID() schema.RepoPk { return c.info.Repo }

// Info returns what the server reported on Dial.
func (c *Client) Info() Info { return c.info }

// Page fetches one page from the remote.
func (c *Client) Page(ctx context.Context, start int64, order sync.Order, limit int) (sync.Page, error) {
	q := url.Values{}
	q.Set("start", strconv.FormatInt(start, 10))
	q.Set("order", order.String())
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page sync.Page
	if err := c.do(ctx, http.MethodGet, "/v1/page", q, nil, &page); err != nil {
		return sync.Page{}, err
	}
	return page, nil
}

// Push sends items, already in the remote's frame.
func (c *Client) Push(ctx context.Context, items []schema.Item) error {
	if !c.info.Push {
		return fmt.Errorf("%s does not accept pushes", c.info.Repo)
	}
	body, err := msgpack.Marshal(pushRequest{Items: items})
	if err != nil {
		return fmt.Errorf("failed to encode push: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/v1/push", nil, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(headerProtocol, ProtocolVersion)
	req.Header.Set("Accept", contentType)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if token, err := c.token(); err != nil {
		return err
	} else if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var e errorResponse
		if err := msgpack.Unmarshal(data, &e); err != nil || e.Code == "" {
			return &RemoteError{Status: resp.StatusCode, Code: codeInternal, Msg: strings.TrimSpace(string(data))}
		}
		return &RemoteError{Status: resp.StatusCode, Code: e.Code, Msg: e.Error}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) token() (string, error) {
	if c.config.Secret == "" {
		return c.config.Token, nil
	}
	token, err := GenerateToken(c.config.Secret, c.config.Caller, 5*time.Minute)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}
