// Package client talks to the webshield HTTP API.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"webshield/internal/importer"
	"webshield/internal/settings"
	"webshield/internal/store"
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status    int    `json:"-"`
	Message   string `json:"error"`
	Candidate string `json:"candidate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("api: %d: %s", e.Status, e.Message)
}

type CheckResult struct {
	Blocked bool   `json:"blocked"`
	Verdict string `json:"verdict"`
	Host    string `json:"host,omitempty"`
	Match   string `json:"match,omitempty"`
}

type Client struct {
	base  string
	resty *resty.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	r := resty.New().
		SetBaseURL(baseURL+"/api/v1").
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("User-Agent", "shieldctl/1.0")
	r.AddRetryCondition(func(resp *resty.Response, err error) bool {
		return err != nil || resp.StatusCode() == http.StatusTooManyRequests
	})
	return &Client{base: baseURL, resty: r}
}

func (c *Client) req(ctx context.Context) *resty.Request {
	return c.resty.R().SetContext(ctx).SetError(&APIError{})
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}
	apiErr, ok := resp.Error().(*APIError)
	if !ok || apiErr == nil {
		apiErr = &APIError{}
	}
	apiErr.Status = resp.StatusCode()
	return apiErr
}

func (c *Client) Check(ctx context.Context, requestURL string) (CheckResult, error) {
	var out CheckResult
	err := check(c.req(ctx).SetQueryParam("url", requestURL).SetResult(&out).Get("/check"))
	return out, err
}

func kindPath(k store.Kind) string {
	return "/" + string(k)
}

// List returns the entries of k, filtered by substring when filter is set.
func (c *Client) List(ctx context.Context, k store.Kind, filter string) ([]string, error) {
	var out []string
	r := c.req(ctx).SetResult(&out)
	if filter != "" {
		r.SetQueryParam("q", filter)
	}
	err := check(r.Get(kindPath(k)))
	return out, err
}

// Add blocks (Blocked) or whitelists (Allowed) a domain and returns its
// normalized form.
func (c *Client) Add(ctx context.Context, k store.Kind, d string) (string, error) {
	var out struct {
		Domain string `json:"domain"`
	}
	err := check(c.req(ctx).
		SetBody(map[string]string{"domain": d}).
		SetResult(&out).
		Post(kindPath(k)))
	return out.Domain, err
}

func (c *Client) Remove(ctx context.Context, k store.Kind, entry string) error {
	if k == store.Lists {
		return check(c.req(ctx).SetQueryParam("url", entry).Delete("/lists"))
	}
	return check(c.req(ctx).SetPathParam("domain", entry).Delete(kindPath(k) + "/{domain}"))
}

func (c *Client) Export(ctx context.Context, k store.Kind, w io.Writer) error {
	resp, err := c.req(ctx).SetDoNotParseResponse(true).Get("/export/" + string(k))
	if err != nil {
		return err
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(body, 4096))
		return &APIError{Status: resp.StatusCode(), Message: strings.TrimSpace(string(msg))}
	}
	_, err = io.Copy(w, body)
	return err
}

// Load imports a JSON array of entries into k.
func (c *Client) Load(ctx context.Context, k store.Kind, r io.Reader) (store.TransferResult, error) {
	// buffered so a retry can resend it
	data, err := io.ReadAll(r)
	if err != nil {
		return store.TransferResult{}, err
	}

	var out store.TransferResult
	err = check(c.req(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(data).
		SetResult(&out).
		Post("/import/" + string(k)))
	return out, err
}

func (c *Client) Settings(ctx context.Context) (settings.Settings, error) {
	var out settings.Settings
	err := check(c.req(ctx).SetResult(&out).Get("/settings"))
	return out, err
}

func (c *Client) StartImport(ctx context.Context, listURL string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := check(c.req(ctx).
		SetBody(map[string]string{"url": listURL}).
		SetResult(&out).
		Post("/imports"))
	return out.ID, err
}

func (c *Client) Import(ctx context.Context, id string) (importer.Snapshot, error) {
	var out importer.Snapshot
	err := check(c.req(ctx).SetPathParam("id", id).SetResult(&out).Get("/imports/{id}"))
	return out, err
}

func (c *Client) CancelImport(ctx context.Context, id string) error {
	return check(c.req(ctx).SetPathParam("id", id).Delete("/imports/{id}"))
}

// Follow streams the events of import id until its terminal result.
func (c *Client) Follow(ctx context.Context, id string, onProgress func(importer.Progress)) (importer.Result, error) {
	u, err := url.Parse(c.base + "/api/v1/imports/" + url.PathEscape(id) + "/events")
	if err != nil {
		return importer.Result{}, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return importer.Result{}, &APIError{Status: resp.StatusCode}
		}
		return importer.Result{}, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var ev importer.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return importer.Result{}, ctx.Err()
			}
			return importer.Result{}, fmt.Errorf("event stream ended without a result: %w", err)
		}
		if ev.Progress != nil && onProgress != nil {
			onProgress(*ev.Progress)
		}
		if ev.Result != nil {
			return *ev.Result, nil
		}
	}
}
