// Package oanda adapts the OANDA v20 REST API to broker.Broker.
package oanda

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rustyeddy/copytrader/broker"
)

const (
	PracticeURL = "https://api-fxpractice.oanda.com"
	LiveURL     = "https://api-fxtrade.oanda.com"
)

func BaseURL(env string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "practice", "demo", "":
		return PracticeURL, nil
	case "live":
		return LiveURL, nil
	default:
		return "", fmt.Errorf("unknown OANDA env %q (want practice|live)", env)
	}
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is the v20 error body. Order rejections also carry the reject
// transaction.
type apiError struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	RejectTx     *struct {
		RejectReason string `json:"rejectReason"`
	} `json:"orderRejectTransaction,omitempty"`
}

func (e apiError) reason() string {
	switch {
	case e.RejectTx != nil && e.RejectTx.RejectReason != "":
		return e.RejectTx.RejectReason
	case e.ErrorCode != "":
		return e.ErrorCode
	}
	return e.ErrorMessage
}

// httpError keeps the status and decoded body of a non-2xx response.
type httpError struct {
	Status int
	Body   apiError
	Raw    string
}

func (e *httpError) Error() string {
	msg := e.Body.ErrorMessage
	if msg == "" {
		msg = e.Raw
	}
	if r := e.Body.reason(); r != "" && r != msg {
		return fmt.Sprintf("oanda http %d: %s (%s)", e.Status, msg, r)
	}
	return fmt.Sprintf("oanda http %d: %s", e.Status, msg)
}

func (e *httpError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return broker.ErrAuth
	case e.Status == http.StatusTooManyRequests:
		return broker.ErrRateLimited
	case e.Status >= 500:
		return broker.ErrNetwork
	case e.Body.reason() == "CLIENT_ORDER_ID_ALREADY_EXISTS":
		return broker.ErrStaleNonce
	}
	return broker.ErrRejected
}

// do sends a JSON request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return err
	}
	// path arrives escaped; keep it verbatim on the wire.
	if u.Path, err = url.PathUnescape(path); err != nil {
		return err
	}
	u.RawPath = path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept-Datetime-Format", "RFC3339")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", broker.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", broker.ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", broker.ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		he := &httpError{Status: resp.StatusCode, Raw: strings.TrimSpace(string(raw))}
		_ = json.Unmarshal(raw, &he.Body)
		return he
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
