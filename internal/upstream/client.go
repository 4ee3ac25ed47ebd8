// Package upstream is the sole code path that talks to the remote banking
// API. It performs authenticated calls, translates remote error codes into
// typed failures, and honors the remote side's retry-after on rate limits.
//
// The client does NOT self-track against the budget: cost accounting stays
// explicit at call sites, since some operations cost more than one logical
// call (a conflict check followed by an update is two).
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client issues authenticated calls to the remote API.
type Client struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client
	logger     *log.Logger

	// sleep is injectable so retry-after behavior is testable without
	// real timers.
	sleep func(time.Duration)
}

// NewClient creates a client for the given API base URL.
// If logger is nil, a default stderr logger is used.
func NewClient(baseURL string, tokens TokenProvider, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "[upstream] ", log.LstdFlags)
	}
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
		sleep:  time.Sleep,
	}
}

// SetSleepFunc overrides the rate-limit wait. Used by tests.
func (c *Client) SetSleepFunc(sleep func(time.Duration)) {
	c.sleep = sleep
}

// ListAccounts retrieves the remote account listing. Costs 1 call.
func (c *Client) ListAccounts(ctx context.Context) ([]Account, error) {
	var resp accountsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/accounts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// ListTransactions fetches one page of the remote transaction history.
// Costs 1 call.
func (c *Client) ListTransactions(ctx context.Context, opts ListOptions) (*Page, error) {
	q := url.Values{}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if !opts.Since.IsZero() {
		q.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}
	if !opts.Until.IsZero() {
		q.Set("until", opts.Until.UTC().Format(time.RFC3339))
	}
	if opts.AccountID != "" {
		q.Set("account_id", opts.AccountID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	path := "/api/v1/transactions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp transactionsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	page := &Page{NextCursor: resp.NextCursor}
	for _, raw := range resp.Transactions {
		var txn Transaction
		if err := json.Unmarshal(raw, &txn); err != nil {
			return nil, fmt.Errorf("failed to decode transaction: %w", err)
		}
		txn.Raw = raw
		page.Transactions = append(page.Transactions, txn)
	}
	return page, nil
}

// GetTransaction fetches the current remote state of one transaction.
// Costs 1 call.
func (c *Client) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var resp transactionResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/transactions/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}

	var txn Transaction
	if err := json.Unmarshal(resp.Transaction, &txn); err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", id, err)
	}
	txn.Raw = resp.Transaction
	return &txn, nil
}

// UpdateCategory reassigns a transaction's category. Costs 1 call.
func (c *Client) UpdateCategory(ctx context.Context, id, category string) error {
	body := map[string]string{"category": category}
	return c.do(ctx, http.MethodPut, "/api/v1/transactions/"+url.PathEscape(id)+"/category", body, nil)
}

// UpdateTags applies an additive/subtractive tag delta. Costs 1 call.
func (c *Client) UpdateTags(ctx context.Context, id string, delta TagDelta) error {
	return c.do(ctx, http.MethodPost, "/api/v1/transactions/"+url.PathEscape(id)+"/tags", delta, nil)
}

// do performs one authenticated request, retrying exactly once after a
// remote rate limit. A 2xx with an empty body is a valid success.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	token, err := c.tokens.Token()
	if err != nil {
		return err
	}

	resp, err := c.send(ctx, method, path, body, token)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		delay := retryAfter(resp)
		drain(resp)
		c.logger.Printf("Remote rate limit hit, retrying in %s", delay)
		c.sleep(delay)

		resp, err = c.send(ctx, method, path, body, token)
		if err != nil {
			return err
		}
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{StatusCode: resp.StatusCode}

	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp)}
	}

	if out == nil {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) == 0 {
		// 2xx with empty body is a valid success
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body interface{}, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// retryAfter parses the server-supplied Retry-After delay, defaulting to
// one second when absent or unparseable.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}

func errorMessage(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var er errorResponse
	if err := json.Unmarshal(data, &er); err == nil {
		if er.Error != "" {
			return er.Error
		}
		if er.Message != "" {
			return er.Message
		}
	}
	return string(data)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
