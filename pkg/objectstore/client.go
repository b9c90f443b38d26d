/**
 * @description
 * This package provides a client for the remote content-addressed object
 * store that serves as the durable tier. It encapsulates the logic for making
 * authenticated HTTP requests to the store, handling request body
 * construction, and parsing responses.
 *
 * Call timeouts are owned by the caller through ctx deadlines; the orchestrator
 * applies its create/update budgets there. Transport failures and timeouts are
 * mapped to ErrUnavailable so the caller can degrade instead of aborting, and
 * missing objects map to ErrNotFound. Writes are idempotent overwrites; no
 * partial-write state is ever exposed.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, net/url: Standard Go libraries.
 */
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

var (
	// ErrNotFound means no object exists at the requested key.
	ErrNotFound = errors.New("object store: not found")
	// ErrUnavailable means the store timed out or failed at the transport
	// level. Callers fall back and mark the record pending_sync.
	ErrUnavailable = errors.New("object store: unavailable")
)

// Stable key naming. Existing stored data depends on these shapes.
const (
	groupKeyFormat         = "groups/group_%s.json"
	contributionsKeyFormat = "contributions/group_%s_contributions.json"
	invitesKeyFormat       = "invites/group_%s_invites.json"

	groupsPrefix = "groups/"
)

// GroupKey returns the object key holding a group record.
func GroupKey(groupID string) string { return fmt.Sprintf(groupKeyFormat, groupID) }

// ContributionsKey returns the object key holding a group's contribution log.
func ContributionsKey(groupID string) string {
	return fmt.Sprintf(contributionsKeyFormat, groupID)
}

// InvitesKey returns the object key holding a group's invite index.
func InvitesKey(groupID string) string { return fmt.Sprintf(invitesKeyFormat, groupID) }

// GroupsPrefix is the listing prefix for all group records.
func GroupsPrefix() string { return groupsPrefix }

// Client is a client for the object store API.
type Client struct {
	BaseURL    string
	APIKey     string
	Bucket     string
	HTTPClient *http.Client
}

// NewClient creates a new object store client. The HTTP client carries no
// global timeout: each call's budget comes from its context.
func NewClient(baseURL, apiKey, bucket string) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Bucket:     bucket,
		HTTPClient: &http.Client{},
	}
}

// ObjectRef identifies a stored object.
type ObjectRef struct {
	Key       string    `json:"key"`
	Bucket    string    `json:"bucket"`
	Size      int64     `json:"size"`
	ETag      string    `json:"etag,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type listResponse struct {
	Keys []string `json:"keys"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) objectURL(key string) string {
	return fmt.Sprintf("%s/buckets/%s/objects/%s", c.BaseURL, url.PathEscape(c.Bucket), url.PathEscape(key))
}

// PutObject marshals the value and overwrites the object at key.
func (c *Client) PutObject(ctx context.Context, key string, value interface{}) (*ObjectRef, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object %s: %w", key, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(key), bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create put request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-store-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Printf("level=warn component=object_store op=put key=%s msg=\"transport failure\" err=%v", key, err)
		return nil, fmt.Errorf("%w: put %s: %v", ErrUnavailable, key, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: put %s: read response: %v", ErrUnavailable, key, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.mapErrorStatus("put", key, resp.StatusCode, respBody)
	}

	ref := &ObjectRef{Key: key, Bucket: c.Bucket, Size: int64(len(body)), UpdatedAt: time.Now().UTC()}
	if len(respBody) > 0 {
		// Response body is advisory; ignore decode failures and keep the local ref.
		var parsed ObjectRef
		if decodeErr := json.Unmarshal(respBody, &parsed); decodeErr == nil && parsed.Key != "" {
			ref = &parsed
		}
	}
	return ref, nil
}

// GetObject fetches the object at key and decodes it into out.
func (c *Client) GetObject(ctx context.Context, key string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(key), nil)
	if err != nil {
		return fmt.Errorf("failed to create get request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-store-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Printf("level=warn component=object_store op=get key=%s msg=\"transport failure\" err=%v", key, err)
		return fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: get %s: read response: %v", ErrUnavailable, key, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.mapErrorStatus("get", key, resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode object %s: %w", key, err)
	}
	return nil
}

// ListObjects returns the keys under prefix.
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	listURL := fmt.Sprintf("%s/buckets/%s/objects?prefix=%s", c.BaseURL, url.PathEscape(c.Bucket), url.QueryEscape(prefix))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create list request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-store-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Printf("level=warn component=object_store op=list prefix=%s msg=\"transport failure\" err=%v", prefix, err)
		return nil, fmt.Errorf("%w: list %s: %v", ErrUnavailable, prefix, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: read response: %v", ErrUnavailable, prefix, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.mapErrorStatus("list", prefix, resp.StatusCode, respBody)
	}

	var parsed listResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode list response: %w", err)
	}
	return parsed.Keys, nil
}

// DeleteObject removes the object at key. Deleting a missing key succeeds.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(key), nil)
	if err != nil {
		return fmt.Errorf("failed to create delete request: %w", err)
	}
	req.Header.Set("x-store-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Printf("level=warn component=object_store op=delete key=%s msg=\"transport failure\" err=%v", key, err)
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, key, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.mapErrorStatus("delete", key, resp.StatusCode, nil)
	}
	return nil
}

func (c *Client) mapErrorStatus(op, key string, status int, body []byte) error {
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	detail := ""
	if len(body) > 0 {
		var parsed errorResponse
		if err := json.Unmarshal(body, &parsed); err == nil {
			detail = parsed.Message
			if detail == "" {
				detail = parsed.Error
			}
		}
	}
	log.Printf("level=warn component=object_store op=%s key=%s status=%d detail=%q", op, key, status, detail)

	// 5xx and throttling degrade; anything else is still unusable to the
	// caller, so it degrades too rather than surfacing a raw status.
	return fmt.Errorf("%w: %s %s returned status %d", ErrUnavailable, op, key, status)
}
