// Copyright 2024-2026 Aiku AI

// Package vkapi wraps the VK API client of vksdk with the methods the bridge
// needs. Responses are decoded lazily with gjson since most payloads are
// heterogeneous and only a few fields are read.
package vkapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SevereCloud/vksdk/v3/api"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	DefaultAPIURL  = "https://api.vk.com/method"
	DefaultVersion = "5.199"
)

// Error codes the bridge treats specially.
const (
	CodeAuthFailed       = int(api.ErrAuth)
	CodeTooManyRequests  = int(api.ErrTooMany)
	CodeInternal         = int(api.ErrInternal)
	CodeUserDeactivated  = int(api.ErrUserDeleted)
	CodeAccessDenied     = int(api.ErrAccess)
	CodeMessageNotFound  = int(api.ErrParam)
	CodeAccountSuspended = 3610
)

// Error is an error object returned by the VK API.
type Error struct {
	Code    int
	Message string
	Method  string

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("vk api %s: error %d: %s", e.Method, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func errorCode(err error) (int, bool) {
	var vkErr *Error
	if errors.As(err, &vkErr) {
		return vkErr.Code, true
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return int(apiErr.Code), true
	}
	return 0, false
}

// IsRevoked reports whether err means the account token can no longer be
// used: the token was revoked, or the account was deleted or suspended.
func IsRevoked(err error) bool {
	code, ok := errorCode(err)
	if !ok {
		return false
	}
	switch code {
	case CodeAuthFailed, CodeUserDeactivated, CodeAccountSuspended:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether the call can be repeated later as-is.
func IsRetryable(err error) bool {
	code, ok := errorCode(err)
	if !ok {
		return true
	}
	return code == CodeTooManyRequests || code == CodeInternal
}

// Options configure a Client.
type Options struct {
	APIURL     string
	Version    string
	HTTPClient *http.Client
	Log        zerolog.Logger
}

// Client calls VK API methods on behalf of one account.
type Client struct {
	vk  *api.VK
	log zerolog.Logger
}

// New creates a client for token.
func New(token string, opts Options) *Client {
	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	vk := api.NewVK(token)
	vk.MethodURL = strings.TrimSuffix(opts.APIURL, "/") + "/"
	vk.Version = opts.Version
	vk.Client = opts.HTTPClient
	return &Client{
		vk:  vk,
		log: opts.Log.With().Str("component", "vk_api").Logger(),
	}
}

// HTTPClient returns the underlying HTTP client, shared with the longpoll
// consumer and uploads.
func (c *Client) HTTPClient() *http.Client {
	return c.vk.Client
}

// Version returns the API version sent with every call.
func (c *Client) Version() string {
	return c.vk.Version
}

// Call invokes method and returns the "response" field.
func (c *Client) Call(ctx context.Context, method string, params url.Values) (gjson.Result, error) {
	p := make(api.Params, len(params))
	for k, v := range params {
		p[k] = strings.Join(v, ",")
	}
	raw, err := c.vk.Request(method, p.WithContext(ctx))
	if err != nil {
		return gjson.Result{}, c.wrapError(method, err)
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("vk api %s: invalid JSON response", method)
	}
	return gjson.ParseBytes(raw), nil
}

func (c *Client) wrapError(method string, err error) error {
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("vk api %s: %w", method, err)
	}
	vkErr := &Error{
		Code:    int(apiErr.Code),
		Message: apiErr.Message,
		Method:  method,
		cause:   err,
	}
	c.log.Debug().Str("method", method).Int("code", vkErr.Code).Str("error", vkErr.Message).Msg("VK API error")
	return vkErr
}
