// Copyright 2024-2026 Aiku AI

// Package longpoll consumes the VK user longpoll stream of one account.
//
// The consumer is an explicit state machine:
//
//	Disconnected -> Negotiating -> Polling -> Polling ...
//	Polling -> Negotiating            (cursor or key expired)
//	Polling -> Backoff -> Negotiating (network or server error, or a fresh
//	                                   cursor rejected again)
//	any -> Revoked                    (token revoked, terminal)
//	Polling -> Disconnected           (protocol version refused, terminal)
//	any -> Disconnected               (Stop)
//
// Decoded updates are delivered in stream order over a bounded channel.
package longpoll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/aiku/telehooper/pkg/vkapi"
)

// ErrRevoked is returned by Run when the account token no longer works.
var ErrRevoked = errors.New("longpoll access revoked")

// ErrUnsupportedVersion is returned by Run when the server refuses the
// configured protocol version (failed=4). Retrying cannot fix it.
var ErrUnsupportedVersion = errors.New("longpoll protocol version refused")

// State of the consumer.
type State int32

const (
	StateDisconnected State = iota
	StateNegotiating
	StatePolling
	StateBackoff
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateNegotiating:
		return "negotiating"
	case StatePolling:
		return "polling"
	case StateBackoff:
		return "backoff"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// ServerSource performs server discovery.
type ServerSource interface {
	GetLongPollServer(ctx context.Context, lpVersion int) (*vkapi.LongPollServer, error)
}

// Config tunes the consumer. Zero values fall back to the defaults.
type Config struct {
	// Wait is the protocol-level hold time in seconds.
	Wait int
	// Mode is the bitmask of extra fields requested from the server.
	Mode int
	// Version is the longpoll protocol version.
	Version int
	// BackoffUnit is multiplied by the number of consecutive failures.
	BackoffUnit time.Duration
	// BufferSize is the capacity of the event channel.
	BufferSize int
}

const (
	DefaultWait        = 25
	DefaultMode        = 2 | 8 | 32 | 64 | 128
	DefaultVersion     = 3
	DefaultBackoffUnit = 250 * time.Millisecond
	DefaultBufferSize  = 64
)

func (c *Config) setDefaults() {
	if c.Wait <= 0 {
		c.Wait = DefaultWait
	}
	if c.Mode <= 0 {
		c.Mode = DefaultMode
	}
	if c.Version <= 0 {
		c.Version = DefaultVersion
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = DefaultBackoffUnit
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
}

// Consumer runs the longpoll loop of one account.
type Consumer struct {
	source ServerSource
	http   *http.Client
	cfg    Config
	log    zerolog.Logger

	events   chan Event
	state    atomic.Int32
	failures int

	stopOnce sync.Once
	stopChan chan struct{}
}

// New creates a consumer. Run must be called exactly once.
func New(source ServerSource, httpClient *http.Client, cfg Config, log zerolog.Logger) *Consumer {
	cfg.setDefaults()
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Consumer{
		source:   source,
		http:     httpClient,
		cfg:      cfg,
		log:      log.With().Str("component", "longpoll").Logger(),
		events:   make(chan Event, cfg.BufferSize),
		stopChan: make(chan struct{}),
	}
}

// Events returns the decoded update stream. It is closed when Run returns.
func (c *Consumer) Events() <-chan Event {
	return c.events
}

// State returns the current state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	if prev := State(c.state.Swap(int32(s))); prev != s {
		c.log.Trace().Stringer("from", prev).Stringer("to", s).Msg("Longpoll state change")
	}
}

// Stop ends the loop. It is safe to call more than once. A poll already in
// flight is not aborted, but its result is discarded.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
}

func (c *Consumer) stopped() bool {
	select {
	case <-c.stopChan:
		return true
	default:
		return false
	}
}

// Run drives the state machine until Stop, ctx cancellation or revocation.
// It returns nil after Stop, ctx.Err() after cancellation and an error
// wrapping ErrRevoked when the account lost access, or ErrUnsupportedVersion
// when the server refuses the protocol version.
func (c *Consumer) Run(ctx context.Context) error {
	defer close(c.events)
	defer func() {
		if c.State() != StateRevoked {
			c.setState(StateDisconnected)
		}
	}()

	var srv *vkapi.LongPollServer
	// fresh is set while the negotiated cursor has not yet served a poll.
	var fresh bool
	for {
		if c.stopped() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if srv == nil {
			c.setState(StateNegotiating)
			var err error
			srv, err = c.source.GetLongPollServer(ctx, c.cfg.Version)
			if err != nil {
				srv = nil
				if vkapi.IsRevoked(err) {
					return c.revoke(ctx, err)
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.log.Warn().Err(err).Msg("Longpoll server discovery failed")
				if !c.backoff(ctx) {
					return c.exitErr(ctx)
				}
				continue
			}
			c.log.Debug().Int64("ts", srv.TS).Msg("Longpoll server negotiated")
			fresh = true
		}

		c.setState(StatePolling)
		resp, err := c.poll(ctx, srv)
		if c.stopped() {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn().Err(err).Int("failures", c.failures+1).Msg("Longpoll request failed")
			srv = nil
			if !c.backoff(ctx) {
				return c.exitErr(ctx)
			}
			continue
		}

		failed := resp.Get("failed").Int()
		if failed == 4 {
			c.log.Error().
				Int("version", c.cfg.Version).
				Int64("min_version", resp.Get("min_version").Int()).
				Int64("max_version", resp.Get("max_version").Int()).
				Msg("Longpoll server refused the protocol version")
			return fmt.Errorf("%w: version %d", ErrUnsupportedVersion, c.cfg.Version)
		}
		ts := resp.Get("ts")
		if !ts.Exists() || failed == 2 || failed == 3 {
			srv = nil
			if !fresh {
				c.log.Debug().Int64("failed", failed).Msg("Longpoll cursor invalidated, renegotiating")
				continue
			}
			c.log.Warn().Int64("failed", failed).Int("failures", c.failures+1).Msg("Freshly negotiated longpoll cursor rejected")
			if !c.backoff(ctx) {
				return c.exitErr(ctx)
			}
			continue
		}
		c.failures = 0
		fresh = false
		srv.TS = ts.Int()

		for _, update := range resp.Get("updates").Array() {
			ev, ok := Decode(update)
			if !ok {
				c.log.Debug().Str("update", update.Raw).Msg("Dropping unknown longpoll update")
				continue
			}
			if !c.deliver(ctx, ev) {
				return c.exitErr(ctx)
			}
		}
	}
}

func (c *Consumer) exitErr(ctx context.Context) error {
	if c.stopped() {
		return nil
	}
	return ctx.Err()
}

func (c *Consumer) revoke(ctx context.Context, cause error) error {
	c.setState(StateRevoked)
	c.log.Warn().Err(cause).Msg("Longpoll access revoked, stopping")
	c.deliver(ctx, Event{Type: EventDisconnect, Reason: ReasonExternalRevocation})
	return fmt.Errorf("%w: %w", ErrRevoked, cause)
}

func (c *Consumer) deliver(ctx context.Context, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

// backoff sleeps BackoffUnit times the consecutive failure count. It
// returns false if the loop should exit instead.
func (c *Consumer) backoff(ctx context.Context) bool {
	c.failures++
	c.setState(StateBackoff)
	timer := time.NewTimer(c.cfg.BackoffUnit * time.Duration(c.failures))
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

func pollURL(srv *vkapi.LongPollServer, cfg Config) string {
	base := srv.Server
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	q := url.Values{}
	q.Set("act", "a_check")
	q.Set("key", srv.Key)
	q.Set("ts", strconv.FormatInt(srv.TS, 10))
	q.Set("wait", strconv.Itoa(cfg.Wait))
	q.Set("mode", strconv.Itoa(cfg.Mode))
	q.Set("version", strconv.Itoa(cfg.Version))
	return base + "?" + q.Encode()
}

func (c *Consumer) poll(ctx context.Context, srv *vkapi.LongPollServer) (gjson.Result, error) {
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.Wait)*time.Second+10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, pollURL(srv, c.cfg), nil)
	if err != nil {
		return gjson.Result{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read longpoll response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("longpoll server returned status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("longpoll server returned invalid JSON")
	}
	return gjson.ParseBytes(body), nil
}
