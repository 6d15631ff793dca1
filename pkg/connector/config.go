// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/random"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/telehooper/pkg/attachment"
	"github.com/aiku/telehooper/pkg/ratelimit"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the bridge configuration.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	VK       VKConfig       `yaml:"vk"`
	Database DatabaseConfig `yaml:"database"`
	Limits   LimitsConfig   `yaml:"limits"`
	Ledger   LedgerConfig   `yaml:"ledger"`

	// RateLimits are the sliding windows applied per bot and hub chat.
	RateLimits []RateLimitConfig `yaml:"rate_limits"`

	// EncryptionKey seals stored VK tokens.
	EncryptionKey       string `yaml:"encryption_key"`
	DisplaynameTemplate string `yaml:"displayname_template"`
	// RelayOwnEcho disables loop prevention. Only useful for debugging.
	RelayOwnEcho bool `yaml:"relay_own_echo"`
	// VideoQuality is the default highest video rendition to fetch.
	VideoQuality int `yaml:"video_quality"`
	// AdminAPIAddr is the listen address of the admin HTTP API. Empty
	// disables it.
	AdminAPIAddr string `yaml:"admin_api_addr"`

	Logging zeroconfig.Config `yaml:"logging"`

	displaynameTemplate *template.Template `yaml:"-"`
}

type TelegramConfig struct {
	Token       string `yaml:"token"`
	APIEndpoint string `yaml:"api_endpoint"`
	// Minibots are tokens of auxiliary bots used as sender identities in
	// multi-user dialogues.
	Minibots []string `yaml:"minibots"`
}

type VKConfig struct {
	APIURL          string `yaml:"api_url"`
	APIVersion      string `yaml:"api_version"`
	LongpollWait    int    `yaml:"longpoll_wait"`
	LongpollMode    int    `yaml:"longpoll_mode"`
	LongpollVersion int    `yaml:"longpoll_version"`
}

type DatabaseConfig struct {
	// Path of the SQLite database. Empty keeps everything in memory.
	Path string `yaml:"path"`
}

type LimitsConfig struct {
	MaxAttachmentSize  int64 `yaml:"max_attachment_size"`
	AlbumDebounceMS    int   `yaml:"album_debounce_ms"`
	QueueMaxDelayMS    int   `yaml:"queue_max_delay_ms"`
	ActivityMaxDelayMS int   `yaml:"activity_max_delay_ms"`
}

type RateLimitConfig struct {
	Limit int `yaml:"limit"`
	PerMS int `yaml:"per_ms"`
}

type LedgerConfig struct {
	MaxAgeHours          int `yaml:"max_age_hours"`
	PruneIntervalMinutes int `yaml:"prune_interval_minutes"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	FirstName  string
	LastName   string
	ScreenName string
	ID         int64
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults, validates values and parses the displayname
// template. It must be called after unmarshaling.
func (c *Config) PostProcess() error {
	if c.Telegram.Token == "" {
		return errors.New("telegram.token is required")
	}
	if c.EncryptionKey == "" || c.EncryptionKey == "generate" {
		return errors.New("encryption_key is not set")
	}
	if c.Limits.MaxAttachmentSize <= 0 {
		c.Limits.MaxAttachmentSize = attachment.DefaultMaxSize
	}
	if c.Limits.AlbumDebounceMS <= 0 {
		c.Limits.AlbumDebounceMS = 500
	}
	if c.Limits.ActivityMaxDelayMS <= 0 {
		c.Limits.ActivityMaxDelayMS = 1000
	}
	if c.VideoQuality <= 0 {
		c.VideoQuality = attachment.DefaultVideoQuality
	}
	if c.Ledger.MaxAgeHours <= 0 {
		c.Ledger.MaxAgeHours = 24 * 30
	}
	if c.Ledger.PruneIntervalMinutes <= 0 {
		c.Ledger.PruneIntervalMinutes = 60
	}
	for i, rl := range c.RateLimits {
		if rl.Limit <= 0 || rl.PerMS <= 0 {
			return fmt.Errorf("rate_limits[%d]: limit and per_ms must be positive", i)
		}
	}
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse displayname_template: %w", err)
	}
	return nil
}

// Windows converts rate_limits, falling back to the Telegram defaults.
func (c *Config) Windows() []ratelimit.Window {
	if len(c.RateLimits) == 0 {
		return ratelimit.DefaultWindows
	}
	windows := make([]ratelimit.Window, len(c.RateLimits))
	for i, rl := range c.RateLimits {
		windows[i] = ratelimit.Window{Limit: rl.Limit, Per: time.Duration(rl.PerMS) * time.Millisecond}
	}
	return windows
}

func (c *Config) AlbumDebounce() time.Duration {
	return time.Duration(c.Limits.AlbumDebounceMS) * time.Millisecond
}

// QueueMaxDelay is the admission wait of queued hub sends. Negative waits
// indefinitely and zero admits only what fits immediately.
func (c *Config) QueueMaxDelay() time.Duration {
	return time.Duration(c.Limits.QueueMaxDelayMS) * time.Millisecond
}

func (c *Config) ActivityMaxDelay() time.Duration {
	return time.Duration(c.Limits.ActivityMaxDelayMS) * time.Millisecond
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "telegram", "token")
	helper.Copy(up.Str|up.Null, "telegram", "api_endpoint")
	helper.Copy(up.List, "telegram", "minibots")

	helper.Copy(up.Str, "vk", "api_url")
	helper.Copy(up.Str, "vk", "api_version")
	helper.Copy(up.Int, "vk", "longpoll_wait")
	helper.Copy(up.Int, "vk", "longpoll_mode")
	helper.Copy(up.Int, "vk", "longpoll_version")

	helper.Copy(up.Str|up.Null, "database", "path")

	helper.Copy(up.Int, "limits", "max_attachment_size")
	helper.Copy(up.Int, "limits", "album_debounce_ms")
	helper.Copy(up.Int, "limits", "queue_max_delay_ms")
	helper.Copy(up.Int, "limits", "activity_max_delay_ms")

	helper.Copy(up.List, "rate_limits")

	helper.Copy(up.Int, "ledger", "max_age_hours")
	helper.Copy(up.Int, "ledger", "prune_interval_minutes")

	if key, ok := helper.Get(up.Str, "encryption_key"); !ok || key == "generate" {
		helper.Set(up.Str, random.String(48), "encryption_key")
	} else {
		helper.Copy(up.Str, "encryption_key")
	}
	helper.Copy(up.Str, "displayname_template")
	helper.Copy(up.Bool, "relay_own_echo")
	helper.Copy(up.Int, "video_quality")
	helper.Copy(up.Str|up.Null, "admin_api_addr")

	helper.Copy(up.Map, "logging")
}

// GetConfig returns the example config, the struct to unmarshal into and
// the upgrader that carries user values over to the current layout.
func (c *Config) GetConfig() (example string, data any, upgrader up.BaseUpgrader) {
	return ExampleConfig, c, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"vk"},
			{"database"},
			{"limits"},
			{"rate_limits"},
			{"ledger"},
			{"encryption_key"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}

// FormatDisplayname generates a display name from the template and params.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	fallback := params.FirstName
	if params.LastName != "" {
		fallback += " " + params.LastName
	}
	if c.displaynameTemplate == nil {
		return fallback
	}
	var buf []byte
	err := c.displaynameTemplate.Execute(
		(*templateBuffer)(&buf),
		params,
	)
	name := strings.TrimSpace(string(buf))
	if err != nil || name == "" {
		return fallback
	}
	return name
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
