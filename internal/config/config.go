// Package config loads and validates the single YAML configuration
// file and compiles the pattern sets the engine runs.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/versewatch/versewatch/internal/pattern"
)

// Datasource values.
const (
	DatasourceGoogleSheets = "googlesheets"
	DatasourceSupabase     = "supabase"
)

// Config is the whole user-facing configuration.
type Config struct {
	// Log selection. With auto detection on, LiveLogPath and PTULogPath
	// are probed and the most recently written one wins.
	LogFilePath              string `yaml:"log_file_path"`
	LiveLogPath              string `yaml:"live_log_path"`
	PTULogPath               string `yaml:"ptu_log_path"`
	AutoEnvironmentDetection bool   `yaml:"auto_environment_detection"`

	Datasource string `yaml:"datasource"`

	// Sink endpoints.
	DiscordWebhookURL   string `yaml:"discord_webhook_url"`
	LiveDiscordWebhook  string `yaml:"live_discord_webhook"`
	ACDiscordWebhook    string `yaml:"ac_discord_webhook"`
	TechnicalWebhookURL string `yaml:"technical_webhook_url"`
	UseDiscord          bool   `yaml:"use_discord"`

	// Provider credentials.
	GoogleSheetsWebhook string `yaml:"google_sheets_webhook"`
	SupabaseURL         string `yaml:"supabase_url"`
	SupabaseKey         string `yaml:"supabase_key"`

	// Realtime service.
	RealtimeURL      string `yaml:"realtime_url"`
	RealtimeKey      string `yaml:"realtime_key"`
	AutoReconnection bool   `yaml:"auto_reconnection"`

	// Fallback identity before nickname detection.
	Username string `yaml:"username"`

	// Pattern configuration.
	RegexPatterns       map[string]string   `yaml:"regex_patterns"`
	Messages            map[string]string   `yaml:"messages"`
	Discord             map[string]string   `yaml:"discord"`
	GoogleSheetsMapping map[string]string   `yaml:"google_sheets_mapping"`
	Realtime            []string            `yaml:"realtime"`
	Scraping            []string            `yaml:"scraping"`
	Colors              map[string][]string `yaml:"colors"`

	ImportantPlayers string `yaml:"important_players"`

	// Rate limiting.
	RateLimitTimeout       int `yaml:"rate_limit_timeout"`
	RateLimitMaxDuplicates int `yaml:"rate_limit_max_duplicates"`

	// Heartbeat, seconds.
	ActiveUsersUpdateInterval int `yaml:"active_users_update_interval"`

	// Inbound broadcast filtering.
	FilterByCurrentMode      bool     `yaml:"filter_by_current_mode"`
	FilterByCurrentShard     bool     `yaml:"filter_by_current_shard"`
	ExcludedRemoteContent    []string `yaml:"excluded_remote_content"`
	FilterBroadcastUsernames []string `yaml:"filter_broadcast_usernames"`
	FilterStalledIfOnline    bool     `yaml:"filter_stalled_if_online"`

	// Notifications.
	NotificationsEnabled  bool     `yaml:"notifications_enabled"`
	NotificationsDuration int      `yaml:"notifications_duration"`
	NotificationsEvents   []string `yaml:"notifications_events"`

	// Profile cache.
	RedisAddr          string `yaml:"redis_addr"`
	RedisPassword      string `yaml:"redis_password"`
	RedisDB            int    `yaml:"redis_db"`
	ProfileCacheTTL    int    `yaml:"profile_cache_ttl"`
	CitizenPageBaseURL string `yaml:"citizen_page_base_url"`

	// Hotkeys. Parsed and validated here; binding them to the OS is up
	// to the GUI layer.
	HotkeySystem HotkeySystem      `yaml:"hotkey_system"`
	Hotkeys      map[string]string `yaml:"hotkeys"`

	// Tabs: tab name to SQL query, db datasource only.
	Tabs map[string]string `yaml:"tabs"`

	// Local status/metrics server.
	StatusListen string `yaml:"status_listen"`

	Debug bool `yaml:"debug"`
}

type HotkeySystem struct {
	Enabled           bool     `yaml:"enabled"`
	GameFocusRequired bool     `yaml:"game_focus_required"`
	TargetWindows     []string `yaml:"target_windows"`
}

// Load reads, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes the config back to disk.
func (c *Config) Save(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// ApplyDefaults fills unset fields. Idempotent.
func (c *Config) ApplyDefaults() {
	if c.Datasource == "" {
		c.Datasource = DatasourceGoogleSheets
	}
	if c.Username == "" {
		c.Username = "Unknown"
	}
	if c.RateLimitTimeout <= 0 {
		c.RateLimitTimeout = 300
	}
	if c.RateLimitMaxDuplicates <= 0 {
		c.RateLimitMaxDuplicates = 1
	}
	if c.ActiveUsersUpdateInterval <= 0 {
		c.ActiveUsersUpdateInterval = 30
	}
	if c.NotificationsDuration <= 0 {
		c.NotificationsDuration = 5
	}
	if c.ProfileCacheTTL <= 0 {
		c.ProfileCacheTTL = 86400
	}
	if c.StatusListen == "" {
		c.StatusListen = "127.0.0.1:8787"
	}
}

// Validate rejects configurations the monitor cannot run with.
func (c *Config) Validate() error {
	switch c.Datasource {
	case DatasourceGoogleSheets, DatasourceSupabase:
	default:
		return fmt.Errorf("datasource %q: must be %s or %s",
			c.Datasource, DatasourceGoogleSheets, DatasourceSupabase)
	}
	for name := range c.GoogleSheetsMapping {
		if _, ok := c.RegexPatterns[name]; !ok {
			return fmt.Errorf("google_sheets_mapping names unknown pattern %q", name)
		}
	}
	return nil
}

// HeartbeatInterval returns the presence heartbeat as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.ActiveUsersUpdateInterval) * time.Second
}

// CacheTTL returns the profile cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.ProfileCacheTTL) * time.Second
}

// CompileRules precompiles every configured regex into the two ordered
// lists the engine matches against: sheet-bound rules first, then the
// rest, each list alphabetical so matching order is deterministic.
func (c *Config) CompileRules() (*pattern.RuleSet, error) {
	rs := &pattern.RuleSet{
		Messages:      c.Messages,
		Discord:       c.Discord,
		SheetsMapping: c.GoogleSheetsMapping,
		Realtime:      toSet(c.Realtime),
		Scraping:      toSet(c.Scraping),
		Colors:        c.Colors,
	}
	if rs.Messages == nil {
		rs.Messages = map[string]string{}
	}
	if rs.Discord == nil {
		rs.Discord = map[string]string{}
	}
	if rs.SheetsMapping == nil {
		rs.SheetsMapping = map[string]string{}
	}

	var sheetNames, otherNames []string
	for name := range c.RegexPatterns {
		if _, bound := c.GoogleSheetsMapping[name]; bound {
			sheetNames = append(sheetNames, name)
		} else {
			otherNames = append(otherNames, name)
		}
	}
	sort.Strings(sheetNames)
	sort.Strings(otherNames)

	compile := func(names []string) ([]pattern.Rule, error) {
		rules := make([]pattern.Rule, 0, len(names))
		for _, name := range names {
			re, err := regexp.Compile(c.RegexPatterns[name])
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", name, err)
			}
			rules = append(rules, pattern.Rule{Name: name, Re: re})
		}
		return rules, nil
	}

	var err error
	if rs.SheetRules, err = compile(sheetNames); err != nil {
		return nil, err
	}
	if rs.OtherRules, err = compile(otherNames); err != nil {
		return nil, err
	}
	return rs, nil
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// ToStringSet builds a lookup set from a list option.
func ToStringSet(names []string) map[string]bool { return toSet(names) }
