// Package stageconfig defines the named configuration struct for each
// crawler stage and the viper-based loader shared by all of them. Each
// stage is invoked independently (see cmd/crawld) and reads its own
// defaults-then-file-then-env layered configuration.
package stageconfig

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/denikryt/peertube-crawler/pkg/duration"
)

const envPrefix = "CRAWLD"

// Common defaults shared across stages.
const (
	DefaultConcurrency = 4
	DefaultTimeoutMs   = 5000
	DefaultMaxRetries  = 3
	DefaultMaxErrors   = 3
	DefaultPageSize    = 50
)

// Federation holds the federation walker's configuration (spec.md §6).
type Federation struct {
	WhitelistURL          string `mapstructure:"whitelist_url"`
	WhitelistFile         string `mapstructure:"whitelist_file"`
	ExcludeHostsFile      string `mapstructure:"exclude_hosts_file"`
	DBPath                string `mapstructure:"db_path"`
	Concurrency           int    `mapstructure:"concurrency"`
	TimeoutMs             int    `mapstructure:"timeout_ms"`
	MaxRetries            int    `mapstructure:"max_retries"`
	MaxErrors             int    `mapstructure:"max_errors"`
	MaxInstances          int    `mapstructure:"max_instances"`
	ExpandBeyondWhitelist bool   `mapstructure:"expand_beyond_whitelist"`
	CollectGraph          bool   `mapstructure:"collect_graph"`
	Resume                bool   `mapstructure:"resume"`
}

// Timeout returns TimeoutMs as a time.Duration.
func (f Federation) Timeout() time.Duration { return time.Duration(f.TimeoutMs) * time.Millisecond }

// Channel holds the channel walker's configuration.
type Channel struct {
	DBPath           string `mapstructure:"db_path"`
	ExcludeHostsFile string `mapstructure:"exclude_hosts_file"`
	Concurrency      int    `mapstructure:"concurrency"`
	TimeoutMs        int    `mapstructure:"timeout_ms"`
	MaxRetries       int    `mapstructure:"max_retries"`
	NewOnly          bool   `mapstructure:"new_only"`
	MaxInstances     int    `mapstructure:"max_instances"`
	MaxChannels      int    `mapstructure:"max_channels"`
	Resume           bool   `mapstructure:"resume"`
}

func (c Channel) Timeout() time.Duration { return time.Duration(c.TimeoutMs) * time.Millisecond }

// Video holds the video walker's configuration. It embeds Channel's common
// fields rather than duplicating them, per spec.md §6 ("Video walker: adds
// ... to Channel walker").
type Video struct {
	Channel            `mapstructure:",squash"`
	ExistingDBPath     string `mapstructure:"existing_db_path"`
	Sort               string `mapstructure:"sort"`
	StopAfterFullPages int    `mapstructure:"stop_after_full_pages"`
	MaxVideosPages     int    `mapstructure:"max_videos_pages"`
	ChannelConcurrency int    `mapstructure:"channel_concurrency"`
	ErrorsOnly         bool   `mapstructure:"errors_only"`
	TagsOnly           bool   `mapstructure:"tags_only"`
	UpdateTags         bool   `mapstructure:"update_tags"`
	CommentsOnly       bool   `mapstructure:"comments_only"`
	HostDelayMs        int    `mapstructure:"host_delay_ms"`
}

func (v Video) HostDelay() time.Duration { return time.Duration(v.HostDelayMs) * time.Millisecond }

// Health holds the health checker's configuration.
type Health struct {
	DBPath     string `mapstructure:"db_path"`
	Host       string `mapstructure:"host"`
	ErrorsOnly bool   `mapstructure:"errors_only"`
	MinAgeMs   int64  `mapstructure:"min_age_ms"`
}

// newViper builds a viper instance pre-seeded with the given defaults and
// CRAWLD_-prefixed environment variable overrides, then reads configPath
// (or the default search path) if present. binds maps each mapstructure
// key to the name of the cobra flag that should override it, letting a
// stage's CLI flags outrank its config file and environment without the
// two ever needing to share a single global viper instance.
func newViper(section string, defaults map[string]any, configPath string, binds map[string]string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("crawld")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/crawld")
		v.AddConfigPath("$HOME/.crawld")
	}

	v.SetEnvPrefix(envPrefix + "_" + strings.ToUpper(section))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if flags != nil {
		for key, flagName := range binds {
			f := flags.Lookup(flagName)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding flag %s to %s: %w", flagName, key, err)
			}
		}
	}

	return v, nil
}

// LoadFederation layers defaults, an optional config file,
// CRAWLD_FEDERATION_-prefixed environment variables, and (if flags is
// non-nil) the federation command's own flags into a Federation config.
func LoadFederation(configPath string, flags ...*pflag.FlagSet) (Federation, error) {
	defaults := map[string]any{
		"concurrency":             DefaultConcurrency,
		"timeout_ms":              DefaultTimeoutMs,
		"max_retries":             DefaultMaxRetries,
		"max_errors":              DefaultMaxErrors,
		"max_instances":           0,
		"expand_beyond_whitelist": false,
		"collect_graph":           false,
		"resume":                  false,
	}
	binds := map[string]string{
		"db_path":                 "db",
		"whitelist_url":           "whitelist-url",
		"whitelist_file":          "whitelist-file",
		"exclude_hosts_file":      "exclude-hosts-file",
		"concurrency":             "concurrency",
		"timeout_ms":              "timeout-ms",
		"max_retries":             "max-retries",
		"max_errors":              "max-errors",
		"max_instances":           "max-instances",
		"expand_beyond_whitelist": "expand-beyond-whitelist",
		"collect_graph":           "collect-graph",
		"resume":                  "resume",
	}
	v, err := newViper("federation", defaults, configPath, binds, firstFlagSet(flags))
	if err != nil {
		return Federation{}, err
	}
	var cfg Federation
	if err := v.Unmarshal(&cfg); err != nil {
		return Federation{}, fmt.Errorf("unmarshaling federation config: %w", err)
	}
	if cfg.WhitelistURL == "" && cfg.WhitelistFile == "" {
		return Federation{}, errors.New("stageconfig: federation requires whitelist_url or whitelist_file")
	}
	return cfg, nil
}

// LoadChannel layers the channel walker's configuration.
func LoadChannel(configPath string, flags ...*pflag.FlagSet) (Channel, error) {
	defaults := map[string]any{
		"concurrency": DefaultConcurrency,
		"timeout_ms":  DefaultTimeoutMs,
		"max_retries": DefaultMaxRetries,
		"new_only":    false,
		"resume":      false,
	}
	binds := map[string]string{
		"db_path":            "db",
		"exclude_hosts_file": "exclude-hosts-file",
		"concurrency":        "concurrency",
		"timeout_ms":         "timeout-ms",
		"max_retries":        "max-retries",
		"new_only":           "new-only",
		"max_instances":      "max-instances",
		"max_channels":       "max-channels",
		"resume":             "resume",
	}
	v, err := newViper("channel", defaults, configPath, binds, firstFlagSet(flags))
	if err != nil {
		return Channel{}, err
	}
	var cfg Channel
	if err := v.Unmarshal(&cfg); err != nil {
		return Channel{}, fmt.Errorf("unmarshaling channel config: %w", err)
	}
	return cfg, nil
}

// LoadVideo layers the video walker's configuration. binds covers both
// its own fields and the embedded Channel's, so a single flag set (the
// video/tags/update-tags/comments commands') can override either.
func LoadVideo(configPath string, flags ...*pflag.FlagSet) (Video, error) {
	defaults := map[string]any{
		"concurrency":           DefaultConcurrency,
		"timeout_ms":            DefaultTimeoutMs,
		"max_retries":           DefaultMaxRetries,
		"sort":                  "-publishedAt",
		"stop_after_full_pages": 3,
		"channel_concurrency":   2,
		"host_delay_ms":         200,
	}
	binds := map[string]string{
		"db_path":               "db",
		"exclude_hosts_file":    "exclude-hosts-file",
		"concurrency":           "concurrency",
		"timeout_ms":            "timeout-ms",
		"max_retries":           "max-retries",
		"new_only":              "new-only",
		"max_instances":         "max-instances",
		"max_channels":          "max-channels",
		"resume":                "resume",
		"existing_db_path":      "existing-db-path",
		"sort":                  "sort",
		"stop_after_full_pages": "stop-after-full-pages",
		"max_videos_pages":      "max-videos-pages",
		"channel_concurrency":   "channel-concurrency",
		"errors_only":           "errors-only",
		"tags_only":             "tags-only",
		"update_tags":           "update-tags",
		"comments_only":         "comments-only",
		"host_delay_ms":         "host-delay-ms",
	}
	v, err := newViper("video", defaults, configPath, binds, firstFlagSet(flags))
	if err != nil {
		return Video{}, err
	}
	var cfg Video
	if err := v.Unmarshal(&cfg); err != nil {
		return Video{}, fmt.Errorf("unmarshaling video config: %w", err)
	}
	return cfg, nil
}

// LoadHealth layers the health checker's configuration. It accepts the
// three relative-age flags from spec.md §6 (min_age_days/min/sec) and
// merges them into MinAgeMs, converting days with pkg/duration's fixed
// 24-hour Day constant.
func LoadHealth(configPath string, minAgeDays, minAgeMin, minAgeSec float64, flags ...*pflag.FlagSet) (Health, error) {
	defaults := map[string]any{
		"errors_only": false,
	}
	binds := map[string]string{
		"db_path":     "db",
		"host":        "host",
		"errors_only": "errors-only",
	}
	v, err := newViper("health", defaults, configPath, binds, firstFlagSet(flags))
	if err != nil {
		return Health{}, err
	}
	var cfg Health
	if err := v.Unmarshal(&cfg); err != nil {
		return Health{}, fmt.Errorf("unmarshaling health config: %w", err)
	}

	var total time.Duration
	if minAgeDays > 0 {
		total += time.Duration(minAgeDays * float64(duration.Day))
	}
	if minAgeMin > 0 {
		total += time.Duration(minAgeMin * float64(time.Minute))
	}
	if minAgeSec > 0 {
		total += time.Duration(minAgeSec * float64(time.Second))
	}
	cfg.MinAgeMs = total.Milliseconds()

	return cfg, nil
}

// firstFlagSet returns the single flag set passed to a variadic Load*
// call, or nil if the caller (typically a test) didn't supply one.
func firstFlagSet(flags []*pflag.FlagSet) *pflag.FlagSet {
	if len(flags) == 0 {
		return nil
	}
	return flags[0]
}
