// mediadl/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	DownloadDir      string        `mapstructure:"DOWNLOAD_DIR"`
	DefaultQuality   string        `mapstructure:"DEFAULT_QUALITY"`
	FileNameFormat   string        `mapstructure:"FILE_NAME_FORMAT"`
	ProgressInterval time.Duration `mapstructure:"PROGRESS_INTERVAL"`
	TaskTimeout      time.Duration `mapstructure:"TASK_TIMEOUT"`
	RetainTerminal   time.Duration `mapstructure:"RETAIN_TERMINAL"`
	MaxFileSize      int64         `mapstructure:"MAX_FILE_SIZE"`
	ThrottleCPU      float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64         `mapstructure:"THROTTLE_FREEDISK"`
	UserAgent        string        `mapstructure:"USER_AGENT"`
	ResolverMirrors  []string      `mapstructure:"RESOLVER_MIRRORS"`
	ResolverRetries  int           `mapstructure:"RESOLVER_RETRIES"`
	ResolverTimeout  time.Duration `mapstructure:"RESOLVER_TIMEOUT"`
	URLCachePath     string        `mapstructure:"URL_CACHE_PATH"`
	URLCacheTTL      time.Duration `mapstructure:"URL_CACHE_TTL"`
	FetchLyrics      bool          `mapstructure:"FETCH_LYRICS"`
	PostHook         string        `mapstructure:"POST_HOOK"`
	HookTimeout      time.Duration `mapstructure:"HOOK_TIMEOUT"`
	AuthEnable       bool          `mapstructure:"AUTH_ENABLE"`
	AuthKey          string        `mapstructure:"AUTH_KEY"`
	WSOrigins        []string      `mapstructure:"WS_ORIGINS"`
	Port             string        `mapstructure:"PORT"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	LogPretty        bool          `mapstructure:"LOG_PRETTY"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

// Load reads defaults, the optional YAML config file and MEDIADL_* environment
// variables, in increasing order of precedence. An empty configFile searches
// the default locations.
func Load(configFile string) (*Config, error) {
	vp := viper.New()

	vp.SetDefault("DOWNLOAD_DIR", "downloads")
	vp.SetDefault("DEFAULT_QUALITY", "128k")
	vp.SetDefault("FILE_NAME_FORMAT", "{name} - {singer}")
	vp.SetDefault("PROGRESS_INTERVAL", "1s")
	vp.SetDefault("TASK_TIMEOUT", "0s")
	vp.SetDefault("RETAIN_TERMINAL", "0s")
	vp.SetDefault("MAX_FILE_SIZE", "2GB")
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "64MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("USER_AGENT", "mediadl/1.0")
	vp.SetDefault("RESOLVER_MIRRORS", "")
	vp.SetDefault("RESOLVER_RETRIES", 3)
	vp.SetDefault("RESOLVER_TIMEOUT", "15s")
	vp.SetDefault("URL_CACHE_PATH", "")
	vp.SetDefault("URL_CACHE_TTL", "30m")
	vp.SetDefault("FETCH_LYRICS", true)
	vp.SetDefault("POST_HOOK", "")
	vp.SetDefault("HOOK_TIMEOUT", "2m")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("WS_ORIGINS", "")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_PRETTY", false)

	if configFile != "" {
		vp.SetConfigFile(configFile)
	} else {
		vp.SetConfigName("mediadl_config")
		vp.SetConfigType("yaml")
		vp.AddConfigPath(".")
		vp.AddConfigPath("/etc/mediadl/")
	}

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("MEDIADL")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return nil, err
	}
	cfg.ResolverMirrors = compact(cfg.ResolverMirrors)
	cfg.WSOrigins = compact(cfg.WSOrigins)

	return &cfg, nil
}

// compact trims list entries and drops empty ones; an unset list decodes as [""].
func compact(list []string) []string {
	out := list[:0]
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
