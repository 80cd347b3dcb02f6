package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/convsync/pkg/chatmodel"
	"github.com/go-go-golems/convsync/pkg/locale"
	"github.com/go-go-golems/convsync/pkg/transport"
)

const EnvPrefix = "CONVSYNC"

type UserSettings struct {
	ID       string `mapstructure:"id"`
	Fullname string `mapstructure:"fullname"`
}

type TransportSettings struct {
	// Kind is memory, redis or nats.
	Kind   string                  `mapstructure:"kind"`
	Prefix string                  `mapstructure:"prefix"`
	Redis  transport.RedisSettings `mapstructure:"redis"`
	NATS   struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"nats"`
}

type StoreSettings struct {
	// Kind is memory, sqlite, redis or postgres.
	Kind   string `mapstructure:"kind"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
	Redis  struct {
		Addr      string `mapstructure:"addr"`
		KeyPrefix string `mapstructure:"key_prefix"`
	} `mapstructure:"redis"`
	MaxConns int32 `mapstructure:"max_conns"`
}

type SoundSettings struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

type ReplaySettings struct {
	DefaultWait  time.Duration `mapstructure:"default_wait"`
	BackfillStep time.Duration `mapstructure:"backfill_step"`
}

type InfoMessageSettings struct {
	VisibleKeys []string `mapstructure:"visible_keys"`
}

type ImageSettings struct {
	BaseURL string `mapstructure:"base_url"`
	Bucket  string `mapstructure:"bucket"`
}

type HTTPSettings struct {
	Addr string `mapstructure:"addr"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Settings is the full runtime configuration.
type Settings struct {
	Tenant       string                     `mapstructure:"tenant"`
	User         UserSettings               `mapstructure:"user"`
	Locale       string                     `mapstructure:"locale"`
	Labels       map[string]locale.LabelSet `mapstructure:"labels"`
	Transport    TransportSettings          `mapstructure:"transport"`
	Store        StoreSettings              `mapstructure:"store"`
	Sound        SoundSettings              `mapstructure:"sound"`
	Replay       ReplaySettings             `mapstructure:"replay"`
	InfoMessages InfoMessageSettings        `mapstructure:"info_messages"`
	Images       ImageSettings              `mapstructure:"images"`
	HTTP         HTTPSettings               `mapstructure:"http"`
	Log          LogSettings                `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tenant", "default")
	v.SetDefault("locale", "en")
	v.SetDefault("transport.kind", "memory")
	v.SetDefault("transport.prefix", "convsync")
	v.SetDefault("transport.redis.addr", "localhost:6379")
	v.SetDefault("transport.redis.group", "convsync")
	v.SetDefault("transport.redis.consumer", "convsync-1")
	v.SetDefault("transport.nats.url", "nats://localhost:4222")
	v.SetDefault("store.kind", "memory")
	v.SetDefault("store.path", "convsync.db")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.key_prefix", "convsync")
	v.SetDefault("sound.debounce", time.Second)
	v.SetDefault("replay.default_wait", 1000*time.Millisecond)
	v.SetDefault("replay.backfill_step", 100*time.Millisecond)
	v.SetDefault("info_messages.visible_keys", []string{chatmodel.MemberJoinedGroup})
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
}

// LoadOptions controls where Load looks for configuration.
type LoadOptions struct {
	// ConfigFile is an explicit YAML file. Empty means search the working
	// directory and $HOME/.convsync for convsync.yaml.
	ConfigFile string
	// EnvFile is loaded into the process environment first when it exists.
	EnvFile string
	Flags   *pflag.FlagSet
	// Bindings maps config keys to flag names in Flags.
	Bindings map[string]string
}

// Load layers defaults, the config file, CONVSYNC_* environment variables and
// bound flags, in increasing precedence.
func Load(opts LoadOptions) (*Settings, *viper.Viper, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, nil, errors.Wrapf(err, "config: load %s", envFile)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("convsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.convsync")
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, nil, errors.Wrap(err, "config: read config file")
		}
	}

	if opts.Flags != nil {
		for key, name := range opts.Bindings {
			f := opts.Flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, nil, errors.Wrapf(err, "config: bind flag %s", name)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, nil, errors.Wrap(err, "config: unmarshal")
	}
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}
	return &s, v, nil
}

// Validate checks the settings every command needs.
func (s *Settings) Validate() error {
	switch s.Transport.Kind {
	case "memory", "redis", "nats":
	default:
		return errors.Errorf("config: unknown transport kind %q", s.Transport.Kind)
	}
	switch s.Store.Kind {
	case "memory", "sqlite", "redis", "postgres":
	default:
		return errors.Errorf("config: unknown store kind %q", s.Store.Kind)
	}
	if s.Store.Kind == "postgres" && s.Store.DSN == "" {
		return errors.New("config: store.dsn is required for postgres")
	}
	return nil
}
