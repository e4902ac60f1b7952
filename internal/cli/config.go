package cli

import (
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const DefaultConfigFile = "keel.yaml"

var ErrConfigInvalid = errors.New("keel configuration is invalid")

type (
	// Config is resolved from the yaml file, then the environment, then flags
	Config struct {
		DatabaseURL      string `env:"KEEL_DATABASE_URL"`
		MigrationsFolder string `env:"KEEL_MIGRATIONS_FOLDER"`
		MigrationsTable  string `env:"KEEL_MIGRATIONS_TABLE"`
		LockKey          string `env:"KEEL_LOCK_KEY"`
		LockFor          int    `env:"KEEL_LOCK_FOR"`
		NoColor          bool   `env:"KEEL_NO_COLOR"`
		PrintSQL         bool   `env:"KEEL_SQL"`
		Debug            bool   `env:"KEEL_DEBUG"`
	}

	migrations struct {
		LocalFolder string `yaml:"local_folder"`
		DatabaseURL string `yaml:"database_url"`
		Table       string `yaml:"table"`
		LockKey     string `yaml:"lock_key"`
		LockFor     string `yaml:"lock_for"`
	}

	configFile struct {
		Version    string     `yaml:"version"`
		Migrations migrations `yaml:"migrations"`
	}
)

// LoadConfig reads the yaml file when it exists and applies the KEEL_*
// environment variables on top of it
func LoadConfig(path string) (Config, error) {
	var cfg Config

	if path != "" && FileExists(path) {
		fromFile, err := createConfigFromYaml(path)
		if err != nil {
			return cfg, err
		}

		cfg = fromFile
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Wrap(err, "could not parse keel environment variables")
	}

	return cfg, nil
}

func (cfg Config) Validate() error {
	if cfg.DatabaseURL == "" {
		return errors.Wrap(ErrConfigInvalid, "database url was not defined")
	}

	if cfg.MigrationsFolder == "" {
		return errors.Wrap(ErrConfigInvalid, "migrations folder was not defined")
	}

	if cfg.LockFor < 0 {
		return errors.Wrapf(ErrConfigInvalid, "lock_for cannot be negative, got [%d]", cfg.LockFor)
	}

	return nil
}

func createConfigFromYaml(path string) (Config, error) {
	var cfg Config

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "could not read keel configuration file")
	}

	var cfgFile configFile
	if err := yaml.Unmarshal(b, &cfgFile); err != nil {
		return cfg, errors.Wrap(err, "could not parse keel configuration file")
	}

	cfg.DatabaseURL = fromEnvIfPlaceholder(cfgFile.Migrations.DatabaseURL)
	cfg.MigrationsFolder = fromEnvIfPlaceholder(cfgFile.Migrations.LocalFolder)
	cfg.MigrationsTable = fromEnvIfPlaceholder(cfgFile.Migrations.Table)
	cfg.LockKey = fromEnvIfPlaceholder(cfgFile.Migrations.LockKey)

	if lockFor := fromEnvIfPlaceholder(cfgFile.Migrations.LockFor); lockFor != "" {
		cfg.LockFor, err = strconv.Atoi(lockFor)
		if err != nil {
			return cfg, errors.Wrapf(ErrConfigInvalid, "lock_for must be a number of seconds, got [%s]", lockFor)
		}
	}

	return cfg, nil
}

// fromEnvIfPlaceholder resolves %%VAR%% to the value of the environment variable
func fromEnvIfPlaceholder(v string) string {
	if len(v) > 4 && strings.HasPrefix(v, "%%") && strings.HasSuffix(v, "%%") {
		return os.Getenv(strings.ReplaceAll(v, "%%", ""))
	}

	return v
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) || err != nil {
		return false
	}
	return !info.IsDir()
}

const configFileStub = `version: "1"
migrations:
  # a value wrapped in %% is read from the environment variable of that name
  database_url: "%%KEEL_DATABASE_URL%%"
  local_folder: ./migrations
  table: keel_migrations
  # integer on postgres, lock name on mysql, empty for the default
  lock_key: ""
  # seconds a mysql runner waits for the lock, 0 waits until the command times out
  lock_for: "0"
`
