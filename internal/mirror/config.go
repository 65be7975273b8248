package mirror

import (
	"crypto/tls"
	"crypto/x509"
	"net/url"
	"os"
	"path"
	"reflect"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"log/slog"
)

const (
	defaultWorkers       = 3
	defaultVerifiers     = 3
	defaultTimeoutSec    = 10
	defaultGlobalTimeout = 18000
)

// tomlURL decodes a TOML string into a *url.URL, matching the teacher's
// config.go so mirror.toml keeps using plain quoted URLs.
type tomlURL struct {
	*url.URL
}

func (u *tomlURL) UnmarshalText(text []byte) error {
	parsed, err := url.Parse(string(text))
	if err != nil {
		return err
	}
	u.URL = parsed
	return nil
}

// TLSConfig mirrors the teacher's TLS knobs: pypimirror talks to exactly
// one upstream (master) plus an optional download-mirror, both over
// HTTPS, but operators still need CA pinning and mutual TLS for
// internal mirrors.
type TLSConfig struct {
	MinVersion         string   `toml:"min_version" env:"PYPIMIRROR_TLS_MIN_VERSION"`
	MaxVersion         string   `toml:"max_version" env:"PYPIMIRROR_TLS_MAX_VERSION"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify" env:"PYPIMIRROR_TLS_INSECURE_SKIP_VERIFY"`
	CACertFile         string   `toml:"ca_cert_file" env:"PYPIMIRROR_TLS_CA_CERT_FILE"`
	ClientCertFile     string   `toml:"client_cert_file" env:"PYPIMIRROR_TLS_CLIENT_CERT_FILE"`
	ClientKeyFile      string   `toml:"client_key_file" env:"PYPIMIRROR_TLS_CLIENT_KEY_FILE"`
	CipherSuites       []string `toml:"cipher_suites" env:"PYPIMIRROR_TLS_CIPHER_SUITES"`
	ServerName         string   `toml:"server_name" env:"PYPIMIRROR_TLS_SERVER_NAME"`
}

// BuildTLSConfig creates a *tls.Config from the TLS settings.
func (t *TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: t.InsecureSkipVerify, // #nosec G402 - operator-configurable for testing/internal mirrors
		ServerName:         t.ServerName,
	}

	switch t.MinVersion {
	case "1.2":
		cfg.MinVersion = tls.VersionTLS12
	case "1.3":
		cfg.MinVersion = tls.VersionTLS13
	case "":
		cfg.MinVersion = tls.VersionTLS12
	default:
		return nil, errors.New("invalid tls min_version: must be 1.2 or 1.3")
	}
	switch t.MaxVersion {
	case "1.2":
		cfg.MaxVersion = tls.VersionTLS12
	case "1.3", "":
		cfg.MaxVersion = tls.VersionTLS13
	default:
		return nil, errors.New("invalid tls max_version: must be 1.2 or 1.3")
	}

	if t.CACertFile != "" {
		caCert, err := os.ReadFile(t.CACertFile) // #nosec G304 - operator-supplied config path
		if err != nil {
			return nil, errors.Wrap(err, "read ca_cert_file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse ca_cert_file")
		}
		cfg.RootCAs = pool
	}

	if t.ClientCertFile != "" && t.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCertFile, t.ClientKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	} else if t.ClientCertFile != "" || t.ClientKeyFile != "" {
		return nil, errors.New("both client_cert_file and client_key_file must be set for mutual TLS")
	}

	return cfg, nil
}

// Validate checks TLS settings for internal consistency.
func (t *TLSConfig) Validate() error {
	if t.InsecureSkipVerify {
		slog.Warn("TLS certificate verification is DISABLED; use only against a trusted internal mirror")
	}
	if (t.ClientCertFile != "") != (t.ClientKeyFile != "") {
		return errors.New("both client_cert_file and client_key_file must be set for mutual TLS")
	}
	return nil
}

// SimpleFormat selects which representation(s) of the simple index
// pypimirror renders, per spec.md §6 `simple-format`.
type SimpleFormat string

const (
	SimpleFormatHTML SimpleFormat = "HTML"
	SimpleFormatJSON SimpleFormat = "JSON"
	SimpleFormatAll  SimpleFormat = "ALL"
)

// MirrorConfig is the `[mirror]` section of the configuration file: the
// single root mirror this process replicates. Unlike the teacher, which
// keys a map of independent APT repositories by mirror ID, pypimirror
// mirrors exactly one Python package index per configuration file.
type MirrorConfig struct {
	Directory                string  `toml:"directory" env:"PYPIMIRROR_DIRECTORY"`
	Master                   tomlURL `toml:"master"`
	DownloadMirror           tomlURL `toml:"download_mirror,omitempty"`
	DownloadMirrorNoFallback bool    `toml:"download_mirror_no_fallback"`
	Proxy                    string  `toml:"proxy,omitempty"`

	Workers       int `toml:"workers" env:"PYPIMIRROR_WORKERS"`
	Verifiers     int `toml:"verifiers" env:"PYPIMIRROR_VERIFIERS"`
	Timeout       int `toml:"timeout"`
	GlobalTimeout int `toml:"global_timeout"`
	StopOnError   bool `toml:"stop_on_error"`

	HashIndex         bool         `toml:"hash_index"`
	JSON              bool         `toml:"json"`
	ReleaseFiles      bool         `toml:"release_files"`
	SimpleFormat      SimpleFormat `toml:"simple_format"`
	RootURI           string       `toml:"root_uri,omitempty"`
	CompareMethod     CompareMethod `toml:"compare_method"`
	DigestName        string       `toml:"digest_name"`
	KeepIndexVersions int          `toml:"keep_index_versions"`

	DiffFile        string `toml:"diff_file,omitempty"`
	DiffAppendEpoch bool   `toml:"diff_append_epoch"`
	Cleanup         bool   `toml:"cleanup"`
	StorageBackend  string `toml:"storage_backend"`

	VerifySignatures bool   `toml:"verify_signatures"`
	PGPKeyringPath   string `toml:"pgp_keyring_path,omitempty"`

	TLS *TLSConfig `toml:"tls,omitempty"`
}

// Check validates the `[mirror]` section per spec.md §6, failing fast
// before any network call (the "Configuration" error kind of §7).
func (mc *MirrorConfig) Check() error {
	if mc.Directory == "" {
		return errors.New("mirror.directory is not set")
	}
	if !path.IsAbs(mc.Directory) {
		return errors.New("mirror.directory must be an absolute path")
	}
	if mc.Master.URL == nil {
		return errors.New("mirror.master is not set")
	}
	if mc.Master.Scheme != "https" {
		return errors.New("mirror.master must be an https: URL")
	}
	if mc.Workers < 1 || mc.Workers > 10 {
		return errors.New("mirror.workers must be between 1 and 10")
	}
	if mc.Verifiers < 1 {
		return errors.New("mirror.verifiers must be positive")
	}
	switch mc.SimpleFormat {
	case SimpleFormatHTML, SimpleFormatJSON, SimpleFormatAll:
	default:
		return errors.Newf("invalid mirror.simple_format %q", mc.SimpleFormat)
	}
	switch mc.CompareMethod {
	case CompareHash, CompareStat:
	default:
		return errors.Newf("invalid mirror.compare_method %q", mc.CompareMethod)
	}
	switch mc.DigestName {
	case "sha256", "md5":
	default:
		return errors.Newf("invalid mirror.digest_name %q", mc.DigestName)
	}
	if mc.StorageBackend != "filesystem" {
		return errors.Newf("unsupported mirror.storage_backend %q (only filesystem is implemented)", mc.StorageBackend)
	}
	if mc.KeepIndexVersions < 0 {
		return errors.New("mirror.keep_index_versions must be >= 0")
	}
	if mc.VerifySignatures && mc.PGPKeyringPath == "" {
		return errors.New("mirror.verify_signatures requires mirror.pgp_keyring_path")
	}
	return nil
}

// PluginsConfig is the `[plugins]` section: which filters are active.
type PluginsConfig struct {
	// Enabled is either ["all"] or an explicit list of filter names,
	// matching spec.md §6's `enabled = all | <list>`.
	Enabled []string `toml:"enabled"`
}

// IsEnabled reports whether the named filter should be instantiated.
func (p *PluginsConfig) IsEnabled(name string) bool {
	for _, e := range p.Enabled {
		if e == "all" {
			return true
		}
		if e == name {
			return true
		}
	}
	return false
}

// LogConfig represents slog configuration, identical in shape and
// behavior to the teacher's.
type LogConfig struct {
	Level  string `toml:"level" env:"PYPIMIRROR_LOG_LEVEL"`
	Format string `toml:"format" env:"PYPIMIRROR_LOG_FORMAT"`
}

// Apply configures the process-wide slog default logger.
func (lc *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + lc.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(lc.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + lc.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// ShouldShowProgress reports whether progress bars should render: only
// at the quieter log levels, exactly as the teacher gates them.
func (lc *LogConfig) ShouldShowProgress() bool {
	level := strings.ToLower(lc.Level)
	return level == "error" || level == "warn" || level == "warning"
}

// Config is the root of the TOML configuration file.
//
// Loaded with https://github.com/BurntSushi/toml:
//
//	cfg := mirror.NewConfig()
//	if _, err := toml.DecodeFile(path, cfg); err != nil { ... }
//	if err := cfg.ApplyEnvironmentVariables(); err != nil { ... }
//	if err := cfg.Check(); err != nil { ... }
type Config struct {
	Mirror  MirrorConfig          `toml:"mirror"`
	Plugins PluginsConfig         `toml:"plugins"`
	Log     LogConfig             `toml:"log"`
	Filters map[string]FilterSection `toml:"filters"`
}

// NewConfig returns a Config populated with spec.md §6's documented
// defaults.
func NewConfig() *Config {
	return &Config{
		Mirror: MirrorConfig{
			Workers:       defaultWorkers,
			Verifiers:     defaultVerifiers,
			Timeout:       defaultTimeoutSec,
			GlobalTimeout: defaultGlobalTimeout,
			ReleaseFiles:  true,
			SimpleFormat:  SimpleFormatAll,
			CompareMethod: CompareHash,
			DigestName:    "sha256",
			StorageBackend: "filesystem",
		},
	}
}

// Check validates the whole configuration.
func (c *Config) Check() error {
	if err := c.Mirror.Check(); err != nil {
		return err
	}
	if c.Mirror.TLS != nil {
		if err := c.Mirror.TLS.Validate(); err != nil {
			return errors.Wrap(err, "tls configuration")
		}
	}
	return nil
}

// ApplyEnvironmentVariables overlays environment variables named by
// `env` struct tags onto the decoded TOML configuration, identical in
// mechanism to the teacher's config.go.
func (c *Config) ApplyEnvironmentVariables() error {
	return applyEnvToStruct(c)
}

// applyEnvToStruct recursively applies environment variables to struct
// fields tagged `env:"..."`, using reflection exactly as the teacher
// does; this is the one piece of the ambient config stack deliberately
// kept byte-for-byte equivalent, since it's a generic utility unrelated
// to the APT-vs-PyPI domain split.
func applyEnvToStruct(v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return errors.New("applyEnvToStruct requires a pointer to struct")
	}

	rv = rv.Elem()
	rt := rv.Type()

	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rt.Field(i)

		if !field.CanSet() {
			continue
		}

		if envTag := fieldType.Tag.Get("env"); envTag != "" {
			if err := setFieldFromEnv(field, envTag); err != nil {
				return errors.Wrap(err, "field "+fieldType.Name)
			}
			continue
		}

		switch {
		case field.Kind() == reflect.Struct:
			if err := applyEnvToStruct(field.Addr().Interface()); err != nil {
				return err
			}
		case field.Kind() == reflect.Ptr && !field.IsNil() && field.Elem().Kind() == reflect.Struct:
			if err := applyEnvToStruct(field.Interface()); err != nil {
				return err
			}
		}
	}

	return nil
}

func setFieldFromEnv(field reflect.Value, envVar string) error {
	envValue := os.Getenv(envVar)
	if envValue == "" {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int:
		n, err := strconv.Atoi(envValue)
		if err != nil {
			return errors.New("invalid integer value for " + envVar + ": " + envValue)
		}
		field.SetInt(int64(n))
	case reflect.Bool:
		b, err := strconv.ParseBool(envValue)
		if err != nil {
			return errors.New("invalid boolean value for " + envVar + ": " + envValue)
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return errors.New("unsupported slice type for environment variable")
		}
		parts := strings.Split(envValue, ",")
		values := make([]string, len(parts))
		for i, p := range parts {
			values[i] = strings.TrimSpace(p)
		}
		field.Set(reflect.ValueOf(values))
	default:
		return errors.New("unsupported field type: " + field.Kind().String())
	}
	return nil
}
