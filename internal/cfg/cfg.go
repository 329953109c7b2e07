package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/capsium/reactor/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names when reading the
// environment, so -config-path is also CAPSIUM_CONFIG_PATH.
const EnvPrefix = "CAPSIUM_"

// App holds process-level settings. Package and mount configuration lives
// in the JSON file named by ConfigPath (see File).
type App struct {
	ConfigPath string

	LogJSON           bool
	LogLevel          string
	LogFile           string
	LogFileMaxSizeMB  int
	LogFileMaxBackups int
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort     int
	AdminPort    int
	ServerHeader string
	DrainPeriod  time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	WatchPackages        bool
	RequireValidPackages bool
	FileCacheEntries     int
	FileCacheMaxBytes    int64

	EnableRemoteSync bool
	RemoteSSMParam   string
	RemoteS3Bucket   string
	RemoteS3Prefix   string
	RemotePoll       time.Duration
	SigningKeyARN    string
	SigningPublicKey string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigPath, "config-path", "/etc/capsium/config.json", "path to the JSON reactor config")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error (overrides log_level from the config file when set)")
	fs.StringVar(&c.LogFile, "log-file", "", "also write logs to this file with rotation")
	fs.IntVar(&c.LogFileMaxSizeMB, "log-file-max-size", 100, "rotate the log file after this many megabytes")
	fs.IntVar(&c.LogFileMaxBackups, "log-file-max-backups", 5, "rotated log files to keep")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 80, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.StringVar(&c.ServerHeader, "server-header", "capsium-nginx-reactor", "value of the Server response header, empty to omit")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 5*time.Second, "time to fail readiness before shutting listeners down")

	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 50, "per-IP request refill rate, 0 disables rate limiting")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 200, "per-IP request burst")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.BoolVar(&c.WatchPackages, "watch-packages", true, "reload packages when package_dir or packages_config_dir change")
	fs.BoolVar(&c.RequireValidPackages, "require-valid-packages", false, "do not mount packages that fail content validation")
	fs.IntVar(&c.FileCacheEntries, "file-cache-entries", 1024, "max cached file bodies, 0 disables the body cache")
	fs.Int64Var(&c.FileCacheMaxBytes, "file-cache-max-file-bytes", 1<<20, "largest file body kept in the cache")

	fs.BoolVar(&c.EnableRemoteSync, "enable-remote-sync", false, "sync .cap archives from S3 using the release id in an SSM parameter")
	fs.StringVar(&c.RemoteSSMParam, "remote-ssm-param", "", "ssm parameter holding the current package release id")
	fs.StringVar(&c.RemoteS3Bucket, "remote-s3-bucket", "", "s3 bucket holding package releases")
	fs.StringVar(&c.RemoteS3Prefix, "remote-s3-prefix", "capsium/releases", "s3 key prefix; archives live under <prefix>/<release>/")
	fs.DurationVar(&c.RemotePoll, "remote-poll-interval", 30*time.Second, "how often to check the ssm parameter")
	fs.StringVar(&c.SigningKeyARN, "signing-key-arn", "", "KMS key ARN used to verify <package>.cap.bundle.json signatures")
	fs.StringVar(&c.SigningPublicKey, "signing-public-key", "", "PEM public key used instead of -signing-key-arn to verify package signatures")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := Explicit(fs)

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Explicit reports which flags were set on the command line.
func Explicit(fs *flag.FlagSet) map[string]bool {
	out := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { out[f.Name] = true })
	return out
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if strings.TrimSpace(c.ConfigPath) == "" {
		errs = append(errs, fmt.Errorf("CONFIG_PATH is required"))
	}

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.DrainPeriod < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_PERIOD must not be negative (got %s)", c.DrainPeriod))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}
	if c.LogFile != "" && c.LogFileMaxSizeMB < 1 {
		errs = append(errs, fmt.Errorf("LOG_FILE_MAX_SIZE must be >= 1 (got %d)", c.LogFileMaxSizeMB))
	}

	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must not be negative (got %.2f)", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be >= 1 when rate limiting is enabled (got %d)", c.RateLimitBurst))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.FileCacheEntries < 0 {
		errs = append(errs, fmt.Errorf("FILE_CACHE_ENTRIES must not be negative (got %d)", c.FileCacheEntries))
	}

	if c.EnableRemoteSync {
		if c.RemoteSSMParam == "" {
			errs = append(errs, fmt.Errorf("REMOTE_SSM_PARAM is required when ENABLE_REMOTE_SYNC=true"))
		}
		if c.RemoteS3Bucket == "" {
			errs = append(errs, fmt.Errorf("REMOTE_S3_BUCKET is required when ENABLE_REMOTE_SYNC=true"))
		}
		if c.RemotePoll < time.Second {
			errs = append(errs, fmt.Errorf("REMOTE_POLL_INTERVAL must be >= 1s (got %s)", c.RemotePoll))
		}
	}

	if c.SigningKeyARN != "" && c.SigningPublicKey != "" {
		errs = append(errs, fmt.Errorf("SIGNING_KEY_ARN and SIGNING_PUBLIC_KEY are mutually exclusive"))
	}

	return errors.Join(errs...)
}
