package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/capsium/reactor/internal/capsule"
	"github.com/capsium/reactor/internal/cfg"
	"github.com/capsium/reactor/internal/content"
	"github.com/capsium/reactor/internal/cryptoutil"
	"github.com/capsium/reactor/internal/filecache"
	"github.com/capsium/reactor/internal/health"
	"github.com/capsium/reactor/internal/introspecthttp"
	"github.com/capsium/reactor/internal/opshttp"
	"github.com/capsium/reactor/internal/ratelimit"
	"github.com/capsium/reactor/internal/sitehandler"
	"github.com/capsium/reactor/internal/webassets"

	"github.com/capsium/reactor/internal/httpserver"
	"github.com/capsium/reactor/internal/log"
	"github.com/capsium/reactor/internal/metrics"
	"github.com/capsium/reactor/internal/otelx"
	"github.com/capsium/reactor/internal/prof"
	v "github.com/capsium/reactor/internal/version"
)

const (
	appName   = "capsium"
	component = "reactor"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "version", false, "print version and build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(appName, component, vi.String())
		return 0
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	// env-filled flags count as explicit too
	explicit := cfg.Explicit(flag.CommandLine)

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	// The loader re-reads the file on every reload. This read only seeds the
	// log level, server header and watched directories.
	file, err := cfg.LoadFile(conf.ConfigPath)
	configMissing := errors.Is(err, fs.ErrNotExist)
	switch {
	case configMissing:
		file = cfg.DefaultFile()
	case err != nil:
		fmt.Fprintln(os.Stderr, "config file error:", err)
		return 1
	}

	levelName := conf.LogLevel
	if !explicit["log-level"] && file.LogLevel != "" {
		levelName = file.LogLevel
	}
	lvl, err := log.ParseLevel(levelName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", levelName, err)
		return 1
	}
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)

	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSONFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		File: log.FileOptions{
			Path:       conf.LogFile,
			MaxSizeMB:  conf.LogFileMaxSizeMB,
			MaxBackups: conf.LogFileMaxBackups,
			Compress:   true,
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	serverHeader := conf.ServerHeader
	if !explicit["server-header"] && file.ServerHeader != "" {
		serverHeader = file.ServerHeader
	}

	L.Info(ctx, "initializing reactor",
		"version", vi.String(),
		"config_path", conf.ConfigPath,
		"config_missing", configMissing,
		"package_dir", file.PackageDir,
		"extract_dir", file.ExtractDir,
		"packages_config_dir", file.PackagesConfigDir,
		"log_level", levelName,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"trace_sample", conf.TraceSample,
		"watch_packages", conf.WatchPackages,
		"require_valid_packages", conf.RequireValidPackages,
		"enable_remote_sync", conf.EnableRemoteSync,
		"remote_ssm_param", conf.RemoteSSMParam,
		"remote_s3_bucket", conf.RemoteS3Bucket,
		"remote_s3_prefix", conf.RemoteS3Prefix,
		"signing_key_arn", conf.SigningKeyARN,
		"signing_public_key", conf.SigningPublicKey,
		"rate_limit_rps", conf.RateLimitRPS,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, component, &vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName + "." + component,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(err == nil && conf.EnablePyroscope)
	defer stopProf()

	source := content.SourceDisk
	if conf.EnableRemoteSync {
		source = content.SourceS3
	}

	// the collector runs next to the reactor, so plaintext gRPC is fine
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:    conf.EnableTracing,
		Endpoint:   conf.OTLPEndpoint,
		Insecure:   true,
		Sample:     conf.TraceSample,
		Service:    appName,
		Component:  component,
		Version:    vi.Version,
		Attributes: map[string]string{"capsium.content_source": string(source)},
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	var awsCfg *aws.Config
	if conf.EnableRemoteSync || conf.SigningKeyARN != "" {
		c, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			return 1
		}
		awsCfg = &c
	}

	var verifier cryptoutil.SignatureVerifier
	switch {
	case conf.SigningKeyARN != "":
		verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(*awsCfg), conf.SigningKeyARN)
	case conf.SigningPublicKey != "":
		pemVerifier, err := cryptoutil.LoadPEMVerifier(conf.SigningPublicKey)
		if err != nil {
			L.Error(ctx, err, "failed to load signing public key", "path", conf.SigningPublicKey)
			return 1
		}
		verifier = pemVerifier
	}

	var remote *content.RemoteSource
	if conf.EnableRemoteSync {
		remote, err = content.NewRemoteSource(ctx, content.RemoteOptions{
			Logger:     L,
			SSMParam:   conf.RemoteSSMParam,
			S3Bucket:   conf.RemoteS3Bucket,
			S3Prefix:   conf.RemoteS3Prefix,
			PackageDir: file.PackageDir,
			AWSConfig:  awsCfg,
			S3Client:   s3.NewFromConfig(*awsCfg),
			SSMClient:  ssm.NewFromConfig(*awsCfg),
		})
		if err != nil {
			L.Error(ctx, err, "failed to create remote package source")
			return 1
		}
	}

	loader, err := content.NewLoader(content.LoaderOptions{
		Logger:             L,
		ConfigPath:         conf.ConfigPath,
		Verifier:           verifier,
		OnSignatureFailure: m.IncSignatureFailure,
		RequireValid:       conf.RequireValidPackages,
		Limits:             capsule.DefaultLimits,
		Source:             source,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create package loader")
		return 1
	}

	contentMgr := content.NewManager()
	observe := func(s *content.Snapshot) {
		m.ObservePackages(s.Packages)
		m.SetContentSource(string(s.Source))
		m.SetContentRelease(s.Release)
		m.SetContentLoadedTimestamp(s.LoadedAt)
	}

	// a failed first sync still serves whatever package_dir already holds
	release := ""
	if remote != nil {
		release, err = syncRelease(ctx, remote)
		if err != nil {
			L.Error(ctx, err, "initial release sync failed, serving packages already on disk")
		}
	}
	snap, err := loader.Load(ctx)
	if err != nil {
		L.Error(ctx, err, "initial package load failed")
		return 1
	}
	snap.Release = release
	contentMgr.Set(snap)
	observe(snap)

	watchOpts := content.WatcherOptions{
		Logger:       L,
		Loader:       loader,
		Manager:      contentMgr,
		PollInterval: conf.RemotePoll,
		OnSwap:       observe,
		Metrics:      m,
	}
	if conf.WatchPackages {
		watchOpts.WatchDirs = []string{file.PackageDir, file.PackagesConfigDir}
	}
	if remote != nil {
		watchOpts.Remote = remote
	}
	watcher := content.NewWatcher(watchOpts)
	if conf.WatchPackages || remote != nil {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				L.Error(ctx, err, "package watcher stopped")
			}
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				L.Info(ctx, "SIGHUP received, reloading packages")
				watcher.Reload(ctx, "sighup")
			}
		}
	}()

	var cache *filecache.Cache
	if conf.FileCacheEntries > 0 {
		cache = filecache.New(conf.FileCacheEntries, file.CacheTTL, conf.FileCacheMaxBytes, m)
	}

	siteHandler, err := sitehandler.New(sitehandler.Options{
		Logger:     L,
		Content:    contentMgr,
		FallbackFS: webassets.SiteFS(),
		Cache:      cache,
		Metrics:    m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create site handler")
		return 1
	}

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe(), health.Func(contentMgr.ReadyErr))

	var rateLimitMW func(http.Handler) http.Handler
	if conf.RateLimitRPS > 0 {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
			ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
			// logged once per visitor until it is evicted
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "rate limit triggered", "ip", ip)
			}),
			ratelimit.WithOnCapacity(func() {
				m.IncRateLimitCapacity()
				L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
			}),
		)
		rateLimitMW = limiter.Middleware
	}

	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  rateLimitMW,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    introspecthttp.NewAPI(contentMgr, L).RegisterRoutes,
		SiteHandler:  siteHandler,
		ServerHeader: serverHeader,
		HeaderSource: contentMgr,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		return 1
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// the ops listener rejects public peers and forwarded requests itself
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return 1
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd not notified", "reason", err.Error())
	}

	L.Info(ctx, "reactor ready",
		"packages", contentMgr.PackageCount(),
		"release", contentMgr.Release(),
	)
	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received, failing readiness", "drain_period", conf.DrainPeriod.String())
	gate.Set("draining")

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, httpserver.DefaultShutdownTimeout)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}

	L.Info(bg, "shutdown complete")
	return 0
}

// syncRelease mirrors the release named in SSM into package_dir.
func syncRelease(ctx context.Context, remote *content.RemoteSource) (string, error) {
	release, err := remote.CurrentRelease(ctx)
	if err != nil {
		return "", err
	}
	res, err := remote.Sync(ctx, release)
	if err != nil {
		return "", err
	}
	log.FromContext(ctx).Info(ctx, "release synced",
		"release", release,
		"downloaded", len(res.Downloaded),
		"removed", len(res.Removed),
		"unchanged", res.Unchanged,
	)
	return release, nil
}

// notifySystemd sends READY=1 when started as a Type=notify unit.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return errors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify: dial: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	return nil
}
