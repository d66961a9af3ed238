package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"reflect"
	"runtime/pprof"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/driftdb/drift/node"
	"github.com/driftdb/drift/pkg/version"
	"github.com/driftdb/drift/pkg/webapi"
	"github.com/driftdb/drift/replication"
	"github.com/driftdb/drift/utils/secretsmanager"
	"github.com/driftdb/drift/utils/selfsignedcert"
)

var buildVersion string = version.WithBuildNumberAndRevision()

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "drift",
	Short: "A multi-master replication node for drift stores",

	Run: func(cmd *cobra.Command, args []string) {
		if autoRestart && !autoRestartProc {
			startNodeWatchdog()
			return
		}

		startNode()
	},
}

var cfgFile string
var watchCfgFile bool
var daemon bool
var autoRestart bool
var autoRestartProc bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")
	rootCmd.Flags().BoolVar(&daemon, "daemon", false, "in daemon mode, drift will not exit on initial failure")
	rootCmd.Flags().BoolVar(&autoRestart, "auto-restart", false, "in auto-restart mode, we run in a child process to auto-restart on failure")
	rootCmd.Flags().BoolVar(&autoRestartProc, "auto-restart-proc", false, "in auto-restart mode, indicates we are the child process")
	_ = rootCmd.Flags().MarkHidden("auto-restart-proc")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.Int("admin-port", 9690, "the admin and replication port")
	configFlags.Int("web-port", 9091, "the web metrics/health port")
	configFlags.String("public-url", "", "the base url peers dial this node on, derived when empty")
	configFlags.String("server-id", "", "the stable replication identity of this node")
	configFlags.String("data-dir", "", "the directory holding the node's storage, in-memory when empty")
	configFlags.Bool("self-sign", false, "specifies to allow a self-signed certificate")
	configFlags.String("cert", "", "path to the tls cert for the admin port")
	configFlags.String("key", "", "path to the private tls key for the admin port")
	configFlags.Int("rate-limit", 0, "specifies the maximum requests per second to allow")
	configFlags.Duration("request-timeout", 0, "the timeout for outbound replication requests")
	configFlags.Int("max-probes", 0, "the maximum concurrent outbound probes")
	configFlags.Duration("crawl-interval", 0, "the pause between topology crawls")
	configFlags.Int("crawl-depth", -1, "how deep topology crawls follow destination lists")
	configFlags.String("inbound-username", "", "the username peers must present to this node")
	configFlags.String("inbound-password", "", "the password peers must present to this node")
	configFlags.String("inbound-domain", "", "the windows domain qualifying the inbound username")
	configFlags.String("inbound-api-key", "", "the api key peers may present instead of basic credentials")
	configFlags.String("peer-username", "", "the default username presented to peers")
	configFlags.String("peer-password", "", "the default password presented to peers")
	configFlags.String("peer-domain", "", "the windows domain qualifying the peer username")
	configFlags.String("peer-api-key", "", "the default api key presented to peers")
	configFlags.String("peer-creds-aws-id", "", "id of secret in aws sm storing peer credentials")
	configFlags.String("peer-creds-aws-region", "", "region of peer-creds-aws-id secret")
	configFlags.String("peer-creds-azure-id", "", "id of secret in azure kv storing peer credentials")
	configFlags.String("peer-creds-azure-vault-name", "", "name of key vault storing peer-creds-azure-id")
	configFlags.String("peer-creds-gcp-id", "", "id of secret in gcp sm storing peer credentials")
	configFlags.String("peer-creds-gcp-project-id", "", "id of project containing peer-creds-gcp-id")
	configFlags.String("etcd-endpoints", "", "comma-separated etcd endpoints enabling the instance registry")
	configFlags.String("etcd-prefix", "", "the key prefix for instance registry records")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	configFlags.Bool("trace-everything", false, "enables tracing of all components")
	configFlags.Bool("debug", false, "enable debug mode")
	configFlags.String("cpuprofile", "", "write cpu profile to a file")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("drift")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func initTelemetry(
	ctx context.Context,
	logger *zap.Logger,
	otlpEndpoint string,
	enableTraces bool,
	enableMetrics bool,
	traceEverything bool,
) (
	*sdktrace.TracerProvider,
	*sdkmetric.MeterProvider,
	error,
) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			// the service name used to display traces in backends
			semconv.ServiceNameKey.String("driftdb-node"),
		),
	)
	if err != nil {
		if res == nil {
			return nil, nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	var meterProvider *sdkmetric.MeterProvider
	if !enableMetrics || otlpEndpoint == "" {
		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
		)
	} else {
		metricExp, err := otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithEndpoint(otlpEndpoint))
		if err != nil {
			return nil, nil, err
		}

		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
			sdkmetric.WithReader(
				sdkmetric.NewPeriodicReader(
					metricExp,
				),
			),
		)
	}

	var tracerProvider *sdktrace.TracerProvider
	if !enableTraces || otlpEndpoint == "" {
		// we can just return nil here...
	} else {
		traceClient := otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(otlpEndpoint))
		traceExp, err := otlptrace.New(ctx, traceClient)
		if err != nil {
			return nil, nil, err
		}

		baseTracing := sdktrace.NeverSample()
		if traceEverything {
			baseTracing = sdktrace.AlwaysSample()
		}

		bsp := sdktrace.NewBatchSpanProcessor(traceExp)
		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(baseTracing)),
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(bsp),
		)
	}

	return tracerProvider, meterProvider, nil
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

type config struct {
	logLevelStr             string
	bindAddress             string
	adminPort               int
	webPort                 int
	publicURL               string
	serverID                string
	dataDir                 string
	selfSign                bool
	certPath                string
	keyPath                 string
	rateLimit               int
	requestTimeout          time.Duration
	maxProbes               int
	crawlInterval           time.Duration
	crawlDepth              int
	inboundUsername         string
	inboundPassword         string
	inboundDomain           string
	inboundApiKey           string
	peerUsername            string
	peerPassword            string
	peerDomain              string
	peerApiKey              string
	peerCredsAwsId          string
	peerCredsAwsRegion      string
	peerCredsAzureId        string
	peerCredsAzureVaultName string
	peerCredsGcpId          string
	peerCredsGcpProjectId   string
	etcdEndpoints           string
	etcdPrefix              string
	otlpEndpoint            string
	disableOtlpTraces       bool
	disableOtlpMetrics      bool
	traceEverything         bool
	debug                   bool
	cpuprofile              string
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:             viper.GetString("log-level"),
		bindAddress:             viper.GetString("bind-address"),
		adminPort:               viper.GetInt("admin-port"),
		webPort:                 viper.GetInt("web-port"),
		publicURL:               viper.GetString("public-url"),
		serverID:                viper.GetString("server-id"),
		dataDir:                 viper.GetString("data-dir"),
		selfSign:                viper.GetBool("self-sign"),
		certPath:                viper.GetString("cert"),
		keyPath:                 viper.GetString("key"),
		rateLimit:               viper.GetInt("rate-limit"),
		requestTimeout:          viper.GetDuration("request-timeout"),
		maxProbes:               viper.GetInt("max-probes"),
		crawlInterval:           viper.GetDuration("crawl-interval"),
		crawlDepth:              viper.GetInt("crawl-depth"),
		inboundUsername:         viper.GetString("inbound-username"),
		inboundPassword:         viper.GetString("inbound-password"),
		inboundDomain:           viper.GetString("inbound-domain"),
		inboundApiKey:           viper.GetString("inbound-api-key"),
		peerUsername:            viper.GetString("peer-username"),
		peerPassword:            viper.GetString("peer-password"),
		peerDomain:              viper.GetString("peer-domain"),
		peerApiKey:              viper.GetString("peer-api-key"),
		peerCredsAwsId:          viper.GetString("peer-creds-aws-id"),
		peerCredsAwsRegion:      viper.GetString("peer-creds-aws-region"),
		peerCredsAzureId:        viper.GetString("peer-creds-azure-id"),
		peerCredsAzureVaultName: viper.GetString("peer-creds-azure-vault-name"),
		peerCredsGcpId:          viper.GetString("peer-creds-gcp-id"),
		peerCredsGcpProjectId:   viper.GetString("peer-creds-gcp-project-id"),
		etcdEndpoints:           viper.GetString("etcd-endpoints"),
		etcdPrefix:              viper.GetString("etcd-prefix"),
		otlpEndpoint:            viper.GetString("otlp-endpoint"),
		disableOtlpTraces:       viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics:      viper.GetBool("disable-otlp-metrics"),
		traceEverything:         viper.GetBool("trace-everything"),
		debug:                   viper.GetBool("debug"),
		cpuprofile:              viper.GetString("cpuprofile"),
	}

	logger.Info("parsed node configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("adminPort", config.adminPort),
		zap.Int("webPort", config.webPort),
		zap.String("publicURL", config.publicURL),
		zap.String("serverID", config.serverID),
		zap.String("dataDir", config.dataDir),
		zap.Bool("selfSign", config.selfSign),
		zap.String("certPath", config.certPath),
		zap.String("keyPath", config.keyPath),
		zap.Int("rateLimit", config.rateLimit),
		zap.Duration("requestTimeout", config.requestTimeout),
		zap.Int("maxProbes", config.maxProbes),
		zap.Duration("crawlInterval", config.crawlInterval),
		zap.Int("crawlDepth", config.crawlDepth),
		zap.String("inboundUsername", config.inboundUsername),
		// zap.String("inboundPassword", config.inboundPassword),
		zap.String("inboundDomain", config.inboundDomain),
		zap.String("peerUsername", config.peerUsername),
		// zap.String("peerPassword", config.peerPassword),
		zap.String("peerDomain", config.peerDomain),
		zap.String("peerCredsAwsId", config.peerCredsAwsId),
		zap.String("peerCredsAwsRegion", config.peerCredsAwsRegion),
		zap.String("peerCredsAzureId", config.peerCredsAzureId),
		zap.String("peerCredsAzureVaultName", config.peerCredsAzureVaultName),
		zap.String("peerCredsGcpId", config.peerCredsGcpId),
		zap.String("peerCredsGcpProjectId", config.peerCredsGcpProjectId),
		zap.String("etcdEndpoints", config.etcdEndpoints),
		zap.String("etcdPrefix", config.etcdPrefix),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics),
		zap.Bool("traceEverything", config.traceEverything),
		zap.Bool("debug", config.debug),
		zap.String("cpuprofile", config.cpuprofile))

	return config
}

func readStores(logger *zap.Logger) []replication.StoreDefinition {
	var stores []replication.StoreDefinition
	if err := viper.UnmarshalKey("stores", &stores); err != nil {
		logger.Warn("failed to parse the stores configuration", zap.Error(err))
		return nil
	}

	return stores
}

func splitEndpoints(endpoints string) []string {
	var out []string
	for _, endpoint := range strings.Split(endpoints, ",") {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint != "" {
			out = append(out, endpoint)
		}
	}

	return out
}

func startNode() {
	// initialize the logger
	logLevel, logger := getLogger()

	// signal that we are starting
	logger.Info("starting drift", zap.String("version", buildVersion))

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile),
		zap.Bool("daemon", daemon))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}
	}

	config := readConfig(logger)
	stores := readStores(logger)

	parsedLogLevel, err := zapcore.ParseLevel(config.logLevelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	// setup profiling
	if config.cpuprofile != "" {
		f, err := os.Create(config.cpuprofile)
		if err != nil {
			logger.Error("failed to create cpu profile file", zap.Error(err))
			os.Exit(1)
		}

		err = pprof.StartCPUProfile(f)
		if err != nil {
			logger.Error("failed to start cpu profiling", zap.Error(err))
			os.Exit(1)
		}

		defer pprof.StopCPUProfile()
	}

	// setup tracing
	otlpTracerProvider, otlpMeterProvider, err :=
		initTelemetry(context.Background(),
			logger,
			config.otlpEndpoint,
			!config.disableOtlpTraces,
			!config.disableOtlpMetrics,
			config.traceEverything)
	if err != nil {
		logger.Error("failed to initialize opentelemetry tracing", zap.Error(err))
		os.Exit(1)
	}

	if otlpTracerProvider != nil {
		otel.SetTracerProvider(otlpTracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	if otlpMeterProvider != nil {
		otel.SetMeterProvider(otlpMeterProvider)
	}

	// setup the web service
	webListenAddress := fmt.Sprintf("%s:%v", config.bindAddress, config.webPort)
	webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger,
		LogLevel:      &logLevel,
		ListenAddress: webListenAddress,
	})

	var selfSignedCert *tls.Certificate
	if config.selfSign {
		generatedCert, err := selfsignedcert.GenerateCertificate()
		if err != nil {
			logger.Error("failed to generate a self-signed certificate")
			os.Exit(1)
		}

		selfSignedCert = generatedCert
	}

	var adminCertificate tls.Certificate
	if config.certPath != "" || config.keyPath != "" {
		if config.certPath == "" || config.keyPath == "" {
			logger.Error("must specify both cert and key to serve tls")
			os.Exit(1)
		}

		loadedTlsCertificate, err := tls.LoadX509KeyPair(config.certPath, config.keyPath)
		if err != nil {
			logger.Error("failed to load tls certificate", zap.Error(err))
			os.Exit(1)
		}

		adminCertificate = loadedTlsCertificate
	} else if selfSignedCert != nil {
		adminCertificate = *selfSignedCert
	}

	peerCredentials := replication.Credentials{
		APIKey:   config.peerApiKey,
		Username: config.peerUsername,
		Password: config.peerPassword,
		Domain:   config.peerDomain,
	}

	fetchingCloudCreds := config.peerCredsAwsId != "" ||
		config.peerCredsAzureId != "" ||
		config.peerCredsGcpId != ""
	if fetchingCloudCreds && !peerCredentials.IsZero() {
		logger.Error("cannot use peer credential flags when fetching creds from a cloud provider")
		os.Exit(1)
	}

	if config.peerCredsAwsId != "" {
		if config.peerCredsAwsRegion == "" {
			logger.Error("must specify region and id when fetching secrets from aws")
			os.Exit(1)
		}

		logger.Info("fetching peer credentials from aws secrets manager")
		peerCredentials, err = secretsmanager.FetchAWSSecret(context.Background(),
			config.peerCredsAwsId, config.peerCredsAwsRegion)
		if err != nil {
			logger.Error("failed to fetch peer credentials from aws", zap.Error(err))
			os.Exit(1)
		}
	}

	if config.peerCredsAzureId != "" {
		if config.peerCredsAzureVaultName == "" {
			logger.Error("must specify key vault name and id when fetching secrets from azure")
			os.Exit(1)
		}

		logger.Info("fetching peer credentials from azure key vault")
		peerCredentials, err = secretsmanager.FetchAzureSecret(context.Background(),
			config.peerCredsAzureId, config.peerCredsAzureVaultName)
		if err != nil {
			logger.Error("failed to fetch peer credentials from azure", zap.Error(err))
			os.Exit(1)
		}
	}

	if config.peerCredsGcpId != "" {
		if config.peerCredsGcpProjectId == "" {
			logger.Error("must specify project and secret ids when fetching secrets from gcp")
			os.Exit(1)
		}

		logger.Info("fetching peer credentials from gcp secrets manager")
		peerCredentials, err = secretsmanager.FetchGcpSecret(context.Background(),
			config.peerCredsGcpId, config.peerCredsGcpProjectId)
		if err != nil {
			logger.Error("failed to fetch peer credentials from gcp", zap.Error(err))
			os.Exit(1)
		}
	}

	nodeConfig := &node.Config{
		Logger:        logger.Named("node"),
		ServerID:      config.serverID,
		PublicURL:     config.publicURL,
		BindAddress:   config.bindAddress,
		BindAdminPort: config.adminPort,
		DataDir:       config.dataDir,
		Stores:        stores,
		InboundCredentials: replication.Credentials{
			APIKey:   config.inboundApiKey,
			Username: config.inboundUsername,
			Password: config.inboundPassword,
			Domain:   config.inboundDomain,
		},
		DefaultCredentials: peerCredentials,
		RequestTimeout:     config.requestTimeout,
		MaxProbes:          config.maxProbes,
		CrawlInterval:      config.crawlInterval,
		CrawlDepth:         config.crawlDepth,
		RateLimit:          config.rateLimit,
		TlsCertificate:     adminCertificate,
		EtcdEndpoints:      splitEndpoints(config.etcdEndpoints),
		EtcdPrefix:         config.etcdPrefix,
		Daemon:             daemon,
		Debug:              config.debug,
		StartupCallback: func(m *node.StartupInfo) {
			webapi.MarkSystemHealthy()
		},
	}

	nd, err := node.NewNode(nodeConfig)
	if err != nil {
		logger.Error("failed to initialize the node", zap.Error(err))
		os.Exit(1)
	}

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		err := viper.ReadInConfig()
		if err != nil {
			logger.Warn("failed to parse configuration file",
				zap.Error(err))
		}

		newConfig := readConfig(logger)

		if newConfig.bindAddress != config.bindAddress ||
			newConfig.adminPort != config.adminPort ||
			newConfig.webPort != config.webPort ||
			newConfig.publicURL != config.publicURL {
			logger.Warn("config changes for bindAddress, adminPort, webPort, or publicURL require a restart")
		}

		if newConfig.serverID != config.serverID ||
			newConfig.dataDir != config.dataDir {
			logger.Warn("config changes for serverID or dataDir require a restart")
		}

		if newConfig.selfSign != config.selfSign ||
			newConfig.certPath != config.certPath ||
			newConfig.keyPath != config.keyPath {
			logger.Warn("config changes for selfSign, certPath, or keyPath require a restart")
		}

		if newConfig.inboundUsername != config.inboundUsername ||
			newConfig.inboundPassword != config.inboundPassword ||
			newConfig.inboundDomain != config.inboundDomain ||
			newConfig.inboundApiKey != config.inboundApiKey {
			logger.Warn("config changes for the inbound credentials require a restart")
		}

		if newConfig.peerUsername != config.peerUsername ||
			newConfig.peerPassword != config.peerPassword ||
			newConfig.peerDomain != config.peerDomain ||
			newConfig.peerApiKey != config.peerApiKey {
			logger.Warn("config changes for the peer credentials require a restart")
		}

		if newConfig.requestTimeout != config.requestTimeout ||
			newConfig.maxProbes != config.maxProbes ||
			newConfig.crawlInterval != config.crawlInterval ||
			newConfig.crawlDepth != config.crawlDepth {
			logger.Warn("config changes for requestTimeout, maxProbes, crawlInterval, or crawlDepth require a restart")
		}

		if newConfig.etcdEndpoints != config.etcdEndpoints ||
			newConfig.etcdPrefix != config.etcdPrefix {
			logger.Warn("config changes for etcdEndpoints or etcdPrefix require a restart")
		}

		if newConfig.otlpEndpoint != config.otlpEndpoint ||
			newConfig.disableOtlpTraces != config.disableOtlpTraces ||
			newConfig.disableOtlpMetrics != config.disableOtlpMetrics ||
			newConfig.traceEverything != config.traceEverything {
			logger.Warn("config changes for otlpEndpoint, disableOtlpTraces, disableOtlpMetrics, or traceEverything require a restart")
		}

		if newConfig.debug != config.debug {
			logger.Warn("config changes for debug require a restart")
		}

		if newConfig.cpuprofile != config.cpuprofile {
			logger.Warn("config changes for cpuprofile require a restart")
		}

		newStores := readStores(logger)
		if !reflect.DeepEqual(newStores, stores) {
			logger.Warn("config changes for stores require a restart")
		}

		if newConfig.logLevelStr != config.logLevelStr {
			newParsedLogLevel, err := zapcore.ParseLevel(newConfig.logLevelStr)
			if err != nil {
				logger.Warn("invalid log level specified, using INFO instead")
				newParsedLogLevel = zapcore.InfoLevel
			}

			logLevel.SetLevel(newParsedLogLevel)

			logger.Info("updated log level",
				zap.String("newLevel", newParsedLogLevel.String()))
		}

		if newConfig.rateLimit != config.rateLimit {
			err := nd.Reconfigure(&node.ReconfigureOptions{
				RateLimit: newConfig.rateLimit,
			})
			if err != nil {
				logger.Warn("failed to reconfigure the node", zap.Error(err))
			}
		}

		config = newConfig
	}

	if watchCfgFile {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected")
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		beginGracefulShutdown := func() {
			nd.Shutdown()
		}

		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("Received SIGINT, attempting graceful shutdown...")
					hasReceivedSigInt = true
					beginGracefulShutdown()
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, attempting graceful shutdown...")
				beginGracefulShutdown()
			} else if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
			}
		}
	}()

	err = nd.Run(context.Background())
	if err != nil {
		logger.Error("failed to run the node", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("node shutdown gracefully")
}

func startNodeWatchdog() {
	_, logger := getLogger()
	logger = logger.Named("watchdog")

	execProc := os.Args[0]
	execArgs := append([]string{"--auto-restart-proc"}, os.Args[1:]...)

	hasReceivedSigInt := false
	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("received sigint a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("received sigint, waiting for graceful shutdown...")
					hasReceivedSigInt = true
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("received sigterm, waiting for graceful shutdown...")
			}
		}
	}()

	for {
		logger.Info("starting sub-process")

		cmd := exec.Command(execProc, execArgs...)
		cmd.Stderr = os.Stderr
		cmd.Stdout = os.Stdout

		err := cmd.Start()
		if err != nil {
			logger.Info("failed to start sub-process", zap.Error(err))
		}

		err = cmd.Wait()
		if err != nil {
			logger.Info("sub-process exited with error", zap.Error(err))
		}

		if hasReceivedSigInt {
			break
		}

		delayTime := 1 * time.Second
		logger.Info("crash detected, restarting", zap.Duration("delay", delayTime))
		time.Sleep(delayTime)
	}
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
