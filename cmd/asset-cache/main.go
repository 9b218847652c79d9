package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	assetcache "github.com/asset-cache/asset-cache"
	"github.com/asset-cache/asset-cache/classify"
	"github.com/asset-cache/asset-cache/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// CLI flags
	portFlag           int
	originFlag         string
	configFlag         string
	dbFlag             string
	policyFlag         string
	generationFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&originFlag, "origin", "", "Origin URL to front")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&configFlag, "config", "", "Optional yaml config file")
	flag.StringVar(&dbFlag, "db", "asset-cache.db",
		"Storage location: sqlite file name, 'memory', or 'leveldb:<dir>'")
	flag.StringVar(&policyFlag, "policy", "default", "Classification policy: 'default' or 'domain-aware'")
	flag.StringVar(&generationFlag, "generation", "", "Cache generation name, e.g. a deploy version")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Rotating log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to a self-rotating logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		logOutputs = append(logOutputs, &lumberjack.Logger{
			Filename:   logFilenameFlag,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
		})
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var fileCfg fileConfig
	if configFlag != "" {
		cfg, err := readFileConfig(configFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
		fileCfg = cfg
	}

	origin := originFlag
	if origin == "" {
		origin = fileCfg.Origin
	}
	if origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	port := portFlag
	if fileCfg.Port != 0 && port == 8080 {
		port = fileCfg.Port
	}
	policy := policyFlag
	if fileCfg.Policy != "" && policy == "default" {
		policy = fileCfg.Policy
	}
	generation := generationFlag
	if generation == "" {
		generation = fileCfg.Generation
	}

	config := assetcache.Config{
		Storage:      openStorage(dbFlag),
		OriginURL:    *originURL,
		Generation:   generation,
		ServersURL:   fileCfg.ServersURL,
		Precache:     fileCfg.Precache,
		AllowedHosts: fileCfg.AllowedHosts,
		DeniedHosts:  fileCfg.DeniedHosts,
		Logger:       &log.Logger,
	}
	switch policy {
	case "default":
		config.Policy = classify.PolicyDefault
	case "domain-aware":
		config.Policy = classify.PolicyDomainAware
	default:
		log.Fatal().Str("policy", policy).Msg("Unknown policy")
	}
	if config.MaxAge, err = duration(fileCfg.MaxAge); err != nil {
		log.Fatal().Err(err).Msg("Could not parse maxAge")
	}
	if config.CleanupAge, err = duration(fileCfg.CleanupAge); err != nil {
		log.Fatal().Err(err).Msg("Could not parse cleanupAge")
	}
	if config.CleanupInterval, err = duration(fileCfg.CleanupInterval); err != nil {
		log.Fatal().Err(err).Msg("Could not parse cleanupInterval")
	}
	if config.FetchTimeout, err = duration(fileCfg.FetchTimeout); err != nil {
		log.Fatal().Err(err).Msg("Could not parse fetchTimeout")
	}

	engine := assetcache.CreateEngine(config)
	defer engine.Close()

	ctx := context.Background()
	if err := engine.Install(ctx); err != nil {
		log.Fatal().Err(err).Msg("Install failed")
	}
	if err := engine.Activate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Activation failed")
	}

	// the control plane lives under a reserved prefix the engine itself
	// never caches
	mux := http.NewServeMux()
	mux.Handle("/-/", http.StripPrefix("/-", engine.ControlHandler()))
	mux.Handle("/", engine)

	log.Info().Msgf("Fronting %s on port %v", originURL.String(), port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		panic(err)
	}
}

// openStorage picks the storage provider from the db flag: a leveldb
// directory, an in-memory map, or a sqlite file.
func openStorage(db string) storage.Provider {
	if dir, ok := strings.CutPrefix(db, "leveldb:"); ok {
		provider, err := storage.NewLevelDBStorage(dir)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open leveldb storage")
		}
		return provider
	}
	if db == "memory" {
		return storage.NewMemStorage()
	}
	return storage.NewSQLiteStorage(db)
}
