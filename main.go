package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mintgate/explorer"
	"mintgate/gate"
	"mintgate/order"
	"mintgate/store"
	"mintgate/wallet"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

type StorageConfig struct {
	// Driver is pebble (default), sqlite3 or postgres.
	Driver    string         `yaml:"driver"`
	Path      string         `yaml:"path"`
	DSN       string         `yaml:"dsn"`
	DBOptions pebble.Options `yaml:"db_options"`
}

type SigningConfig struct {
	Secret     string `yaml:"secret"`
	SecretFile string `yaml:"secret_file"`
}

type RateConfig struct {
	QuotePerMinute  float64 `yaml:"quote_per_minute"`
	RedeemPerMinute float64 `yaml:"redeem_per_minute"`
	Burst           int     `yaml:"burst"`
	// Clients is how many client IPs are tracked at once.
	Clients    int  `yaml:"clients"`
	TrustProxy bool `yaml:"trust_proxy"`
}

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	AdminToken string `yaml:"admin_token"`

	Storage   StorageConfig   `yaml:"storage"`
	Signing   SigningConfig   `yaml:"signing"`
	RateLimit RateConfig      `yaml:"rate_limit"`
	Gate      gate.Config     `yaml:"gate"`
	Explorer  explorer.Config `yaml:"explorer"`
	Wallet    wallet.Config   `yaml:"wallet"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Storage:    StorageConfig{Driver: "pebble", Path: "mintgate.db"},
		Signing:    SigningConfig{SecretFile: ".mintgate-secret"},
		RateLimit:  RateConfig{QuotePerMinute: 60, RedeemPerMinute: 20, Burst: 5, Clients: 10000},
		Gate: gate.Config{
			MaxOrderAge:  time.Hour,
			IssueTimeout: 2 * time.Minute,
			PendingRetry: 15 * time.Second,
		},
	}
}

// loadConfig reads the yaml file at path. A .env next to the process is
// loaded first so secrets can stay out of the file.
func loadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}
	cfg := defaultConfig()
	yd, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(yd, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if v := os.Getenv("MINTGATE_SIGNING_SECRET"); v != "" {
		cfg.Signing.Secret = v
	}
	if v := os.Getenv("MINTGATE_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := os.Getenv("MINTGATE_WALLET_TOKEN"); v != "" {
		cfg.Wallet.Token = v
	}
	if err := cfg.Gate.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func openBackend(cfg StorageConfig) (store.Backend, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "pebble":
		return store.OpenPebble(cfg.Path, &cfg.DBOptions)
	case "sqlite", "sqlite3":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = cfg.Path
		}
		return store.OpenSQL("sqlite3", dsn)
	case "postgres":
		return store.OpenSQL("postgres", cfg.DSN)
	}
	return nil, errors.Newf("unknown storage driver %q", cfg.Driver)
}

// app is everything a command needs, wired from one config.
type app struct {
	cfg   *Config
	log   *zap.Logger
	store *store.Store
	gate  *gate.Gate
}

func newApp(cfg *Config, log *zap.Logger, v gate.Verifier, w gate.Wallet) (*app, error) {
	b, err := openBackend(cfg.Storage)
	if err != nil {
		return nil, err
	}
	s := store.Open(b, log)
	if v == nil {
		if v, err = explorer.New(cfg.Explorer, log.Named("explorer")); err != nil {
			s.Close()
			return nil, err
		}
	}
	if w == nil {
		if cfg.Wallet.Dry {
			w = wallet.Dry{Log: log.Named("wallet")}
		} else if w, err = wallet.New(cfg.Wallet, log.Named("wallet")); err != nil {
			s.Close()
			return nil, err
		}
	}
	signer := order.NewSigner(cfg.Signing.Secret, cfg.Signing.SecretFile, log)
	g, err := gate.New(cfg.Gate, s, signer, v, w, log.Named("gate"))
	if err != nil {
		s.Close()
		return nil, err
	}
	return &app{cfg: cfg, log: log, store: s, gate: g}, nil
}

func (a *app) recount() error {
	res, err := a.gate.Recount()
	if err != nil {
		return err
	}
	for tier, r := range res {
		a.log.Info("recount", zap.String("tier", tier), zap.Int64("before", r[0]), zap.Int64("after", r[1]))
	}
	return nil
}

// Start serves until ctx is done.
func Start(ctx context.Context, a *app) error {
	if err := a.recount(); err != nil {
		return err
	}
	srv, err := newServer(a.gate, a.cfg, a.log)
	if err != nil {
		return err
	}
	s := fasthttp.Server{
		Handler:               srv.router().Handler,
		Name:                  "mintgate",
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          3 * time.Minute,
		MaxRequestBodySize:    64 << 10,
		NoDefaultServerHeader: true,
	}
	errc := make(chan error, 1)
	go func() {
		a.log.Info("start", zap.String("addr", a.cfg.ListenAddr))
		errc <- s.ListenAndServe(a.cfg.ListenAddr)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	// in-flight redeems finish their issuance before the store closes
	return s.Shutdown()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configFlag := &cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config.yml", EnvVars: []string{"MINTGATE_CONFIG"}}
	setup := func(c *cli.Context) (*app, error) {
		cfg, err := loadConfig(c.String("config"))
		if err != nil {
			return nil, err
		}
		log, err := newLogger(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		return newApp(cfg, log, nil, nil)
	}

	cliApp := &cli.App{
		Name:  "mintgate",
		Usage: "gate token issuance behind payments and eligibility checks",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API",
				Flags: []cli.Flag{configFlag},
				Action: func(c *cli.Context) error {
					a, err := setup(c)
					if err != nil {
						return err
					}
					defer a.store.Close()
					defer a.log.Sync()
					return Start(ctx, a)
				},
			},
			{
				Name:  "recount",
				Usage: "repair tier counters from the claim locks",
				Flags: []cli.Flag{configFlag},
				Action: func(c *cli.Context) error {
					a, err := setup(c)
					if err != nil {
						return err
					}
					defer a.store.Close()
					return a.recount()
				},
			},
			{
				Name:  "secret",
				Usage: "make sure the signing secret exists",
				Flags: []cli.Flag{configFlag},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c.String("config"))
					if err != nil {
						return err
					}
					log, err := newLogger(cfg.LogLevel)
					if err != nil {
						return err
					}
					_, err = order.NewSigner(cfg.Signing.Secret, cfg.Signing.SecretFile, log).Secret()
					if err == nil {
						log.Info("signing secret ready", zap.String("file", cfg.Signing.SecretFile))
					}
					return err
				},
			},
		},
	}
	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		panic(err)
	}
}
