package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/takehaya/astfctl/pkg/astfctl"
	"github.com/takehaya/astfctl/pkg/emulator"
	"github.com/takehaya/astfctl/pkg/logger"
	"github.com/takehaya/astfctl/pkg/results"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

// 終了コード: 0 合格, 1 判定失敗, 2 クライアントエラー
const (
	exitFailed      = 1
	exitClientError = 2
)

func main() {
	app := newApp(version)
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func newApp(version string) *cli.App {
	app := cli.NewApp()
	app.Name = "astfctl"
	app.Version = fmt.Sprintf("%s, %s, %s, %s", version, commit, date, builtBy)

	app.Usage = "run an ASTF traffic test against a remote generator and check the result"

	app.EnableBashCompletion = true
	app.Flags = append(loggerFlags(),
		cli.StringFlag{
			Name:  "config, c",
			Usage: "YAML config file, overridden by ASTF_* env and flags",
		},
		cli.StringFlag{
			Name:  "server, s",
			Value: "127.0.0.1",
			Usage: "traffic generator address, host[:port] or ws:// URL",
		},
		cli.IntFlag{
			Name:  "port",
			Value: 4501,
			Usage: "control plane port",
		},
		cli.Float64Flag{
			Name:  "mult, m",
			Value: 100,
			Usage: "multiplier of the profile connection rate",
		},
		cli.StringFlag{
			Name:  "file, f",
			Usage: "traffic profile, default is the bundled http_simple",
		},
		cli.Float64Flag{
			Name:  "duration, d",
			Value: 10,
			Usage: "traffic duration in seconds",
		},
		cli.DurationFlag{
			Name:  "wait-timeout",
			Usage: "give up waiting for traffic after this long, default is duration + 30s",
		},
		cli.DurationFlag{
			Name:  "poll-interval",
			Value: 500 * time.Millisecond,
			Usage: "traffic status poll interval",
		},
		cli.BoolFlag{
			Name:  "force",
			Usage: "take the ports even when another session owns them",
		},
		cli.StringFlag{
			Name:  "results-db",
			Usage: "SQLite file to record runs in",
		},
	)
	app.Action = run
	app.Commands = []cli.Command{
		{
			Name:   "emulate",
			Usage:  "serve a simulated traffic generator",
			Action: emulate,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "listen, l",
					Value: ":4501",
					Usage: "listen address",
				},
				cli.Float64Flag{
					Name:  "time-scale",
					Value: 1,
					Usage: "wall time per simulated second",
				},
				cli.Float64Flag{
					Name:  "loss",
					Usage: "ratio of packets dropped, 0 to 1",
				},
				cli.Float64Flag{
					Name:  "max-mult",
					Value: 10000,
					Usage: "multiplier above which a warning is raised",
				},
				cli.IntFlag{
					Name:  "ports",
					Value: 2,
					Usage: "number of ports, must be even",
				},
			},
		},
		{
			Name:   "history",
			Usage:  "list recent runs from the results database",
			Action: history,
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "limit, n",
					Value: 20,
					Usage: "number of runs to show",
				},
			},
		},
	}
	return app
}

func loggerFlags() []cli.Flag {
	return []cli.Flag{
		cli.BoolFlag{Name: "json", Usage: "log in JSON"},
		cli.BoolFlag{Name: "no-color", Usage: "disable colored log levels"},
		cli.BoolFlag{Name: "verbose", Usage: "debug logging"},
		cli.BoolFlag{Name: "quiet, q", Usage: "only log warnings and errors"},
	}
}

// buildConfig loads the config file and env, then applies flags the user
// actually set.
func buildConfig(c *cli.Context) (astfctl.Config, error) {
	cfg, err := astfctl.LoadConfig(c.GlobalString("config"))
	if err != nil {
		return cfg, err
	}

	if c.GlobalIsSet("json") {
		cfg.LoggerConfig.JSON = c.GlobalBool("json")
	}
	if c.GlobalIsSet("no-color") {
		cfg.LoggerConfig.NoColor = c.GlobalBool("no-color")
	}
	if c.GlobalIsSet("verbose") && c.GlobalBool("verbose") {
		cfg.LoggerConfig.Verbose = 1
		cfg.LoggerConfig.AddCaller = true
	}
	if c.GlobalIsSet("quiet") {
		cfg.LoggerConfig.Quiet = c.GlobalBool("quiet")
	}

	if c.GlobalIsSet("server") {
		cfg.Server = c.GlobalString("server")
	}
	if c.GlobalIsSet("port") {
		cfg.Port = c.GlobalInt("port")
	}
	if c.GlobalIsSet("mult") {
		cfg.Multiplier = c.GlobalFloat64("mult")
	}
	if c.GlobalIsSet("file") {
		cfg.ProfilePath = c.GlobalString("file")
	}
	if c.GlobalIsSet("duration") {
		cfg.Duration = time.Duration(c.GlobalFloat64("duration") * float64(time.Second))
	}
	if c.GlobalIsSet("wait-timeout") {
		cfg.WaitTimeout = c.GlobalDuration("wait-timeout")
	}
	if c.GlobalIsSet("poll-interval") {
		cfg.PollInterval = c.GlobalDuration("poll-interval")
	}
	if c.GlobalIsSet("force") {
		cfg.ForceAcquire = c.GlobalBool("force")
	}
	if c.GlobalIsSet("results-db") {
		cfg.ResultsDB = c.GlobalString("results-db")
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return cli.NewExitError(err.Error(), exitClientError)
	}
	a, err := astfctl.NewAstfctl(cfg)
	if err != nil {
		return cli.NewExitError(err.Error(), exitClientError)
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	out, err := a.RunTest(ctx)
	if err != nil {
		a.Logger.Error("test could not complete", zap.Error(err))
		return cli.NewExitError(fmt.Sprintf("Test has failed: %v", err), exitClientError)
	}

	astfctl.PrintOutcome(c.App.Writer, out)
	if !out.Report.Passed {
		return cli.NewExitError(out.Report.Reason(), exitFailed)
	}
	return nil
}

func emulate(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return cli.NewExitError(err.Error(), exitClientError)
	}
	ecfg := cfg.Emulator
	if c.IsSet("time-scale") {
		ecfg.TimeScale = c.Float64("time-scale")
	}
	if c.IsSet("loss") {
		ecfg.LossRatio = c.Float64("loss")
	}
	if c.IsSet("max-mult") {
		ecfg.MaxMultiplier = c.Float64("max-mult")
	}
	if c.IsSet("ports") {
		ecfg.Ports = c.Int("ports")
	}

	lg, cleanup, err := logger.NewLogger(cfg.LoggerConfig)
	if err != nil {
		return fmt.Errorf("failed init logger: %w", err)
	}
	defer func() { _ = cleanup(context.Background()) }()

	srv, err := emulator.NewServer(ecfg, lg)
	if err != nil {
		return cli.NewExitError(err.Error(), exitClientError)
	}

	ctx, stop := signalContext()
	defer stop()
	return srv.ListenAndServe(ctx, c.String("listen"))
}

func history(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return cli.NewExitError(err.Error(), exitClientError)
	}
	if cfg.ResultsDB == "" {
		return cli.NewExitError("no results database, set --results-db or ASTF_RESULTS_DB", exitClientError)
	}

	store, err := results.New(cfg.ResultsDB)
	if err != nil {
		return cli.NewExitError(err.Error(), exitClientError)
	}
	defer store.Close()

	recs, err := store.Recent(c.Int("limit"))
	if err != nil {
		return cli.NewExitError(err.Error(), exitClientError)
	}
	astfctl.PrintHistory(c.App.Writer, recs)
	return nil
}
