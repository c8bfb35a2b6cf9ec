package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli"

	"svcron/internal/app"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "svcron:", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	// -v is verbose logging here, so the version flag keeps only its long
	// name.
	cli.VersionFlag = cli.BoolFlag{Name: "version", Usage: "print the version"}

	c := cli.NewApp()
	c.Name = "svcron"
	c.HelpName = "svcron"
	c.Usage = "run commands on a schedule"
	c.UsageText = "svcron [-v] [-M mailer] [-d dir] [-c config]"
	c.Version = version
	c.Flags = []cli.Flag{
		cli.BoolFlag{Name: "v", Usage: "verbose logging, including child exit statuses"},
		cli.StringFlag{Name: "M", Usage: "mail command; a single %s is replaced by the recipient"},
		cli.StringFlag{Name: "d", Usage: "alternate schedule directory; disables the system crontab"},
		cli.StringFlag{Name: "c", Usage: "config file (JSON or YAML)", EnvVar: "SVCRON_CONFIG"},
	}
	c.Action = run
	return c
}

func run(ctx *cli.Context) error {
	if ctx.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(ctx.Args(), " "))
	}
	app.Version = version

	a, err := app.New(app.Options{
		ConfigPath: ctx.String("c"),
		CronDir:    ctx.String("d"),
		Mailer:     ctx.String("M"),
		Verbose:    ctx.Bool("v"),
	})
	if err != nil {
		return err
	}
	defer a.Close()

	sctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return a.Run(sctx)
}
