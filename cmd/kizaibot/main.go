// Command kizaibot runs the equipment-reservation bot, grounded on the
// teacher's cmd/gctcli command-tree shape: one urfave/cli/v2 App with a
// default "serve" command and a "migrate" companion, both reading the
// same --config flag.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/kizaibot/kizaibot/chatsink/discord"
	"github.com/kizaibot/kizaibot/clock"
	"github.com/kizaibot/kizaibot/config"
	"github.com/kizaibot/kizaibot/database"
	"github.com/kizaibot/kizaibot/database/migrator"
	"github.com/kizaibot/kizaibot/dispatch"
	"github.com/kizaibot/kizaibot/log"
	"github.com/kizaibot/kizaibot/reservation"
	"github.com/kizaibot/kizaibot/router"
	"github.com/kizaibot/kizaibot/scheduler"
	"github.com/kizaibot/kizaibot/session"
	"github.com/kizaibot/kizaibot/supervisor"
)

func main() {
	app := &cli.App{
		Name:  "kizaibot",
		Usage: "shared equipment reservations over a chat platform",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to config.yaml", EnvVars: []string{"KIZAIBOT_CONFIG"}},
		},
		Commands: []*cli.Command{
			serveCommand,
			migrateCommand,
		},
		// Running with no subcommand serves, matching the documented
		// "serve (default)" external interface.
		Action: serveCommand.Action,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "kizaibot:", err)
		os.Exit(1)
	}
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the bot: migrate, connect to the chat platform, start all subsystems",
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return err
		}
		log.SetLevel(log.ParseLevel(cfg.Log.Level))

		dbCfg, err := database.ParseURL(cfg.Database.URL)
		if err != nil {
			return err
		}
		inst := instanceFor(dbCfg)
		if err := inst.Connect(dbCfg); err != nil {
			return errors.Wrap(err, "kizaibot: connect database")
		}
		defer inst.Close()
		db, err := inst.SQL()
		if err != nil {
			return err
		}

		if err := dispatch.Start(0, 0); err != nil {
			return errors.Wrap(err, "kizaibot: start dispatch")
		}
		defer dispatch.Stop()

		realClock := clock.NewSystem()
		eng, err := reservation.New(db, realClock, dispatch.GetNewMux(nil))
		if err != nil {
			return errors.Wrap(err, "kizaibot: build reservation engine")
		}
		sessions := session.New(realClock, session.DefaultTTL)
		rt := router.New(eng, db, sessions, realClock)

		sink, err := discord.New(cfg.Discord.BotToken, rt)
		if err != nil {
			return errors.Wrap(err, "kizaibot: connect discord")
		}
		defer sink.Close()

		sup := supervisor.New(supervisor.Config{
			DB:       db,
			Dialect:  dbCfg.Driver.String(),
			Clock:    realClock,
			Sink:     sink,
			Engine:   eng,
			Router:   rt,
			Sessions: sessions,
			SchedulerCfg: scheduler.Config{
				PollInterval: cfg.Scheduler.PollInterval,
				Lease:        cfg.Scheduler.LeaseDuration,
			},
			ReconcileDebounce: cfg.Reconciler.DebounceInterval,
		})

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := sup.Start(ctx); err != nil {
			return errors.Wrap(err, "kizaibot: start supervisor")
		}
		log.Infof("kizaibot: serving")
		<-ctx.Done()
		log.Infof("kizaibot: shutting down")
		return sup.Stop()
	},
}

var migrateCommand = &cli.Command{
	Name:  "migrate",
	Usage: "apply pending schema migrations and exit",
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return err
		}
		dbCfg, err := database.ParseURL(cfg.Database.URL)
		if err != nil {
			return err
		}
		inst := instanceFor(dbCfg)
		if err := inst.Connect(dbCfg); err != nil {
			return errors.Wrap(err, "kizaibot: connect database")
		}
		defer inst.Close()
		db, err := inst.SQL()
		if err != nil {
			return err
		}
		if err := migrator.Up(db, dbCfg.Driver.String()); err != nil {
			return err
		}
		return migrator.Status(db, dbCfg.Driver.String())
	},
}

func instanceFor(cfg *database.Config) *database.Instance {
	if cfg.Driver == database.DBPostgreSQL {
		return database.GetPostgresInstance()
	}
	return database.GetSQLite3Instance()
}
