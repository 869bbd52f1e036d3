// Command tetrifact is a CLI interface to a Tetrifact package repository.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tetrifact/tetrifact/config"
	"github.com/tetrifact/tetrifact/repository"
	"github.com/tetrifact/tetrifact/storage"
	_ "github.com/tetrifact/tetrifact/tags/fs"
	_ "github.com/tetrifact/tetrifact/tags/mem"
	_ "github.com/tetrifact/tetrifact/tags/pg"
	_ "github.com/tetrifact/tetrifact/tags/sqlite3"
)

type maincmd struct {
	r   *repository.Repository
	log zerolog.Logger
}

func main() {
	configFile := flag.String("config", "", "path to YAML or JSON config file (default: built-in defaults)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s := config.Default()
	if *configFile != "" {
		var err error
		s, err = config.Load(*configFile)
		if err != nil {
			log.Fatalf("Loading config file %s: %s", *configFile, err)
		}
	}
	s.ApplyEnv(os.LookupEnv, newLogger(s))

	logger := newLogger(s)
	r, err := repository.New(ctx, s, storage.OS(), logger)
	if err != nil {
		log.Fatalf("Opening repository: %s", err)
	}

	err = subcmd.Run(ctx, maincmd{r: r, log: logger}, flag.Args())
	if err != nil {
		log.Fatal(err)
	}
}

func newLogger(s *config.Settings) zerolog.Logger {
	level, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if s.LogJSON {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func (c maincmd) Subcmds() map[string]subcmd.Subcmd {
	return map[string]subcmd.Subcmd{
		"archive":  c.archive,
		"clean":    c.clean,
		"create":   c.create,
		"daemon":   c.daemon,
		"delete":   c.delete,
		"get":      c.get,
		"init":     c.initialize,
		"list":     c.list,
		"manifest": c.manifest,
		"prune":    c.prune,
		"status":   c.status,
		"tag":      c.tag,
		"verify":   c.verify,
	}
}

func requireFlags(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return errors.Errorf("missing -%s", pairs[i])
		}
	}
	return nil
}
