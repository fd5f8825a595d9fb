package main

import (
	"errors"
	"flag"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"threads/internal/config"
	"threads/internal/logging"
)

func main() {
	cmd := flag.String("cmd", "up", "migration command (up, down, version, force)")
	flag.Parse()

	cfg := config.LoadMigrate()
	log := logging.Init("migrate", cfg.LogFormat, cfg.LogLevel)

	m, err := migrate.New(cfg.MigrationsPath, cfg.DBDSN)
	if err != nil {
		log.Error("migrate init failed", "path", cfg.MigrationsPath, "err", err)
		os.Exit(1)
	}
	defer m.Close()

	switch *cmd {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "version":
		v, dirty, verr := m.Version()
		if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
			log.Error("migrate version failed", "err", verr)
			os.Exit(1)
		}
		log.Info("migrate version", "version", v, "dirty", dirty)
		return
	case "force":
		v, perr := strconv.Atoi(flag.Arg(0))
		if perr != nil {
			log.Error("force needs a numeric version argument", "arg", flag.Arg(0))
			os.Exit(2)
		}
		err = m.Force(v)
	default:
		log.Error("unknown migrate command", "cmd", *cmd)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Error("migrate failed", "cmd", *cmd, "err", err)
		os.Exit(1)
	}
	log.Info("migrate done", "cmd", *cmd)
}
