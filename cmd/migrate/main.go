// migrate applies, rolls back, or reports the embedded schema migrations.
//
//	go run ./cmd/migrate -direction up|down|status
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"credential-core/internal/config"
	"credential-core/internal/db"
	"credential-core/internal/db/migrate"
	"credential-core/internal/logging"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up, down (roll back the last applied), or status")
	timeout := flag.Duration("timeout", 5*time.Minute, "Overall timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := run(ctx, cfg, *direction, log); err != nil {
		log.WithError(err).Error("migrate failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, direction string, log *logrus.Logger) error {
	sqlDB, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	m, err := migrate.New(sqlDB, log)
	if err != nil {
		return err
	}
	switch direction {
	case "up":
		res, err := m.Run(ctx)
		if err != nil {
			return err
		}
		if len(res.Drifted) > 0 {
			log.WithField("versions", res.Drifted).Warn("applied migrations differ from their files")
		}
		log.WithFields(logrus.Fields{"applied": res.Applied, "up_to_date": res.UpToDate}).Info("migrations done")
	case "down":
		mig, err := m.RollbackLast(ctx)
		if errors.Is(err, migrate.ErrNothingToRollback) {
			log.Info("nothing to roll back")
			return nil
		}
		if err != nil {
			return err
		}
		log.WithField("version", mig.Key()).Info("rolled back")
	case "status":
		statuses, err := m.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			state := "pending"
			if st.Applied {
				state = "applied " + st.AppliedAt.Format(time.RFC3339)
			}
			if st.Drifted {
				state += " (drifted)"
			}
			fmt.Printf("%04d  %-40s %s\n", st.Version, st.Description, state)
		}
	default:
		return fmt.Errorf("unknown direction %q (want up, down or status)", direction)
	}
	return nil
}
