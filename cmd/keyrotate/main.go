// keyrotate generates a new signing key, makes it the active row in jwt_keys, and records the
// rotation in the audit log. Running servers pick the key up on their next sweep.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"credential-core/internal/audit"
	auditrepo "credential-core/internal/audit/repository"
	"credential-core/internal/config"
	"credential-core/internal/db"
	"credential-core/internal/logging"
	"credential-core/internal/security"
	"credential-core/internal/signingkey"
	signingkeyrepo "credential-core/internal/signingkey/repository"
)

func main() {
	alg := flag.String("alg", security.AlgES256, "Signing algorithm: RS256, ES256 or EdDSA")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := run(ctx, cfg, *alg, log); err != nil {
		log.WithError(err).Error("key rotation failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, alg string, log *logrus.Logger) error {
	if !security.AllowedAlgorithm(alg) {
		return fmt.Errorf("algorithm %q not allowed", alg)
	}
	sqlDB, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	rec := audit.NewLogger(auditrepo.NewPostgresRepository(sqlDB, cfg.Timeout()), security.NewPseudonymizer(cfg.PseudonymSalt), cfg.Retention(), 1, log)
	defer func() { _ = rec.Close(context.Background()) }()

	mgr := signingkey.NewManager(signingkeyrepo.NewPostgresRepository(sqlDB), cfg.KeyGrace(), cfg.JWTPrivateKey, cfg.JWTKeyDir, log)
	row, err := mgr.Rotate(ctx, alg)
	if err != nil {
		return err
	}
	return rec.RecordSync(ctx, audit.Event{
		Type:     audit.EventKeyRotated,
		Resource: "jwt_keys",
		Success:  true,
		Details:  map[string]any{"kid": row.KID, "algorithm": row.Algorithm, "grace_seconds": int64(cfg.KeyGrace().Seconds())},
	})
}
