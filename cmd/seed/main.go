// seed bootstraps an administrator account so the admin API can be used on a fresh database.
// Idempotent: an existing user with the same email keeps its password and only gains the role.
//
//	go run ./cmd/seed -email admin@example.com -password '...' -role super_admin
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"credential-core/internal/audit"
	auditrepo "credential-core/internal/audit/repository"
	"credential-core/internal/config"
	"credential-core/internal/db"
	"credential-core/internal/logging"
	"credential-core/internal/rbac"
	rbacdomain "credential-core/internal/rbac/domain"
	rbacrepo "credential-core/internal/rbac/repository"
	"credential-core/internal/security"
	"credential-core/internal/user/domain"
	userrepo "credential-core/internal/user/repository"
)

const minPasswordLen = 12

// seedActor is recorded as assigned_by for roles granted here.
const seedActor = "seed"

func main() {
	email := flag.String("email", "", "Administrator email (required)")
	password := flag.String("password", os.Getenv("SEED_ADMIN_PASSWORD"), "Administrator password; defaults to SEED_ADMIN_PASSWORD")
	role := flag.String("role", string(rbacdomain.RoleSuperAdmin), "Role to assign")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := run(ctx, cfg, *email, *password, *role, log); err != nil {
		log.WithError(err).Error("seed failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, email, password, role string, log *logrus.Logger) error {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return fmt.Errorf("-email is required")
	}
	sqlDB, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	timeout := cfg.Timeout()
	users := userrepo.NewPostgresRepository(sqlDB, timeout)
	u, err := users.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if u == nil {
		if len(password) < minPasswordLen {
			return fmt.Errorf("password must be at least %d characters", minPasswordLen)
		}
		hash, err := security.NewHasher(cfg.BcryptCost).Hash([]byte(password))
		if err != nil {
			return err
		}
		u = &domain.User{ID: uuid.New().String(), Email: email, Active: true}
		if err := users.Create(ctx, u, hash); err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		log.WithField("user_id", u.ID).Info("user created")
	} else {
		log.WithField("user_id", u.ID).Info("user exists; password unchanged")
	}

	rec := audit.NewLogger(auditrepo.NewPostgresRepository(sqlDB, timeout), security.NewPseudonymizer(cfg.PseudonymSalt), cfg.Retention(), 1, log)
	defer func() { _ = rec.Close(context.Background()) }()

	rbacRepo := rbacrepo.NewPostgresRepository(sqlDB, timeout)
	resolver, err := rbac.NewResolver(rbacRepo, cfg.PermissionTTL(), log)
	if err != nil {
		return err
	}
	if err := rbac.NewService(rbacRepo, resolver, rec).AssignRole(ctx, seedActor, u.ID, role); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"user_id": u.ID, "role": role}).Info("role assigned")
	return nil
}
