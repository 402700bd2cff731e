// seed inserts development sample data for local testing.
// Idempotent: skips inserts if the dev user (dev@example.com) already exists. Refuses to run in production.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"calotrack/backend/internal/audit"
	auditrepo "calotrack/backend/internal/audit/repository"
	"calotrack/backend/internal/config"
	"calotrack/backend/internal/db"
	hpdomain "calotrack/backend/internal/healthprofile/domain"
	hprepo "calotrack/backend/internal/healthprofile/repository"
	hpservice "calotrack/backend/internal/healthprofile/service"
	"calotrack/backend/internal/phi"
	"calotrack/backend/internal/security"
	userdomain "calotrack/backend/internal/user/domain"
	userrepo "calotrack/backend/internal/user/repository"
)

const (
	devUserEmail = "dev@example.com"
	memberEmail  = "member@example.com"
	devPassword  = "Dev-Password-123!"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.IsProduction() {
		log.Fatal("seed: refusing to run with APP_ENV=production")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	users := userrepo.NewPostgresRepository(conn)

	existing, err := users.GetByEmail(ctx, devUserEmail)
	if err != nil {
		log.Fatalf("seed check: %v", err)
	}
	if existing != nil {
		log.Println("Seed already applied (dev@example.com exists). Skipping.")
		os.Exit(0)
	}

	passwordHash, err := security.NewHasher(cfg.BcryptCost).Hash(devPassword)
	if err != nil {
		log.Fatalf("hash password: %v", err)
	}

	now := time.Now().UTC()
	dev := &userdomain.User{Email: devUserEmail, Username: "dev", PasswordHash: passwordHash, Status: userdomain.UserStatusActive, CreatedAt: now, UpdatedAt: now}
	member := &userdomain.User{Email: memberEmail, Username: "member", PasswordHash: passwordHash, Status: userdomain.UserStatusActive, CreatedAt: now, UpdatedAt: now}
	for _, u := range []*userdomain.User{dev, member} {
		if err := users.Create(ctx, u); err != nil {
			log.Fatalf("create user %s: %v", u.Email, err)
		}
	}

	cipher, err := phi.NewCipher([]byte(cfg.EncryptionKey))
	if err != nil {
		log.Fatalf("phi: %v", err)
	}
	height, weight := 178.0, 74.5
	profiles := hpservice.NewService(hprepo.NewPostgresRepository(conn), cipher,
		audit.NewLogger(audit.RepositoryWriter(auditrepo.NewPostgresRepository(conn)), nil), nil, nil)
	if _, err := profiles.Put(ctx, dev.ID, &hpdomain.Profile{
		DateOfBirth: "1991-06-15",
		HeightCm:    &height,
		WeightKg:    &weight,
		Conditions:  "none",
		Allergies:   "peanuts",
	}); err != nil {
		log.Fatalf("create health profile: %v", err)
	}

	log.Println("Seed completed successfully.")
	fmt.Printf("Dev login: %s / %s\n", devUserEmail, devPassword)
	fmt.Printf("Member login: %s / %s\n", memberEmail, devPassword)
}
