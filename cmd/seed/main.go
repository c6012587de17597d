// seed inserts development sample data for local testing.
// Idempotent: skips inserts if the dev org policy already exists.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portal-sessions/backend/internal/audit"
	auditrepo "portal-sessions/backend/internal/audit/repository"
	"portal-sessions/backend/internal/config"
	"portal-sessions/backend/internal/db"
	policydomain "portal-sessions/backend/internal/policy/domain"
	policyrepo "portal-sessions/backend/internal/policy/repository"
	"portal-sessions/backend/internal/portal/domain"
	portalrepo "portal-sessions/backend/internal/portal/repository"
	"portal-sessions/backend/internal/portal/service"
)

const (
	devOrgID      = "dev-org-001"
	devSubOrgID   = "dev-suborg-001"
	devCustomerID = "dev-customer-001"
	devContractID = "dev-contract-001"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
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
	policies := policyrepo.NewPostgresRepository(conn)

	if existing, err := policies.GetByOrg(ctx, devOrgID); err != nil {
		log.Fatalf("seed check: %v", err)
	} else if existing != nil {
		log.Println("Seed already applied (dev org policy exists). Skipping.")
		os.Exit(0)
	}

	now := time.Now().UTC()
	if err := policies.Upsert(ctx, &policydomain.OrgPolicy{
		ID:             uuid.New().String(),
		OrgID:          devOrgID,
		MaxAmountCents: 500_00,
		AllowedActions: []string{
			string(domain.ActionViewPayment),
			string(domain.ActionPayByCard),
			string(domain.ActionPayBySEPA),
		},
		MaxTTLSeconds: 3600,
		Enabled:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		log.Fatalf("create org policy: %v", err)
	}

	logger := zap.NewNop()
	recorder := audit.NewRecorder(auditrepo.NewPostgresRepository(conn), nil, logger, nil)
	engine := service.NewEngine(portalrepo.NewPostgresRepository(conn), recorder, logger, service.Options{
		BaseURL:    cfg.PortalBaseURL,
		DefaultTTL: cfg.DefaultTTL(),
		MaxTTL:     cfg.MaxTTL(),
	})

	res, err := engine.CreateSession(ctx, service.CreateParams{
		OrgID:      devOrgID,
		SubOrgID:   devSubOrgID,
		CustomerID: devCustomerID,
		ContractID: devContractID,
		AllowedActions: []domain.Action{
			domain.ActionViewPayment,
			domain.ActionPayByCard,
		},
		TTL:            time.Hour,
		AmountCents:    49_90,
		Currency:       "EUR",
		Description:    "Dev invoice 2026-001",
		IdempotencyKey: "seed-demo-session",
	})
	if err != nil {
		log.Fatalf("create demo session: %v", err)
	}

	log.Println("Seed completed successfully.")
	fmt.Printf("Demo session: %s\n", res.Session.ID)
	fmt.Printf("Portal token: %s\n", res.Token)
	fmt.Printf("Portal URL:   %s\n", res.PortalURL)
}
