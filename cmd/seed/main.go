// Command seed projects the canonical taxonomy catalog into the
// database. It is idempotent: definitions refresh on every run, the
// administratively controlled active flag is never overwritten.
//
// With -demo it additionally creates a demo carrier, supplier,
// contract with rate cards and guidelines, and one user on each side,
// matching the sample IME invoice fixtures. Demo passwords come from
// SEED_ADMIN_PASSWORD and SEED_SUPPLIER_PASSWORD.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearbill/backend/internal/auth"
	"github.com/clearbill/backend/internal/billing"
	"github.com/clearbill/backend/internal/config"
	"github.com/clearbill/backend/internal/store"
	"github.com/clearbill/backend/internal/taxonomy"
)

// Fixed ids keep the demo seed idempotent: a rerun finds the rows it
// created last time instead of duplicating them.
var (
	demoCarrierID  = uuid.MustParse("00000000-0000-4000-8000-0000000000c1")
	demoSupplierID = uuid.MustParse("00000000-0000-4000-8000-0000000000a1")
	demoContractID = uuid.MustParse("00000000-0000-4000-8000-0000000000f1")
)

const (
	demoAdminEmail    = "admin@democarrier.com"
	demoSupplierEmail = "supplier@apexime.com"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	demo := flag.Bool("demo", false, "also seed the demo carrier, supplier, contract, and users")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	db, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	pg := store.NewPostgresStore(db)
	if err := pg.Init(ctx); err != nil {
		log.Fatalf("Failed to initialize database schema: %v", err)
	}

	if err := seedTaxonomy(ctx, pg); err != nil {
		log.Fatalf("Taxonomy seed failed: %v", err)
	}

	if *demo {
		if err := seedDemo(ctx, pg); err != nil {
			log.Fatalf("Demo seed failed: %v", err)
		}
	}
	log.Println("Seed complete")
}

func seedTaxonomy(ctx context.Context, st store.Store) error {
	for i := range taxonomy.Catalog {
		item := taxonomy.Catalog[i]
		item.IsActive = true
		if err := st.UpsertTaxonomyItem(ctx, &item); err != nil {
			return fmt.Errorf("upsert %s: %w", item.Code, err)
		}
	}
	log.Printf("Upserted %d taxonomy items", len(taxonomy.Catalog))
	return nil
}

// =============================================================================
// DEMO DATA
// =============================================================================

// demoRateCards mirrors the Apex IME sample contract: professional
// fees with unit caps, travel billed separately with its own caps.
var demoRateCards = []struct {
	code     string
	rate     string
	maxUnits string // "" = uncapped
	notes    string
}{
	{"IME.PHY_EXAM.PROF_FEE", "600.00", "1", "Standard single-specialty IME"},
	{"IME.MULTI_SPECIALTY.PROF_FEE", "950.00", "1", "Multi-specialty panel - 2 physicians max"},
	{"IME.ADDENDUM.PROF_FEE", "125.00", "2", "Addendum per claim cap: 2"},
	{"IME.RECORDS_REVIEW.PROF_FEE", "350.00", "1", "Records review without exam"},
	{"IME.CANCELLATION.CANCEL_FEE", "150.00", "1", "< 48hr cancellation"},
	{"IME.NO_SHOW.NO_SHOW_FEE", "100.00", "1", "Claimant no-show"},
	{"IME.PEER_REVIEW.PROF_FEE", "250.00", "1", "Peer review of treatment plan"},
	{"IME.ADMIN.SCHEDULING_FEE", "50.00", "1", "Admin scheduling coordination"},
	{"IME.PHY_EXAM.TRAVEL_TRANSPORT", "400.00", "", "Airfare cap $400"},
	{"IME.PHY_EXAM.MILEAGE", "0.67", "100", "IRS rate; 100 mile round-trip cap"},
	{"IME.PHY_EXAM.TRAVEL_LODGING", "175.00", "1", "1 night max per exam"},
	{"IME.PHY_EXAM.TRAVEL_MEALS", "60.00", "1", "Per diem cap $60/day"},
}

var demoGuidelines = []struct {
	ruleType  billing.GuidelineRuleType
	code      string
	narrative string
	params    map[string]interface{}
}{
	{billing.RuleMaxUnits, "IME.ADDENDUM.PROF_FEE",
		"Maximum 2 addendum reports per claim",
		map[string]interface{}{"max": 2.0, "period": "per_claim"}},
	{billing.RuleCapAmount, "IME.PHY_EXAM.TRAVEL_TRANSPORT",
		"Airfare reimbursement capped at $400 per exam",
		map[string]interface{}{"max_amount": 400.0}},
	{billing.RuleMaxUnits, "IME.PHY_EXAM.MILEAGE",
		"Mileage reimbursement capped at 100 miles round-trip",
		map[string]interface{}{"max": 100.0, "period": "per_claim"}},
	{billing.RuleCapAmount, "IME.PHY_EXAM.TRAVEL_MEALS",
		"Meals per diem capped at $60 per travel day",
		map[string]interface{}{"max_amount": 60.0}},
}

func seedDemo(ctx context.Context, st store.Store) error {
	adminPassword := os.Getenv("SEED_ADMIN_PASSWORD")
	supplierPassword := os.Getenv("SEED_SUPPLIER_PASSWORD")
	if adminPassword == "" || supplierPassword == "" {
		return fmt.Errorf("-demo requires SEED_ADMIN_PASSWORD and SEED_SUPPLIER_PASSWORD")
	}

	if _, err := st.GetCarrier(ctx, demoCarrierID); err == nil {
		log.Println("Demo carrier already exists - skipping parties and contract")
	} else if err := seedParties(ctx, st); err != nil {
		return err
	}

	if err := seedUser(ctx, st, demoAdminEmail, adminPassword, billing.RoleCarrierAdmin, nil, &demoCarrierID); err != nil {
		return err
	}
	return seedUser(ctx, st, demoSupplierEmail, supplierPassword, billing.RoleSupplier, &demoSupplierID, nil)
}

func seedParties(ctx context.Context, st store.Store) error {
	if err := st.InsertCarrier(ctx, &billing.Carrier{
		ID:        demoCarrierID,
		Name:      "Demo Carrier",
		ShortCode: "DEMO",
		IsActive:  true,
	}); err != nil {
		return fmt.Errorf("insert carrier: %w", err)
	}
	if err := st.InsertSupplier(ctx, &billing.Supplier{
		ID:       demoSupplierID,
		Name:     "Apex IME Services",
		TaxID:    "XX-XXXXXXX",
		IsActive: true,
	}); err != nil {
		return fmt.Errorf("insert supplier: %w", err)
	}

	effectiveFrom := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	if err := st.InsertContract(ctx, &billing.Contract{
		ID:             demoContractID,
		SupplierID:     demoSupplierID,
		CarrierID:      demoCarrierID,
		Name:           "Apex IME Services Agreement 2025",
		EffectiveFrom:  effectiveFrom,
		GeographyScope: billing.GeoNational,
		Notes:          "Demo contract - covers all IME service lines nationally.",
		IsActive:       true,
	}); err != nil {
		return fmt.Errorf("insert contract: %w", err)
	}

	for _, rc := range demoRateCards {
		card := &billing.RateCard{
			ContractID:     demoContractID,
			TaxonomyCode:   rc.code,
			ContractedRate: decimal.RequireFromString(rc.rate),
			EffectiveFrom:  effectiveFrom,
			Notes:          rc.notes,
		}
		if rc.maxUnits != "" {
			mu := decimal.RequireFromString(rc.maxUnits)
			card.MaxUnits = &mu
		}
		if err := st.InsertRateCard(ctx, card); err != nil {
			return fmt.Errorf("insert rate card %s: %w", rc.code, err)
		}
	}
	log.Printf("Seeded %d rate cards", len(demoRateCards))

	for _, g := range demoGuidelines {
		if err := st.InsertGuideline(ctx, &billing.Guideline{
			ContractID:      demoContractID,
			TaxonomyCode:    g.code,
			RuleType:        g.ruleType,
			RuleParams:      g.params,
			Severity:        billing.SeverityError,
			NarrativeSource: g.narrative,
			IsActive:        true,
		}); err != nil {
			return fmt.Errorf("insert guideline %s: %w", g.code, err)
		}
	}
	log.Printf("Seeded %d guidelines", len(demoGuidelines))
	return nil
}

func seedUser(ctx context.Context, st store.Store, email, password string, role billing.Role, supplierID, carrierID *uuid.UUID) error {
	if _, err := st.GetUserByEmail(ctx, email); err == nil {
		log.Printf("User %s already exists - skipping", email)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("look up %s: %w", email, err)
	}

	hashed, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password for %s: %w", email, err)
	}
	if err := st.InsertUser(ctx, &billing.User{
		ID:             uuid.New(),
		Email:          email,
		HashedPassword: hashed,
		Role:           role,
		SupplierID:     supplierID,
		CarrierID:      carrierID,
		IsActive:       true,
	}); err != nil {
		return fmt.Errorf("insert user %s: %w", email, err)
	}
	log.Printf("Created %s user %s", role, email)
	return nil
}
