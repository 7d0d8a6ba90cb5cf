package main

import (
	"context"
	"log"
	"time"

	"healthlock.org/internal/vault"
)

// Exercises the full record lifecycle against the in-memory engine
// and fails loudly on any divergence. Useful as a pre-release sanity
// check without a database or a running server.
func main() {
	log.SetFlags(0)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := vault.NewInMemory(vault.WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	if _, err := svc.RegisterOwner(ctx, "smoke-owner"); err != nil {
		log.Fatalf("register owner: %v", err)
	}
	org, err := svc.RegisterOrganization(ctx, "smoke-clinic", "Smoke Clinic", "synthetic check", "ops@example.org")
	if err != nil {
		log.Fatalf("register organization: %v", err)
	}

	rec, err := svc.UploadRecord(ctx, "smoke-owner", []byte("encrypted-blob"), vault.RecordMeta{
		MimeType: "application/octet-stream",
		Title:    "smoke record",
	})
	if err != nil {
		log.Fatalf("upload record: %v", err)
	}

	d := time.Hour
	if _, err := svc.GrantAccess(ctx, "smoke-owner", rec.ID, org.ID, &d); err != nil {
		log.Fatalf("grant access: %v", err)
	}
	if ok, _ := svc.IsAuthorized(ctx, rec.ID, org.ID, clock); !ok {
		log.Fatal("grant did not authorize the organization")
	}
	got, err := svc.GetRecord(ctx, "smoke-clinic", rec.ID)
	if err != nil {
		log.Fatalf("read as organization: %v", err)
	}
	if string(got.Payload) != "encrypted-blob" {
		log.Fatalf("payload mismatch: %q", got.Payload)
	}

	// Expiry is lazy: advance the clock past the grant window.
	clock = clock.Add(d + time.Second)
	if ok, _ := svc.IsAuthorized(ctx, rec.ID, org.ID, clock); ok {
		log.Fatal("expired grant still authorizes")
	}

	// Re-grant, then revoke, then deactivate.
	if _, err := svc.GrantAccess(ctx, "smoke-owner", rec.ID, org.ID, nil); err != nil {
		log.Fatalf("re-grant after expiry: %v", err)
	}
	if err := svc.RevokeAccess(ctx, "smoke-owner", rec.ID, org.ID); err != nil {
		log.Fatalf("revoke access: %v", err)
	}
	if ok, _ := svc.IsAuthorized(ctx, rec.ID, org.ID, clock); ok {
		log.Fatal("revoked grant still authorizes")
	}
	if err := svc.DeactivateRecord(ctx, "smoke-owner", rec.ID); err != nil {
		log.Fatalf("deactivate record: %v", err)
	}
	if _, err := svc.GetRecord(ctx, "smoke-clinic", rec.ID); err == nil {
		log.Fatal("deactivated record still readable by organization")
	}

	log.Println("smoke-vault: OK")
}
