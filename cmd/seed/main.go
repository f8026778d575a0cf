// seed inserts development sample data for local testing: one active
// session with a printed join code and a small roster of participants
// with known device tokens. Idempotent: skips inserts when the dev
// session already exists.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"batonrelay/internal/config"
	"batonrelay/internal/db"
	"batonrelay/internal/security"
	sessiondomain "batonrelay/internal/session/domain"
	sessionrepo "batonrelay/internal/session/repository"
	"batonrelay/internal/token"
)

const (
	devSessionID = "dev-session-001"
	devTitle     = "Dev Lecture"
)

// devParticipants are the fixed roster members; the device token doubles
// as the bearer credential printed for local clients.
var devParticipants = []struct {
	id, name, deviceToken string
}{
	{"dev-participant-001", "Alice Dev", "dev-device-token-001"},
	{"dev-participant-002", "Bob Dev", "dev-device-token-002"},
	{"dev-participant-003", "Carol Dev", "dev-device-token-003"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	sessions := sessionrepo.NewPostgresRepository(pool)

	existing, err := sessions.GetByID(ctx, devSessionID)
	if err != nil {
		log.Fatalf("seed check: %v", err)
	}
	if existing != nil {
		log.Println("Seed already applied (dev session exists). Skipping.")
		os.Exit(0)
	}

	signer, err := security.ParsePrivateKey(cfg.TokenPrivateKey)
	if err != nil {
		log.Fatalf("private key: %v", err)
	}
	public, err := security.ParsePublicKey(cfg.TokenPublicKey)
	if err != nil {
		log.Fatalf("public key: %v", err)
	}
	codec := token.NewCodec(signer, public, cfg.TokenIssuer)

	now := time.Now().UTC()
	sess := &sessiondomain.Session{
		ID:        devSessionID,
		Title:     devTitle,
		State:     sessiondomain.StateActive,
		StartsAt:  now,
		EndsAt:    now.Add(4 * time.Hour),
		CreatedAt: now,
		UpdatedAt: now,
	}

	join := token.Token{
		ID:        devSessionID + "-join",
		Kind:      token.KindSessionJoin,
		SessionID: sess.ID,
		Etag:      devSessionID + "-join-etag",
		ExpiresAt: sess.EndsAt,
	}
	joinValue, err := codec.Encode(join)
	if err != nil {
		log.Fatalf("encode join token: %v", err)
	}
	sess.JoinTokenID = join.ID
	sess.JoinEtag = join.Etag
	sess.JoinTokenValue = joinValue

	if err := sessions.Create(ctx, sess); err != nil {
		log.Fatalf("create session: %v", err)
	}

	for _, dp := range devParticipants {
		p := &sessiondomain.Participant{
			ID:          dp.id,
			SessionID:   sess.ID,
			DisplayName: dp.name,
			DeviceToken: dp.deviceToken,
			Eligible:    true,
			JoinedAt:    now,
		}
		if err := sessions.AddParticipant(ctx, p); err != nil {
			log.Fatalf("add participant %s: %v", dp.id, err)
		}
	}

	fmt.Println("Seeded development data:")
	fmt.Printf("  session:    %s (%s)\n", sess.ID, sess.Title)
	fmt.Printf("  join code:  %s\n", sess.JoinTokenValue)
	for _, dp := range devParticipants {
		fmt.Printf("  participant %s  device token: %s\n", dp.id, dp.deviceToken)
	}
}
