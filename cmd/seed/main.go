// seed writes development data into the configured document store: offline presence for two dev users and
// a session access policy that lets a support user list anyone's sessions. Prints management tokens for the
// dev users when JWT keys are configured. Safe to run repeatedly.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"presence-agent/internal/config"
	"presence-agent/internal/docstore/backend"
	"presence-agent/internal/platform/logging"
	policydomain "presence-agent/internal/policy/domain"
	policyrepo "presence-agent/internal/policy/repository"
	presencedomain "presence-agent/internal/presence/domain"
	presencerepo "presence-agent/internal/presence/repository"
	"presence-agent/internal/security"
)

// supportRegoPolicy extends the built-in policy: devSupportID may list, but not terminate, other users' sessions.
const supportRegoPolicy = `package presence.session_access

support_users := {"dev-support-001"}

default allow := false

default reason := "denied"

own if {
	input.caller.user_id != ""
	input.caller.user_id == input.target.user_id
}

support if {
	not own
	input.caller.user_id in support_users
	input.action == "list_sessions"
}

allow if own

allow if support

reason := "own user" if own

reason := "support" if support

reason := "unauthenticated" if input.caller.user_id == ""

reason := "other user" if {
	input.caller.user_id != ""
	not own
	not support
}
`

const (
	devUserID    = "dev-user-001"
	devSupportID = "dev-support-001"
	devPolicyID  = "dev-support-policy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.Must(cfg.Env, cfg.LogLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("docstore: %v", err)
	}
	defer store.Close()

	now := time.Now().UTC()
	presence := presencerepo.NewDocstoreRepository(store)
	for _, uid := range []string{devUserID, devSupportID} {
		rec := presencedomain.Record{UserID: uid, Status: presencedomain.StatusOffline, LastSeen: now}
		if err := presence.Write(ctx, rec); err != nil {
			log.Fatalf("seed presence for %s: %v", uid, err)
		}
	}

	if err := policyrepo.NewDocstoreRepository(store).Put(ctx, &policydomain.Policy{
		ID:        devPolicyID,
		Rules:     supportRegoPolicy,
		Enabled:   true,
		CreatedAt: now,
	}); err != nil {
		log.Fatalf("seed policy: %v", err)
	}
	log.Printf("Seeded %s and %s into the %s store.", devUserID, devSupportID, cfg.DocstoreDriver)

	tokens, err := security.LoadTokenProvider(cfg.JWTPrivateKey, cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}
	if tokens == nil {
		log.Println("JWT_PRIVATE_KEY not set; skipping dev tokens.")
		return
	}
	for _, uid := range []string{devUserID, devSupportID} {
		tok, exp, err := tokens.IssueAccess(uid, "")
		if err != nil {
			log.Fatalf("issue token for %s: %v", uid, err)
		}
		fmt.Printf("%s (expires %s):\n%s\n", uid, exp.Format(time.RFC3339), tok)
	}
}
