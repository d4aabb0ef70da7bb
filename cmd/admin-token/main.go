// Command admin-token mints an admin access token signed with JWT_SECRET,
// for operators calling the /api/admin routes.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sogan/sogan-api/internal/config"
	"github.com/sogan/sogan-api/internal/pkg/jwt"
)

func main() {
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	subject := flag.String("subject", "", "operator id (UUID); random when empty")
	flag.Parse()

	cfg := config.Load()
	if cfg.IsProduction() && cfg.JWTSecret == "super-secret-key-change-me" {
		log.Fatal("JWT_SECRET is the development default; refusing to mint a production token")
	}

	operatorID := uuid.New()
	if *subject != "" {
		id, err := uuid.Parse(*subject)
		if err != nil {
			log.Fatalf("Invalid subject %q: %v", *subject, err)
		}
		operatorID = id
	}

	token, err := jwt.NewService(cfg.JWTSecret, *ttl).GenerateAccessToken(operatorID, jwt.RoleAdmin)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}

	fmt.Fprintf(os.Stderr, "operator %s, expires in %s\n", operatorID, *ttl)
	fmt.Println(token)
}
