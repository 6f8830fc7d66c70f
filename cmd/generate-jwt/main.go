// generate-jwt mints a development token for exercising the API by hand.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"paycore/internal/middleware"
)

func main() {
	partyID := flag.String("party", "party-dev-1", "party id to embed in the token")
	role := flag.String("role", "user", "role claim (user or admin)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if err := middleware.InitJWT(secret); err != nil {
		log.Fatalf("failed to initialize signer: %v", err)
	}

	token, err := middleware.GenerateToken(*partyID, *role, *ttl)
	if err != nil {
		log.Fatalf("failed to generate token: %v", err)
	}

	fmt.Println("============================================================")
	fmt.Printf("Party:   %s\n", *partyID)
	fmt.Printf("Role:    %s\n", *role)
	fmt.Printf("Expires: %s\n", time.Now().Add(*ttl).Format(time.RFC3339))
	fmt.Println("============================================================")
	fmt.Println(token)
}
