// Command tokengen mints HS256 bearer tokens for local development. These
// tokens use the dev signing key and will not work against a production
// deployment.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// devSigningKey matches config.FromEnv when BASTION_JWT_SIGNING_KEY is unset.
const devSigningKey = "dev-secret-key-change-in-production"

const defaultTTL = 15 * time.Minute

type tokenOutput struct {
	Token      string `json:"token"`
	IdentityID string `json:"identity_id"`
	ExpiresIn  string `json:"expires_in"`
	Usage      string `json:"usage"`
}

func main() {
	identityID := flag.String("identity-id", "", "Identity ID (UUID). Generated if empty.")
	key := flag.String("key", devSigningKey, "HS256 signing key")
	ttl := flag.Duration("ttl", defaultTTL, "Token time-to-live")
	asJSON := flag.Bool("json", false, "Output as JSON")
	flag.Parse()

	subject := *identityID
	if subject == "" {
		subject = uuid.NewString()
	} else if _, err := uuid.Parse(subject); err != nil {
		fmt.Fprintf(os.Stderr, "error: identity-id must be a UUID: %v\n", err)
		os.Exit(1)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
	})
	signed, err := token.SignedString([]byte(*key))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: signing token: %v\n", err)
		os.Exit(1)
	}

	out := tokenOutput{
		Token:      signed,
		IdentityID: subject,
		ExpiresIn:  ttl.String(),
		Usage:      fmt.Sprintf("curl -H 'Authorization: Bearer %s' http://localhost:8080/stepup", signed),
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "error: encoding output: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Println(out.Token)
	fmt.Fprintf(os.Stderr, "identity: %s, expires in %s\n", out.IdentityID, out.ExpiresIn)
}
