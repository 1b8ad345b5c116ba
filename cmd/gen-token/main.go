// Command gen-token signs HS256 tokens accepted when the service runs with
// LOCAL_AUTH_MODE=hs256.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

type tokenRequest struct {
	email    string
	name     string
	audience string
	ttl      time.Duration
}

func main() {
	var (
		name     = flag.String("name", "", "display name claim; defaults to the local part of the email")
		audience = flag.String("audience", os.Getenv("AUTH0_AUDIENCE"), "aud claim")
		ttl      = flag.Duration("ttl", time.Hour, "token lifetime")
		count    = flag.Int("count", 1, "number of users to generate tokens for")
		domain   = flag.String("domain", "example.com", "email domain for generated users when count > 1")
		output   = flag.String("output", "", "file to write generated tokens as a JSON array")
	)
	flag.Parse()

	secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET")
	if secret == "" {
		log.Fatal("LOCAL_AUTH_SHARED_SECRET must be set")
	}
	if *count < 1 {
		log.Fatal("count must be at least 1")
	}
	args := flag.Args()
	if len(args) > 0 && *count > 1 {
		log.Fatal("explicit email cannot be provided when generating multiple tokens")
	}

	reqs := make([]tokenRequest, *count)
	for i := range reqs {
		email := fmt.Sprintf("user-%d@%s", i+1, *domain)
		if len(args) > 0 {
			email = args[0]
		}
		reqs[i] = tokenRequest{email: email, name: *name, audience: *audience, ttl: *ttl}
	}

	tokens, err := generateTokens([]byte(secret), reqs, time.Now())
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func generateTokens(secret []byte, reqs []tokenRequest, now time.Time) ([]string, error) {
	tokens := make([]string, len(reqs))
	for i, r := range reqs {
		if r.email == "" {
			return nil, errors.New("email is required")
		}
		name := r.name
		if name == "" {
			name = localPart(r.email)
		}
		claims := jwt.MapClaims{
			"sub":   r.email,
			"email": r.email,
			"name":  name,
			"iat":   now.Unix(),
			"exp":   now.Add(r.ttl).Unix(),
		}
		if r.audience != "" {
			claims["aud"] = r.audience
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		if err != nil {
			return nil, err
		}
		tokens[i] = signed
	}
	return tokens, nil
}

func localPart(email string) string {
	for i := 0; i < len(email); i++ {
		if email[i] == '@' {
			return email[:i]
		}
	}
	return email
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
