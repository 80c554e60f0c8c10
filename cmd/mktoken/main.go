// mktoken mints a development bearer token for a user ID, signed with the
// same HS256 secret the server trusts. Production tokens come from the
// identity provider, never from this tool.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	user := flag.String("user", "", "user ID to put in the token subject")
	secret := flag.String("secret", os.Getenv("AUTH_JWT_SECRET"), "HS256 signing secret")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "Usage: mktoken -user <id> [-secret <secret>] [-ttl <duration>]")
		os.Exit(1)
	}
	if *secret == "" {
		*secret = "dev-secret-do-not-use"
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   *user,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
	})

	signed, err := token.SignedString([]byte(*secret))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	fmt.Println(signed)
}
