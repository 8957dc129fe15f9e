// Command tokengen mints a development access token for the relay.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Tyrowin/gochat-relay/internal/auth"
)

func main() {
	secret := flag.String("secret", os.Getenv("GOCHAT_AUTH_SECRET"), "HS256 signing secret")
	user := flag.String("user", "", "user id placed in the sub claim")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	issuer := flag.String("issuer", os.Getenv("GOCHAT_AUTH_ISSUER"), "optional iss claim")
	audience := flag.String("audience", os.Getenv("GOCHAT_AUTH_AUDIENCE"), "optional aud claim")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "tokengen: -user is required")
		flag.Usage()
		os.Exit(2)
	}

	guard, err := auth.NewGuard(auth.Config{
		Secret:   []byte(*secret),
		Issuer:   *issuer,
		Audience: *audience,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokengen: %v\n", err)
		os.Exit(1)
	}

	token, err := guard.Issue(*user, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokengen: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
