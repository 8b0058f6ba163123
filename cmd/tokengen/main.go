package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ILLUVRSE/experiment-engine/internal/auth"
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func main() {
	secret := flag.String("secret", os.Getenv("EXPERIMENT_ENGINE_JWT_SECRET"), "HS256 signing secret")
	issuer := flag.String("issuer", os.Getenv("EXPERIMENT_ENGINE_JWT_ISSUER"), "token issuer (iss)")
	subject := flag.String("sub", "experiment-client", "token subject (sub)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	out := flag.String("out", "", "write the token to this file instead of stdout")
	flag.Parse()

	token, err := auth.Mint(*secret, *issuer, *subject, *ttl)
	must(err)

	if *out == "" {
		fmt.Println(token)
		return
	}
	must(os.WriteFile(*out, []byte(token+"\n"), 0o600))
	fmt.Printf("wrote token -> %s (sub=%s, expires in %s)\n", *out, *subject, *ttl)
}
