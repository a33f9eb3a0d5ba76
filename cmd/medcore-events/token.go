package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/medcore/realtime/internal/auth"
)

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	username := fs.String("user", "", "Username placed in the token subject (required)")
	userID := fs.String("id", "", "User ID claim (optional)")
	issuer := fs.String("issuer", "", "Issuer claim (optional)")
	expiry := fs.Duration("expiry", 24*time.Hour, "Token lifetime")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "Signing secret (default: $JWT_SECRET)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *username == "" {
		return fmt.Errorf("-user is required")
	}

	token, err := auth.GenerateToken(*username, *userID, &auth.TokenConfig{
		Issuer: *issuer,
		Expiry: *expiry,
		Secret: []byte(*secret),
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(out, token)
	return nil
}
