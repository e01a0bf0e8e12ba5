// hubtoken mints caller tokens for the gateway. The signing secret comes
// from the server config file, or is prompted for when no config is given.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/openai-hub/openai-hub/internal/auth"
	"github.com/openai-hub/openai-hub/internal/config"
)

func main() {
	sub := flag.String("s", "", "token subject (sub claim)")
	exp := flag.String("e", "", "expiry: 30d, 6m, 1y (empty = no expiry)")
	configPath := flag.String("c", "", "server config file holding jwt_auth.secret")
	issuer := flag.String("issuer", "", "issuer claim (optional)")
	audience := flag.String("audience", "", "audience claim (optional)")
	deployment := flag.String("d", "", "deployment claim (optional)")
	flag.Parse()

	secret, err := resolveSecret(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	ttl, err := parseExpiry(*exp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	token, err := auth.Mint(secret, auth.MintOptions{
		Subject:    *sub,
		Deployment: *deployment,
		TTL:        ttl,
		Issuer:     *issuer,
		Audience:   *audience,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func resolveSecret(configPath string) ([]byte, error) {
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if cfg.JWTAuth == nil {
			return nil, fmt.Errorf("config has no jwt_auth section")
		}
		return []byte(cfg.JWTAuth.Secret), nil
	}

	fmt.Fprint(os.Stderr, "Signing secret: ")
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret must not be empty")
	}
	return secret, nil
}

// parseExpiry reads a "<n><unit>" lifetime where the unit is d (days),
// m (months), or y (years).
func parseExpiry(exp string) (time.Duration, error) {
	if exp == "" {
		return 0, nil
	}
	if len(exp) < 2 {
		return 0, fmt.Errorf("invalid expiry %q", exp)
	}
	n, err := strconv.Atoi(exp[:len(exp)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid expiry length in %q", exp)
	}
	now := time.Now()
	var until time.Time
	switch strings.ToLower(exp[len(exp)-1:]) {
	case "d":
		until = now.AddDate(0, 0, n)
	case "m":
		until = now.AddDate(0, n, 0)
	case "y":
		until = now.AddDate(n, 0, 0)
	default:
		return 0, fmt.Errorf("%q is not a valid expiry unit (use d, m, or y)", exp[len(exp)-1:])
	}
	return until.Sub(now), nil
}
