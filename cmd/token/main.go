// Command token mints a gateway access/refresh token pair for local
// testing, without going through the register/login HTTP endpoints.
package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/nexagate/apigw/internal/auth"
	"github.com/nexagate/apigw/internal/domain"
)

func main() {
	var secret, sub, username, email, roles string
	var accessTTL, refreshTTL time.Duration
	flag.StringVar(&secret, "secret", "dev-secret", "HMAC secret the gateway was configured with")
	flag.StringVar(&sub, "sub", "user_123", "subject (user id)")
	flag.StringVar(&username, "username", "demo", "username claim")
	flag.StringVar(&email, "email", "", "email claim")
	flag.StringVar(&roles, "roles", string(domain.RoleUser), "comma-separated roles")
	flag.DurationVar(&accessTTL, "access-ttl", 15*time.Minute, "access token lifetime")
	flag.DurationVar(&refreshTTL, "refresh-ttl", 7*24*time.Hour, "refresh token lifetime")
	flag.Parse()

	var roleList []domain.Role
	for _, r := range strings.Split(roles, ",") {
		r = strings.TrimSpace(r)
		if r != "" {
			roleList = append(roleList, domain.Role(r))
		}
	}
	principal := domain.Principal{
		Subject:     sub,
		Username:    username,
		Email:       email,
		Roles:       roleList,
		Permissions: domain.EffectivePermissions(roleList, nil),
	}

	v := auth.NewVerifier(secret, accessTTL, refreshTTL)
	tokens, err := v.Issue(principal)
	if err != nil {
		panic(err)
	}
	fmt.Println("access:", tokens.AccessToken)
	fmt.Println("refresh:", tokens.RefreshToken)
}
