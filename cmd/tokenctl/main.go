// Command tokenctl manages sealed broker tokens.
//
//	tokenctl genkey
//	tokenctl store --user 42 --token <access_token> [--expires 2024-05-03T06:00:00+05:30]
//
// The access token may also be passed on stdin to keep it out of shell history.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"trade-mirror-go/internal/config"
	"trade-mirror-go/internal/credentials"
	"trade-mirror-go/internal/database"

	"github.com/spf13/pflag"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "genkey":
		err = genKey()
	case "store":
		err = storeToken(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokenctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tokenctl genkey | tokenctl store --user ID [--token TOKEN] [--expires RFC3339]")
	os.Exit(2)
}

func genKey() error {
	key, err := credentials.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

func storeToken(args []string) error {
	flags := pflag.NewFlagSet("store", pflag.ExitOnError)
	configDir := flags.String("config", "./configs", "directory holding config.yml")
	userID := flags.Uint("user", 0, "user id")
	token := flags.String("token", "", "broker access token (read from stdin when empty)")
	expires := flags.String("expires", "", "token expiry, RFC3339")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *userID == 0 {
		return fmt.Errorf("--user is required")
	}

	if *token == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read token from stdin: %w", err)
		}
		*token = strings.TrimSpace(line)
	}
	if *token == "" {
		return fmt.Errorf("empty token")
	}

	var expiry *time.Time
	if *expires != "" {
		t, err := time.Parse(time.RFC3339, *expires)
		if err != nil {
			return fmt.Errorf("invalid --expires: %w", err)
		}
		t = t.UTC()
		expiry = &t
	}

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		return err
	}
	sealer, err := credentials.NewSealer(cfg.Security.CredentialKey)
	if err != nil {
		return err
	}
	sealed, err := sealer.Seal([]byte(*token))
	if err != nil {
		return err
	}

	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		return err
	}
	if err := database.NewStore(db).SaveCredential(context.Background(), *userID, sealed, expiry); err != nil {
		return err
	}
	fmt.Printf("stored token for user %d\n", *userID)
	return nil
}
