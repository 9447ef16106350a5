// Package main is the account-management CLI: add, list, enable/disable,
// remove, and verify accounts against the same persisted store the server
// reads. The interactive OAuth/PKCE authorization flow that first obtains
// a refresh token is a separate, out-of-scope concern; this tool's "add"
// command takes an already-obtained refresh token and exchanges it once to
// discover identity and confirm it's usable.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/poemonsense/codex-account-proxy/internal/config"
	"github.com/poemonsense/codex-account-proxy/internal/store"
	"github.com/poemonsense/codex-account-proxy/internal/token"
)

func main() {
	command := "list"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	cfg := config.Load()
	st := store.New(cfg.AccountStorePath)

	switch command {
	case "add":
		addAccount(cfg, st, bufio.NewScanner(os.Stdin))
	case "list":
		listAccounts(st)
	case "enable":
		setEnabled(st, os.Args[2:], true)
	case "disable":
		setEnabled(st, os.Args[2:], false)
	case "remove":
		removeAccount(st, os.Args[2:])
	case "verify":
		verifyAccounts(cfg, st)
	default:
		printHelp()
	}
}

func printHelp() {
	fmt.Println("Usage:")
	fmt.Println("  accounts add               Add an account from a pasted refresh token")
	fmt.Println("  accounts list              List configured accounts")
	fmt.Println("  accounts enable <n>        Enable account number n")
	fmt.Println("  accounts disable <n>       Disable account number n")
	fmt.Println("  accounts remove <n>        Remove account number n")
	fmt.Println("  accounts verify            Exchange every refresh token and report status")
}

func loadDoc(st *store.Store) *store.Document {
	doc, err := st.Load()
	if err != nil {
		fmt.Println("error loading accounts:", err)
		os.Exit(1)
	}
	return doc
}

func displayAccounts(doc *store.Document) {
	if len(doc.Accounts) == 0 {
		fmt.Println("no accounts configured.")
		return
	}
	fmt.Printf("%d account(s):\n", len(doc.Accounts))
	for i, a := range doc.Accounts {
		status := "enabled"
		if !a.Enabled {
			status = "disabled"
		}
		label := a.Email
		if label == "" {
			label = "(identity not yet resolved)"
		}
		fmt.Printf("  %d. %s [%s] %s\n", i+1, label, a.Plan, status)
	}
}

func listAccounts(st *store.Store) {
	displayAccounts(loadDoc(st))
}

func setEnabled(st *store.Store, args []string, enabled bool) {
	index, err := parseIndex(args)
	if err != nil {
		fmt.Println(err)
		return
	}
	err = st.UpdateWithLock(func(doc *store.Document) (*store.Document, error) {
		if index < 0 || index >= len(doc.Accounts) {
			return nil, fmt.Errorf("account %d out of range", index+1)
		}
		doc.Accounts[index].Enabled = enabled
		return doc, nil
	})
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("account %d updated.\n", index+1)
}

func removeAccount(st *store.Store, args []string) {
	index, err := parseIndex(args)
	if err != nil {
		fmt.Println(err)
		return
	}
	var removedEmail string
	err = st.UpdateWithLock(func(doc *store.Document) (*store.Document, error) {
		if index < 0 || index >= len(doc.Accounts) {
			return nil, fmt.Errorf("account %d out of range", index+1)
		}
		removedEmail = doc.Accounts[index].Email
		doc.Accounts = append(doc.Accounts[:index], doc.Accounts[index+1:]...)
		return doc, nil
	})
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("removed %s.\n", removedEmail)
}

func parseIndex(args []string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("usage: accounts <enable|disable|remove> <n>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid account number %q", args[0])
	}
	return n - 1, nil
}

// addAccount exchanges a pasted refresh token once to resolve identity,
// then merges it into the store by that identity.
func addAccount(cfg *config.Config, st *store.Store, scanner *bufio.Scanner) {
	fmt.Print("paste refresh token: ")
	if !scanner.Scan() {
		fmt.Println("no input provided.")
		return
	}
	refreshToken := strings.TrimSpace(scanner.Text())
	if refreshToken == "" {
		fmt.Println("no input provided.")
		return
	}

	client := token.NewClient(cfg.TokenURL, cfg.ClientID)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	auth, err := client.Refresh(ctx, refreshToken)
	if err != nil {
		fmt.Println("token exchange failed:", err)
		return
	}

	claims, err := token.DecodeClaims(auth.IDToken)
	if err != nil {
		fmt.Println("could not decode identity from token:", err)
		return
	}
	identity, err := token.ExtractIdentity(claims, cfg.IdentityClaimPath)
	if err != nil {
		fmt.Println("could not resolve account identity:", err)
		return
	}

	acc := store.Account{
		RefreshToken: auth.Refresh,
		AccountID:    identity.AccountID,
		Email:        identity.Email,
		Plan:         identity.Plan,
		Enabled:      true,
	}
	if acc.RefreshToken == "" {
		acc.RefreshToken = refreshToken
	}

	err = st.UpdateWithLock(func(doc *store.Document) (*store.Document, error) {
		store.MergeAccount(doc, acc)
		return doc, nil
	})
	if err != nil {
		fmt.Println("error saving account:", err)
		return
	}
	fmt.Printf("added %s (%s).\n", identity.Email, identity.Plan)
}

// verifyAccounts exchanges every stored refresh token and reports whether
// it's still usable, without persisting the refreshed tokens: this is a
// read-only health check.
func verifyAccounts(cfg *config.Config, st *store.Store) {
	doc := loadDoc(st)
	if len(doc.Accounts) == 0 {
		fmt.Println("no accounts to verify.")
		return
	}

	client := token.NewClient(cfg.TokenURL, cfg.ClientID)
	ctx := context.Background()
	for _, acc := range doc.Accounts {
		label := acc.Email
		if label == "" {
			label = "(unknown)"
		}
		if _, err := client.Refresh(ctx, acc.RefreshToken); err != nil {
			fmt.Printf("  %s - FAILED: %v\n", label, err)
			continue
		}
		fmt.Printf("  %s - OK\n", label)
	}
}
