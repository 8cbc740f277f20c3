// accountctl manages the bot's trading accounts from the shell: private
// keys go to the encrypted vault, everything else to the plaintext state
// store. The running bot picks up changes on its next account refresh.
//
// Usage:
//
//	accountctl add <id> --private-key 0x... [--name N] [--balance B]
//	          [--max-risk R] [--strategies a,b] [--no-active]
//	accountctl remove <id> [--force]
//	accountctl strategies <id> <csv> [--replace]
//	accountctl activate <id> | deactivate <id>
//	accountctl list [--detailed] | show <id>
//	accountctl balance <id> <amount>
//	accountctl strategies-list
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"predictbot/internal/config"
	"predictbot/internal/keystore"
	"predictbot/internal/statestore"
	"predictbot/internal/strategy"
	"predictbot/pkg/types"
)

var knownStrategies = []string{
	strategy.NameHourly,
	strategy.NamePriceArb,
	strategy.NameLPMaking,
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fail("load config: %v", err)
	}

	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "strategies-list" {
		for _, name := range knownStrategies {
			fmt.Println(name)
		}
		return
	}

	vault, err := keystore.Open(cfg.Store.DataDir, cfg.Store.MasterKey)
	if err != nil {
		fail("open vault: %v", err)
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := statestore.Open(cfg.Store.DataDir, quiet)
	if err != nil {
		fail("open state store: %v", err)
	}

	switch cmd {
	case "add":
		cmdAdd(vault, store, args)
	case "remove":
		cmdRemove(vault, store, args)
	case "strategies":
		cmdStrategies(store, args)
	case "activate":
		cmdSetActive(store, args, true)
	case "deactivate":
		cmdSetActive(store, args, false)
	case "list":
		cmdList(store, args)
	case "show":
		cmdShow(vault, store, args)
	case "balance":
		cmdBalance(store, args)
	default:
		usage()
		os.Exit(2)
	}
}

func cmdAdd(vault *keystore.Vault, store *statestore.Store, args []string) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	key := fs.String("private-key", "", "0x-prefixed 64-hex private key (required)")
	name := fs.String("name", "", "display name")
	balance := fs.Float64("balance", 0, "initial balance (USDC)")
	maxRisk := fs.Float64("max-risk", 50, "per-account investment cap (USDC)")
	strategies := fs.String("strategies", "", "comma-separated strategy names")
	noActive := fs.Bool("no-active", false, "create the account deactivated")

	id := parseID(fs, args)
	if *key == "" {
		fail("add: --private-key is required")
	}

	addr, err := keystore.DeriveAddress(*key)
	if err != nil {
		fail("add: %v", err)
	}
	list := splitStrategies(*strategies)
	for _, s := range list {
		if !known(s) {
			fail("add: unknown strategy %q (see strategies-list)", s)
		}
	}

	if err := vault.AddAccountKey(id, *key); err != nil {
		fail("add: store key: %v", err)
	}
	err = store.Add(types.AccountState{
		ID:         id,
		Name:       *name,
		Balance:    *balance,
		MaxRisk:    *maxRisk,
		Strategies: list,
		IsActive:   !*noActive,
	})
	if err != nil {
		// Roll the key back so a half-added account is not left degraded.
		_ = vault.RemoveAccountKey(id)
		fail("add: %v", err)
	}
	fmt.Printf("account %s added (wallet %s)\n", id, addr)
}

func cmdRemove(vault *keystore.Vault, store *statestore.Store, args []string) {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	force := fs.Bool("force", false, "remove without confirmation")

	id := parseID(fs, args)
	if !*force && !confirm(fmt.Sprintf("remove account %s and its key? [y/N] ", id)) {
		fmt.Println("aborted")
		return
	}

	if err := vault.RemoveAccountKey(id); err != nil {
		fail("remove: key: %v", err)
	}
	if err := store.Remove(id); err != nil {
		fail("remove: state: %v", err)
	}
	fmt.Printf("account %s removed\n", id)
}

func cmdStrategies(store *statestore.Store, args []string) {
	fs := flag.NewFlagSet("strategies", flag.ExitOnError)
	replace := fs.Bool("replace", false, "replace instead of append")
	if len(args) < 2 || strings.HasPrefix(args[0], "-") || strings.HasPrefix(args[1], "-") {
		fail("strategies: want <id> <csv>")
	}
	id, csv := args[0], args[1]
	fs.Parse(args[2:])

	incoming := splitStrategies(csv)
	for _, s := range incoming {
		if !known(s) {
			fail("strategies: unknown strategy %q (see strategies-list)", s)
		}
	}

	next := incoming
	if !*replace {
		acct, err := store.Get(id)
		if err != nil {
			fail("strategies: %v", err)
		}
		next = acct.Strategies
		for _, s := range incoming {
			if !acct.HasStrategy(s) {
				next = append(next, s)
			}
		}
	}
	if err := store.Update(id, statestore.Update{Strategies: next}); err != nil {
		fail("strategies: %v", err)
	}
	fmt.Printf("account %s strategies: %s\n", id, strings.Join(next, ","))
}

func cmdSetActive(store *statestore.Store, args []string, active bool) {
	fs := flag.NewFlagSet("activate", flag.ExitOnError)
	id := parseID(fs, args)
	if err := store.SetActive(id, active); err != nil {
		fail("%v", err)
	}
	verb := "deactivated"
	if active {
		verb = "activated"
	}
	fmt.Printf("account %s %s\n", id, verb)
}

func cmdList(store *statestore.Store, args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	detailed := fs.Bool("detailed", false, "include balances and strategies")
	fs.Parse(args)

	for _, acct := range store.List() {
		state := "inactive"
		if acct.IsActive {
			state = "active"
		}
		if *detailed {
			fmt.Printf("%-20s %-8s balance=%.2f maxRisk=%.2f strategies=%s\n",
				acct.ID, state, acct.Balance, acct.MaxRisk, strings.Join(acct.Strategies, ","))
		} else {
			fmt.Printf("%-20s %s\n", acct.ID, state)
		}
	}
}

func cmdShow(vault *keystore.Vault, store *statestore.Store, args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	id := parseID(fs, args)

	acct, err := store.Get(id)
	if err != nil {
		fail("show: %v", err)
	}

	wallet := "(no key in vault)"
	if key, err := vault.GetAccountKey(id); err == nil && key != "" {
		if addr, err := keystore.DeriveAddress(key); err == nil {
			wallet = addr
		}
	}

	fmt.Printf("id:          %s\n", acct.ID)
	fmt.Printf("name:        %s\n", acct.Name)
	fmt.Printf("wallet:      %s\n", wallet)
	fmt.Printf("active:      %v\n", acct.IsActive)
	fmt.Printf("balance:     %.2f\n", acct.Balance)
	fmt.Printf("maxRisk:     %.2f\n", acct.MaxRisk)
	fmt.Printf("strategies:  %s\n", strings.Join(acct.Strategies, ","))
	fmt.Printf("created:     %s\n", acct.CreatedAt.Format("2006-01-02 15:04:05"))
	if !acct.LastBalanceUpdate.IsZero() {
		fmt.Printf("balanceAt:   %s\n", acct.LastBalanceUpdate.Format("2006-01-02 15:04:05"))
	}
}

func cmdBalance(store *statestore.Store, args []string) {
	if len(args) != 2 {
		fail("balance: want <id> <amount>")
	}
	id := args[0]
	amount, err := strconv.ParseFloat(args[1], 64)
	if err != nil || amount < 0 {
		fail("balance: amount must be a non-negative number")
	}
	if err := store.Update(id, statestore.Update{Balance: &amount}); err != nil {
		fail("balance: %v", err)
	}
	fmt.Printf("account %s balance set to %.2f\n", id, amount)
}

// parseID pulls the leading positional account id, then parses the
// remaining flags. The id comes first on the command line.
func parseID(fs *flag.FlagSet, args []string) string {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		fail("%s: want an account id first", fs.Name())
	}
	fs.Parse(args[1:])
	if fs.NArg() != 0 {
		fail("%s: unexpected argument %q", fs.Name(), fs.Arg(0))
	}
	return args[0]
}

func splitStrategies(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(csv, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func known(name string) bool {
	for _, s := range knownStrategies {
		if s == name {
			return true
		}
	}
	return false
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	var answer string
	fmt.Scanln(&answer)
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: accountctl <command> [flags]

commands:
  add <id> --private-key 0x...   add an account (key goes to the vault)
  remove <id> [--force]          remove an account and its key
  strategies <id> <csv>          append strategies (--replace to overwrite)
  activate <id> / deactivate <id>
  list [--detailed]              list accounts
  show <id>                      show one account
  balance <id> <amount>          set the tracked balance
  strategies-list                print known strategy names`)
}
