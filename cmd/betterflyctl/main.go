// Command betterflyctl is the offline maintenance CLI: version, status,
// querying a user or updating its avatar, and backing up the SQLite store.
// Unlike betterflyd, it takes positional subcommands and flags freely.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"betterfly/internal/config"
	"betterfly/internal/store"
)

// Version is the current tool version, set at build time via -ldflags.
var Version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	dbPath := "betterfly.db"
	if dbCfg, err := config.LoadDatabase("database_config.json"); err == nil {
		dbPath = dbCfg.DB
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("betterflyctl %s\n", Version)
	case "status":
		cmdStatus(dbPath)
	case "backup":
		cmdBackup(dbPath, os.Args[2:])
	case "user":
		cmdUser(dbPath, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: betterflyctl <version|status|backup <dest>|user -id <id> [-avatar <url>]>")
}

func openStore(dbPath string) *store.Store {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cmdStatus(dbPath string) {
	st := openStore(dbPath)
	defer st.Close()
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Version: %s\n", Version)
}

func cmdBackup(dbPath string, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: betterflyctl backup <dest-path>")
		os.Exit(1)
	}
	st := openStore(dbPath)
	defer st.Close()
	if err := st.Backup(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Backed up to %s\n", args[0])
}

func cmdUser(dbPath string, args []string) {
	fs := flag.NewFlagSet("user", flag.ExitOnError)
	id := fs.Int("id", 0, "user id")
	avatar := fs.String("avatar", "", "if set, update the user's avatar instead of querying")
	fs.Parse(args)

	if *id == 0 {
		fmt.Fprintln(os.Stderr, "Usage: betterflyctl user -id <id> [-avatar <url>]")
		os.Exit(1)
	}

	st := openStore(dbPath)
	defer st.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if *avatar != "" {
		if err := st.UpdateUserAvatar(ctx, *id, *avatar); err != nil {
			fmt.Fprintf(os.Stderr, "update avatar failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Updated avatar for user %d\n", *id)
		return
	}

	name, avatarURL, err := st.QueryUser(ctx, *id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("User %d: name=%q avatar=%q\n", *id, name, avatarURL)
}
