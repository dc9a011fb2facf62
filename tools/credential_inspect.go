package main

import (
	"flag"
	"fmt"
	"lingo-chat/storage"
	"log"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/olekukonko/tablewriter"
)

// Lists the credentials cached by the chat client.
func main() {
	dbPath := flag.String("db", "./data/credentials", "Path to the credential cache")
	flag.Parse()

	opts := badger.DefaultOptions(*dbPath).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true)
	db, err := badger.Open(opts)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	entries, err := storage.Entries(db)
	if err != nil {
		log.Fatal(err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Subject", "Token", "Expires at", "Evicted in"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	for _, entry := range entries {
		table.Append([]string{
			entry.Credential.SubjectID,
			redact(entry.Credential.Token),
			entry.Credential.ExpiresAt.Format(time.RFC3339),
			entry.TTL.Round(time.Second).String(),
		})
	}
	table.Render()
	fmt.Printf("%d credential(s)\n", len(entries))
}

// redact keeps the first characters of the token for readability.
func redact(token string) string {
	if len(token) <= 8 {
		return "********"
	}
	return token[:8] + "…"
}
