// Command mcp-server is the stdio coordination process each agent wrapper
// script points its agent program's MCP client configuration at. One
// process per session, sharing the project's single SQLite-backed store.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hexonal/splitmind/coordination"
	"github.com/hexonal/splitmind/log"
)

func main() {
	log.Initialize(true)
	defer log.Close()

	projectRoot := os.Getenv("SPLITMIND_PROJECT_ROOT")
	if projectRoot == "" {
		var err error
		projectRoot, err = os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "splitmind-mcp: failed to resolve project root: %v\n", err)
			os.Exit(1)
		}
	}

	projectID := os.Getenv("PROJECT_ID")
	if projectID == "" {
		fmt.Fprintln(os.Stderr, "splitmind-mcp: PROJECT_ID is required")
		os.Exit(1)
	}

	dbPath := filepath.Join(projectRoot, ".splitmind", "coordination.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "splitmind-mcp: failed to create state directory: %v\n", err)
		os.Exit(1)
	}

	store, err := coordination.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "splitmind-mcp: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	log.InfoLog.Printf("splitmind-mcp: serving project %s from %s", projectID, dbPath)

	srv := coordination.NewServer(store, projectID)
	if err := srv.Serve(); err != nil {
		log.ErrorLog.Printf("splitmind-mcp: fatal: %v", err)
		fmt.Fprintf(os.Stderr, "splitmind-mcp: %v\n", err)
		os.Exit(1)
	}
}
