package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ignite/campaign-engine/internal/config"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	dir := "migrations"
	listOnly := false
	for _, arg := range os.Args[1:] {
		if arg == "--list" {
			listOnly = true
		} else {
			dir = arg
		}
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("No database URL configured (database.url / DATABASE_URL)")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Database unreachable: %v", err)
	}

	if listOnly {
		if err := listTables(db); err != nil {
			log.Fatalf("List tables: %v", err)
		}
		return
	}

	applied, err := runMigrations(db, dir)
	if err != nil {
		log.Fatalf("Migrations aborted: %v", err)
	}
	log.Printf("Applied %d migration(s) from %s", applied, dir)
}

// runMigrations applies every .sql file in dir in lexical order, one file
// per transaction. The first failure stops the run so later migrations never
// land on a half-applied schema.
func runMigrations(db *sql.DB, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		sqlText, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return applied, fmt.Errorf("read %s: %w", name, err)
		}
		if strings.TrimSpace(string(sqlText)) == "" {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return applied, fmt.Errorf("%s: begin: %w", name, err)
		}
		if _, err := tx.Exec(string(sqlText)); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("%s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("%s: commit: %w", name, err)
		}
		log.Printf("Applied %s", name)
		applied++
	}
	return applied, nil
}

// listTables prints the engine's tables so a deploy can be sanity-checked
// without psql access.
func listTables(db *sql.DB) error {
	rows, err := db.Query(`SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		AND (tablename LIKE 'campaign%' OR tablename = 'subscribers')
		ORDER BY tablename`)
	if err != nil {
		return err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		fmt.Println("  " + name)
		count++
	}
	fmt.Printf("%d table(s)\n", count)
	return rows.Err()
}
