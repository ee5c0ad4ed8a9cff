// Command bootstrap prepares a fresh deployment: it creates an admin
// account (printing the raw API key exactly once) and optionally seeds the
// default rule set.
//
//	bootstrap -admin ops-admin
//	bootstrap -seed-rules
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/gatekeeper-sh/gatekeeper/accounts"
	"github.com/gatekeeper-sh/gatekeeper/rules"
)

// defaultRules is the starting policy for a new deployment: everyday
// read-only commands auto-accept, destructive or system-altering commands
// queue for approval, and the catastrophic ones are rejected outright.
var defaultRules = []rules.Rule{
	{Pattern: `^ls(\s|$)`, Action: rules.ActionAutoAccept, Priority: 10, Description: "List directory"},
	{Pattern: `^pwd(\s|$)`, Action: rules.ActionAutoAccept, Priority: 10, Description: "Print working directory"},
	{Pattern: `^cd\s`, Action: rules.ActionAutoAccept, Priority: 10, Description: "Change directory"},
	{Pattern: `^cat\s`, Action: rules.ActionAutoAccept, Priority: 9, Description: "Read file"},
	{Pattern: `^echo\s`, Action: rules.ActionAutoAccept, Priority: 9, Description: "Echo text"},

	{Pattern: `^rm(\s|$)`, Action: rules.ActionRequireApproval, Priority: 50, Description: "File deletion requires approval"},
	{Pattern: `^rm\s+-rf\s+/(\s|$)`, Action: rules.ActionAutoReject, Priority: 100, Description: "Dangerous delete root"},
	{Pattern: `^chmod\s+7\d\d`, Action: rules.ActionRequireApproval, Priority: 60, Description: "High-permission change"},
	{Pattern: `^chown\s`, Action: rules.ActionRequireApproval, Priority: 60, Description: "Ownership changes need approval"},
	{Pattern: `^dd\s`, Action: rules.ActionRequireApproval, Priority: 70, Description: "Disk write utility"},

	{Pattern: `^curl\s`, Action: rules.ActionAutoAccept, Priority: 8, Description: "HTTP requests"},
	{Pattern: `^wget\s`, Action: rules.ActionAutoAccept, Priority: 8, Description: "Download files"},
	{Pattern: `^scp\s`, Action: rules.ActionRequireApproval, Priority: 55, Description: "Remote copy"},
	{Pattern: `^ssh\s`, Action: rules.ActionRequireApproval, Priority: 55, Description: "SSH connections"},

	{Pattern: `^ps(\s|$)`, Action: rules.ActionAutoAccept, Priority: 8, Description: "Process list"},
	{Pattern: `^top(\s|$)`, Action: rules.ActionAutoAccept, Priority: 8, Description: "System monitor"},
	{Pattern: `^kill\s`, Action: rules.ActionRequireApproval, Priority: 50, Description: "Terminate processes"},

	{Pattern: `^apt(-get)?\s+install\s`, Action: rules.ActionRequireApproval, Priority: 50, Description: "Install packages"},
	{Pattern: `^apt(-get)?\s+update(\s|$)`, Action: rules.ActionAutoAccept, Priority: 9, Description: "Update package lists"},
	{Pattern: `^apt(-get)?\s+upgrade(\s|$)`, Action: rules.ActionRequireApproval, Priority: 50, Description: "Upgrade packages"},
	{Pattern: `^yum\s+install\s`, Action: rules.ActionRequireApproval, Priority: 50, Description: "Install packages (yum)"},

	{Pattern: `^docker\s+ps(\s|$)`, Action: rules.ActionAutoAccept, Priority: 9, Description: "List containers"},
	{Pattern: `^docker\s+images(\s|$)`, Action: rules.ActionAutoAccept, Priority: 9, Description: "List images"},
	{Pattern: `^docker\s+pull\s`, Action: rules.ActionAutoAccept, Priority: 9, Description: "Pull image"},
	{Pattern: `^docker\s+run\s`, Action: rules.ActionRequireApproval, Priority: 55, Description: "Run container"},
	{Pattern: `^docker\s+rm\s`, Action: rules.ActionRequireApproval, Priority: 55, Description: "Remove container"},
	{Pattern: `^docker\s+rmi\s`, Action: rules.ActionRequireApproval, Priority: 55, Description: "Remove image"},
	{Pattern: `^docker\s+system\s+prune(\s|$)`, Action: rules.ActionRequireApproval, Priority: 70, Description: "Prune system"},

	{Pattern: `^git\s+status(\s|$)`, Action: rules.ActionAutoAccept, Priority: 9, Description: "Git status"},
	{Pattern: `^git\s+clone\s`, Action: rules.ActionAutoAccept, Priority: 9, Description: "Git clone"},
	{Pattern: `^git\s+push(\s|$)`, Action: rules.ActionRequireApproval, Priority: 55, Description: "Push to remote"},
	{Pattern: `^git\s+reset\s+--hard`, Action: rules.ActionRequireApproval, Priority: 70, Description: "Hard reset"},

	{Pattern: `^systemctl\s+status\s`, Action: rules.ActionAutoAccept, Priority: 9, Description: "Service status"},
	{Pattern: `^systemctl\s+(restart|stop)\s`, Action: rules.ActionRequireApproval, Priority: 60, Description: "Restart/stop services"},

	{Pattern: `^mkfs\s`, Action: rules.ActionAutoReject, Priority: 100, Description: "Format filesystem"},
	{Pattern: `^mount\s`, Action: rules.ActionRequireApproval, Priority: 60, Description: "Mount filesystems"},

	{Pattern: `^whoami(\s|$)`, Action: rules.ActionAutoAccept, Priority: 8, Description: "Current user"},
	{Pattern: `^id(\s|$)`, Action: rules.ActionAutoAccept, Priority: 8, Description: "User identity"},
}

func main() {
	var (
		databaseURL string
		adminName   string
		seedRules   bool
	)
	flag.StringVar(&databaseURL, "database", os.Getenv("DATABASE_URL"), "Database URL (defaults to DATABASE_URL)")
	flag.StringVar(&adminName, "admin", "", "Username for a new admin account")
	flag.BoolVar(&seedRules, "seed-rules", false, "Insert the default rule set")
	flag.Parse()

	if databaseURL == "" {
		log.Fatal("database URL is required: use -database or set DATABASE_URL")
	}
	if adminName == "" && !seedRules {
		log.Fatal("nothing to do: pass -admin and/or -seed-rules")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	if adminName != "" {
		if err := createAdmin(ctx, db, adminName); err != nil {
			log.Fatalf("failed to create admin: %v", err)
		}
	}
	if seedRules {
		if err := seedDefaultRules(ctx, db); err != nil {
			log.Fatalf("failed to seed rules: %v", err)
		}
	}
}

func createAdmin(ctx context.Context, db *sql.DB, username string) error {
	store := accounts.NewPostgresStore(db)

	if _, err := store.GetByUsername(ctx, username); err == nil {
		return fmt.Errorf("account %q already exists", username)
	}

	rawKey, err := accounts.GenerateAPIKey()
	if err != nil {
		return err
	}

	admin := &accounts.Account{
		ID:         uuid.NewString(),
		Username:   username,
		APIKeyHash: accounts.HashAPIKey(rawKey),
		Role:       accounts.RoleAdmin,
		Credits:    0,
	}
	if err := store.Create(ctx, admin); err != nil {
		return err
	}

	fmt.Printf("Admin account created:\n")
	fmt.Printf("  id:       %s\n", admin.ID)
	fmt.Printf("  username: %s\n", admin.Username)
	fmt.Printf("Save this API key now, it is not stored in plaintext:\n")
	fmt.Printf("  api key:  %s\n", rawKey)
	return nil
}

func seedDefaultRules(ctx context.Context, db *sql.DB) error {
	store := rules.NewPostgresStore(db)
	engine, err := rules.NewEngine(store)
	if err != nil {
		return err
	}

	inserted, skipped := 0, 0
	for _, seed := range defaultRules {
		rule := seed
		rule.ID = uuid.NewString()
		if err := engine.AddRule(ctx, &rule); err != nil {
			log.Printf("skipping rule %q: %v", rule.Pattern, err)
			skipped++
			continue
		}
		inserted++
	}
	fmt.Printf("Seeded %d rules (%d skipped).\n", inserted, skipped)
	return nil
}
