package commands

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/easelhq/easel/errors"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the Easel database",
	Long: `db — Manage Easel database operations

Examples:
  easel db stats                  # Show canvas, event, and shape counts
  easel db stats --limit 5        # Show the 5 most recently active canvases
  easel db migrate                # Apply pending schema migrations`,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Long:  "Display canvas, event, and shape counts plus the most recently active canvases",
	RunE:  runDbStats,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var (
	statsLimitFlag int
	dbPathFlag     string
)

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Custom database path (overrides config)")
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbMigrateCmd)
	dbStatsCmd.Flags().IntVar(&statsLimitFlag, "limit", 10, "Number of recent canvases to show")
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(dbPathFlag)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	var canvases, events, liveShapes, deletedShapes int
	err = database.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM canvases),
			(SELECT COUNT(*) FROM events),
			(SELECT COUNT(*) FROM shapes WHERE deleted_at IS NULL),
			(SELECT COUNT(*) FROM shapes WHERE deleted_at IS NOT NULL)
	`).Scan(&canvases, &events, &liveShapes, &deletedShapes)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, "failed to query database stats")
	}

	fmt.Println("Database statistics")
	fmt.Printf("  Canvases:       %d\n", canvases)
	fmt.Printf("  Events:         %d\n", events)
	fmt.Printf("  Live shapes:    %d\n", liveShapes)
	fmt.Printf("  Deleted shapes: %d\n", deletedShapes)

	rows, err := database.Query(`
		SELECT c.id, c.name, COALESCE(MAX(e.version), 0), c.updated_at
		FROM canvases c
		LEFT JOIN events e ON e.canvas_id = c.id
		GROUP BY c.id
		ORDER BY c.updated_at DESC
		LIMIT ?
	`, statsLimitFlag)
	if err != nil {
		return errors.Wrap(err, "failed to query recent canvases")
	}
	defer rows.Close()

	printed := false
	for rows.Next() {
		var id, name, updatedAt string
		var version int64
		if err := rows.Scan(&id, &name, &version, &updatedAt); err != nil {
			return errors.Wrap(err, "failed to scan canvas row")
		}
		if !printed {
			fmt.Println("\nRecently active canvases")
			printed = true
		}
		label := name
		if label == "" {
			label = "(unnamed)"
		}
		fmt.Printf("  %-36s  %-20s  v%-6d  %s\n", id, label, version, updatedAt)
	}
	return rows.Err()
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	// openDatabase runs pending migrations as part of opening
	database, err := openDatabase(dbPathFlag)
	if err != nil {
		return errors.Wrap(err, "migration failed")
	}
	defer database.Close()

	fmt.Println("Database schema is up to date")
	return nil
}
