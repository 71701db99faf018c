package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tomberek/sqlstage"
)

var (
	schemaPath string
	debug      bool
	silent     bool
)

func loadSchema() (*sqlstage.Schema, error) {
	if schemaPath == "" {
		return nil, fmt.Errorf("--schema is required")
	}
	return sqlstage.LoadSchemaFile(schemaPath)
}

func main() {
	root := &cobra.Command{
		Use:           "sqlstage",
		Short:         "Maintain schema-driven SQLite databases: check, merge, migrate, recover",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.InfoLevel
			if debug {
				level = zerolog.DebugLevel
			}
			if silent {
				level = zerolog.WarnLevel
			}
			log.Logger = zerolog.New(zerolog.ConsoleWriter{
				Out:        os.Stderr,
				TimeFormat: time.Kitchen,
			}).Level(level).With().Timestamp().Logger()
		},
	}
	root.PersistentFlags().StringVarP(&schemaPath, "schema", "s", "", "path to the JSON schema descriptor")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "verbose logging")
	root.PersistentFlags().BoolVarP(&silent, "silent", "q", false, "warnings only")

	root.AddCommand(checkCmd(), mergeCmd(), migrateCmd(), leftoversCmd(), describeCmd())
	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("Failed")
		os.Exit(1)
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check DATABASE",
		Short: "Verify and repair a database left behind by a crashed writer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := loadSchema()
			if err != nil {
				return err
			}
			return sqlstage.Check(args[0], schema)
		},
	}
}

func mergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge OUTPUT INPUT...",
		Short: "Fold one or more databases into another, deduplicating as it goes",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := loadSchema()
			if err != nil {
				return err
			}
			return sqlstage.MergeFiles(args[0], schema, args[1:]...)
		},
	}
}

func migrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate DATABASE",
		Short: "Upgrade a database to the descriptor's schema version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := loadSchema()
			if err != nil {
				return err
			}
			return sqlstage.Migrate(args[0], schema, dir)
		},
	}
	cmd.Flags().StringVarP(&dir, "migrations", "m", "migrations", "directory of <from>_<to>.sql scripts")
	return cmd
}

func leftoversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leftovers DATABASE",
		Short: "Recover abandoned staging databases into the main database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := loadSchema()
			if err != nil {
				return err
			}
			n, err := sqlstage.Leftovers(args[0], schema)
			if err != nil {
				return err
			}
			log.Info().Int("recovered", n).Msg("Done")
			return nil
		},
	}
}

func describeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe",
		Short: "Print the DDL and derived identity metadata of the schema descriptor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := loadSchema()
			if err != nil {
				return err
			}
			fmt.Printf("version: %s\n", schema.Version)
			for _, name := range schema.TableNames() {
				t := schema.TableByName(name)
				fmt.Printf("\n-- %s [%s] signature(%s)\n", name, t.Shape(),
					strings.Join(t.Signature(), ", "))
				fmt.Println(t.CreateSQL() + ";")
				for _, stmt := range t.IndexSQL() {
					fmt.Println(stmt + ";")
				}
			}
			return nil
		},
	}
}
