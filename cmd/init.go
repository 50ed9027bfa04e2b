package cmd

import (
	"fmt"
	"log"

	"github.com/ReverendTrivium/RedactedBot-sub001/mutebot"
	"github.com/spf13/cobra"
)

var (
	initGuildID    string
	initMuteRoleID string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and optionally set a guild's mute role",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable MB_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable MB_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		if (initGuildID == "") != (initMuteRoleID == "") {
			return fmt.Errorf("--guild-id and --mute-role-id must be set together")
		}

		db, err := mutebot.CreateDB(
			ctx,
			cfg.DatabaseType,
			cfg.Database,
			cfg.DatabaseLogLevel,
			cfg.DatabaseSlowThreshold,
		)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer func() {
			_ = sqlDB.Close()
		}()

		out := cmd.OutOrStdout()
		if initGuildID != "" {
			store := mutebot.NewDatabase(db, nil, false)
			settings, err := store.SetMuteRole(ctx, initGuildID, initMuteRoleID)
			if err != nil {
				return fmt.Errorf("error setting mute role: %w", err)
			}
			fmt.Fprintf(
				out,
				"Mute role for guild %s set to %s\n",
				settings.GuildID,
				settings.MuteRoleID,
			)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(
		&initGuildID,
		"guild-id",
		"",
		"Guild to configure a mute role for",
	)
	initCmd.Flags().StringVar(
		&initMuteRoleID,
		"mute-role-id",
		"",
		"Role assigned to muted members of --guild-id",
	)
}
