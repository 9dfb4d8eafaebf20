package cmd

import (
	"errors"
	"fmt"
	"log"

	"github.com/radiantarchive/keybot/keybot"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and seed the runtime config",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable KEYBOT_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable KEYBOT_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		db, err := keybot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		out := cmd.OutOrStdout()

		var runtimeConfig keybot.RuntimeConfig
		rv := db.Last(&runtimeConfig)
		if rv.Error != nil {
			if errors.Is(rv.Error, gorm.ErrRecordNotFound) {
				runtimeConfig = keybot.DefaultRuntimeConfig(cfg)
				if err = db.Create(&runtimeConfig).Error; err != nil {
					log.Fatalf("Error creating runtime config: %v", err)
				}
				fmt.Fprintln(out, "Runtime config created.")
			} else {
				log.Fatalf("Error retrieving runtime config: %s", rv.Error.Error())
			}
		} else {
			fmt.Fprintln(out, "Runtime config already exists.")
		}

		if runtimeConfig.AnnounceChannelID == "" {
			fmt.Fprintln(
				out,
				"No announce channel set. Set one with the /announce command "+
					"once the bot is running, or via KEYBOT_DISCORD_ANNOUNCE_CHANNEL_ID.",
			)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
