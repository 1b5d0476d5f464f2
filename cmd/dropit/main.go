package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"dropit/internal/client"
)

var (
	serverURL string
	downloads int
	username  string
	password  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "dropit",
		Short:        "dropit - share files through an ephemeral drop server",
		SilenceUsage: true,
	}

	pushCmd := &cobra.Command{
		Use:   "push FILE...",
		Short: "Upload files and print their links",
		RunE:  runPush,
	}
	pushCmd.Flags().StringVarP(&serverURL, "server", "s", envOr("DROPIT_SERVER", "http://localhost:8080"), "server base URL")
	pushCmd.Flags().IntVarP(&downloads, "downloads", "n", 0, "maximum number of downloads (0 = unlimited)")
	pushCmd.Flags().StringVarP(&username, "user", "u", os.Getenv("DROPIT_USER"), "username for servers that require authentication")
	pushCmd.Flags().StringVarP(&password, "password", "p", os.Getenv("DROPIT_PASSWORD"), "password for servers that require authentication")

	rootCmd.AddCommand(pushCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runPush(cmd *cobra.Command, args []string) error {
	files, err := client.ParseArgs(args)
	if err != nil {
		return err
	}

	c := client.New(serverURL)
	c.Username, c.Password = username, password

	for _, file := range files {
		res, err := c.Push(cmd.Context(), file, downloads)
		if err != nil {
			return err
		}

		fmt.Printf("✓ %s (%s)\n", res.Filename, humanize.Bytes(uint64(res.Size)))
		fmt.Printf("  %s\n", res.ShortURL)
		fmt.Printf("  %s\n", res.LongURL)
		fmt.Printf("  expires %s (%s)", res.ExpiresAt.Local().Format(time.RFC1123), humanize.Time(res.ExpiresAt))
		if res.DownloadsRemaining != nil {
			fmt.Printf(", %d downloads", *res.DownloadsRemaining)
		}
		fmt.Printf("\n  admin token: %s\n", res.AdminToken)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
