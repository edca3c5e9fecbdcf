package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pulsekit/pulse/pkg/config"
	"github.com/pulsekit/pulse/pkg/consent"
	"github.com/pulsekit/pulse/pkg/storage"
	"github.com/pulsekit/pulse/pkg/tui"
)

var (
	consentDir string
	consentYes bool
)

var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Manage the persisted consent record",
	Long: `Inspect or change the consent record in the file store.

A running client watching the same directory picks the change up
immediately: granting opens the pipeline, revoking halts capture and
purges queued events.

Examples:
  pulse consent status
  pulse consent grant
  pulse consent revoke --yes`,
}

var consentGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant tracking consent",
	RunE:  runConsentGrant,
}

var consentRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke tracking consent",
	RunE:  runConsentRevoke,
}

var consentStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current consent record",
	RunE:  runConsentStatus,
}

func init() {
	cfg := config.Global().Get()

	consentCmd.PersistentFlags().StringVar(&consentDir, "dir", cfg.Storage.Dir, "State directory")
	consentRevokeCmd.Flags().BoolVarP(&consentYes, "yes", "y", false, "Skip confirmation")

	consentCmd.AddCommand(consentGrantCmd)
	consentCmd.AddCommand(consentRevokeCmd)
	consentCmd.AddCommand(consentStatusCmd)
	rootCmd.AddCommand(consentCmd)
}

// openConsent loads the consent manager over the file store.
func openConsent(ctx context.Context) (*consent.Manager, *storage.FileStore, error) {
	store, err := storage.NewFileStore(consentDir)
	if err != nil {
		return nil, nil, err
	}

	cfg := config.Global().Get()
	mgr := consent.NewManager(store, consent.Config{
		Version:           cfg.Consent.Version,
		RetentionDays:     cfg.Consent.RetentionDays,
		RespectDoNotTrack: cfg.Consent.RespectDoNotTrack,
	})
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, err
	}
	return mgr, store, nil
}

func runConsentGrant(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	mgr, store, err := openConsent(ctx)
	if err != nil {
		return err
	}

	if err := mgr.Grant(ctx); err != nil {
		return err
	}

	rec := mgr.Record()
	tui.PrintConsent(rec.Granted(), rec.ConsentVersion, rec.ConsentTimestamp)
	if verbose {
		fmt.Printf("  Record: %s\n", store.Path(storage.KeyConsent))
	}
	return nil
}

func runConsentRevoke(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	mgr, _, err := openConsent(ctx)
	if err != nil {
		return err
	}

	if !consentYes {
		ok, err := tui.Confirm("Revoke consent and stop capture?")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("  Cancelled.")
			return nil
		}
	}

	if err := mgr.Revoke(ctx); err != nil {
		return err
	}

	rec := mgr.Record()
	tui.PrintConsent(rec.Granted(), rec.ConsentVersion, rec.ConsentTimestamp)
	return nil
}

func runConsentStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	mgr, store, err := openConsent(ctx)
	if err != nil {
		return err
	}

	rec := mgr.Record()
	tui.PrintConsent(rec.Granted(), rec.ConsentVersion, rec.ConsentTimestamp)

	if mgr.DoNotTrack() {
		fmt.Println("  Do-Not-Track is asserted: capture stays off regardless of the record.")
	}
	if verbose {
		fmt.Printf("  Record: %s\n", store.Path(storage.KeyConsent))
	}
	return nil
}
