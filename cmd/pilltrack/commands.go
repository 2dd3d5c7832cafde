package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/kalambet/pilltrack/internal/cloudsync"
	"github.com/kalambet/pilltrack/internal/config"
	"github.com/kalambet/pilltrack/internal/schedule"
	"github.com/kalambet/pilltrack/internal/tracker"
)

// --- schedule ---

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show the current cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/schedule")
		if err != nil {
			return err
		}
		var v tracker.View
		if err := decodeJSON(resp, &v); err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(os.Stdout, v)
		}
		printSchedule(os.Stdout, v)
		return nil
	},
}

func init() {
	scheduleCmd.Flags().Bool("json", false, "print the schedule as JSON")
}

func cycleLabel(v tracker.View) string {
	if v.Summary.CurrentDay == 0 {
		return fmt.Sprintf("today is outside the %d-day cycle", v.Summary.Total)
	}
	d := v.Days[v.Summary.CurrentDay-1]
	return fmt.Sprintf("day %d of %d (%s, %s)", d.DayIndex, v.Summary.Total, dayKind(d), strings.ToLower(string(d.Status)))
}

// printSchedule renders the cycle as rows of seven days.
func printSchedule(w io.Writer, v tracker.View) {
	fmt.Fprintf(w, "%s  started %s\n", colorize(styleLabel, cycleLabel(v)), v.Plan.Start)
	for i, d := range v.Days {
		cell := fmt.Sprintf("%2d %s", d.DayIndex, statusMark(d))
		if d.Date.Equal(v.Today) {
			cell = colorize(styleToday, cell)
		}
		fmt.Fprint(w, cell)
		if (i+1)%7 == 0 || i == len(v.Days)-1 {
			fmt.Fprintln(w)
		} else {
			fmt.Fprint(w, "  ")
		}
	}
	fmt.Fprintf(w, "taken %d · missed %d · remaining %d\n", v.Summary.Taken, v.Summary.Missed, v.Summary.Remaining)
}

// --- day ---

var dayCmd = &cobra.Command{
	Use:   "day",
	Short: "Record what happened on a day",
}

var daySetCmd = &cobra.Command{
	Use:   "set <day> <taken|missed|not_taken>",
	Short: "Set the status of a day in the current cycle",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[0])
		if err != nil || index < 1 {
			return fmt.Errorf("day must be a positive number, got %q", args[0])
		}
		status, err := schedule.ParseStatus(strings.ToUpper(args[1]))
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), fmt.Sprintf("/days/%d/status", index), map[string]string{"status": string(status)})
		if err != nil {
			return err
		}
		var rec schedule.DayRecord
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}
		printSuccess("Day %d (%s) is %s", rec.DayIndex, rec.Date, strings.ToLower(string(rec.Status)))
		return nil
	},
}

func init() {
	dayCmd.AddCommand(daySetCmd)
}

// --- plan ---

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show or change the cycle plan",
}

var planShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the cycle plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/plan")
		if err != nil {
			return err
		}
		var p schedule.Plan
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		printStatus("Start", "%s", p.Start)
		printStatus("Active days", "%d", p.Config.ActiveCount)
		printStatus("Low-dose days", "%d", p.Config.LowDoseCount)
		printStatus("Placebo days", "%d", p.Config.PlaceboCount)
		return nil
	},
}

var planSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change the cycle plan",
	Long: `Change the cycle plan. Days before today that were never recorded become missed.

Examples:
  pilltrack plan set --active 21 --placebo 7 --start 2026-03-01
  pilltrack plan set --active 24 --placebo 4 --start "last monday"
  pilltrack plan set --active 21 --low-dose 2 --placebo 5 --start "5 days ago"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		active, _ := cmd.Flags().GetInt("active")
		placebo, _ := cmd.Flags().GetInt("placebo")
		lowDose, _ := cmd.Flags().GetInt("low-dose")
		startStr, _ := cmd.Flags().GetString("start")

		cfg := schedule.Configuration{ActiveCount: active, PlaceboCount: placebo, LowDoseCount: lowDose}
		if err := cfg.Validate(); err != nil {
			return err
		}
		start, err := parseStartDate(startStr, time.Now())
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/plan", schedule.Plan{Config: cfg, Start: start})
		if err != nil {
			return err
		}
		var v tracker.View
		if err := decodeJSON(resp, &v); err != nil {
			return err
		}
		printSuccess("Plan saved, %s", cycleLabel(v))
		return nil
	},
}

func init() {
	planSetCmd.Flags().Int("active", schedule.DefaultConfiguration.ActiveCount, "number of active days")
	planSetCmd.Flags().Int("placebo", schedule.DefaultConfiguration.PlaceboCount, "number of placebo days")
	planSetCmd.Flags().Int("low-dose", 0, "number of low-dose days before the placebo days")
	planSetCmd.Flags().String("start", "today", "first day of the cycle (YYYY-MM-DD or e.g. \"last monday\")")
	planCmd.AddCommand(planShowCmd)
	planCmd.AddCommand(planSetCmd)
}

// parseStartDate accepts an ISO date or a natural-language one such as
// "yesterday" or "3 days ago", relative to now.
func parseStartDate(s string, now time.Time) (schedule.Date, error) {
	s = strings.TrimSpace(s)
	if d, err := schedule.ParseDate(s); err == nil {
		return d, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return schedule.Date{}, fmt.Errorf("parsing start date %q: %w", s, err)
	}
	if r == nil {
		return schedule.Date{}, fmt.Errorf("could not understand start date %q", s)
	}
	return schedule.DateOf(r.Time), nil
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Back up and restore through the remote store",
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Upload now, restoring first if the remote backup is newer",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Syncing...")
		resp, err := client.post(cmd.Context(), "/sync/now", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		switch cloudsync.Outcome(result["outcome"]) {
		case cloudsync.OutcomeRestored:
			printWarning("The remote backup was newer; local data was replaced with it")
		case cloudsync.OutcomeNoBackup:
			printWarning("No remote backup yet; run 'pilltrack sync backup' to create one")
		default:
			printSuccess("Sync finished: %s", result["outcome"])
		}
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync bookkeeping",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/sync/status")
		if err != nil {
			return err
		}
		var sv tracker.SyncView
		if err := decodeJSON(resp, &sv); err != nil {
			return err
		}
		printSyncView(sv)
		return nil
	},
}

var syncInitialCmd = &cobra.Command{
	Use:   "initial",
	Short: "Check whether a remote backup exists for this account",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sync/initial", nil)
		if err != nil {
			return err
		}
		var res cloudsync.InitialSyncResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if !res.BackupFound {
			printWarning("No remote backup found. Run 'pilltrack sync backup' to create one from this device.")
			return nil
		}
		printStatus("Backup from", "%s", formatEpochMs(res.RemoteModifiedMs))
		if res.RemoteDeviceID == res.LocalDeviceID {
			printStatus("Device", "this device")
		} else {
			printStatus("Device", "%s", res.RemoteDeviceID)
		}
		printStep("Run 'pilltrack sync restore' to use it, or 'pilltrack sync backup' to overwrite it")
		return nil
	},
}

var syncBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Upload local data, replacing any remote backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sync/backup", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Backup created")
		return nil
	},
}

var syncRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Replace local data with the remote backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/sync/restore", nil)
		if err != nil {
			return err
		}
		var v tracker.View
		if err := decodeJSON(resp, &v); err != nil {
			return err
		}
		printSuccess("Restored, %s", cycleLabel(v))
		return nil
	},
}

var syncAutoCmd = &cobra.Command{
	Use:       "auto <on|off>",
	Short:     "Turn automatic background uploads on or off",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch strings.ToLower(args[0]) {
		case "on":
			enabled = true
		case "off":
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/sync/auto-upload", map[string]bool{"enabled": enabled})
		if err != nil {
			return err
		}
		var sv tracker.SyncView
		if err := decodeJSON(resp, &sv); err != nil {
			return err
		}
		if sv.Bookkeeping.AutoUploadEnabled {
			printSuccess("Automatic upload on")
		} else {
			printSuccess("Automatic upload off; use 'pilltrack sync now' to upload")
		}
		return nil
	},
}

func init() {
	syncCmd.AddCommand(syncNowCmd)
	syncCmd.AddCommand(syncAutoCmd)
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncInitialCmd)
	syncCmd.AddCommand(syncBackupCmd)
	syncCmd.AddCommand(syncRestoreCmd)
}

func syncLabel(sv tracker.SyncView) string {
	b := sv.Bookkeeping
	if !b.SignedIn() {
		return "signed out"
	}
	if b.AuthRequired {
		return fmt.Sprintf("%s needs to sign in again", b.AccountEmail)
	}
	label := fmt.Sprintf("%s, %s", strings.ToLower(string(b.LastStatus)), strings.ToLower(string(sv.State)))
	if b.LastSyncTimeMs > 0 {
		label += ", last synced " + formatEpochMs(b.LastSyncTimeMs)
	}
	return label
}

func printSyncView(sv tracker.SyncView) {
	b := sv.Bookkeeping
	if !b.SignedIn() {
		printStatus("Account", "signed out")
		return
	}
	printStatus("Account", "%s", b.AccountEmail)
	printStatus("State", "%s", sv.State)
	printStatus("Last status", "%s", b.LastStatus)
	if b.LastSyncTimeMs > 0 {
		printStatus("Last sync", "%s", formatEpochMs(b.LastSyncTimeMs))
	}
	if b.LastError != "" {
		printStatus("Last error", "%s", colorize(styleError, b.LastError))
	}
	printStatus("Auto upload", "%t", b.AutoUploadEnabled)
	if b.AuthRequired {
		printWarning("Sign in again to resume syncing")
	}
}

func formatEpochMs(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

// --- account ---

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Attach or detach the backup account",
}

var accountSignInCmd = &cobra.Command{
	Use:   "sign-in <email>",
	Short: "Sign in to the backup account and turn on sync",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"email": args[0]}
		if rt, _ := cmd.Flags().GetString("refresh-token"); rt != "" {
			body["refresh_token"] = rt
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/account/sign-in", body)
		if err != nil {
			return err
		}
		var sv tracker.SyncView
		if err := decodeJSON(resp, &sv); err != nil {
			return err
		}
		printSuccess("Signed in as %s", sv.Bookkeeping.AccountEmail)
		if !sv.Bookkeeping.InitialSyncCompleted {
			printStep("Run 'pilltrack sync initial' to look for an existing backup")
		}
		return nil
	},
}

var accountSignOutCmd = &cobra.Command{
	Use:   "sign-out",
	Short: "Sign out and stop syncing",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/account/sign-out", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Signed out")
		return nil
	},
}

func init() {
	accountSignInCmd.Flags().String("refresh-token", "", "OAuth refresh token for the remote store")
	accountCmd.AddCommand(accountSignInCmd)
	accountCmd.AddCommand(accountSignOutCmd)
}

// --- data ---

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Manage local data",
}

var dataWipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Delete all local data and sign out",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL local data and sign out. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/data")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("All local data deleted")
		return nil
	},
}

func init() {
	dataWipeCmd.Flags().Bool("confirm", false, "confirm data wipe")
	dataCmd.AddCommand(dataWipeCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(styleLabel, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret configuration value in the platform keychain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(config.NewKeychain(), args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s in the keychain", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
