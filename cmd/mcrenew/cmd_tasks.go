package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"mcrenew/internal/app"
	"mcrenew/internal/task"
	"mcrenew/internal/trigger"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Send a snapshot or renew signal to a task",
	Long: `Write a signal into the task's trigger mailbox.

Actions: snapshot (alias screenshot), renew_now, renew_delayed.
renew_delayed requires --delay (minutes, >= 0).`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		id, _ := cmd.Flags().GetString("task-id")
		name, _ := cmd.Flags().GetString("action")
		action, err := trigger.ParseAction(name)
		if err != nil {
			return err
		}
		var delay *int
		if cmd.Flags().Changed("delay") {
			d, _ := cmd.Flags().GetInt("delay")
			delay = &d
		}
		ts, err := app.OpenTasks(configPath, registryPath)
		if err != nil {
			return err
		}
		sig, err := ts.Trigger(cmd.Context(), id, action, delay)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s (id %s)\n", sig.Action, id, sig.ID)
		return nil
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage the task registry",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tasks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ts, err := app.OpenTasks(configPath, registryPath)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tINTERVAL\tENABLED\tMANUAL\tSESSION\tLAST RUN\tURL")
		for _, t := range ts.Registry.List() {
			last := "-"
			if t.LastRun != nil {
				last = t.LastRun.Local().Format(time.DateTime)
			}
			fmt.Fprintf(w, "%s\t%s\t%dm\t%v\t%v\t%v\t%s\t%s\n",
				t.ID, t.Name, t.RenewIntervalMinutes, t.Enabled, t.ManualMode, ts.HasSession(t.ID), last, t.TargetURL)
		}
		return w.Flush()
	},
}

var tasksAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a new task",
	RunE: func(cmd *cobra.Command, _ []string) error {
		f := cmd.Flags()
		id, _ := f.GetString("id")
		name, _ := f.GetString("name")
		url, _ := f.GetString("url")
		interval, _ := f.GetInt("interval")
		disabled, _ := f.GetBool("disabled")
		manual, _ := f.GetBool("manual")
		cookies, _ := f.GetString("cookies")

		id = strings.TrimSpace(id)
		if strings.TrimSpace(name) == "" {
			name = id
		}
		ts, err := app.OpenTasks(configPath, registryPath)
		if err != nil {
			return err
		}
		t, err := ts.Add(task.Task{
			ID:                   id,
			Name:                 strings.TrimSpace(name),
			TargetURL:            strings.TrimSpace(url),
			RenewIntervalMinutes: interval,
			Enabled:              !disabled,
			ManualMode:           manual,
		}, cookies)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added %s (every %dm, enabled=%v)\n", t.ID, t.RenewIntervalMinutes, t.Enabled)
		if cookies == "" && !t.ManualMode {
			fmt.Fprintf(cmd.OutOrStdout(), "no session yet: run \"mcrenew login --task-id %s\" before it can start\n", t.ID)
		}
		return nil
	},
}

var tasksEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a task",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(cmd, args[0], true) },
}

var tasksDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a task (the supervisor stops it)",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setEnabled(cmd, args[0], false) },
}

var tasksDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a task from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, err := app.OpenTasks(configPath, registryPath)
		if err != nil {
			return err
		}
		if err := ts.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

func setEnabled(cmd *cobra.Command, id string, on bool) error {
	ts, err := app.OpenTasks(configPath, registryPath)
	if err != nil {
		return err
	}
	t, err := ts.SetEnabled(id, on)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s enabled=%v\n", t.ID, t.Enabled)
	return nil
}

func init() {
	triggerCmd.Flags().String("task-id", "", "registry task id")
	triggerCmd.Flags().String("action", string(trigger.ActionSnapshot), "snapshot, renew_now or renew_delayed")
	triggerCmd.Flags().Int("delay", 0, "minutes to wait for renew_delayed")
	_ = triggerCmd.MarkFlagRequired("task-id")

	tasksAddCmd.Flags().String("id", "", "task id ([a-z0-9_-]+)")
	tasksAddCmd.Flags().String("name", "", "display name (defaults to the id)")
	tasksAddCmd.Flags().String("url", "", "panel page with the renew button")
	tasksAddCmd.Flags().Int("interval", task.DefaultIntervalMinutes, "renew interval in minutes")
	tasksAddCmd.Flags().Bool("disabled", false, "register without starting")
	tasksAddCmd.Flags().Bool("manual", false, "allow manual login in a visible browser")
	tasksAddCmd.Flags().String("cookies", "", "seed the session from this cookies file")
	_ = tasksAddCmd.MarkFlagRequired("id")
	_ = tasksAddCmd.MarkFlagRequired("url")

	tasksCmd.AddCommand(tasksListCmd, tasksAddCmd, tasksEnableCmd, tasksDisableCmd, tasksDeleteCmd)
}
