package main

import (
	"time"

	"github.com/spf13/cobra"

	"mcrenew/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one task's renew loop in the foreground",
	Long: `Run the renew loop of a single task until interrupted.

Exit status: 0 on SIGINT/SIGTERM, 1 on a config or task error,
2 when no usable session could be established.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		id, _ := cmd.Flags().GetString("task-id")
		single, _ := cmd.Flags().GetString("single")
		interactive, _ := cmd.Flags().GetBool("interactive")
		return app.RunTask(cmd.Context(), app.RunOptions{
			ConfigPath:   configPath,
			RegistryPath: registryPath,
			TaskID:       id,
			SinglePath:   single,
			Interactive:  interactive,
		})
	},
}

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Supervise every enabled task and serve the control API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		daemon, _ := cmd.Flags().GetBool("daemon")
		return app.Supervise(cmd.Context(), app.SuperviseOptions{
			ConfigPath:   configPath,
			RegistryPath: registryPath,
			Listen:       listen,
			Daemon:       daemon,
		})
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in by hand in a visible browser and save the cookies",
	RunE: func(cmd *cobra.Command, _ []string) error {
		id, _ := cmd.Flags().GetString("task-id")
		url, _ := cmd.Flags().GetString("url")
		out, _ := cmd.Flags().GetString("out")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		return app.Login(cmd.Context(), app.LoginOptions{
			ConfigPath:   configPath,
			RegistryPath: registryPath,
			TaskID:       id,
			URL:          url,
			Out:          out,
			Timeout:      timeout,
		})
	},
}

func init() {
	runCmd.Flags().String("task-id", "", "registry task id")
	runCmd.Flags().String("single", "", "standalone task file instead of a registry entry")
	runCmd.Flags().Bool("interactive", false, "allow a manual login in a visible browser")

	superviseCmd.Flags().String("listen", "", "serve the control API on this address (overrides api.addr)")
	superviseCmd.Flags().Bool("daemon", false, "notify systemd (READY, STOPPING, watchdog)")

	loginCmd.Flags().String("task-id", "", "fill --url and --out from this registry task")
	loginCmd.Flags().String("url", "", "page to open for login")
	loginCmd.Flags().String("out", "", "cookies file to write")
	loginCmd.Flags().Duration("timeout", 300*time.Second, "how long to wait for the login")
}
