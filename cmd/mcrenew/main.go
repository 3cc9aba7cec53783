// Command mcrenew keeps free game-server hosting sessions alive by clicking
// the panel's renew control on a schedule, one supervised browser process
// per server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mcrenew/internal/app"
)

var (
	configPath   string
	registryPath string
)

var rootCmd = &cobra.Command{
	Use:   "mcrenew",
	Short: "Keep free hosting sessions alive",
	Long: `mcrenew drives a headless browser to press a hosting panel's renew
button on a fixed interval. Each task runs in its own process under
"mcrenew supervise"; "mcrenew run" runs one task in the foreground.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "app config (json, jsonc or yaml)")
	rootCmd.PersistentFlags().StringVar(&registryPath, "registry", "", "task registry path (default <data_dir>/tasks.json)")
	rootCmd.AddCommand(runCmd, superviseCmd, loginCmd, triggerCmd, tasksCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(app.ExitCode(err))
	}
}
