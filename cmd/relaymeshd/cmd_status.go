package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relaymesh/internal/daemon"
	"github.com/relaymesh/relaymesh/internal/storage"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, agent, and worker state",
	RunE:  runStatus,
}

// runStatus reads the shared snapshot files directly; the daemon writes
// them atomically so a concurrent read never sees a torn file.
func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(flagConfig)
	if err != nil {
		return err
	}

	pid, err := storage.ReadPIDFile(cfg.SocketPath)
	if err != nil {
		fmt.Println("daemon: not running")
	} else {
		fmt.Printf("daemon: running (pid %d, socket %s)\n", pid, cfg.SocketPath)
	}

	directory, err := storage.NewAgentDirectory(cfg.BaseDir)
	if err != nil {
		return err
	}
	agents := directory.List()
	fmt.Printf("\nagents (%d):\n", len(agents))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCLI\tSENT\tRECEIVED\tLAST SEEN")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			a.Name, a.CLI, a.MessagesSent, a.MessagesReceived,
			a.LastSeen.Format("2006-01-02 15:04:05"))
	}
	w.Flush()

	workers, err := storage.NewWorkerStore(cfg.BaseDir)
	if err != nil {
		return err
	}
	records := workers.List()
	fmt.Printf("\nworkers (%d):\n", len(records))
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPID\tCLI\tTEAM\tSTARTED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			r.Name, r.PID, r.CLI, r.Team,
			r.StartedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("relaymeshd", version)
	},
}
