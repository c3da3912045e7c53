package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/kalpana/internal/console"
)

var (
	consoleAs       string
	consoleInterval time.Duration
)

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringVar(&consoleAs, "as", "", "Approver label recorded when the socket peer cannot be identified")
	consoleCmd.Flags().DurationVar(&consoleInterval, "interval", time.Second, "Pending list refresh interval")
}

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive approve/deny console",
	Long:  "Opens a terminal view of pending confirmations. Use a to approve, d to deny.",
	RunE:  runConsole,
}

func runConsole(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	defer c.Close()
	return console.Run(c, consoleAs, consoleInterval)
}
