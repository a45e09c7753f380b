package cli

import (
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/speedrun-hq/dca-executor/pkg/app"
	"github.com/speedrun-hq/dca-executor/pkg/discovery"
	"github.com/speedrun-hq/dca-executor/pkg/eligibility"
	"github.com/speedrun-hq/dca-executor/pkg/runner"
)

var (
	noSchedule bool

	limit         int
	cursor        string
	owner         string
	inputType     string
	outputType    string
	returnPartial bool
	discoverAll   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP adapter and run batches on SCHEDULE",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cmd.Context(), cfg, log, true)
		if err != nil {
			return err
		}
		return a.Serve(cmd.Context(), !noSchedule)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run batches on SCHEDULE without the HTTP adapter",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cmd.Context(), cfg, log, true)
		if err != nil {
			return err
		}
		return a.Schedule(cmd.Context())
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Print the orders that are due for execution",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cmd.Context(), cfg, log, false)
		if err != nil {
			return err
		}

		opts := discovery.DiscoverOptions{Limit: limit, Cursor: cursor, Filters: filters()}
		if discoverAll {
			orders, err := a.DiscoverAll(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(orders)
		}
		res, err := a.Discover(cmd.Context(), opts)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Execute one bounded batch of due orders and print the summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cmd.Context(), cfg, log, true)
		if err != nil {
			return err
		}
		go func() {
			<-cmd.Context().Done()
			a.Shutdown()
		}()

		res, err := a.Execute(cmd.Context(), runner.ExecuteRequest{
			Limit:         limit,
			Cursor:        cursor,
			Filters:       filters(),
			ReturnPartial: returnPartial,
		})
		// an order still being sent after the deadline is waited for
		a.Shutdown()
		if res != nil {
			if perr := printJSON(res); perr != nil {
				return perr
			}
		}
		return err
	},
}

func filters() eligibility.Filters {
	return eligibility.Filters{Owner: owner, InputType: inputType, OutputType: outputType}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	serveCmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "Only serve HTTP, do not run scheduled batches")

	for _, cmd := range []*cobra.Command{discoverCmd, executeCmd} {
		cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of orders")
		cmd.Flags().StringVar(&cursor, "cursor", "", "Resume from a previous cursor")
		cmd.Flags().StringVar(&owner, "owner", "", "Only orders of this owner")
		cmd.Flags().StringVar(&inputType, "input-token", "", "Only orders selling this token")
		cmd.Flags().StringVar(&outputType, "output-token", "", "Only orders buying this token")
	}
	discoverCmd.Flags().BoolVar(&discoverAll, "all", false, "Walk the whole order log")
	executeCmd.Flags().BoolVar(&returnPartial, "partial", true, "Return partial results when the batch deadline is hit")
}
