package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jward/arbor/internal/tracestore"
)

var (
	flagSession string
	flagKind    string
	flagBinding string
	flagLimit   int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recorded events",
	Long:  "Lists the events of a recorded session, the most recent one by default.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := tracestore.NewStore(flagDB)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(); err != nil {
			return err
		}

		events, err := listEvents(store, tracestore.EventQuery{
			SessionID: flagSession,
			Kind:      flagKind,
			Binding:   flagBinding,
			Limit:     flagLimit,
		})
		if err != nil {
			return err
		}
		return writeEvents(cmd.OutOrStdout(), flagFormat, events)
	},
}

func init() {
	eventsCmd.Flags().StringVar(&flagSession, "session", "", "session ID (default: latest session)")
	eventsCmd.Flags().StringVar(&flagKind, "kind", "", "only events of this kind (enter, return, exceptional, input, load_source, execute_source, load_section)")
	eventsCmd.Flags().StringVar(&flagBinding, "binding", "", "only events of this binding")
	eventsCmd.Flags().IntVar(&flagLimit, "limit", 0, "maximum number of events (0 = all)")
}

// listEvents resolves the session of q, defaulting to the latest one.
func listEvents(store *tracestore.Store, q tracestore.EventQuery) ([]*tracestore.Event, error) {
	if q.SessionID == "" {
		latest, err := store.LatestSession()
		if err != nil {
			return nil, err
		}
		if latest == nil {
			return nil, fmt.Errorf("no recorded sessions in %s", flagDB)
		}
		q.SessionID = latest.ID
	}
	return store.Events(q)
}
