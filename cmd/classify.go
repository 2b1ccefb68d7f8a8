package cmd

import (
	"fmt"
	"os"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/termin-cli/api/schemas"
	"github.com/xkilldash9x/termin-cli/internal/pageflow"
)

// classification is what the classify command prints for a saved page.
type classification struct {
	URL            string           `json:"url"`
	Type           schemas.PageType `json:"type"`
	Gated          bool             `json:"gated"`
	MonthChallenge bool             `json:"month_challenge"`
	NoAppointments bool             `json:"no_appointments"`
	Days           []pageflow.Link  `json:"days,omitempty"`
	Slots          []pageflow.Link  `json:"slots,omitempty"`
}

func newClassifyCmd() *cobra.Command {
	var pageURL string

	cmd := &cobra.Command{
		Use:   "classify <file.html>",
		Short: "Classify a saved page offline and list the links the workers would follow",
		Args:  cobra.ExactArgs(1),
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read page: %w", err)
			}
			out, err := json.MarshalIndent(classifyPage(pageURL, string(content)), "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().StringVarP(&pageURL, "url", "u", "", "URL the page was saved from; it takes precedence over content markers")
	return cmd
}

func classifyPage(pageURL, content string) classification {
	view := pageflow.Inspect(pageURL, content)
	c := classification{
		URL:            pageURL,
		Type:           view.Type,
		Gated:          view.Gated,
		MonthChallenge: view.MonthChallenge,
		NoAppointments: view.NoAppointments,
	}
	switch view.Type {
	case schemas.PageMonth:
		c.Days = pageflow.DayLinks(pageURL, content)
	case schemas.PageDay:
		c.Slots = pageflow.SlotLinks(pageURL, content)
	}
	return c
}
