package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"sequelwatch/internal/titles"
)

func newNormalizeCommand() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:         "normalize <title>...",
		Short:       "Show how raw titles normalize",
		Args:        cobra.MinimumNArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			normalizer := titles.NewNormalizer()
			type row struct {
				Raw       string                `json:"raw"`
				Rule      string                `json:"rule"`
				Canonical titles.CanonicalTitle `json:"canonical"`
			}
			results := make([]row, 0, len(args))
			for _, raw := range args {
				results = append(results, row{Raw: raw, Rule: normalizer.Rule(raw), Canonical: normalizer.Normalize(raw)})
			}
			if jsonOut {
				return writeJSON(cmd, results)
			}

			rows := make([][]string, 0, len(results))
			for _, r := range results {
				c := r.Canonical
				rule := r.Rule
				if rule == "" {
					rule = "fallback"
				}
				rows = append(rows, []string{
					r.Raw,
					c.BaseTitle,
					string(c.Kind),
					optionalInt(c.Season),
					optionalInt(c.Episode),
					optionalInt(c.Year),
					rule,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Raw", "Base title", "Kind", "Season", "Episode", "Year", "Rule"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func optionalInt(v int) string {
	if v == 0 {
		return "-"
	}
	return strconv.Itoa(v)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
