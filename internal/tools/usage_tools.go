package tools

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nugget/turnloop/internal/usage"
)

// RegisterUsageTools adds the usage_summary tool, which lets a model
// query recorded token usage and cost. A nil store registers nothing.
func RegisterUsageTools(r *Registry, store *usage.Store) {
	if store == nil {
		return
	}

	r.Register(&Tool{
		Name:        "usage_summary",
		Description: "Query recorded token usage and estimated API cost. Returns totals and an optional breakdown by model or run.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"period": map[string]any{
					"type":        "string",
					"enum":        []string{"today", "yesterday", "week", "month", "all"},
					"description": "Time period to summarize.",
				},
				"group_by": map[string]any{
					"type":        "string",
					"enum":        []string{"model", "run"},
					"description": "Optional: group results by model or run.",
				},
			},
			"required": []string{"period"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			period, _ := args["period"].(string)
			groupBy, _ := args["group_by"].(string)
			start, end := ParsePeriod(period, time.Now())

			summary, err := store.Summary(start, end)
			if err != nil {
				return "", fmt.Errorf("query usage summary: %w", err)
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Usage Summary (%s):\n", period)
			fmt.Fprintf(&sb, "  Total requests: %d\n", summary.TotalRecords)
			fmt.Fprintf(&sb, "  Prompt tokens: %s\n", formatTokenCount(summary.TotalPromptTokens))
			fmt.Fprintf(&sb, "  Completion tokens: %s\n", formatTokenCount(summary.TotalCompletionTokens))
			fmt.Fprintf(&sb, "  Cached tokens: %s\n", formatTokenCount(summary.TotalCachedTokens))
			fmt.Fprintf(&sb, "  Estimated cost: $%.4f\n", summary.TotalCostUSD)

			if groupBy == "" {
				return sb.String(), nil
			}
			grouped, label, err := queryGrouped(store, groupBy, start, end)
			if err != nil {
				return "", err
			}
			if len(grouped) == 0 {
				return sb.String(), nil
			}
			keys := make([]string, 0, len(grouped))
			for k := range grouped {
				keys = append(keys, k)
			}
			slices.Sort(keys)

			fmt.Fprintf(&sb, "\nBy %s:\n", label)
			for _, key := range keys {
				sum := grouped[key]
				display := key
				if display == "" {
					display = "(none)"
				}
				fmt.Fprintf(&sb, "  %s: $%.4f (%d requests, %s in / %s out)\n",
					display, sum.TotalCostUSD, sum.TotalRecords,
					formatTokenCount(sum.TotalPromptTokens),
					formatTokenCount(sum.TotalCompletionTokens),
				)
			}
			return sb.String(), nil
		},
	})
}

// queryGrouped dispatches the grouped summary query based on the
// group_by parameter.
func queryGrouped(store *usage.Store, groupBy string, start, end time.Time) (map[string]*usage.Summary, string, error) {
	switch groupBy {
	case "model":
		result, err := store.SummaryByModel(start, end)
		return result, "Model", err
	case "run":
		result, err := store.SummaryByRun(start, end)
		return result, "Run", err
	default:
		return nil, "", fmt.Errorf("unknown group_by %q", groupBy)
	}
}

// ParsePeriod converts a period name (today, yesterday, week, month,
// all) to a start/end time range.
func ParsePeriod(period string, now time.Time) (time.Time, time.Time) {
	end := now.Add(1 * time.Minute) // slight future buffer

	switch period {
	case "today":
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return start, end
	case "yesterday":
		yesterday := now.AddDate(0, 0, -1)
		start := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, yesterday.Location())
		endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return start, endOfDay
	case "week":
		return now.AddDate(0, 0, -7), end
	case "month":
		return now.AddDate(0, -1, 0), end
	default:
		return time.Time{}, end
	}
}

// formatTokenCount formats a token count as a compact string (e.g.,
// "1.23M", "456.0K", "789").
func formatTokenCount(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2fM", float64(n)/1_000_000.0)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000.0)
	}
	return fmt.Sprintf("%d", n)
}
