// Campaign Report Tool summarizes popup displays for one campaign.
//
// It reads the displays table in ClickHouse and prints counted displays,
// confirmed renders, unique visitors and breakdowns by source, variant,
// country and the trigger that fired.
//
// Usage:
//
//	go run ./tools/campaign_report -campaign-id=cart-rescue -days=30
//
// Configuration:
//
//	-campaign-id: Required. The campaign ID to report on
//	-days: Optional. Number of days to include in the report (default: 7)
//	-clickhouse-dsn: Optional. ClickHouse connection string (default: tcp://localhost:9000)
//
// Environment Variables:
//
//	CLICKHOUSE_DSN: ClickHouse connection string (overridden by -clickhouse-dsn flag)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/patrickwarner/popgate/internal/analytics"
	"github.com/patrickwarner/popgate/internal/observability"
)

func main() {
	var (
		campaignID = flag.String("campaign-id", "", "Campaign ID to generate report for")
		days       = flag.Int("days", 7, "Number of days to include in report")
		dsn        = flag.String("clickhouse-dsn", getEnv("CLICKHOUSE_DSN", "tcp://localhost:9000"), "ClickHouse DSN")
	)
	flag.Parse()

	if *campaignID == "" {
		fmt.Fprintf(os.Stderr, "Error: campaign-id is required\n")
		flag.Usage()
		os.Exit(1)
	}
	if *days <= 0 {
		fmt.Fprintf(os.Stderr, "Error: days must be positive\n")
		os.Exit(1)
	}

	a, err := analytics.InitClickHouse(*dsn, observability.NoopRegistry{}, 4, 1, 5*time.Minute, time.Minute)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to ClickHouse: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -*days)
	summary, err := a.SummarizeCampaign(ctx, *campaignID, from, to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating report: %v\n", err)
		os.Exit(1)
	}

	printCampaignReport(summary, *days, to)
}

func printCampaignReport(summary analytics.CampaignSummary, days int, end time.Time) {
	fmt.Printf("═══════════════════════════════════════════════════════════════\n")
	fmt.Printf("                    CAMPAIGN DISPLAY REPORT                    \n")
	fmt.Printf("═══════════════════════════════════════════════════════════════\n")
	fmt.Printf("Campaign ID: %s\n", summary.CampaignID)
	fmt.Printf("Report Period: %d days (ending %s)\n\n", days, end.Format("2006-01-02"))

	fmt.Printf("OVERALL\n")
	fmt.Printf("───────────────────────────────────────────────────────────────\n")
	fmt.Printf("Displays:          %s\n", formatNumber(summary.Displays))
	fmt.Printf("Confirmed renders: %s\n", formatNumber(summary.Rendered))
	fmt.Printf("Unique visitors:   %s\n", formatNumber(summary.UniqueVisitors))
	if summary.Displays > 0 {
		fmt.Printf("Render rate:       %.1f%%\n", float64(summary.Rendered)/float64(summary.Displays)*100)
	}
	if summary.UniqueVisitors > 0 {
		fmt.Printf("Displays/visitor:  %.2f\n", float64(summary.Displays)/float64(summary.UniqueVisitors))
	}
	fmt.Printf("\n")

	printBreakdown("BY SOURCE", summary.BySource)
	printBreakdown("BY VARIANT", summary.ByVariant)
	printBreakdown("BY TRIGGER", summary.ByTrigger)
	printBreakdown("BY COUNTRY", summary.ByCountry)

	if summary.Displays == 0 {
		fmt.Printf("No displays recorded; check the campaign is active and its triggers can fire.\n")
	}
	fmt.Printf("═══════════════════════════════════════════════════════════════\n")
}

func printBreakdown(title string, counts map[string]int64) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return counts[keys[i]] > counts[keys[j]] })

	fmt.Printf("%s\n", title)
	fmt.Printf("───────────────────────────────────────────────────────────────\n")
	for _, k := range keys {
		label := k
		if label == "" {
			label = "(none)"
		}
		fmt.Printf("%-24s %12s\n", label, formatNumber(counts[k]))
	}
	fmt.Printf("\n")
}

// formatNumber formats large integers with comma separators.
// Example: 1234567 becomes "1,234,567"
func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	result := ""
	for i, digit := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(digit)
	}
	return result
}

// getEnv retrieves an environment variable value or returns a default value if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
