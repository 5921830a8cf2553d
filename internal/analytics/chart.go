package analytics

import (
	"findash/internal/core"
)

// Chart payloads mirror the shapes the dashboard charts consume. Values are
// float64 because the chart library expects JSON numbers; the decimal fields
// of Result stay authoritative.
type (
	ChartPoint struct {
		Name    string  `json:"name"`
		Inflow  float64 `json:"inflow"`
		Outflow float64 `json:"outflow"`
	}

	ChartTotal struct {
		Name      string  `json:"name"`
		Value     float64 `json:"value"`
		Formatted string  `json:"formatted"`
	}

	ChartLargest struct {
		ID        string  `json:"id"`
		Name      string  `json:"name"`
		Date      string  `json:"date"`
		Amount    float64 `json:"amount"`
		Formatted string  `json:"formatted"`
	}

	ChartSummary struct {
		TotalTransactions     int               `json:"totalTransactions"`
		TotalInflow           float64           `json:"totalInflow"`
		TotalOutflow          float64           `json:"totalOutflow"`
		NetCashFlow           float64           `json:"netCashFlow"`
		AverageTransaction    float64           `json:"averageTransaction"`
		MonthlyAverageOutflow float64           `json:"monthlyAverageOutflow"`
		SavingsRate           float64           `json:"savingsRate"`
		LargestTransaction    *ChartLargest     `json:"largestTransaction"`
		Formatted             map[string]string `json:"formatted"`
	}

	ChartData struct {
		MonthlyData          []ChartPoint `json:"monthlyData"`
		CategoryData         []ChartTotal `json:"categoryData"`
		PositiveCategoryData []ChartTotal `json:"positiveCategoryData"`
		LocationData         []ChartTotal `json:"locationData"`
		Summary              ChartSummary `json:"summary"`
		Skipped              int          `json:"skipped"`
	}
)

// Chart converts the result into chart payloads. Category lists are cut to
// topCategories entries when it is positive; location data is already capped.
func (r Result) Chart(topCategories int) ChartData {
	if topCategories <= 0 {
		topCategories = -1
	}

	points := make([]ChartPoint, 0, len(r.MonthlyData))
	for _, m := range r.MonthlyData {
		points = append(points, ChartPoint{
			Name:    m.Name,
			Inflow:  m.Inflow.InexactFloat64(),
			Outflow: m.Outflow.InexactFloat64(),
		})
	}

	s := r.Summary
	summary := ChartSummary{
		TotalTransactions:     s.TotalTransactions,
		TotalInflow:           s.TotalInflow.InexactFloat64(),
		TotalOutflow:          s.TotalOutflow.InexactFloat64(),
		NetCashFlow:           s.NetCashFlow.InexactFloat64(),
		AverageTransaction:    s.AverageTransaction.InexactFloat64(),
		MonthlyAverageOutflow: s.MonthlyAverageOutflow.InexactFloat64(),
		SavingsRate:           s.SavingsRate.InexactFloat64(),
		Formatted: map[string]string{
			"totalInflow":        core.FormatCurrency(s.TotalInflow),
			"totalOutflow":       core.FormatCurrency(s.TotalOutflow),
			"netCashFlow":        core.FormatCurrency(s.NetCashFlow),
			"averageTransaction": core.FormatCurrency(s.AverageTransaction),
		},
	}
	if lt := s.LargestTransaction; lt != nil {
		summary.LargestTransaction = &ChartLargest{
			ID:        string(lt.ID),
			Name:      lt.DisplayName(),
			Date:      lt.Date,
			Amount:    lt.Amount.InexactFloat64(),
			Formatted: core.FormatCurrency(lt.Amount),
		}
	}

	return ChartData{
		MonthlyData:          points,
		CategoryData:         chartTotals(TopN(r.CategoryData, topCategories)),
		PositiveCategoryData: chartTotals(TopN(r.PositiveCategoryData, topCategories)),
		LocationData:         chartTotals(r.LocationData),
		Summary:              summary,
		Skipped:              len(r.Skipped),
	}
}

func chartTotals(totals []Total) []ChartTotal {
	out := make([]ChartTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, ChartTotal{
			Name:      t.Name,
			Value:     t.Value.InexactFloat64(),
			Formatted: core.FormatCurrency(t.Value),
		})
	}
	return out
}
