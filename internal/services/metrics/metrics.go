package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PostsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpilot_posts_published_total",
		Help: "Posts published to the platform, by post type.",
	}, []string{"post_type"})

	PostsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpilot_posts_failed_total",
		Help: "Publish attempts that failed, by error type.",
	}, []string{"error_type"})

	DailyRoutineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpilot_daily_routine_runs_total",
		Help: "Daily routine executions, by outcome status.",
	}, []string{"status"})

	BudgetRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xpilot_budget_rejections_total",
		Help: "Ledger reservations rejected for exceeding a cap.",
	})

	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpilot_oauth_token_refreshes_total",
		Help: "OAuth refresh grants, by outcome.",
	}, []string{"outcome"})

	AutoStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpilot_agent_auto_stops_total",
		Help: "Agents stopped automatically, by reason.",
	}, []string{"reason"})

	ClaimedPosts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "xpilot_posting_batch_claimed",
		Help:    "Posts claimed per posting worker poll.",
		Buckets: prometheus.LinearBuckets(0, 1, 11),
	})
)

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
