// Package metrics exposes Prometheus counters for the trading loop.
// Served by the operator HTTP server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bot's Prometheus instruments.
type Metrics struct {
	Ticks      prometheus.Counter
	Placements prometheus.Counter
	Cancels    prometheus.Counter
	Fills      prometheus.Counter
	Cooldowns  prometheus.Counter
	TickErrors prometheus.Counter

	Balance       prometheus.Gauge
	ActiveMarkets prometheus.Gauge
	LiveOrders    prometheus.Gauge
	RewardPerDay  prometheus.Gauge
}

// New registers all instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Ticks: factory.NewCounter(prometheus.CounterOpts{
			Name: "mm_ticks_total", Help: "Engine ticks executed.",
		}),
		Placements: factory.NewCounter(prometheus.CounterOpts{
			Name: "mm_order_placements_total", Help: "Orders successfully placed.",
		}),
		Cancels: factory.NewCounter(prometheus.CounterOpts{
			Name: "mm_order_cancels_total", Help: "Cancel requests issued.",
		}),
		Fills: factory.NewCounter(prometheus.CounterOpts{
			Name: "mm_fills_total", Help: "Fills detected (feed and REST combined).",
		}),
		Cooldowns: factory.NewCounter(prometheus.CounterOpts{
			Name: "mm_cooldowns_total", Help: "Danger-zone cooldown entries.",
		}),
		TickErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "mm_tick_errors_total", Help: "Tick handler errors.",
		}),
		Balance: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mm_collateral_balance_usd", Help: "Last fetched collateral balance.",
		}),
		ActiveMarkets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mm_active_markets", Help: "Markets currently in the active set.",
		}),
		LiveOrders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mm_live_orders", Help: "Orders currently tracked as live.",
		}),
		RewardPerDay: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mm_estimated_reward_usd_per_day", Help: "Current reward-share estimate.",
		}),
	}
}
