// Package metrics 注册运行期的 Prometheus 指标，由监控服务在 /metrics 暴露。
//
//   - alphafarm_orders_submitted_total{side}   成功提交的订单
//   - alphafarm_orders_filled_total{side}      确认成交的订单
//   - alphafarm_orders_timeout_total{side}     轮询超时后撤单的订单
//   - alphafarm_submit_failures_total{side}    未拿到订单号的提交
//   - alphafarm_reprices_total{side}           重新定价并补单的次数
//   - alphafarm_wallet_reconciles_total        按钱包余额校正卖出数量的次数
//   - alphafarm_cycles_total{result}           周期结果 success|failed|stuck|panic
//   - alphafarm_alerts_total{kind}             告警次数
//   - alphafarm_cumulative_loss_usdt           当日累计亏损
//   - alphafarm_cumulative_notional_usdt       当日累计成交额
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ordersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alphafarm_orders_submitted_total",
			Help: "Orders accepted by the exchange",
		},
		[]string{"side"},
	)

	ordersFilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alphafarm_orders_filled_total",
			Help: "Orders confirmed filled",
		},
		[]string{"side"},
	)

	ordersTimeout = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alphafarm_orders_timeout_total",
			Help: "Orders canceled after the poll bound was exhausted",
		},
		[]string{"side"},
	)

	submitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alphafarm_submit_failures_total",
			Help: "Submission attempts that returned no order id",
		},
		[]string{"side"},
	)

	reprices = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alphafarm_reprices_total",
			Help: "Resubmissions at a fresh price",
		},
		[]string{"side"},
	)

	walletReconciles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alphafarm_wallet_reconciles_total",
			Help: "Sell quantities re-derived from the wallet balance",
		},
	)

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alphafarm_cycles_total",
			Help: "Trade cycles by result",
		},
		[]string{"result"},
	)

	alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alphafarm_alerts_total",
			Help: "Alerts raised, split by kind",
		},
		[]string{"kind"},
	)

	cumulativeLoss = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "alphafarm_cumulative_loss_usdt",
			Help: "Realized loss accumulated in the current trading day",
		},
	)

	cumulativeNotional = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "alphafarm_cumulative_notional_usdt",
			Help: "Buy notional accumulated in the current trading day",
		},
	)
)

func init() {
	prometheus.MustRegister(ordersSubmitted, ordersFilled, ordersTimeout, submitFailures, reprices)
	prometheus.MustRegister(walletReconciles)
	prometheus.MustRegister(cycles, alerts)
	prometheus.MustRegister(cumulativeLoss, cumulativeNotional)
}

func IncOrderSubmitted(side string) { ordersSubmitted.WithLabelValues(side).Inc() }
func IncOrderFilled(side string)    { ordersFilled.WithLabelValues(side).Inc() }
func IncOrderTimeout(side string)   { ordersTimeout.WithLabelValues(side).Inc() }
func IncSubmitFailure(side string)  { submitFailures.WithLabelValues(side).Inc() }
func IncReprice(side string)        { reprices.WithLabelValues(side).Inc() }
func IncWalletReconcile()           { walletReconciles.Inc() }
func IncCycle(result string)        { cycles.WithLabelValues(result).Inc() }
func IncAlert(kind string)          { alerts.WithLabelValues(kind).Inc() }

// SetCounters 同步当日累计值。
func SetCounters(loss, notional float64) {
	cumulativeLoss.Set(loss)
	cumulativeNotional.Set(notional)
}
