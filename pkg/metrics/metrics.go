package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// 里程碑动作结果计数
	MilestoneActionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "milestone_action_total",
			Help: "Total number of milestone actions by outcome",
		},
		[]string{"action", "outcome"}, // outcome: success, authorization, invalid_transition, conflict, gateway, persistence
	)

	// 网关调用延迟（秒）：tx builder / wallet
	GatewayCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_call_duration_seconds",
			Help:    "Transaction gateway call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"gateway", "action", "status"},
	)

	// 交付守卫冲突计数
	DeliveryConflictCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_guard_conflict_total",
			Help: "Deliver attempts rejected by the delivery guard",
		},
	)

	// 链上已确认但持久化失败
	PersistenceGapCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persistence_gap_total",
			Help: "Confirmed transactions whose status update failed to persist",
		},
		[]string{"action", "queued"},
	)

	// 对账重放次数
	ReconcileAttemptCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_attempt_total",
			Help: "Reconciliation replay attempts by result",
		},
		[]string{"result"}, // result: done, retry, failed
	)

	// 熔断器状态 0=closed 1=open 2=half_open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"statement"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// IncrementMilestoneAction 记录一次里程碑动作的结果
func IncrementMilestoneAction(action, outcome string) {
	MilestoneActionCount.WithLabelValues(action, outcome).Inc()
}

// RecordGatewayCall 记录网关调用延迟
func RecordGatewayCall(gateway, action, status string, duration time.Duration) {
	GatewayCallLatency.WithLabelValues(gateway, action, status).Observe(duration.Seconds())
}

func IncrementDeliveryConflict() {
	DeliveryConflictCount.Inc()
}

// IncrementPersistenceGap 记录一次链上/后端不一致
func IncrementPersistenceGap(action string, queued bool) {
	q := "false"
	if queued {
		q = "true"
	}
	PersistenceGapCount.WithLabelValues(action, q).Inc()
}

func IncrementReconcileAttempt(result string) {
	ReconcileAttemptCount.WithLabelValues(result).Inc()
}

// SetCircuitBreakerState 更新熔断器状态
func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementSlowQuery 记录慢查询，statement 只取第一个关键字避免标签基数爆炸
func IncrementSlowQuery(sql string, duration time.Duration) {
	SlowQueryCount.WithLabelValues(statementKind(sql)).Inc()
	DBQueryDuration.WithLabelValues("slow", statementKind(sql)).Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func statementKind(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToUpper(fields[0])
}
