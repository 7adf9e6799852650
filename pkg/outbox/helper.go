package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/pkg/trace"
)

// InsertEventInTx 序列化 payload 并写入 outbox；ctx 里的 trace_id 一并写入，Dispatcher 发送时恢复
func InsertEventInTx(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		body, err = withTraceID(body, traceID)
		if err != nil {
			return err
		}
	}

	return insertEvent(ctx, tx, &Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       body,
		Status:        StatusPending,
	})
}

func withTraceID(body []byte, traceID string) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		// 非对象 payload 不附加 trace_id
		return body, nil
	}
	if _, ok := m[trace.TraceIDKey]; ok {
		return body, nil
	}
	id, _ := json.Marshal(traceID)
	m[trace.TraceIDKey] = id
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to add trace id to payload: %w", err)
	}
	return out, nil
}

// traceContext 从 payload 中恢复 trace_id
func traceContext(ctx context.Context, payload json.RawMessage) context.Context {
	var m struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(payload, &m); err != nil || m.TraceID == "" {
		return ctx
	}
	return trace.WithContext(ctx, m.TraceID)
}
