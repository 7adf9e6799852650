package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/internal/gateway"
	"escrowflow/pkg/metrics"
	"escrowflow/pkg/otel"
)

// traced 每次数据库操作一个 span + 一次耗时指标
func traced(ctx context.Context, op, table string, fn func(context.Context) error) error {
	start := time.Now()
	err := otel.Traced(ctx, op, table, fn)
	metrics.RecordDBQueryDuration(op, table, time.Since(start))
	return err
}

// notFound 把 pgx 的 no rows 转成网关层的 ErrNotFound
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}
