package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"escrowflow/pkg/config"
)

func TestDSNEscapesCredentials(t *testing.T) {
	dsn := DSN(config.DBConfig{Host: "db", Port: 5432, User: "escrow", Password: "p@ss/word", Name: "escrowflow"})
	assert.Equal(t, "postgres://escrow:p%40ss%2Fword@db:5432/escrowflow?sslmode=disable", dsn)
}

func TestSlowQueryTracer(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	tracer := NewSlowQueryTracer(zap.New(core), 50*time.Millisecond)

	now := time.Unix(1000, 0)
	tracer.now = func() time.Time { return now }

	ctx := tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	now = now.Add(10 * time.Millisecond)
	tracer.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})
	assert.Zero(t, logs.Len())

	ctx = tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "UPDATE milestones SET status = $1"})
	now = now.Add(time.Second)
	tracer.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("UPDATE 1")})
	if assert.Equal(t, 1, logs.Len()) {
		assert.Equal(t, "slow-query", logs.All()[0].Message)
	}

	// 没有开始记录的 context 直接忽略
	tracer.TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{})
	assert.Equal(t, 1, logs.Len())
}

func TestDefaultThreshold(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, NewSlowQueryTracer(zap.NewNop(), 0).slowThreshold)
}
