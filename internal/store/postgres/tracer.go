package postgres

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const spanInstanceKey = "kleidi:span"

// tracer is a gorm plugin which wraps every statement in a client span
type tracer struct {
	tracer trace.Tracer
	attrs  []attribute.KeyValue
}

func newTracer() *tracer {
	return &tracer{
		tracer: otel.Tracer("store/postgres"),
		attrs: []attribute.KeyValue{
			semconv.DBSystemPostgreSQL,
		},
	}
}

func (*tracer) Name() string {
	return "kleidi:tracer"
}

func (t *tracer) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	for _, err := range []error{
		cb.Create().Before("gorm:create").Register("kleidi:before_create", t.before("create")),
		cb.Create().After("gorm:create").Register("kleidi:after_create", t.after),
		cb.Query().Before("gorm:query").Register("kleidi:before_query", t.before("query")),
		cb.Query().After("gorm:query").Register("kleidi:after_query", t.after),
		cb.Update().Before("gorm:update").Register("kleidi:before_update", t.before("update")),
		cb.Update().After("gorm:update").Register("kleidi:after_update", t.after),
		cb.Delete().Before("gorm:delete").Register("kleidi:before_delete", t.before("delete")),
		cb.Delete().After("gorm:delete").Register("kleidi:after_delete", t.after),
		cb.Raw().Before("gorm:raw").Register("kleidi:before_raw", t.before("raw")),
		cb.Raw().After("gorm:raw").Register("kleidi:after_raw", t.after),
		cb.Row().Before("gorm:row").Register("kleidi:before_row", t.before("row")),
		cb.Row().After("gorm:row").Register("kleidi:after_row", t.after),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *tracer) before(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		ctx := db.Statement.Context
		if ctx == nil || !trace.SpanFromContext(ctx).IsRecording() {
			return
		}

		_, span := t.tracer.Start(ctx, operation+" "+db.Statement.Table,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(t.attrs...),
			trace.WithAttributes(attribute.String("db.table", db.Statement.Table)),
		)
		db.InstanceSet(spanInstanceKey, span)
	}
}

func (*tracer) after(db *gorm.DB) {
	value, ok := db.InstanceGet(spanInstanceKey)
	if !ok {
		return
	}
	span, ok := value.(trace.Span)
	if !ok {
		return
	}
	defer span.End()

	span.SetAttributes(
		semconv.DBStatementKey.String(db.Statement.SQL.String()),
		attribute.Int64("db.rows_affected", db.RowsAffected),
	)
	if db.Error != nil {
		span.RecordError(db.Error)
		span.SetStatus(codes.Error, db.Error.Error())
	}
}
