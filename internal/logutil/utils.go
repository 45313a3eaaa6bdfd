package logutil

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zoravur/passerby/internal/backend"
)

// Values groups a set of zap.Fields under a single "values" object field.
// Zero reflection, same speed as inline fields.
func Values(fields ...zap.Field) zap.Field {
	return zap.Object("values", zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		for _, f := range fields {
			f.AddTo(enc)
		}
		return nil
	}))
}

// Query renders a query descriptor as a "query" object field.
func Query(q backend.Query) zap.Field {
	return zap.Object("query", zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		enc.AddString("collection", q.Collection)
		if len(q.Filters) > 0 {
			if err := enc.AddArray("filters", filters(q.Filters)); err != nil {
				return err
			}
		}
		if len(q.Any) > 0 {
			if err := enc.AddArray("any", filters(q.Any)); err != nil {
				return err
			}
		}
		if q.Order != nil {
			dir := "asc"
			if q.Order.Desc {
				dir = "desc"
			}
			enc.AddString("order", q.Order.Column+"."+dir)
		}
		if q.Limit > 0 {
			enc.AddInt("limit", q.Limit)
		}
		return nil
	}))
}

// Topic renders a subscription topic as a "topic" object field.
func Topic(t backend.Topic) zap.Field {
	return zap.Object("topic", zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		enc.AddString("collection", t.Collection)
		if t.Filter != nil {
			enc.AddString("filter", t.Filter.String())
		}
		if len(t.Events) > 0 {
			return enc.AddArray("events", zapcore.ArrayMarshalerFunc(func(ae zapcore.ArrayEncoder) error {
				for _, k := range t.Events {
					ae.AppendString(string(k))
				}
				return nil
			}))
		}
		return nil
	}))
}

func filters(fs []backend.Filter) zapcore.ArrayMarshaler {
	return zapcore.ArrayMarshalerFunc(func(ae zapcore.ArrayEncoder) error {
		for _, f := range fs {
			ae.AppendString(f.String())
		}
		return nil
	})
}
