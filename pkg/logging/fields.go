// Package logging provides a small structured-fields builder on top
// of logrus, giving every component a consistent vocabulary for
// batch/task/service-scoped log lines.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Fields is a chainable builder for structured log fields.
type Fields map[string]interface{}

// NewFields starts an empty field set.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(op string) Fields {
	f["operation"] = op
	return f
}

func (f Fields) Batch(batchID string) Fields {
	f["batch_id"] = batchID
	return f
}

func (f Fields) TaskID(taskID string) Fields {
	if taskID != "" {
		f["task_id"] = taskID
	}
	return f
}

func (f Fields) Position(position int) Fields {
	f["position"] = position
	return f
}

func (f Fields) Service(service string) Fields {
	f["service"] = service
	return f
}

func (f Fields) Stage(stage int) Fields {
	f["stage"] = stage
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) Attempt(n int) Fields {
	f["attempt"] = n
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToLogrus converts to the type logrus.WithFields expects.
func (f Fields) ToLogrus() logrus.Fields {
	return logrus.Fields(f)
}

// CacheFields is the standard field set for cache store log lines.
func CacheFields(operation string, stage int, fingerprint string) Fields {
	return NewFields().
		Component("cache").
		Operation(operation).
		Stage(stage).
		Custom("fingerprint", fingerprint)
}

// LimiterFields is the standard field set for rate limiter log lines.
func LimiterFields(service string, operation string) Fields {
	return NewFields().Component("ratelimit").Service(service).Operation(operation)
}

// BreakerFields is the standard field set for circuit breaker log lines.
func BreakerFields(service string, state string) Fields {
	return NewFields().Component("breaker").Service(service).Custom("state", state)
}

// EngineFields is the standard field set for concurrency engine log lines.
func EngineFields(batchID string, position int) Fields {
	return NewFields().Component("engine").Batch(batchID).Position(position)
}

// LLMFields is the standard field set for LLM client log lines.
func LLMFields(service string, operation string) Fields {
	return NewFields().Component("llm").Service(service).Operation(operation)
}
