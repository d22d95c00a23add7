package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const ModuleKey attribute.Key = "wasm.module"
const EntrypointKey attribute.Key = "wasm.entrypoint"
const ArenaCapacityKey attribute.Key = "arena.capacity"

func Module(name string) attribute.KeyValue {
	return ModuleKey.String(name)
}

func Entrypoint(name string) attribute.KeyValue {
	return EntrypointKey.String(name)
}

func ArenaCapacity(capacity uint32) attribute.KeyValue {
	return ArenaCapacityKey.Int64(int64(capacity))
}

/*
Guest returns measurement option with attributes identifying the guest call,
extra attributes are added to the set.
*/
func Guest(module, entrypoint string, extra ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributeSet(attribute.NewSet(
		append(
			extra,
			Module(module),
			Entrypoint(entrypoint),
		)...,
	))
}

/*
ErrStatus returns attribute named "status" with value "ok" if the param
err is nil and "err" when it is not.
*/
func ErrStatus(err error) attribute.KeyValue {
	status := "ok"
	if err != nil {
		status = "err"
	}
	return attribute.String("status", status)
}
