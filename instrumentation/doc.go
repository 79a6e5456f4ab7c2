// Package instrumentation provides OpenTelemetry metrics and tracing for the
// grant engine. When disabled it wires no-op providers, so callers can record
// unconditionally without guarding every call site.
package instrumentation
