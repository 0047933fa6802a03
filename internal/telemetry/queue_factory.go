package telemetry

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildWorkQueueFromDSN returns the in-memory queue when dsn is empty. A DSN
// without a scheme is a path for the file-backed queue.
func BuildWorkQueueFromDSN(dsn string, capacity int) (WorkQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryWorkQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if scheme == "" {
		scheme = "file"
	}
	if factory, ok := lookupWorkQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: work queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported work queue scheme: %s", scheme)
	}
}

func newFileWorkQueueFromDSN(dsn string, capacity int) (WorkQueue, error) {
	path, err := queueFilePath(dsn)
	if err != nil {
		return nil, err
	}
	return NewFileWorkQueue(path, capacity)
}

// queueFilePath accepts file:///abs/path, file://rel/path, file:rel/path and
// bare paths.
func queueFilePath(dsn string) (string, error) {
	path := strings.TrimSpace(dsn)
	if len(path) >= len("file:") && strings.EqualFold(path[:len("file:")], "file:") {
		path = strings.TrimPrefix(path[len("file:"):], "//")
	}
	if path == "" {
		return "", fmt.Errorf("%w: work queue file path is empty", ErrInvalidInput)
	}
	return path, nil
}
