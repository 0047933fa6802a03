package telemetry

import (
	"fmt"
	"net/url"
	"strings"
)

func BuildRepositoryFromDSN(dsn string) (Repository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty repository dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupRepositoryFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: repository backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported repository scheme: %s", scheme)
	}
}
