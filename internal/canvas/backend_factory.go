package canvas

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildStateBackendFromDSN selects a persistence backend by scheme:
// file:// (or a bare path), memory://, postgres://. An empty DSN means no
// persistence at all.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

// BuildBrokerFromDSN selects the event bus: memory:// (or empty) for the
// in-process broker, redis:// for cross-node pub/sub.
func BuildBrokerFromDSN(dsn string) (Broker, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBroker(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "memory", "mem", "inmem":
		return NewMemoryBroker(), nil
	case "redis", "rediss":
		return NewRedisBrokerFromURL(dsn)
	default:
		return nil, fmt.Errorf("unsupported broker scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: missing path in DSN %q", ErrInvalidInput, raw)
	}
	return path, nil
}
