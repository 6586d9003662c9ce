package actionqueue

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildStoreFromDSN picks a backend by DSN scheme. A bare path is a file store.
// sqlite and postgres DSNs accept a "queue" query parameter that namespaces
// several queues in one database.
func BuildStoreFromDSN(dsn string, opts Options) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStore(path, opts)
	case "memory", "mem", "inmem":
		return NewMemoryStore(opts), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStore(path, parsed.Query().Get("queue"), opts)
	case "postgres", "postgresql":
		queueKey := parsed.Query().Get("queue")
		if queueKey != "" {
			q := parsed.Query()
			q.Del("queue")
			parsed.RawQuery = q.Encode()
			dsn = parsed.String()
		}
		return NewPostgresStore(dsn, queueKey, opts)
	case "redis", "rediss", "nats", "kafka":
		return nil, fmt.Errorf("%w: action store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported action store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if parsed.Host != "" && path != "" {
		// file://relative/dir/actions.json keeps its first segment in Host.
		path = parsed.Host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
