package roles

import (
	"context"
	"maps"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Kind is the type of router entity a state key configures.
type Kind string

const (
	KindSSLProfile Kind = "sslProfile"
	KindConnector  Kind = "connector"
	KindListener   Kind = "listener"
)

var kindPrefixes = []struct {
	prefix string
	kind   Kind
}{
	{"tls-", KindSSLProfile},
	{"ssl-profile-", KindSSLProfile},
	{"link-", KindConnector},
	{"access-", KindListener},
}

// KindOf maps a state key to the router entity it configures.
func KindOf(key string) (Kind, bool) {
	for _, p := range kindPrefixes {
		if strings.HasPrefix(key, p.prefix) {
			return p.kind, true
		}
	}
	return "", false
}

// RouterClient programs the local data-plane router.
type RouterClient interface {
	Apply(ctx context.Context, kind Kind, name string, data []byte) error
	Delete(ctx context.Context, kind Kind, name string) error
}

// Resource is one entity held by a LoggingRouter.
type Resource struct {
	Kind Kind
	Name string
}

// LoggingRouter is a RouterClient that keeps the entities it was given and
// logs every call. It stands in for the router management client.
type LoggingRouter struct {
	logger *zap.Logger

	mu        sync.Mutex
	resources map[Resource][]byte
}

var _ RouterClient = (*LoggingRouter)(nil)

func NewLoggingRouter(logger *zap.Logger) *LoggingRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingRouter{
		logger:    logger.Named("router"),
		resources: make(map[Resource][]byte),
	}
}

func (r *LoggingRouter) Apply(_ context.Context, kind Kind, name string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[Resource{Kind: kind, Name: name}] = append([]byte(nil), data...)
	r.logger.Info("router entity applied", zap.String("kind", string(kind)), zap.String("name", name), zap.Int("bytes", len(data)))
	return nil
}

func (r *LoggingRouter) Delete(_ context.Context, kind Kind, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resources, Resource{Kind: kind, Name: name})
	r.logger.Info("router entity deleted", zap.String("kind", string(kind)), zap.String("name", name))
	return nil
}

func (r *LoggingRouter) Resources() map[Resource][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.resources)
}
