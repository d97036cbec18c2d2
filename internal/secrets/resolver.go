package secrets

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"go.uber.org/zap"

	pkgsecrets "github.com/hyperion-crawler/krx-etl/pkg/secrets"
	"github.com/hyperion-crawler/krx-etl/pkg/utils"
)

// ErrIncompleteSecret means the secret has neither a dsn nor the parts to build one.
var ErrIncompleteSecret = errors.New("database secret missing dsn or connection fields")

// DSNResolver resolves the Postgres DSN, preferring an AWS secret and falling
// back to the configured DATABASE_URL.
type DSNResolver struct {
	logger     *zap.Logger
	provider   pkgsecrets.Provider
	cache      *pkgsecrets.Cache[string]
	secretName string
	fallback   string
}

// NewDSNResolver builds a resolver. provider may be nil when secretName is empty.
func NewDSNResolver(logger *zap.Logger, provider pkgsecrets.Provider, cache *pkgsecrets.Cache[string], secretName, fallback string) *DSNResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DSNResolver{logger: logger, provider: provider, cache: cache, secretName: secretName, fallback: fallback}
}

// Resolve returns the DSN. A failing secret lookup is an error, not a silent
// fallback, so a misconfigured deployment does not write to a default database.
func (r *DSNResolver) Resolve(ctx context.Context) (string, error) {
	if r.secretName == "" || r.provider == nil {
		r.logger.Info("secrets.dsn_from_env", zap.String("dsn", utils.MaskDSN(r.fallback)))
		return r.fallback, nil
	}
	if r.cache != nil {
		if dsn, ok := r.cache.Get(r.secretName); ok {
			return dsn, nil
		}
	}

	fields, err := r.provider.GetSecret(ctx, r.secretName)
	if err != nil {
		r.logger.Warn("secrets.fetch_failed", zap.String("secret", r.secretName), zap.Error(err))
		return "", fmt.Errorf("resolve database secret %q: %w", r.secretName, err)
	}
	dsn, err := DSNFromSecret(fields)
	if err != nil {
		return "", fmt.Errorf("parse secret %q: %w", r.secretName, err)
	}
	if r.cache != nil {
		r.cache.Put(r.secretName, dsn)
	}
	r.logger.Info("secrets.dsn_resolved", zap.String("secret", r.secretName), zap.String("dsn", utils.MaskDSN(dsn)))
	return dsn, nil
}

// DSNFromSecret reads "dsn" or builds a URL from host, port, username/user,
// password, dbname and optional sslmode.
func DSNFromSecret(f map[string]string) (string, error) {
	if dsn := strings.TrimSpace(f["dsn"]); dsn != "" {
		return dsn, nil
	}
	user := f["username"]
	if user == "" {
		user = f["user"]
	}
	host, db := f["host"], f["dbname"]
	if host == "" || user == "" || db == "" {
		return "", ErrIncompleteSecret
	}
	port := f["port"]
	if port == "" {
		port = "5432"
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + db,
	}
	if pw, ok := f["password"]; ok {
		u.User = url.UserPassword(user, pw)
	} else {
		u.User = url.User(user)
	}
	if ssl := f["sslmode"]; ssl != "" {
		u.RawQuery = url.Values{"sslmode": {ssl}}.Encode()
	}
	return u.String(), nil
}
