package userstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

const defaultLDAPTimeout = 10 * time.Second

type LDAPConfig struct {
	URL                string         `mapstructure:"url"`
	BindDN             string         `mapstructure:"bind_dn"`
	BindPassword       string         `mapstructure:"bind_password"`
	StartTLS           bool           `mapstructure:"start_tls"`
	InsecureSkipVerify bool           `mapstructure:"insecure_skip_verify"`
	Timeout            time.Duration  `mapstructure:"timeout"`
	UserBaseDN         string         `mapstructure:"user_base_dn"`
	UserObjectClass    string         `mapstructure:"user_object_class"`
	UsernameAttribute  string         `mapstructure:"username_attribute"`
	GroupBaseDN        string         `mapstructure:"group_base_dn"`
	GroupObjectClass   string         `mapstructure:"group_object_class"`
	GroupNameAttribute string         `mapstructure:"group_name_attribute"`
	MemberAttribute    string         `mapstructure:"member_attribute"`
	ClaimMappings      []ClaimMapping `mapstructure:"claim_mappings"`
}

// ClaimMapping maps a claim URI onto a directory attribute. Claim URIs contain
// dots, so they are listed rather than used as config map keys.
type ClaimMapping struct {
	Claim     string `mapstructure:"claim"`
	Attribute string `mapstructure:"attribute"`
}

func (c *LDAPConfig) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultLDAPTimeout
	}
	if c.UserObjectClass == "" {
		c.UserObjectClass = "person"
	}
	if c.UsernameAttribute == "" {
		c.UsernameAttribute = "uid"
	}
	if c.GroupObjectClass == "" {
		c.GroupObjectClass = "groupOfNames"
	}
	if c.GroupNameAttribute == "" {
		c.GroupNameAttribute = "cn"
	}
	if c.MemberAttribute == "" {
		c.MemberAttribute = "member"
	}
}

// LDAP serves lookups from a directory server. Every call opens its own
// connection bound as the service account.
type LDAP struct {
	config LDAPConfig
	claims map[string]string
}

func NewLDAP(cfg LDAPConfig) *LDAP {
	cfg.setDefaults()
	claims := make(map[string]string, len(cfg.ClaimMappings))
	for _, m := range cfg.ClaimMappings {
		claims[m.Claim] = m.Attribute
	}
	return &LDAP{config: cfg, claims: claims}
}

func (l *LDAP) dial() (*ldap.Conn, error) {
	conn, err := ldap.DialURL(l.config.URL, ldap.DialWithDialer(&net.Dialer{Timeout: l.config.Timeout}))
	if err != nil {
		return nil, fmt.Errorf("failed to dial ldap: %w", err)
	}
	conn.SetTimeout(l.config.Timeout)

	if l.config.StartTLS {
		if err := conn.StartTLS(&tls.Config{InsecureSkipVerify: l.config.InsecureSkipVerify}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to start tls: %w", err)
		}
	}
	return conn, nil
}

func (l *LDAP) serviceConn() (*ldap.Conn, error) {
	conn, err := l.dial()
	if err != nil {
		return nil, err
	}
	if l.config.BindDN != "" {
		if err := conn.Bind(l.config.BindDN, l.config.BindPassword); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to bind service account: %w", err)
		}
	}
	return conn, nil
}

func (l *LDAP) search(conn *ldap.Conn, baseDN, filter string, attributes []string, limit int) ([]*ldap.Entry, error) {
	if limit < 0 {
		limit = 0
	}
	req := ldap.NewSearchRequest(
		baseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		limit, int(l.config.Timeout.Seconds()), false,
		filter, attributes, nil,
	)

	res, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) && res != nil {
			return res.Entries, nil
		}
		return nil, fmt.Errorf("ldap search failed: %w", err)
	}
	return res.Entries, nil
}

func (l *LDAP) userFilter(username string) string {
	return fmt.Sprintf("(&(objectClass=%s)(%s=%s))",
		ldap.EscapeFilter(l.config.UserObjectClass),
		l.config.UsernameAttribute,
		ldap.EscapeFilter(username))
}

func (l *LDAP) findUser(conn *ldap.Conn, username string, attributes []string) (*ldap.Entry, error) {
	entries, err := l.search(conn, l.config.UserBaseDN, l.userFilter(username), attributes, 2)
	if err != nil {
		return nil, err
	}
	switch len(entries) {
	case 0:
		return nil, ErrUserNotFound
	case 1:
		return entries[0], nil
	default:
		return nil, fmt.Errorf("ambiguous username %q", username)
	}
}

func (l *LDAP) Authenticate(ctx context.Context, username, password string) (bool, error) {
	if username == "" || password == "" {
		return false, nil
	}

	conn, err := l.serviceConn()
	if err != nil {
		return false, err
	}
	defer conn.Close()

	entry, err := l.findUser(conn, username, []string{"dn"})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}

	if err := conn.Bind(entry.DN, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return false, nil
		}
		return false, fmt.Errorf("failed to bind user: %w", err)
	}
	return true, nil
}

func (l *LDAP) ListUsers(ctx context.Context, filter string, limit int) ([]string, error) {
	conn, err := l.serviceConn()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	query := fmt.Sprintf("(&(objectClass=%s)(%s=%s))",
		ldap.EscapeFilter(l.config.UserObjectClass),
		l.config.UsernameAttribute,
		EscapeWildcardFilter(filter))

	entries, err := l.search(conn, l.config.UserBaseDN, query, []string{l.config.UsernameAttribute}, limit)
	if err != nil {
		return nil, err
	}
	return attributeValues(entries, l.config.UsernameAttribute), nil
}

func (l *LDAP) GetRoleNames(ctx context.Context, filter string, limit int) ([]string, error) {
	conn, err := l.serviceConn()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	query := fmt.Sprintf("(&(objectClass=%s)(%s=%s))",
		ldap.EscapeFilter(l.config.GroupObjectClass),
		l.config.GroupNameAttribute,
		EscapeWildcardFilter(filter))

	entries, err := l.search(conn, l.config.GroupBaseDN, query, []string{l.config.GroupNameAttribute}, limit)
	if err != nil {
		return nil, err
	}
	return attributeValues(entries, l.config.GroupNameAttribute), nil
}

func (l *LDAP) GetExternalRoles(ctx context.Context, username string) ([]string, error) {
	conn, err := l.serviceConn()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	entry, err := l.findUser(conn, username, []string{"dn"})
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("(&(objectClass=%s)(%s=%s))",
		ldap.EscapeFilter(l.config.GroupObjectClass),
		l.config.MemberAttribute,
		ldap.EscapeFilter(entry.DN))

	entries, err := l.search(conn, l.config.GroupBaseDN, query, []string{l.config.GroupNameAttribute}, 0)
	if err != nil {
		return nil, err
	}
	return attributeValues(entries, l.config.GroupNameAttribute), nil
}

func (l *LDAP) GetUserClaims(ctx context.Context, username string, claimURIs []string) (map[string]string, error) {
	attrByClaim := make(map[string]string, len(claimURIs))
	attributes := make([]string, 0, len(claimURIs))
	for _, uri := range claimURIs {
		attr, ok := l.claims[uri]
		if !ok {
			slog.Debug("No attribute mapped for claim", "claim", uri)
			continue
		}
		attrByClaim[uri] = attr
		attributes = append(attributes, attr)
	}

	conn, err := l.serviceConn()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	entry, err := l.findUser(conn, username, attributes)
	if err != nil {
		return nil, err
	}

	claims := make(map[string]string, len(attrByClaim))
	for uri, attr := range attrByClaim {
		if v := entry.GetAttributeValue(attr); v != "" {
			claims[uri] = v
		}
	}
	return claims, nil
}

func (l *LDAP) ConnectionStatus(ctx context.Context) bool {
	conn, err := l.serviceConn()
	if err != nil {
		slog.Error("LDAP connection check failed", "url", l.config.URL, "error", err)
		return false
	}
	conn.Close()
	return true
}

func (l *LDAP) Close() error {
	return nil
}

// EscapeWildcardFilter escapes an assertion value while keeping "*" as a
// wildcard. An empty filter matches everything.
func EscapeWildcardFilter(filter string) string {
	if filter == "" {
		return "*"
	}
	parts := strings.Split(filter, "*")
	for i, p := range parts {
		parts[i] = ldap.EscapeFilter(p)
	}
	return strings.Join(parts, "*")
}

func attributeValues(entries []*ldap.Entry, attr string) []string {
	values := make([]string, 0, len(entries))
	for _, e := range entries {
		if v := e.GetAttributeValue(attr); v != "" {
			values = append(values, v)
		}
	}
	return values
}
