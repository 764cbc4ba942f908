package userstore

import (
	"context"
	"fmt"
	"os"
	"path"
	"slices"

	"gopkg.in/yaml.v3"
)

type StaticConfig struct {
	File string `mapstructure:"file"`
}

// StaticUser is one entry of the users file.
type StaticUser struct {
	Username     string            `yaml:"username"`
	PasswordHash string            `yaml:"password_hash"`
	Roles        []string          `yaml:"roles"`
	Claims       map[string]string `yaml:"claims"`
}

type staticFile struct {
	Users []StaticUser `yaml:"users"`
	Roles []string     `yaml:"roles"`
}

// Static serves lookups from a YAML file loaded once at startup.
type Static struct {
	users map[string]StaticUser
	order []string
	roles []string
}

func NewStatic(cfg StaticConfig) (*Static, error) {
	data, err := os.ReadFile(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("failed to read user store file: %w", err)
	}
	return ParseStatic(data)
}

func ParseStatic(data []byte) (*Static, error) {
	var f staticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse user store file: %w", err)
	}

	s := &Static{users: make(map[string]StaticUser, len(f.Users))}
	roleSet := make(map[string]struct{})
	for _, role := range f.Roles {
		roleSet[role] = struct{}{}
	}

	for _, u := range f.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("user store file: user without username")
		}
		if _, dup := s.users[u.Username]; dup {
			return nil, fmt.Errorf("user store file: duplicate user %q", u.Username)
		}
		s.users[u.Username] = u
		s.order = append(s.order, u.Username)
		for _, role := range u.Roles {
			roleSet[role] = struct{}{}
		}
	}

	for role := range roleSet {
		s.roles = append(s.roles, role)
	}
	slices.Sort(s.roles)
	slices.Sort(s.order)
	return s, nil
}

func (s *Static) Authenticate(ctx context.Context, username, password string) (bool, error) {
	u, ok := s.users[username]
	if !ok || u.PasswordHash == "" {
		return false, nil
	}
	return CheckPassword(password, u.PasswordHash), nil
}

func (s *Static) ListUsers(ctx context.Context, filter string, limit int) ([]string, error) {
	return match(s.order, filter, limit)
}

func (s *Static) GetRoleNames(ctx context.Context, filter string, limit int) ([]string, error) {
	return match(s.roles, filter, limit)
}

func (s *Static) GetExternalRoles(ctx context.Context, username string) ([]string, error) {
	u, ok := s.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return append([]string{}, u.Roles...), nil
}

func (s *Static) GetUserClaims(ctx context.Context, username string, claimURIs []string) (map[string]string, error) {
	u, ok := s.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}

	claims := make(map[string]string, len(claimURIs))
	for _, uri := range claimURIs {
		if v, ok := u.Claims[uri]; ok {
			claims[uri] = v
		}
	}
	return claims, nil
}

func (s *Static) ConnectionStatus(ctx context.Context) bool {
	return true
}

func (s *Static) Close() error {
	return nil
}

// match filters names with a glob pattern. An empty filter matches everything.
func match(names []string, filter string, limit int) ([]string, error) {
	if filter == "" {
		filter = "*"
	}
	if _, err := path.Match(filter, ""); err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", filter, err)
	}

	result := []string{}
	for _, name := range names {
		if limit > 0 && len(result) >= limit {
			break
		}
		if ok, _ := path.Match(filter, name); ok {
			result = append(result, name)
		}
	}
	return result, nil
}
