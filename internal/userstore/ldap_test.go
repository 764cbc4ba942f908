package userstore

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeWildcardFilter(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "*"},
		{"*", "*"},
		{"adm*", "adm*"},
		{"a(b)*", `a\28b\29*`},
		{`x\y*z`, `x\5cy*z`},
		{"*)(uid=*", `*\29\28uid=*`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EscapeWildcardFilter(tt.in), tt.in)
	}
}

func TestLDAP_Defaults(t *testing.T) {
	l := NewLDAP(LDAPConfig{URL: "ldap://localhost:389"})
	assert.Equal(t, "uid", l.config.UsernameAttribute)
	assert.Equal(t, "person", l.config.UserObjectClass)
	assert.Equal(t, "groupOfNames", l.config.GroupObjectClass)
	assert.Equal(t, "cn", l.config.GroupNameAttribute)
	assert.Equal(t, "member", l.config.MemberAttribute)
	assert.Equal(t, defaultLDAPTimeout, l.config.Timeout)
}

func TestLDAP_UserFilterEscapes(t *testing.T) {
	l := NewLDAP(LDAPConfig{})
	assert.Equal(t, `(&(objectClass=person)(uid=bob\2a\29))`, l.userFilter("bob*)"))
}

func TestLDAP_ConnectionStatusUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	l := NewLDAP(LDAPConfig{URL: "ldap://" + addr, Timeout: time.Second})
	assert.False(t, l.ConnectionStatus(context.Background()))

	_, err = l.ListUsers(context.Background(), "*", 10)
	assert.Error(t, err)
}

func TestLDAP_AuthenticateEmptyCredentials(t *testing.T) {
	l := NewLDAP(LDAPConfig{URL: "ldap://127.0.0.1:1"})
	ok, err := l.Authenticate(context.Background(), "alice", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLDAP_ClaimMappings(t *testing.T) {
	l := NewLDAP(LDAPConfig{ClaimMappings: []ClaimMapping{
		{Claim: "http://wso2.org/claims/emailaddress", Attribute: "mail"},
	}})
	assert.Equal(t, map[string]string{"http://wso2.org/claims/emailaddress": "mail"}, l.claims)
}
