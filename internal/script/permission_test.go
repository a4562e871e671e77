package script

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsGloballyRoutable(t *testing.T) {
	cases := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", false},
		{"10.0.0.5", false},
		{"172.16.4.4", false},
		{"192.168.1.1", false},
		{"169.254.169.254", false}, // cloud metadata endpoint
		{"::1", false},
		{"224.0.0.1", false},
		{"8.8.8.8", true},
		{"93.184.216.34", true},
	}
	for _, c := range cases {
		ip := net.ParseIP(c.ip)
		require.NotNil(t, ip, c.ip)
		assert.Equal(t, c.want, IsGloballyRoutable(ip), c.ip)
	}
}

func TestRequestFetchPermissionRejectsLoopbackLiteral(t *testing.T) {
	err := RequestFetchPermission(context.Background(), "http://127.0.0.1/", nil)
	require.Error(t, err)
	var permErr *PermissionError
	assert.ErrorAs(t, err, &permErr)
}

func TestRequestFetchPermissionRejectsPrivateLiteral(t *testing.T) {
	err := RequestFetchPermission(context.Background(), "http://169.254.169.254/latest/meta-data", nil)
	require.Error(t, err)
}

func TestRequestFetchPermissionAllowsGlobalLiteral(t *testing.T) {
	var seen string
	err := RequestFetchPermission(context.Background(), "http://93.184.216.34/", func(ip string) { seen = ip })
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34", seen)
}

func TestRequestFetchPermissionRejectsDisallowedScheme(t *testing.T) {
	err := RequestFetchPermission(context.Background(), "file:///etc/passwd", nil)
	require.Error(t, err)
}

func TestRequestFetchPermissionRejectsMalformedURL(t *testing.T) {
	err := RequestFetchPermission(context.Background(), "not-a-url", nil)
	require.Error(t, err)
}
