package script

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckRedirectCountAllowsUpToLimit(t *testing.T) {
	for n := 0; n < maxRedirects; n++ {
		via := make([]*http.Request, n)
		assert.NoError(t, checkRedirectCount(via), "via len %d", n)
	}
}

func TestCheckRedirectCountStopsAtLimit(t *testing.T) {
	via := make([]*http.Request, maxRedirects)
	assert.Error(t, checkRedirectCount(via))

	via = make([]*http.Request, maxRedirects+5)
	assert.Error(t, checkRedirectCount(via))
}
