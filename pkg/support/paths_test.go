package support

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPaths(t *testing.T) {
	p := DefaultPaths()
	assert.NotEmpty(t, p.Log)
	assert.NotEmpty(t, p.Catalog)
	assert.NotEmpty(t, p.Staging)
	assert.True(t, strings.HasPrefix(SocketAddr(), "unix://"))
}
