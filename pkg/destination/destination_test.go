package destination_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizflycloud/backup-orchestrator/pkg/config"
	"github.com/bizflycloud/backup-orchestrator/pkg/destination"
	"github.com/bizflycloud/backup-orchestrator/pkg/destination/local"
)

func TestRegistry(t *testing.T) {
	r := destination.NewRegistry(local.New())

	s, err := r.Get("local")
	require.NoError(t, err)
	assert.Equal(t, "local", s.Type())

	_, err = r.Get("ftp")
	assert.True(t, errors.Is(err, destination.ErrUnknownSink))
	assert.Equal(t, []string{"local"}, r.Types())
}

func TestOption(t *testing.T) {
	opts := map[string]string{"region": "hn", "accesskeyid": "AK"}
	assert.Equal(t, "hn", destination.Option(opts, "region"))
	assert.Equal(t, "AK", destination.Option(opts, "accessKeyID"))
	assert.Equal(t, "", destination.Option(opts, "bucket"))
	assert.Equal(t, "", destination.Option(nil, "bucket"))
}

func TestHTTPClient(t *testing.T) {
	c := destination.HTTPClient(config.Destination{Type: "s3", Options: map[string]string{"rateLimitKB": "64"}})
	require.NotNil(t, c.Transport)
	_, isPlain := c.Transport.(*http.Transport)
	assert.False(t, isPlain)
}
