package sftp

import (
	"context"
	"errors"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
	"github.com/bizflycloud/backup-orchestrator/pkg/destination"
)

type pipeCloser struct {
	client *sftp.Client
}

func (p pipeCloser) Close() error { return p.client.Close() }

// inMemDialer serves every session from the same in-memory filesystem.
func inMemDialer(t *testing.T) Dialer {
	handlers := sftp.InMemHandler()
	return func(ctx context.Context, dest config.Destination) (*sftp.Client, io.Closer, error) {
		toServerR, toServerW := io.Pipe()
		toClientR, toClientW := io.Pipe()
		server := sftp.NewRequestServer(struct {
			io.Reader
			io.WriteCloser
		}{toServerR, toClientW}, handlers)
		go func() {
			server.Serve()
			server.Close()
		}()

		client, err := sftp.NewClientPipe(toClientR, toServerW)
		if err != nil {
			return nil, nil, err
		}
		return client, pipeCloser{client}, nil
	}
}

func TestClientConfig(t *testing.T) {
	_, err := clientConfig(config.Destination{Options: map[string]string{"password": "x", "insecureIgnoreHostKey": "true"}})
	assert.Error(t, err, "user is required")

	_, err = clientConfig(config.Destination{Options: map[string]string{"user": "bk", "insecureIgnoreHostKey": "true"}})
	assert.Error(t, err, "auth is required")

	_, err = clientConfig(config.Destination{Options: map[string]string{"user": "bk", "password": "x"}})
	assert.Error(t, err, "host key policy is required")

	cfg, err := clientConfig(config.Destination{Options: map[string]string{"user": "bk", "password": "x", "insecureIgnoreHostKey": "true"}})
	require.NoError(t, err)
	assert.Equal(t, "bk", cfg.User)
	assert.Len(t, cfg.Auth, 1)
}

func TestSinkLifecycle(t *testing.T) {
	dir, err := ioutil.TempDir("", "sftp-sink")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	src := filepath.Join(dir, "a.bin")
	require.NoError(t, ioutil.WriteFile(src, []byte("remote payload"), 0600))

	s, err := New(WithDialer(inMemDialer(t)))
	require.NoError(t, err)
	ctx := context.Background()
	dest := config.Destination{Type: Type, Path: "/backups/pg", Options: map[string]string{"host": "nas"}}

	res, err := s.Write(ctx, &backup.Artifact{ID: "rec-1.zip", Path: src}, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(14), res.Size)
	assert.Equal(t, "sftp://nas/backups/pg/rec-1.zip", res.Location)

	refs, err := s.ListArtifacts(ctx, dest)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "rec-1.zip", refs[0].ID)

	rc, err := s.Open(ctx, "rec-1.zip", dest)
	require.NoError(t, err)
	b, err := ioutil.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "remote payload", string(b))

	require.NoError(t, s.Delete(ctx, "rec-1.zip", dest))
	_, err = s.Open(ctx, "rec-1.zip", dest)
	assert.True(t, errors.Is(err, destination.ErrNotFound))
}
