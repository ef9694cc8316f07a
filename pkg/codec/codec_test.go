package codec

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestCompressionRoundTrip(t *testing.T) {
	payload := append(bytes.Repeat([]byte("backup orchestrator "), 4096), randomBytes(t, 1024)...)

	for _, c := range []backup.Compression{"", backup.CompressionNone, backup.CompressionGzip, backup.CompressionBrotli, backup.CompressionLZ4} {
		t.Run(string(c), func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewCompressor(&buf, c)
			require.NoError(t, err)
			_, err = w.Write(payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			r, err := NewDecompressor(&buf, c)
			require.NoError(t, err)
			got, err := ioutil.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			assert.Equal(t, payload, got)
		})
	}

	_, err := NewCompressor(ioutil.Discard, "zstd")
	assert.Error(t, err)
}

func TestEncryptionRoundTrip(t *testing.T) {
	sizes := []int{0, 1, chunkSize - 1, chunkSize, chunkSize + 1, 3*chunkSize + 17}
	for _, size := range sizes {
		payload := randomBytes(t, size)

		var buf bytes.Buffer
		w, err := NewEncryptor(&buf, "s3cret")
		require.NoError(t, err)
		_, err = w.Write(payload)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		r, err := NewDecryptor(bytes.NewReader(buf.Bytes()), "s3cret")
		require.NoError(t, err)
		got, err := ioutil.ReadAll(r)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, len(payload), len(got))
		assert.True(t, bytes.Equal(payload, got), "size %d", size)
	}
}

func TestDecryptRejects(t *testing.T) {
	payload := randomBytes(t, 2*chunkSize+5)
	var buf bytes.Buffer
	w, err := NewEncryptor(&buf, "s3cret")
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	sealed := buf.Bytes()

	t.Run("wrong key", func(t *testing.T) {
		r, err := NewDecryptor(bytes.NewReader(sealed), "other")
		require.NoError(t, err)
		_, err = ioutil.ReadAll(r)
		assert.True(t, errors.Is(err, ErrCorrupted))
	})

	t.Run("truncated", func(t *testing.T) {
		r, err := NewDecryptor(bytes.NewReader(sealed[:len(sealed)-100]), "s3cret")
		require.NoError(t, err)
		_, err = ioutil.ReadAll(r)
		assert.True(t, errors.Is(err, ErrCorrupted))
	})

	t.Run("flipped bit", func(t *testing.T) {
		tampered := append([]byte(nil), sealed...)
		tampered[len(tampered)/2] ^= 0x01
		r, err := NewDecryptor(bytes.NewReader(tampered), "s3cret")
		require.NoError(t, err)
		_, err = ioutil.ReadAll(r)
		assert.True(t, errors.Is(err, ErrCorrupted))
	})

	t.Run("no key", func(t *testing.T) {
		_, err := NewDecryptor(bytes.NewReader(sealed), "")
		assert.Equal(t, ErrNoKey, err)
		_, err = NewEncryptor(ioutil.Discard, "")
		assert.Equal(t, ErrNoKey, err)
	})
}

func TestFilePipeline(t *testing.T) {
	dir, err := ioutil.TempDir("", "codec")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	payload := bytes.Repeat([]byte("row,value\n"), 10000)
	src := filepath.Join(dir, "dump.sql")
	require.NoError(t, ioutil.WriteFile(src, payload, 0600))

	ctx := context.Background()
	compressed := filepath.Join(dir, "out", "dump.sql.gz")
	cs, err := CompressFile(ctx, src, compressed, backup.CompressionGzip)
	require.NoError(t, err)
	assert.Less(t, cs.Size, int64(len(payload)))

	disk, err := DigestFile(compressed)
	require.NoError(t, err)
	assert.Equal(t, cs, disk)

	encrypted := compressed + ".enc"
	es, err := EncryptFile(ctx, compressed, encrypted, "s3cret")
	require.NoError(t, err)
	assert.Greater(t, es.Size, cs.Size)

	f, err := os.Open(encrypted)
	require.NoError(t, err)
	r, err := Decode(f, backup.CompressionGzip, true, "s3cret")
	require.NoError(t, err)
	got, err := ioutil.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, payload, got)
}

func TestCompressFileHonoursContext(t *testing.T) {
	dir, err := ioutil.TempDir("", "codec")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "in")
	require.NoError(t, ioutil.WriteFile(src, []byte("data"), 0600))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dst := filepath.Join(dir, "out")
	_, err = CompressFile(ctx, src, dst, backup.CompressionNone)
	assert.True(t, errors.Is(err, context.Canceled))
	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
}

func TestNewContextReader(t *testing.T) {
	r := NewContextReader(context.Background(), bytes.NewReader([]byte("abc")))
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b))
}
