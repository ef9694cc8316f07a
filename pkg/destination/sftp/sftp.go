// Package sftp stores artifacts on a remote host over SFTP.
package sftp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/bizflycloud/backup-orchestrator/pkg/backup"
	"github.com/bizflycloud/backup-orchestrator/pkg/codec"
	"github.com/bizflycloud/backup-orchestrator/pkg/config"
	"github.com/bizflycloud/backup-orchestrator/pkg/destination"
	"github.com/bizflycloud/backup-orchestrator/pkg/limiter"
)

// Type is the destination type served by this sink.
const Type = "sftp"

// Destination options. The destination path is the remote directory.
const (
	OptionHost           = "host"
	OptionPort           = "port"
	OptionUser           = "user"
	OptionPassword       = "password"
	OptionPrivateKeyFile = "privateKeyFile"
	OptionKnownHosts     = "knownHostsFile"
	OptionInsecure       = "insecureIgnoreHostKey"
)

const (
	dialTimeout = 30 * time.Second
	maxRetry    = time.Minute
)

// Dialer opens an SFTP session for a destination.
type Dialer func(ctx context.Context, dest config.Destination) (*sftp.Client, io.Closer, error)

// Sink writes artifacts into a remote directory.
type Sink struct {
	logger *zap.Logger
	dial   Dialer
}

var _ destination.Sink = (*Sink)(nil)

// Option configures a Sink.
type Option func(s *Sink) error

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sink) error {
		s.logger = l
		return nil
	}
}

// WithDialer replaces how sessions are opened.
func WithDialer(d Dialer) Option {
	return func(s *Sink) error {
		s.dial = d
		return nil
	}
}

// New returns an SFTP sink.
func New(opts ...Option) (*Sink, error) {
	s := &Sink{dial: dialSSH}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

func (s *Sink) Type() string { return Type }

func clientConfig(dest config.Destination) (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:    destination.Option(dest.Options, OptionUser),
		Timeout: dialTimeout,
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("destination %s: option %q is required", dest, OptionUser)
	}

	if keyFile := destination.Option(dest.Options, OptionPrivateKeyFile); keyFile != "" {
		pem, err := ioutil.ReadFile(keyFile)
		if err != nil {
			return nil, err
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, err
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}
	if pw := destination.Option(dest.Options, OptionPassword); pw != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(pw))
	}
	if len(cfg.Auth) == 0 {
		return nil, fmt.Errorf("destination %s: no password or private key configured", dest)
	}

	switch {
	case destination.Option(dest.Options, OptionKnownHosts) != "":
		cb, err := knownhosts.New(destination.Option(dest.Options, OptionKnownHosts))
		if err != nil {
			return nil, err
		}
		cfg.HostKeyCallback = cb
	case destination.Option(dest.Options, OptionInsecure) == "true":
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	default:
		return nil, fmt.Errorf("destination %s: %q or %q must be set", dest, OptionKnownHosts, OptionInsecure)
	}
	return cfg, nil
}

type sessionCloser struct {
	sftp *sftp.Client
	ssh  *ssh.Client
}

func (c sessionCloser) Close() error {
	c.sftp.Close()
	return c.ssh.Close()
}

func dialSSH(ctx context.Context, dest config.Destination) (*sftp.Client, io.Closer, error) {
	cfg, err := clientConfig(dest)
	if err != nil {
		return nil, nil, err
	}
	host := destination.Option(dest.Options, OptionHost)
	if host == "" {
		return nil, nil, fmt.Errorf("destination %s: option %q is required", dest, OptionHost)
	}
	port := destination.Option(dest.Options, OptionPort)
	if port == "" {
		port = "22"
	}
	addr := net.JoinHostPort(host, port)

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	sshClient := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, nil, err
	}
	return client, sessionCloser{sftp: client, ssh: sshClient}, nil
}

func (s *Sink) session(ctx context.Context, dest config.Destination) (*sftp.Client, io.Closer, error) {
	var (
		client *sftp.Client
		closer io.Closer
	)
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxRetry
	err := backoff.RetryNotify(func() error {
		var err error
		client, closer, err = s.dial(ctx, dest)
		return err
	}, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
		s.logger.Warn("SFTP dial. Retrying", zap.Error(err), zap.Duration("retry_in", d))
	})
	return client, closer, err
}

func remotePath(dest config.Destination, artifactID string) (string, error) {
	if artifactID == "" || artifactID != path.Base(artifactID) || strings.HasPrefix(artifactID, ".") {
		return "", fmt.Errorf("invalid artifact id %q", artifactID)
	}
	return path.Join(dest.Path, artifactID), nil
}

// Write uploads the artifact to a temporary name and renames it into place.
func (s *Sink) Write(ctx context.Context, artifact *backup.Artifact, dest config.Destination) (*destination.WriteResult, error) {
	target, err := remotePath(dest, artifact.ID)
	if err != nil {
		return nil, err
	}
	in, err := os.Open(artifact.Path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	client, closer, err := s.session(ctx, dest)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	if err := client.MkdirAll(dest.Path); err != nil {
		return nil, err
	}
	tmp := path.Join(dest.Path, ".tmp-"+artifact.ID)
	out, err := client.Create(tmp)
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	w := limiter.FromOptions(dest.Options).UpstreamWriter(io.MultiWriter(out, h))
	n, err := io.Copy(w, codec.NewContextReader(ctx, in))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		client.Remove(tmp)
		return nil, err
	}
	if err := rename(client, tmp, target); err != nil {
		client.Remove(tmp)
		return nil, err
	}

	return &destination.WriteResult{
		ArtifactID: artifact.ID,
		Location:   "sftp://" + destination.Option(dest.Options, OptionHost) + target,
		Size:       n,
		Checksum:   hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// rename replaces target, falling back to remove and rename on servers
// without the posix-rename extension.
func rename(client *sftp.Client, from, to string) error {
	if err := client.PosixRename(from, to); err == nil {
		return nil
	}
	if err := client.Remove(to); err != nil && !os.IsNotExist(err) {
		return err
	}
	return client.Rename(from, to)
}

type remoteFile struct {
	io.Reader
	file   *sftp.File
	closer io.Closer
}

func (r remoteFile) Close() error {
	r.file.Close()
	return r.closer.Close()
}

func (s *Sink) Open(ctx context.Context, artifactID string, dest config.Destination) (io.ReadCloser, error) {
	p, err := remotePath(dest, artifactID)
	if err != nil {
		return nil, err
	}
	client, closer, err := s.session(ctx, dest)
	if err != nil {
		return nil, err
	}
	f, err := client.Open(p)
	if err != nil {
		closer.Close()
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", p, destination.ErrNotFound)
		}
		return nil, err
	}
	return remoteFile{
		Reader: limiter.FromOptions(dest.Options).Downstream(f),
		file:   f,
		closer: closer,
	}, nil
}

func (s *Sink) ListArtifacts(ctx context.Context, dest config.Destination) ([]backup.ArtifactRef, error) {
	client, closer, err := s.session(ctx, dest)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	entries, err := client.ReadDir(dest.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	host := destination.Option(dest.Options, OptionHost)
	refs := make([]backup.ArtifactRef, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		refs = append(refs, backup.ArtifactRef{
			ID:           e.Name(),
			Location:     "sftp://" + host + path.Join(dest.Path, e.Name()),
			Size:         e.Size(),
			LastModified: e.ModTime().UTC(),
		})
	}
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].LastModified.Before(refs[j].LastModified)
	})
	return refs, nil
}

func (s *Sink) Delete(ctx context.Context, artifactID string, dest config.Destination) error {
	p, err := remotePath(dest, artifactID)
	if err != nil {
		return err
	}
	client, closer, err := s.session(ctx, dest)
	if err != nil {
		return err
	}
	defer closer.Close()
	if err := client.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
