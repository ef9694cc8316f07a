package codec

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// Stream layout: magic, salt, base nonce, then frames of
// flag(1) | length(4) | sealed chunk. The last frame carries flagFinal.
const (
	chunkSize = 64 * 1024
	saltSize  = 16

	flagMore  byte = 0
	flagFinal byte = 1

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var magic = []byte("BOENC1")

var (
	// ErrNoKey is returned when encryption is requested without a key.
	ErrNoKey = errors.New("encryption key is not configured")
	// ErrCorrupted is returned when an encrypted stream fails authentication.
	ErrCorrupted = errors.New("encrypted stream is corrupted or the key is wrong")
)

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
}

func frameNonce(base []byte, counter uint64) []byte {
	nonce := make([]byte, len(base))
	copy(nonce, base)
	off := len(nonce) - 8
	binary.BigEndian.PutUint64(nonce[off:], binary.BigEndian.Uint64(nonce[off:])^counter)
	return nonce
}

type encryptWriter struct {
	w       io.Writer
	aead    cipherAEAD
	nonce   []byte
	counter uint64
	buf     []byte
	closed  bool
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	Overhead() int
}

// NewEncryptor returns a writer sealing everything written to it with
// XChaCha20-Poly1305 under a key derived from passphrase. Close must be called
// to write the final frame; it does not close w.
func NewEncryptor(w io.Writer, passphrase string) (io.WriteCloser, error) {
	if passphrase == "" {
		return nil, ErrNoKey
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, len(magic)+saltSize+len(nonce))
	header = append(header, magic...)
	header = append(header, salt...)
	header = append(header, nonce...)
	if _, err := w.Write(header); err != nil {
		return nil, err
	}
	return &encryptWriter{w: w, aead: aead, nonce: nonce, buf: make([]byte, 0, chunkSize)}, nil
}

func (e *encryptWriter) Write(p []byte) (int, error) {
	if e.closed {
		return 0, errors.New("write to closed encryptor")
	}
	n := 0
	for len(p) > 0 {
		free := chunkSize - len(e.buf)
		take := len(p)
		if take > free {
			take = free
		}
		e.buf = append(e.buf, p[:take]...)
		p = p[take:]
		n += take
		// A full chunk is only sealed once more data arrives, so that the
		// final frame is never empty unless the stream is.
		if len(e.buf) == chunkSize && len(p) > 0 {
			if err := e.seal(flagMore); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (e *encryptWriter) seal(flag byte) error {
	sealed := e.aead.Seal(nil, frameNonce(e.nonce, e.counter), e.buf, []byte{flag})
	e.counter++
	e.buf = e.buf[:0]

	var hdr [5]byte
	hdr[0] = flag
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(sealed)))
	if _, err := e.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := e.w.Write(sealed)
	return err
}

func (e *encryptWriter) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.seal(flagFinal)
}

type decryptReader struct {
	r       *bufio.Reader
	aead    cipherAEAD
	nonce   []byte
	counter uint64
	plain   []byte
	done    bool
}

// NewDecryptor returns a reader opening a stream produced by NewEncryptor.
// A truncated or tampered stream yields ErrCorrupted.
func NewDecryptor(r io.Reader, passphrase string) (io.Reader, error) {
	if passphrase == "" {
		return nil, ErrNoKey
	}
	br := bufio.NewReader(r)
	header := make([]byte, len(magic)+saltSize+chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("read header: %w", ErrCorrupted)
	}
	if !bytes.Equal(header[:len(magic)], magic) {
		return nil, fmt.Errorf("bad magic: %w", ErrCorrupted)
	}
	salt := header[len(magic) : len(magic)+saltSize]
	nonce := header[len(magic)+saltSize:]
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &decryptReader{r: br, aead: aead, nonce: nonce}, nil
}

func (d *decryptReader) Read(p []byte) (int, error) {
	for len(d.plain) == 0 {
		if d.done {
			return 0, io.EOF
		}
		if err := d.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.plain)
	d.plain = d.plain[n:]
	return n, nil
}

func (d *decryptReader) next() error {
	var hdr [5]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return fmt.Errorf("truncated stream: %w", ErrCorrupted)
	}
	flag := hdr[0]
	size := binary.BigEndian.Uint32(hdr[1:])
	if size > chunkSize+uint32(d.aead.Overhead()) {
		return fmt.Errorf("frame too large: %w", ErrCorrupted)
	}
	sealed := make([]byte, size)
	if _, err := io.ReadFull(d.r, sealed); err != nil {
		return fmt.Errorf("truncated frame: %w", ErrCorrupted)
	}
	plain, err := d.aead.Open(nil, frameNonce(d.nonce, d.counter), sealed, []byte{flag})
	if err != nil {
		return ErrCorrupted
	}
	d.counter++
	d.plain = plain
	if flag == flagFinal {
		d.done = true
		if _, err := d.r.Peek(1); err != io.EOF {
			return fmt.Errorf("trailing data: %w", ErrCorrupted)
		}
	}
	return nil
}
