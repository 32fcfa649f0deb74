// streaming.go: Chunked authenticated encryption for large document payloads.
//
// Protecting a multi-megabyte document through EncryptBytes would hold the
// whole plaintext and ciphertext in memory at once. The stream codec
// processes data in GCM-sealed chunks instead, each authenticated under a
// nonce built from a random per-stream prefix and a strictly increasing
// chunk counter, so chunks cannot be reordered, dropped, or replayed across
// streams.
//
// Copyright (c) 2026 Kluis Labs
// SPDX-License-Identifier: MPL-2.0

package kluis

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	goerrors "github.com/agilira/go-errors"
)

// DefaultChunkSize balances memory use against per-chunk overhead.
const DefaultChunkSize = 64 * 1024

// Stream header: [4B magic][4B version][8B nonce prefix][4B chunk size].
const (
	streamMagic      = "KLS1"
	streamVersion    = uint32(1)
	streamHeaderSize = 4 + 4 + 8 + 4
	noncePrefixSize  = 8
	maxChunkSize     = 8 * 1024 * 1024
)

// StreamEncryptor encrypts a document to an io.Writer in sealed chunks.
// Close must be called to flush the final chunk.
type StreamEncryptor struct {
	writer      io.Writer
	gcm         cipher.AEAD
	noncePrefix [noncePrefixSize]byte
	buffer      []byte
	chunkSize   int
	chunkCount  uint32
	closed      bool
}

// StreamDecryptor decrypts a document produced by StreamEncryptor. Each
// chunk's authentication tag is verified before its plaintext is released.
type StreamDecryptor struct {
	reader      io.Reader
	gcm         cipher.AEAD
	noncePrefix [noncePrefixSize]byte
	chunkSize   int
	chunkCount  uint32
	remaining   []byte
	headerRead  bool
	closed      bool
}

// NewStreamEncryptor creates a chunked encryptor writing to w, keyed by the
// encryption key derived for context.
func (c *Cipher) NewStreamEncryptor(w io.Writer, context string) (*StreamEncryptor, error) {
	return c.NewStreamEncryptorWithChunkSize(w, context, DefaultChunkSize)
}

// NewStreamEncryptorWithChunkSize creates a chunked encryptor with a custom
// chunk size between 1 byte and 8MB.
func (c *Cipher) NewStreamEncryptorWithChunkSize(w io.Writer, context string, chunkSize int) (*StreamEncryptor, error) {
	if chunkSize <= 0 || chunkSize > maxChunkSize {
		richErr := goerrors.New(ErrCodeWeakParameter,
			fmt.Sprintf("chunk size must be between 1 and %d bytes", maxChunkSize))
		return nil, fmt.Errorf("%w: %w", ErrWeakParameter, richErr)
	}

	gcm, err := c.contextGCM(context)
	if err != nil {
		return nil, err
	}

	enc := &StreamEncryptor{
		writer:    w,
		gcm:       gcm,
		chunkSize: chunkSize,
		buffer:    make([]byte, 0, chunkSize),
	}
	if _, err := io.ReadFull(rand.Reader, enc.noncePrefix[:]); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeNonceGen, "failed to generate stream nonce prefix")
		return nil, fmt.Errorf("%w: %w", ErrNonceGen, richErr)
	}
	if err := enc.writeHeader(); err != nil {
		return nil, err
	}
	emitAudit(c.sink, "encrypt_stream", context, "", OutcomeSuccess)
	return enc, nil
}

// NewStreamDecryptor creates a chunked decryptor reading from r, keyed by
// the encryption key derived for context. The stream header is read lazily
// on first Read.
func (c *Cipher) NewStreamDecryptor(r io.Reader, context string) (*StreamDecryptor, error) {
	gcm, err := c.contextGCM(context)
	if err != nil {
		return nil, err
	}
	emitAudit(c.sink, "decrypt_stream", context, "", OutcomeSuccess)
	return &StreamDecryptor{reader: r, gcm: gcm}, nil
}

// contextGCM derives the context encryption key and returns its cached GCM.
func (c *Cipher) contextGCM(context string) (cipher.AEAD, error) {
	key, err := c.deriver.EncryptionKey(context)
	if err != nil {
		return nil, err
	}
	gcm, err := c.cachedGCM(key)
	SecureWipe(key)
	return gcm, err
}

func (e *StreamEncryptor) writeHeader() error {
	header := make([]byte, streamHeaderSize)
	copy(header[0:4], streamMagic)
	binary.BigEndian.PutUint32(header[4:8], streamVersion)
	copy(header[8:16], e.noncePrefix[:])
	binary.BigEndian.PutUint32(header[16:20], uint32(e.chunkSize)) // #nosec G115 -- bounded by maxChunkSize

	if _, err := e.writer.Write(header); err != nil {
		return goerrors.Wrap(err, ErrCodeStore, "failed to write stream header")
	}
	return nil
}

// chunkNonce builds the 12-byte nonce for chunk n: prefix || counter.
// The prefix is random per stream and the counter strictly increases, so no
// (key, nonce) pair ever repeats within or across streams.
func chunkNonce(prefix [noncePrefixSize]byte, n uint32) []byte {
	nonce := make([]byte, NonceSize)
	copy(nonce, prefix[:])
	binary.BigEndian.PutUint32(nonce[noncePrefixSize:], n)
	return nonce
}

// Write buffers plaintext and seals full chunks to the underlying writer.
func (e *StreamEncryptor) Write(data []byte) (int, error) {
	if e.closed {
		return 0, goerrors.New(ErrCodeFormat, "write to closed stream encryptor")
	}

	written := 0
	for len(data) > 0 {
		room := e.chunkSize - len(e.buffer)
		n := len(data)
		if n > room {
			n = room
		}
		e.buffer = append(e.buffer, data[:n]...)
		data = data[n:]
		written += n

		if len(e.buffer) == e.chunkSize {
			if err := e.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Close seals any buffered plaintext as the final chunk.
func (e *StreamEncryptor) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if len(e.buffer) == 0 {
		return nil
	}
	return e.flush()
}

func (e *StreamEncryptor) flush() error {
	if e.chunkCount == ^uint32(0) {
		return goerrors.New(ErrCodeFormat, "stream chunk counter exhausted")
	}
	nonce := chunkNonce(e.noncePrefix, e.chunkCount)
	sealed := e.gcm.Seal(nil, nonce, e.buffer, nil) // #nosec G407 -- nonce is random prefix + per-chunk counter
	e.chunkCount++

	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], uint32(len(sealed))) // #nosec G115 -- bounded by maxChunkSize + tag
	if _, err := e.writer.Write(frame[:]); err != nil {
		return goerrors.Wrap(err, ErrCodeStore, "failed to write chunk frame")
	}
	if _, err := e.writer.Write(sealed); err != nil {
		return goerrors.Wrap(err, ErrCodeStore, "failed to write sealed chunk")
	}

	Zeroize(e.buffer)
	e.buffer = e.buffer[:0]
	return nil
}

func (d *StreamDecryptor) readHeader() error {
	header := make([]byte, streamHeaderSize)
	if _, err := io.ReadFull(d.reader, header); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeFormat, "failed to read stream header")
		return fmt.Errorf("%w: %w", ErrUnsupportedFormat, richErr)
	}
	if string(header[0:4]) != streamMagic {
		richErr := goerrors.New(ErrCodeFormat, "unknown stream magic")
		return fmt.Errorf("%w: %w", ErrUnsupportedFormat, richErr)
	}
	if version := binary.BigEndian.Uint32(header[4:8]); version != streamVersion {
		richErr := goerrors.New(ErrCodeFormat, fmt.Sprintf("unsupported stream version %d", version))
		return fmt.Errorf("%w: %w", ErrUnsupportedFormat, richErr)
	}
	copy(d.noncePrefix[:], header[8:16])

	d.chunkSize = int(binary.BigEndian.Uint32(header[16:20]))
	if d.chunkSize <= 0 || d.chunkSize > maxChunkSize {
		richErr := goerrors.New(ErrCodeFormat, "invalid chunk size in stream header")
		return fmt.Errorf("%w: %w", ErrUnsupportedFormat, richErr)
	}
	d.headerRead = true
	return nil
}

// Read decrypts and returns document plaintext. It returns io.EOF once the
// stream is exhausted, and ErrIntegrity if any chunk fails authentication.
func (d *StreamDecryptor) Read(p []byte) (int, error) {
	if d.closed {
		return 0, goerrors.New(ErrCodeFormat, "read from closed stream decryptor")
	}
	if !d.headerRead {
		if err := d.readHeader(); err != nil {
			return 0, err
		}
	}

	total := 0
	for len(p) > 0 {
		if len(d.remaining) > 0 {
			n := copy(p, d.remaining)
			d.remaining = d.remaining[n:]
			p = p[n:]
			total += n
			continue
		}

		chunk, err := d.nextChunk()
		if err != nil {
			if err == io.EOF && total > 0 {
				return total, nil
			}
			return total, err
		}

		n := copy(p, chunk)
		if n < len(chunk) {
			d.remaining = chunk[n:]
		}
		p = p[n:]
		total += n
	}
	return total, nil
}

// Close releases buffered plaintext.
func (d *StreamDecryptor) Close() error {
	if d.closed {
		return nil
	}
	Zeroize(d.remaining)
	d.remaining = nil
	d.closed = true
	return nil
}

func (d *StreamDecryptor) nextChunk() ([]byte, error) {
	var frame [4]byte
	if _, err := io.ReadFull(d.reader, frame[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		richErr := goerrors.Wrap(err, ErrCodeFormat, "failed to read chunk frame")
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, richErr)
	}

	sealedSize := binary.BigEndian.Uint32(frame[:])
	if sealedSize == 0 || int(sealedSize) > d.chunkSize+gcmTagSize {
		richErr := goerrors.New(ErrCodeFormat, "chunk frame size out of bounds")
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, richErr)
	}

	sealed := make([]byte, sealedSize)
	if _, err := io.ReadFull(d.reader, sealed); err != nil {
		richErr := goerrors.Wrap(err, ErrCodeFormat, "truncated sealed chunk")
		return nil, fmt.Errorf("%w: %w", ErrCiphertextShort, richErr)
	}

	nonce := chunkNonce(d.noncePrefix, d.chunkCount)
	plaintext, err := d.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		richErr := goerrors.Wrap(err, ErrCodeIntegrity, "chunk authentication failed")
		return nil, fmt.Errorf("%w: %w", ErrIntegrity, richErr)
	}
	d.chunkCount++
	return plaintext, nil
}
