// Package codec transforms entity payloads between their in-memory and
// stored forms: encode = encrypt(compress(payload)), decode reverses it.
//
// Every encoded value starts with a one byte header naming the stages that
// were applied, so rows written under an older configuration stay readable
// after compression or encryption is toggled.
package codec

import (
	"fmt"

	"github.com/golang/snappy"

	"github.com/kimhsiao/offlinesync/internal/crypto"
	"github.com/kimhsiao/offlinesync/internal/errors"
)

const (
	headerMagic   byte = 0xA0
	magicMask     byte = 0xF0
	flagCompress  byte = 0x01
	flagEncrypted byte = 0x02
	knownFlags         = flagCompress | flagEncrypted
)

// Pipeline is safe for concurrent use.
type Pipeline struct {
	compress  bool
	encryptor *crypto.Encryptor
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCompression toggles snappy compression of new values.
func WithCompression(enabled bool) Option {
	return func(p *Pipeline) { p.compress = enabled }
}

// WithEncryption encrypts new values with enc. A nil enc disables the stage.
func WithEncryption(enc *crypto.Encryptor) Option {
	return func(p *Pipeline) { p.encryptor = enc }
}

// New creates a Pipeline. With no options it stores payloads as is.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Compressing reports whether new values are compressed.
func (p *Pipeline) Compressing() bool { return p.compress }

// Encrypting reports whether new values are encrypted.
func (p *Pipeline) Encrypting() bool { return p.encryptor != nil }

// Encode transforms a payload into its stored form.
func (p *Pipeline) Encode(payload []byte) ([]byte, error) {
	header := headerMagic
	body := payload

	if p.compress {
		body = snappy.Encode(nil, body)
		header |= flagCompress
	}
	if p.encryptor != nil {
		sealed, err := p.encryptor.Encrypt(body)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInternal, "encrypt payload", err)
		}
		body = sealed
		header |= flagEncrypted
	}

	out := make([]byte, 0, len(body)+1)
	out = append(out, header)
	return append(out, body...), nil
}

// Decode reverses Encode. Any failure is a DECODE_ERROR; no partial or
// default payload is ever returned.
func (p *Pipeline) Decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, errors.Decode("decode payload", fmt.Errorf("empty value"))
	}

	header := stored[0]
	if header&magicMask != headerMagic || header&^(magicMask|knownFlags) != 0 {
		return nil, errors.Decode("decode payload", fmt.Errorf("unknown header 0x%02x", header))
	}
	body := stored[1:]

	if header&flagEncrypted != 0 {
		if p.encryptor == nil {
			return nil, errors.Decode("decode payload", fmt.Errorf("value is encrypted but no key is configured"))
		}
		opened, err := p.encryptor.Decrypt(body)
		if err != nil {
			return nil, errors.Decode("decrypt payload", err)
		}
		body = opened
	}

	if header&flagCompress != 0 {
		raw, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, errors.Decode("decompress payload", err)
		}
		body = raw
	}

	if body == nil {
		body = []byte{}
	}
	return body, nil
}
