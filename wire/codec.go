package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/eventcore/esdbclient-go/internal/pool"
)

var (
	ErrFrameTooLarge = errors.New("wire: frame exceeds max frame length")
	ErrShortPackage  = errors.New("wire: package body too short")
	ErrCredentialLen = errors.New("wire: credential field exceeds 255 bytes")
)

// LengthPrefixSize is the size of the little-endian frame length prefix
// that precedes every package body on the wire.
const LengthPrefixSize = 4

// Encode serializes a Package into a pooled frame buffer: 4-byte
// little-endian length prefix followed by the package body. The
// returned slice should be released with pool.Put after it has been
// written to the connection.
func Encode(p Package) ([]byte, error) {
	bodyLen := 1 + 1 + 16
	var authBuf []byte
	if p.Auth != nil {
		if len(p.Auth.Login) > 255 || len(p.Auth.Password) > 255 {
			return nil, ErrCredentialLen
		}
		authBuf = make([]byte, 0, 2+len(p.Auth.Login)+len(p.Auth.Password))
		authBuf = append(authBuf, byte(len(p.Auth.Login)))
		authBuf = append(authBuf, p.Auth.Login...)
		authBuf = append(authBuf, byte(len(p.Auth.Password)))
		authBuf = append(authBuf, p.Auth.Password...)
		bodyLen += len(authBuf)
		p.Flags |= FlagAuth
	} else {
		p.Flags &^= FlagAuth
	}
	bodyLen += len(p.Payload)

	if bodyLen > MaxFrameLength {
		return nil, ErrFrameTooLarge
	}

	buf := pool.Get(LengthPrefixSize + bodyLen)
	buf = buf[:LengthPrefixSize]
	binary.LittleEndian.PutUint32(buf, uint32(bodyLen))

	buf = append(buf, byte(p.Command))
	buf = append(buf, byte(p.Flags))
	buf = append(buf, p.CorrelationID[:]...)
	if authBuf != nil {
		buf = append(buf, authBuf...)
	}
	buf = append(buf, p.Payload...)

	return buf, nil
}

// DecodeBody parses a package body (frame contents with the length
// prefix already stripped by the frame reader) into a Package. The
// Payload field aliases body; callers that retain the Package past the
// lifetime of body must copy it.
func DecodeBody(body []byte) (Package, error) {
	if len(body) < 1+1+16 {
		return Package{}, ErrShortPackage
	}

	p := Package{
		Command: CommandTag(body[0]),
		Flags:   Flags(body[1]),
	}
	copy(p.CorrelationID[:], body[2:18])
	rest := body[18:]

	if p.Flags.HasAuth() {
		if len(rest) < 1 {
			return Package{}, ErrShortPackage
		}
		loginLen := int(rest[0])
		rest = rest[1:]
		if len(rest) < loginLen+1 {
			return Package{}, ErrShortPackage
		}
		login := string(rest[:loginLen])
		rest = rest[loginLen:]
		passLen := int(rest[0])
		rest = rest[1:]
		if len(rest) < passLen {
			return Package{}, ErrShortPackage
		}
		password := string(rest[:passLen])
		rest = rest[passLen:]
		p.Auth = &Credentials{Login: login, Password: password}
	}

	p.Payload = rest
	return p, nil
}

// ValidateFrameLength checks a decoded little-endian length prefix
// against MaxFrameLength before allocating a read buffer for it.
func ValidateFrameLength(n uint32) error {
	if n > MaxFrameLength {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	return nil
}
