// Package envelope implements the chunked RSA-OAEP framing used on the
// operator channel.
package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/msageha/nightline/internal/model"
)

// ErrBounced is returned for envelopes that are not addressed to the broker.
var ErrBounced = errors.New("envelope not addressed to broker")

// ChunkSize is the largest plaintext that fits one OAEP/SHA-1 block for pub.
func ChunkSize(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha1.Size - 2
}

// Seal splits plaintext into ChunkSize pieces, encrypts each and returns the
// base64 ciphertexts in order. Empty plaintext yields one chunk.
func Seal(pub *rsa.PublicKey, plaintext []byte) ([]string, error) {
	size := ChunkSize(pub)
	if size <= 0 {
		return nil, fmt.Errorf("key too small for OAEP: %d bytes", pub.Size())
	}
	n := (len(plaintext) + size - 1) / size
	if n == 0 {
		n = 1
	}
	chunks := make([]string, 0, n)
	for i := 0; i < n; i++ {
		end := min((i+1)*size, len(plaintext))
		ct, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plaintext[i*size:end], nil)
		if err != nil {
			return nil, fmt.Errorf("encrypt chunk %d: %w", i, err)
		}
		chunks = append(chunks, base64.StdEncoding.EncodeToString(ct))
	}
	return chunks, nil
}

// Open decrypts chunks in order and concatenates them. Any bad chunk fails
// the whole message.
func Open(priv *rsa.PrivateKey, chunks []string) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks", model.ErrDecode)
	}
	var out []byte
	for i, c := range chunks {
		ct, err := base64.StdEncoding.DecodeString(c)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", model.ErrDecode, i, err)
		}
		pt, err := rsa.DecryptOAEP(sha1.New(), nil, priv, ct, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", model.ErrDecode, i, err)
		}
		out = append(out, pt...)
	}
	return out, nil
}

// Codec seals payloads for operators and opens envelopes sent to the broker.
type Codec struct {
	priv *rsa.PrivateKey
}

func NewCodec(priv *rsa.PrivateKey) *Codec {
	return &Codec{priv: priv}
}

func (c *Codec) PublicKey() *rsa.PublicKey {
	return &c.priv.PublicKey
}

// Encode marshals p and seals it for the operator holding pub.
func (c *Codec) Encode(pub *rsa.PublicKey, recipient string, p Payload) (Envelope, error) {
	if pub == nil {
		return Envelope{}, fmt.Errorf("encode for %s: %w", recipient, model.ErrUnknownRecipient)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	chunks, err := Seal(pub, data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Messages: chunks, UUID: recipient, To: ToOperator}, nil
}

// Decode opens an inbound envelope. The payload UUID must match the envelope's.
func (c *Codec) Decode(env Envelope) (Payload, error) {
	if env.To != ToBroker {
		return Payload{}, ErrBounced
	}
	data, err := Open(c.priv, env.Messages)
	if err != nil {
		return Payload{}, err
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", model.ErrDecode, err)
	}
	if p.UUID == "" {
		p.UUID = env.UUID
	}
	if p.UUID != env.UUID {
		return Payload{}, fmt.Errorf("%w: payload for %q in envelope from %q", model.ErrDecode, p.UUID, env.UUID)
	}
	return p, nil
}
