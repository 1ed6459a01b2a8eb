package wallet

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// KeySigner signs message envelopes with the service wallet's ed25519
// key. The envelope is a canonical JSON body followed by the signature;
// the chain endpoint accepts it as the raw submission payload.
type KeySigner struct {
	priv ed25519.PrivateKey
}

// NewKeySigner builds a signer from a hex-encoded 32-byte seed.
func NewKeySigner(hexSeed string) (*KeySigner, error) {
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("decode wallet key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("wallet key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &KeySigner{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

type transferEnvelope struct {
	Kind    string `json:"kind"`
	From    string `json:"from"`
	To      string `json:"to"`
	Amount  int64  `json:"amount"`
	Comment string `json:"comment,omitempty"`
	Seqno   uint32 `json:"seqno"`
}

type deployEnvelope struct {
	Kind      string `json:"kind"`
	To        string `json:"to"`
	StateInit []byte `json:"stateInit"`
	Seqno     uint32 `json:"seqno"`
}

func (s *KeySigner) SignTransfer(intent TransferIntent, seqno uint32) ([]byte, error) {
	return s.seal(transferEnvelope{
		Kind:    "transfer",
		From:    intent.From,
		To:      intent.To,
		Amount:  intent.Amount,
		Comment: intent.Comment,
		Seqno:   seqno,
	})
}

func (s *KeySigner) SignDeploy(to string, stateInit []byte, seqno uint32) ([]byte, error) {
	return s.seal(deployEnvelope{
		Kind:      "deploy",
		To:        to,
		StateInit: stateInit,
		Seqno:     seqno,
	})
}

// seal appends signature over length-prefixed body: len | body | sig.
func (s *KeySigner) seal(envelope any) ([]byte, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(s.priv, body)

	out := make([]byte, 4, 4+len(body)+len(sig))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	out = append(out, body...)
	out = append(out, sig...)
	return out, nil
}

// Compile-time assertion that KeySigner implements Signer.
var _ Signer = (*KeySigner)(nil)
