package firmware

import (
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Signature is a detached secp256k1 signature over an image, as
// 64-byte raw public key X||Y and a 64-byte compact signature R||S.
type Signature struct {
	PubKey [64]byte
	Sig    [64]byte
}

// VerifySignature hashes [0, size) of r with SHA-256 and checks sig
// against it. It streams the image through a 4 KiB buffer; callers
// verify once per programmed unit, not per chunk.
func VerifySignature(r Reader, sig Signature) error {
	digest, err := hashImage(r)
	if err != nil {
		return fmt.Errorf("firmware: hash image: %w", err)
	}
	pub, err := parsePubKey(sig.PubKey)
	if err != nil {
		return fmt.Errorf("firmware: parse pubkey: %w", err)
	}
	s, err := parseCompactSig(sig.Sig)
	if err != nil {
		return fmt.Errorf("firmware: parse signature: %w", err)
	}
	if !s.Verify(digest, pub) {
		return fmt.Errorf("firmware: signature does not verify against image hash")
	}
	return nil
}

func hashImage(r Reader) ([]byte, error) {
	h := sha256.New()
	size := r.Size()
	buf := make([]byte, 4096)
	for off := uint32(0); off < size; {
		n := uint32(len(buf))
		if rem := size - off; n > rem {
			n = rem
		}
		if _, err := r.ReadAt(off, buf[:n]); err != nil {
			return nil, err
		}
		h.Write(buf[:n])
		off += n
	}
	return h.Sum(nil), nil
}

// parsePubKey reconstructs an uncompressed secp256k1 point from a raw
// 64-byte X||Y pair (no 0x04 prefix).
func parsePubKey(raw [64]byte) (*secp256k1.PublicKey, error) {
	var uncompressed [65]byte
	uncompressed[0] = 0x04
	copy(uncompressed[1:], raw[:])
	return secp256k1.ParsePubKey(uncompressed[:])
}

// parseCompactSig reconstructs a signature from a raw 64-byte R||S
// pair, as carried in Signature.Sig.
func parseCompactSig(raw [64]byte) (*ecdsa.Signature, error) {
	var der [64]byte
	copy(der[:], raw[:])
	r := new(secp256k1.ModNScalar)
	if overflow := r.SetByteSlice(der[:32]); overflow {
		return nil, fmt.Errorf("signature R overflows the group order")
	}
	s := new(secp256k1.ModNScalar)
	if overflow := s.SetByteSlice(der[32:]); overflow {
		return nil, fmt.Errorf("signature S overflows the group order")
	}
	return ecdsa.NewSignature(r, s), nil
}
