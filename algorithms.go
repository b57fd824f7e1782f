package sshtrans

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/ssh"
)

type cipherSpec struct {
	keySize   int
	blockSize int
	create    func(key, iv []byte, decrypt bool) (cipher.BlockMode, error)
}

type macSpec struct {
	keySize int
	size    int
	hash    func() hash.Hash
}

// streamMode lets a stream cipher stand in where the packet layer expects
// whole-block processing.
type streamMode struct {
	s  cipher.Stream
	bs int
}

func (m streamMode) BlockSize() int { return m.bs }

func (m streamMode) CryptBlocks(dst, src []byte) { m.s.XORKeyStream(dst, src) }

func ctrMode(keySize int) *cipherSpec {
	return &cipherSpec{
		keySize:   keySize,
		blockSize: aes.BlockSize,
		create: func(key, iv []byte, _ bool) (cipher.BlockMode, error) {
			b, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return streamMode{cipher.NewCTR(b, iv), b.BlockSize()}, nil
		},
	}
}

func cbcMode(keySize, blockSize int, newBlock func([]byte) (cipher.Block, error)) *cipherSpec {
	return &cipherSpec{
		keySize:   keySize,
		blockSize: blockSize,
		create: func(key, iv []byte, decrypt bool) (cipher.BlockMode, error) {
			b, err := newBlock(key)
			if err != nil {
				return nil, err
			}
			if decrypt {
				return cipher.NewCBCDecrypter(b, iv), nil
			}
			return cipher.NewCBCEncrypter(b, iv), nil
		},
	}
}

func newBlowfish(key []byte) (cipher.Block, error) {
	return blowfish.NewCipher(key)
}

var cipherModes = map[string]*cipherSpec{
	"aes128-ctr":   ctrMode(16),
	"aes192-ctr":   ctrMode(24),
	"aes256-ctr":   ctrMode(32),
	"aes128-cbc":   cbcMode(16, aes.BlockSize, aes.NewCipher),
	"aes256-cbc":   cbcMode(32, aes.BlockSize, aes.NewCipher),
	"blowfish-cbc": cbcMode(16, blowfish.BlockSize, newBlowfish),
	"3des-cbc":     cbcMode(24, des.BlockSize, des.NewTripleDESCipher),
}

var macModes = map[string]*macSpec{
	"hmac-sha2-256": {32, 32, sha256.New},
	"hmac-sha2-512": {64, 64, sha512.New},
	"hmac-sha1":     {20, 20, sha1.New},
	"hmac-sha1-96":  {20, 12, sha1.New},
	"hmac-md5":      {16, 16, md5.New},
	"hmac-md5-96":   {16, 12, md5.New},
}

// kexAlgorithms maps a kex name to a constructor for a fresh algorithm instance.
var kexAlgorithms = map[string]func() KexAlgorithm{
	"curve25519-sha256":             newCurve25519Kex,
	"curve25519-sha256@libssh.org":  newCurve25519Kex,
	"diffie-hellman-group14-sha256": func() KexAlgorithm { return newDHKex(dhGroup14(), crypto.SHA256) },
	"diffie-hellman-group14-sha1":   func() KexAlgorithm { return newDHKex(dhGroup14(), crypto.SHA1) },
	"diffie-hellman-group1-sha1":    func() KexAlgorithm { return newDHKex(dhGroup1(), crypto.SHA1) },
}

// hostKeyAlgorithms maps a host key algorithm to the public key type able to produce it.
var hostKeyAlgorithms = map[string]string{
	ssh.KeyAlgoED25519:  ssh.KeyAlgoED25519,
	ssh.KeyAlgoECDSA256: ssh.KeyAlgoECDSA256,
	"rsa-sha2-256":      ssh.KeyAlgoRSA,
	ssh.KeyAlgoRSA:      ssh.KeyAlgoRSA,
}

var (
	defaultKex = []string{
		"curve25519-sha256",
		"curve25519-sha256@libssh.org",
		"diffie-hellman-group14-sha256",
		"diffie-hellman-group14-sha1",
		"diffie-hellman-group1-sha1",
	}
	defaultHostKeyAlgorithms = []string{
		ssh.KeyAlgoED25519,
		ssh.KeyAlgoECDSA256,
		"rsa-sha2-256",
		ssh.KeyAlgoRSA,
	}
	defaultCiphers = []string{
		"aes128-ctr", "aes256-ctr", "aes192-ctr",
		"aes128-cbc", "aes256-cbc", "blowfish-cbc", "3des-cbc",
	}
	defaultMACs = []string{
		"hmac-sha2-256", "hmac-sha1", "hmac-sha2-512",
		"hmac-md5", "hmac-sha1-96", "hmac-md5-96",
	}
	supportedCompressions = []string{"none"}
)

// keepKnown drops names missing from the registry, preserving order.
func keepKnown[T any](names []string, registry map[string]T) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := registry[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

// CryptoProvider supplies randomness, digests and ciphers by SSH name.
type CryptoProvider interface {
	Rand() io.Reader
	NewHash(h crypto.Hash) hash.Hash
	NewCipher(name string, key, iv []byte, decrypt bool) (cipher.BlockMode, error)
	NewMAC(name string, key []byte) (hash.Hash, int, error)
}

type defaultCrypto struct {
	rand io.Reader
}

func newCryptoProvider(r io.Reader) CryptoProvider {
	if r == nil {
		r = rand.Reader
	}
	return &defaultCrypto{rand: r}
}

func (c *defaultCrypto) Rand() io.Reader { return c.rand }

func (c *defaultCrypto) NewHash(h crypto.Hash) hash.Hash { return h.New() }

func (c *defaultCrypto) NewCipher(name string, key, iv []byte, decrypt bool) (cipher.BlockMode, error) {
	spec, ok := cipherModes[name]
	if !ok {
		return nil, errors.Errorf("sshtrans: unknown cipher %q", name)
	}
	return spec.create(key, iv, decrypt)
}

func (c *defaultCrypto) NewMAC(name string, key []byte) (hash.Hash, int, error) {
	spec, ok := macModes[name]
	if !ok {
		return nil, 0, errors.Errorf("sshtrans: unknown mac %q", name)
	}
	return hmac.New(spec.hash, key), spec.size, nil
}
