package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"

	"github.com/pkg/errors"
)

const keySize = 2048

var (
	ErrDecrypt    = errors.New("decryption failed")
	ErrInvalidKey = errors.New("invalid public key")
)

// KeyPair is an RSA keypair for hybrid whisper encryption. Only the public
// half ever crosses the wire.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateKeyPair generates a fresh RSA-2048 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, errors.Wrap(err, "generate keypair")
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// PublicKeyPEM serializes the public half in PKIX PEM form.
func (kp *KeyPair) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(kp.Public)
	if err != nil {
		return nil, errors.Wrap(err, "marshal public key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKeyPEM parses a PKIX PEM public key received from a peer.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, ErrInvalidKey
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKey, err.Error())
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	return pub, nil
}

// Envelope is the hybrid-encrypted whisper payload: a fresh AES-256 key
// wrapped with RSA-OAEP, and the body under AES-CFB with a random IV.
type Envelope struct {
	EncryptedKey string `json:"encrypted_key"`
	IV           string `json:"iv"`
	Ciphertext   string `json:"ciphertext"`
}

// Seal encrypts message for the holder of pub. A one-time symmetric key is
// generated per call and never reused.
func Seal(message []byte, pub *rsa.PublicKey) (*Envelope, error) {
	aesKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, aesKey); err != nil {
		return nil, errors.Wrap(err, "generate symmetric key")
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		return nil, errors.Wrap(err, "wrap symmetric key")
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errors.Wrap(err, "generate iv")
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(message))
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(ciphertext, message)

	return &Envelope{
		EncryptedKey: base64.StdEncoding.EncodeToString(wrapped),
		IV:           base64.StdEncoding.EncodeToString(iv),
		Ciphertext:   base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Open decrypts an envelope with the recipient's private key. Any failure,
// including a mismatched key, yields ErrDecrypt rather than wrong plaintext.
func Open(env *Envelope, priv *rsa.PrivateKey) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(env.EncryptedKey)
	if err != nil {
		return nil, errors.Wrap(ErrDecrypt, err.Error())
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, ErrDecrypt
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, errors.Wrap(ErrDecrypt, err.Error())
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, errors.Wrap(ErrDecrypt, "unwrap symmetric key")
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, ErrDecrypt
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// Marshal renders the envelope as the JSON wire payload.
func (e *Envelope) Marshal() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", errors.Wrap(err, "marshal envelope")
	}
	return string(data), nil
}

// ParseEnvelope parses a wire payload back into an envelope.
func ParseEnvelope(payload string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, errors.Wrap(ErrDecrypt, err.Error())
	}
	if env.EncryptedKey == "" || env.IV == "" || env.Ciphertext == "" {
		return nil, ErrDecrypt
	}
	return &env, nil
}
