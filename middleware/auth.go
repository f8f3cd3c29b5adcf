package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/evita-erp/offline-sync/config"
	"github.com/tv42/zbase32"
	"google.golang.org/grpc/metadata"
)

type contextKey string

const storeIDContextKey contextKey = "store_id"

var ErrInvalidSignature = errors.New("invalid signature")
var ErrInvalidAPIKey = errors.New("invalid api key")
var SignedMsgPrefix = []byte("offlinesync:")

// Signed is a request carrying a signature over its own content. The key that produced
// the signature identifies the device, and with it the queue the request operates on.
type Signed interface {
	SigningPayload() string
	RequestSignature() string
}

func checkApiKey(config *config.Config, ctx context.Context) error {
	if config.CACert == nil || config.CACert.Raw == nil {
		return fmt.Errorf("%w: no CA certificate configured", ErrInvalidAPIKey)
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return fmt.Errorf("%w: could not read request metadata", ErrInvalidAPIKey)
	}

	values := md.Get("Authorization")
	if len(values) == 0 {
		return fmt.Errorf("%w: missing auth header", ErrInvalidAPIKey)
	}
	authHeader := values[0]
	if len(authHeader) <= 7 || !strings.HasPrefix(authHeader, "Bearer ") {
		return fmt.Errorf("%w: invalid auth header", ErrInvalidAPIKey)
	}

	block, err := base64.StdEncoding.DecodeString(authHeader[7:])
	if err != nil {
		return fmt.Errorf("%w: could not decode auth header: %v", ErrInvalidAPIKey, err)
	}

	cert, err := x509.ParseCertificate(block)
	if err != nil {
		return fmt.Errorf("%w: could not parse certificate: %v", ErrInvalidAPIKey, err)
	}

	caCert := config.CACert.Raw
	rootPool := x509.NewCertPool()
	rootPool.AddCert(caCert)

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots: rootPool,
	})
	if err != nil {
		return fmt.Errorf("%w: certificate verification error: %v", ErrInvalidAPIKey, err)
	}
	if len(chains) != 1 || len(chains[0]) != 2 || !chains[0][0].Equal(cert) || !chains[0][1].Equal(caCert) {
		return fmt.Errorf("%w: invalid chain of trust", ErrInvalidAPIKey)
	}

	return nil
}

// Authenticate checks the API key against the configured CA certificate, then recovers
// the signer of req. The returned context carries the signer's compressed public key, hex
// encoded, as the store ID. With authentication disabled every request is attributed to
// the configured default store.
func Authenticate(config *config.Config, ctx context.Context, req Signed) (context.Context, error) {
	if !config.AuthRequired {
		return WithStoreID(ctx, config.DefaultStoreID), nil
	}
	if err := checkApiKey(config, ctx); err != nil {
		return nil, err
	}

	pubkey, err := VerifyMessage([]byte(req.SigningPayload()), req.RequestSignature())
	if err != nil {
		return nil, err
	}
	return WithStoreID(ctx, hex.EncodeToString(pubkey.SerializeCompressed())), nil
}

func WithStoreID(ctx context.Context, storeID string) context.Context {
	return context.WithValue(ctx, storeIDContextKey, storeID)
}

// StoreID returns the store an authenticated context belongs to.
func StoreID(ctx context.Context) (string, bool) {
	storeID, ok := ctx.Value(storeIDContextKey).(string)
	return storeID, ok && storeID != ""
}

func SignMessage(key *btcec.PrivateKey, msg []byte) (string, error) {
	message := append(append([]byte{}, SignedMsgPrefix...), msg...)
	digest := chainhash.DoubleHashB(message)
	signature, err := ecdsa.SignCompact(key, digest, true)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	return zbase32.EncodeToString(signature), nil
}

func VerifyMessage(message []byte, signature string) (*btcec.PublicKey, error) {
	// The signature should be zbase32 encoded
	sig, err := zbase32.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode signature: %v", ErrInvalidSignature, err)
	}

	msg := append(append([]byte{}, SignedMsgPrefix...), message...)
	first := sha256.Sum256(msg)
	second := sha256.Sum256(first[:])
	pubkey, wasCompressed, err := ecdsa.RecoverCompact(
		sig,
		second[:],
	)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	if !wasCompressed {
		return nil, ErrInvalidSignature
	}

	return pubkey, nil
}
