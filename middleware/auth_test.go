package middleware

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/evita-erp/offline-sync/config"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"
)

type signedRequest struct {
	payload   string
	signature string
}

func (r signedRequest) SigningPayload() string   { return r.payload }
func (r signedRequest) RequestSignature() string { return r.signature }

func TestSignVerify(t *testing.T) {
	privateKey, err := btcec.NewPrivateKey()
	require.NoError(t, err, "failed to create private key")
	pubkey := privateKey.PubKey().SerializeCompressed()
	message := []byte("test message")
	signature, err := SignMessage(privateKey, message)
	require.NoError(t, err, "failed to sign message")
	recoveredKey, err := VerifyMessage(message, signature)
	require.NoError(t, err, "failed to verify message")
	require.Equal(t, recoveredKey.SerializeCompressed(), pubkey)
}

func TestAuthenticateRecoversStoreID(t *testing.T) {
	privateKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	signature, err := SignMessage(privateKey, []byte("enqueue-1700000000"))
	require.NoError(t, err)

	ca, apiKey := NewTestAPIKey(t)
	cfg := &config.Config{AuthRequired: true, CACert: &config.Certificate{Raw: ca}}
	withKey := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+apiKey))
	ctx, err := Authenticate(cfg, withKey, signedRequest{"enqueue-1700000000", signature})
	require.NoError(t, err)
	storeID, ok := StoreID(ctx)
	require.True(t, ok)
	require.Equal(t, hex.EncodeToString(privateKey.PubKey().SerializeCompressed()), storeID)

	// A signature over different content recovers a different key, or none.
	ctx, err = Authenticate(cfg, withKey, signedRequest{"enqueue-1700000001", signature})
	if err == nil {
		other, _ := StoreID(ctx)
		require.NotEqual(t, storeID, other)
	}

	_, err = Authenticate(cfg, withKey, signedRequest{"x", "not zbase32 !"})
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestAuthenticateRequiresCACert(t *testing.T) {
	privateKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	signature, err := SignMessage(privateKey, []byte("payload"))
	require.NoError(t, err)
	req := signedRequest{"payload", signature}

	// any key pair can produce a valid signature, so a signature alone never authenticates
	_, apiKey := NewTestAPIKey(t)
	withKey := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+apiKey))
	for _, cfg := range []*config.Config{
		{AuthRequired: true},
		{AuthRequired: true, CACert: &config.Certificate{}},
	} {
		_, err = Authenticate(cfg, context.Background(), req)
		require.ErrorIs(t, err, ErrInvalidAPIKey)
		_, err = Authenticate(cfg, withKey, req)
		require.ErrorIs(t, err, ErrInvalidAPIKey)
	}
}

func TestAuthenticateDisabled(t *testing.T) {
	cfg := &config.Config{AuthRequired: false, DefaultStoreID: "caja-1"}
	ctx, err := Authenticate(cfg, context.Background(), signedRequest{})
	require.NoError(t, err)
	storeID, ok := StoreID(ctx)
	require.True(t, ok)
	require.Equal(t, "caja-1", storeID)
}

func TestAPIKey(t *testing.T) {
	ca, apiKey := NewTestAPIKey(t)

	privateKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	signature, err := SignMessage(privateKey, []byte("payload"))
	require.NoError(t, err)
	req := signedRequest{"payload", signature}
	cfg := &config.Config{AuthRequired: true, CACert: &config.Certificate{Raw: ca}}

	_, err = Authenticate(cfg, context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidAPIKey)

	missing := metadata.NewIncomingContext(context.Background(), metadata.MD{})
	_, err = Authenticate(cfg, missing, req)
	require.ErrorIs(t, err, ErrInvalidAPIKey)

	valid := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+apiKey))
	ctx, err := Authenticate(cfg, valid, req)
	require.NoError(t, err)
	_, ok := StoreID(ctx)
	require.True(t, ok)

	selfSigned, _ := newCertificate(t, &x509.Certificate{
		SerialNumber: big.NewInt(3),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}, nil, nil)
	forged := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs("authorization", "Bearer "+base64.StdEncoding.EncodeToString(selfSigned.Raw)))
	_, err = Authenticate(cfg, forged, req)
	require.ErrorIs(t, err, ErrInvalidAPIKey)
}
