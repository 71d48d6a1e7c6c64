package types

import (
	"testing"

	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"

	"github.com/stretchr/testify/require"
)

func TestHeaderSignAndVerify(t *testing.T) {
	priv, pub, err := ncrypto.GenerateKey()
	require.NoError(t, err)
	signer := ncrypto.Ed25519Signer{Key: priv}

	h := Header{
		Author:  pub,
		Round:   1,
		Parents: []ncrypto.Digest{ncrypto.H([]byte("p1")), ncrypto.H([]byte("p2"))},
		Payload: map[ncrypto.Digest]WorkerID{ncrypto.H([]byte("batch")): 0},
	}

	_, err = h.Sign(signer)
	require.NoError(t, err)

	ok, err := h.VerifySignature()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestHeaderDigestStableUnderParentOrder(t *testing.T) {
	priv, pub, err := ncrypto.GenerateKey()
	require.NoError(t, err)
	signer := ncrypto.Ed25519Signer{Key: priv}

	p1, p2 := ncrypto.H([]byte("p1")), ncrypto.H([]byte("p2"))

	h1 := Header{Author: pub, Round: 1, Parents: []ncrypto.Digest{p1, p2}}
	h2 := Header{Author: pub, Round: 1, Parents: []ncrypto.Digest{p2, p1}}

	d1, err := h1.Sign(signer)
	require.NoError(t, err)
	// h2 must be signed with the same signer/content to compare digests;
	// since signatures are deterministic for Ed25519, signing the
	// differently-ordered-but-semantically-equal header again yields the
	// same signature and therefore the same digest.
	d2, err := h2.Sign(signer)
	require.NoError(t, err)

	require.Equal(t, d1, d2, "parent order must not affect the header digest")
}

func TestHeaderTamperedSignatureFailsVerify(t *testing.T) {
	priv, pub, err := ncrypto.GenerateKey()
	require.NoError(t, err)
	signer := ncrypto.Ed25519Signer{Key: priv}

	h := Header{Author: pub, Round: 1}
	_, err = h.Sign(signer)
	require.NoError(t, err)

	h.Round = 2 // tamper after signing
	ok, err := h.VerifySignature()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBatchEncodeDecodeRoundTrip(t *testing.T) {
	b := Batch{Transactions: [][]byte{[]byte("tx1"), []byte("tx2")}}
	raw, err := b.Encode()
	require.NoError(t, err)

	got, err := DecodeBatch(raw)
	require.NoError(t, err)
	require.Equal(t, b, got)
}

func TestCertificateEncodeDecodeRoundTrip(t *testing.T) {
	priv, pub, err := ncrypto.GenerateKey()
	require.NoError(t, err)
	signer := ncrypto.Ed25519Signer{Key: priv}

	h := Header{Author: pub, Round: 1}
	_, err = h.Sign(signer)
	require.NoError(t, err)

	cert := Certificate{Header: h, Votes: map[ncrypto.PublicKey]ncrypto.Signature{pub: {}}}
	raw, err := cert.Encode()
	require.NoError(t, err)

	got, err := DecodeCertificate(raw)
	require.NoError(t, err)
	require.Equal(t, cert.Header.Author, got.Header.Author)
	require.Len(t, got.Votes, 1)
}

func TestPrimaryMessageEnvelopeRoundTrip(t *testing.T) {
	priv, pub, err := ncrypto.GenerateKey()
	require.NoError(t, err)
	signer := ncrypto.Ed25519Signer{Key: priv}

	h := Header{Author: pub, Round: 1}
	_, err = h.Sign(signer)
	require.NoError(t, err)

	msg := PrimaryMessage{Header: &h}
	raw, err := msg.Encode()
	require.NoError(t, err)

	got, err := DecodePrimaryMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, got.Header)
	require.Nil(t, got.Vote)
	require.Nil(t, got.Certificate)
	require.Equal(t, h.Author, got.Header.Author)
}
