package eip712

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"marketbook/domain/order"
	"marketbook/domain/tag"
)

var hub = common.HexToAddress("0x3eca1B216A7DF1C7689aEb259fFB83ADFB894E7f")

func signed(t *testing.T, d Domain, k order.Kind, p order.Payload) (order.Payload, common.Hash, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	h, err := d.Hash(k, &p)
	require.NoError(t, err)
	sig, err := crypto.Sign(h.Bytes(), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	p.Sign = sig
	return p, h, crypto.PubkeyToAddress(key.PublicKey)
}

func TestHashDependsOnDomainAndKind(t *testing.T) {
	p := order.Payload{App: common.HexToAddress("0xa1"), AppPrice: 1, Volume: 1, Tag: tag.MustParse("0x1")}
	d1 := Domain{ChainID: 1, Hub: hub}
	d2 := Domain{ChainID: 134, Hub: hub}

	h1, err := d1.Hash(order.KindApp, &p)
	require.NoError(t, err)
	h1again, err := d1.Hash(order.KindApp, &p)
	require.NoError(t, err)
	h2, err := d2.Hash(order.KindApp, &p)
	require.NoError(t, err)

	require.Equal(t, h1, h1again)
	require.NotEqual(t, h1, h2)

	p.AppPrice = 2
	h3, err := d1.Hash(order.KindApp, &p)
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestHashIgnoresSignature(t *testing.T) {
	d := Domain{ChainID: 1, Hub: hub}
	p := order.Payload{Workerpool: common.HexToAddress("0xc1"), WorkerpoolPrice: 3, Volume: 2, Category: 1, Trust: 4}

	h1, err := d.Hash(order.KindWorkerpool, &p)
	require.NoError(t, err)
	p.Sign = []byte{1, 2, 3}
	h2, err := d.Hash(order.KindWorkerpool, &p)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestVerify(t *testing.T) {
	d := Domain{ChainID: 1, Hub: hub}
	v := NewVerifier(d)

	p, h, signer := signed(t, d, order.KindRequest, order.Payload{
		App:                common.HexToAddress("0xa1"),
		AppMaxPrice:        5,
		WorkerpoolMaxPrice: 10,
		Requester:          common.HexToAddress("0xb1"),
		Volume:             1,
		Params:             `{"iexec_args":"hello"}`,
		Salt:               common.HexToHash("0x01"),
	})

	require.NoError(t, v.Verify(1, order.KindRequest, &p, h, signer))

	require.ErrorIs(t, v.Verify(1, order.KindRequest, &p, h, common.HexToAddress("0xdead")), ErrBadSignature)
	require.ErrorIs(t, v.Verify(1, order.KindRequest, &p, common.Hash{1}, signer), ErrHashMismatch)
	require.ErrorIs(t, v.Verify(5, order.KindRequest, &p, h, signer), ErrUnknownChain)

	tampered := p
	tampered.Volume = 2
	require.ErrorIs(t, v.Verify(1, order.KindRequest, &tampered, h, signer), ErrHashMismatch)

	short := p
	short.Sign = []byte{1}
	require.ErrorIs(t, v.Verify(1, order.KindRequest, &short, h, signer), ErrBadSignature)
}
