package auth

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"marketbook/domain/order"
	"marketbook/infra/store"
)

func newGate(t *testing.T) *Gate {
	t.Helper()
	db, err := pebble.Open("challenges", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewGate(store.NewChallenges(db), time.Minute, zerolog.Nop())
}

func sign(t *testing.T, key *ecdsa.PrivateKey, c *store.Challenge) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(c.Value)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return Credentials{
		Hash:      c.Hash,
		Signature: sig,
		Address:   crypto.PubkeyToAddress(key.PublicKey),
	}.Header()
}

func requireAuthError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	require.True(t, order.IsAuth(err))
	require.EqualError(t, err, order.AuthErrorMessage)
}

func TestAuthorizeConsumesChallenge(t *testing.T) {
	ctx := context.Background()
	g := newGate(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	c, err := g.Issue(ctx, 1, addr)
	require.NoError(t, err)
	require.Equal(t, crypto.Keccak256Hash([]byte(c.Value)), c.Hash)

	header := sign(t, key, c)
	got, err := g.Authorize(ctx, 1, header)
	require.NoError(t, err)
	require.Equal(t, addr, got)

	_, err = g.Authorize(ctx, 1, header)
	requireAuthError(t, err)
}

func TestAuthorizeRejections(t *testing.T) {
	ctx := context.Background()
	g := newGate(t)
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)

	// missing and garbage headers
	for _, h := range []string{"", "abc", "0x01_0x02", "0x01_0x02_0x03"} {
		_, err := g.Authorize(ctx, 1, h)
		requireAuthError(t, err)
	}

	// unknown hash
	unknown := Credentials{Hash: common.Hash{1}, Signature: make([]byte, 65), Address: addr}.Header()
	_, err := g.Authorize(ctx, 1, unknown)
	requireAuthError(t, err)

	// signed by someone else
	c, err := g.Issue(ctx, 1, addr)
	require.NoError(t, err)
	forged := sign(t, other, c)
	_, err = g.Authorize(ctx, 1, forged)
	requireAuthError(t, err)
	// the failed attempt spent the challenge
	_, err = g.Authorize(ctx, 1, sign(t, key, c))
	requireAuthError(t, err)

	// bound to a different address
	c, err = g.Issue(ctx, 1, crypto.PubkeyToAddress(other.PublicKey))
	require.NoError(t, err)
	_, err = g.Authorize(ctx, 1, sign(t, key, c))
	requireAuthError(t, err)

	// other chain
	c, err = g.Issue(ctx, 1, addr)
	require.NoError(t, err)
	_, err = g.Authorize(ctx, 2, sign(t, key, c))
	requireAuthError(t, err)
}

func TestAuthorizeExpired(t *testing.T) {
	ctx := context.Background()
	g := newGate(t)
	key, _ := crypto.GenerateKey()

	t0 := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return t0 }
	c, err := g.Issue(ctx, 1, crypto.PubkeyToAddress(key.PublicKey))
	require.NoError(t, err)

	g.now = func() time.Time { return t0.Add(2 * time.Minute) }
	_, err = g.Authorize(ctx, 1, sign(t, key, c))
	requireAuthError(t, err)
}

func TestAuthorizeUnboundChallenge(t *testing.T) {
	ctx := context.Background()
	g := newGate(t)
	key, _ := crypto.GenerateKey()

	c, err := g.Issue(ctx, 1, common.Address{})
	require.NoError(t, err)
	got, err := g.Authorize(ctx, 1, sign(t, key, c))
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), got)
}

func TestAuthorizeConcurrentReplay(t *testing.T) {
	ctx := context.Background()
	g := newGate(t)
	key, _ := crypto.GenerateKey()

	c, err := g.Issue(ctx, 1, crypto.PubkeyToAddress(key.PublicKey))
	require.NoError(t, err)
	header := sign(t, key, c)

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Authorize(ctx, 1, header); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), ok.Load())
}
