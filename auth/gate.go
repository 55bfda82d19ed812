package auth

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"marketbook/domain/order"
	"marketbook/infra/eip712"
	"marketbook/infra/store"
)

const DefaultTTL = 10 * time.Minute

var (
	errMalformed = errors.New("malformed authorization")
	errExpired   = errors.New("challenge expired")
	errSigner    = errors.New("signature does not match address")
	errBound     = errors.New("challenge bound to another address")

	authFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketbook_auth_failures_total",
		Help: "Rejected write authorizations.",
	})
)

// Challenges is the challenge persistence the gate needs.
type Challenges interface {
	Put(ctx context.Context, c *store.Challenge) error
	Consume(ctx context.Context, chainID uint64, hash common.Hash, now time.Time) (*store.Challenge, error)
}

// Credentials is a parsed authorization header.
type Credentials struct {
	Hash      common.Hash
	Signature []byte
	Address   common.Address
}

// ParseHeader splits "<challengeHash>_<signature>_<address>".
func ParseHeader(h string) (Credentials, error) {
	parts := strings.Split(strings.TrimSpace(h), "_")
	if len(parts) != 3 {
		return Credentials{}, errMalformed
	}
	hash, err := hexutil.Decode(parts[0])
	if err != nil || len(hash) != common.HashLength {
		return Credentials{}, errMalformed
	}
	sig, err := hexutil.Decode(parts[1])
	if err != nil {
		return Credentials{}, errMalformed
	}
	if !common.IsHexAddress(parts[2]) {
		return Credentials{}, errMalformed
	}
	return Credentials{
		Hash:      common.BytesToHash(hash),
		Signature: sig,
		Address:   common.HexToAddress(parts[2]),
	}, nil
}

// Header formats credentials the way ParseHeader reads them.
func (c Credentials) Header() string {
	return c.Hash.Hex() + "_" + hexutil.Encode(c.Signature) + "_" + c.Address.Hex()
}

// Gate authorizes writes with single-use challenges.
type Gate struct {
	challenges Challenges
	ttl        time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

func NewGate(challenges Challenges, ttl time.Duration, log zerolog.Logger) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{
		challenges: challenges,
		ttl:        ttl,
		now:        time.Now,
		log:        log.With().Str("module", "auth").Logger(),
	}
}

// Issue creates a challenge for address. The caller signs Value with
// an EIP-191 personal signature and presents Hash with it.
func (g *Gate) Issue(ctx context.Context, chainID uint64, address common.Address) (*store.Challenge, error) {
	value := uuid.NewString()
	c := &store.Challenge{
		ChainID:  chainID,
		Hash:     crypto.Keccak256Hash([]byte(value)),
		Value:    value,
		Address:  address,
		IssuedAt: g.now().UTC(),
	}
	if err := g.challenges.Put(ctx, c); err != nil {
		return nil, errors.Wrap(err, "store challenge")
	}
	return c, nil
}

// Authorize consumes the challenge named by header and returns the
// authenticated address. The challenge is spent before any other
// check, so a header can be tried once at most. Every failure is an
// *order.AuthError carrying the same message.
func (g *Gate) Authorize(ctx context.Context, chainID uint64, header string) (common.Address, error) {
	addr, err := g.authorize(ctx, chainID, header)
	if err != nil {
		authFailures.Inc()
		g.log.Debug().Err(err).Uint64("chainId", chainID).Msg("authorization rejected")
		return common.Address{}, order.NewAuthError(err)
	}
	return addr, nil
}

func (g *Gate) authorize(ctx context.Context, chainID uint64, header string) (common.Address, error) {
	creds, err := ParseHeader(header)
	if err != nil {
		return common.Address{}, err
	}

	now := g.now()
	c, err := g.challenges.Consume(ctx, chainID, creds.Hash, now)
	if err != nil {
		return common.Address{}, err
	}
	if now.Sub(c.IssuedAt) > g.ttl {
		return common.Address{}, errExpired
	}

	signer, err := eip712.Recover(common.BytesToHash(accounts.TextHash([]byte(c.Value))), creds.Signature)
	if err != nil {
		return common.Address{}, err
	}
	if signer != creds.Address {
		return common.Address{}, errSigner
	}
	if c.Address != (common.Address{}) && c.Address != creds.Address {
		return common.Address{}, errBound
	}
	return creds.Address, nil
}
