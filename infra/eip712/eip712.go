package eip712

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"

	"marketbook/domain/order"
)

const (
	DomainName    = "iExecODB"
	DomainVersion = "5.0.0"
)

var (
	ErrUnknownChain = errors.New("eip712: unknown chain")
	ErrHashMismatch = errors.New("eip712: order hash mismatch")
	ErrBadSignature = errors.New("eip712: signature does not match signer")
)

var solidityTypes = map[order.Field]string{
	order.FieldApp:                "address",
	order.FieldDataset:            "address",
	order.FieldWorkerpool:         "address",
	order.FieldRequester:          "address",
	order.FieldBeneficiary:        "address",
	order.FieldCallback:           "address",
	order.FieldAppRestrict:        "address",
	order.FieldDatasetRestrict:    "address",
	order.FieldWorkerpoolRestrict: "address",
	order.FieldRequesterRestrict:  "address",
	order.FieldAppPrice:           "uint256",
	order.FieldDatasetPrice:       "uint256",
	order.FieldWorkerpoolPrice:    "uint256",
	order.FieldAppMaxPrice:        "uint256",
	order.FieldDatasetMaxPrice:    "uint256",
	order.FieldWorkerpoolMaxPrice: "uint256",
	order.FieldVolume:             "uint256",
	order.FieldCategory:           "uint256",
	order.FieldTrust:              "uint256",
	order.FieldTag:                "bytes32",
	order.FieldParams:             "string",
	order.FieldSalt:               "bytes32",
}

var primaryTypes = map[order.Kind]string{
	order.KindApp:        "AppOrder",
	order.KindDataset:    "DatasetOrder",
	order.KindWorkerpool: "WorkerpoolOrder",
	order.KindRequest:    "RequestOrder",
}

// structType is the signed member list of a kind: its wire layout
// without the signature.
func structType(k order.Kind) []apitypes.Type {
	var out []apitypes.Type
	for _, f := range k.Descriptor().Fields {
		if f == order.FieldSign {
			continue
		}
		out = append(out, apitypes.Type{Name: string(f), Type: solidityTypes[f]})
	}
	return out
}

func message(k order.Kind, p *order.Payload) apitypes.TypedDataMessage {
	msg := apitypes.TypedDataMessage{}
	for _, f := range k.Descriptor().Fields {
		switch solidityTypes[f] {
		case "address":
			msg[string(f)] = p.Address(f).Hex()
		case "uint256":
			msg[string(f)] = strconv.FormatUint(p.Amount(f), 10)
		}
	}
	msg[string(order.FieldTag)] = p.Tag.Hex()
	msg[string(order.FieldSalt)] = p.Salt.Hex()
	if k == order.KindRequest {
		msg[string(order.FieldParams)] = p.Params
	}
	return msg
}

// Domain binds order hashes to one chain and one hub contract.
type Domain struct {
	ChainID uint64
	Hub     common.Address
}

// TypedData builds the EIP-712 document of an order.
func (d Domain) TypedData(k order.Kind, p *order.Payload) apitypes.TypedData {
	primary := primaryTypes[k]
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			primary: structType(k),
		},
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           math.NewHexOrDecimal256(int64(d.ChainID)),
			VerifyingContract: d.Hub.Hex(),
		},
		Message: message(k, p),
	}
}

// Hash returns the EIP-712 digest of an order.
func (d Domain) Hash(k order.Kind, p *order.Payload) (common.Hash, error) {
	h, _, err := apitypes.TypedDataAndHash(d.TypedData(k, p))
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "hash %s", k.OrderName())
	}
	return common.BytesToHash(h), nil
}

// Recover returns the address that produced sig over hash. Both the
// 27/28 and the 0/1 recovery id conventions are accepted.
func Recover(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	rsv := make([]byte, len(sig))
	copy(rsv, sig)
	if rsv[crypto.RecoveryIDOffset] >= 27 {
		rsv[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash.Bytes(), rsv)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verifier checks order hashes and signatures for the configured chains.
type Verifier struct {
	domains map[uint64]Domain
}

func NewVerifier(domains ...Domain) *Verifier {
	v := &Verifier{domains: make(map[uint64]Domain, len(domains))}
	for _, d := range domains {
		v.domains[d.ChainID] = d
	}
	return v
}

func (v *Verifier) Hash(chainID uint64, k order.Kind, p *order.Payload) (common.Hash, error) {
	d, ok := v.domains[chainID]
	if !ok {
		return common.Hash{}, errors.Wrapf(ErrUnknownChain, "chain %d", chainID)
	}
	return d.Hash(k, p)
}

// Verify checks that hash is the digest of p and that p.Sign was
// produced by signer.
func (v *Verifier) Verify(chainID uint64, k order.Kind, p *order.Payload, hash common.Hash, signer common.Address) error {
	want, err := v.Hash(chainID, k, p)
	if err != nil {
		return err
	}
	if want != hash {
		return ErrHashMismatch
	}
	got, err := Recover(hash, p.Sign)
	if err != nil {
		return errors.Wrap(ErrBadSignature, err.Error())
	}
	if got != signer {
		return ErrBadSignature
	}
	return nil
}
