package order

import (
	"bytes"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"

	"marketbook/domain/tag"
)

// Payload is the signed body of an order. It is the union of the four
// kind layouts; Descriptor.Fields selects the members a kind carries on
// the wire.
type Payload struct {
	App                common.Address `json:"app"`
	Dataset            common.Address `json:"dataset"`
	Workerpool         common.Address `json:"workerpool"`
	Requester          common.Address `json:"requester"`
	Beneficiary        common.Address `json:"beneficiary"`
	Callback           common.Address `json:"callback"`
	AppRestrict        common.Address `json:"apprestrict"`
	DatasetRestrict    common.Address `json:"datasetrestrict"`
	WorkerpoolRestrict common.Address `json:"workerpoolrestrict"`
	RequesterRestrict  common.Address `json:"requesterrestrict"`

	AppPrice           uint64 `json:"appprice"`
	DatasetPrice       uint64 `json:"datasetprice"`
	WorkerpoolPrice    uint64 `json:"workerpoolprice"`
	AppMaxPrice        uint64 `json:"appmaxprice"`
	DatasetMaxPrice    uint64 `json:"datasetmaxprice"`
	WorkerpoolMaxPrice uint64 `json:"workerpoolmaxprice"`
	Volume             uint64 `json:"volume"`
	Category           uint64 `json:"category"`
	Trust              uint64 `json:"trust"`

	Tag    tag.Tag       `json:"tag"`
	Params string        `json:"params"`
	Salt   common.Hash   `json:"salt"`
	Sign   hexutil.Bytes `json:"sign"`
}

// Address returns an address member by wire name.
func (p *Payload) Address(f Field) common.Address {
	switch f {
	case FieldApp:
		return p.App
	case FieldDataset:
		return p.Dataset
	case FieldWorkerpool:
		return p.Workerpool
	case FieldRequester:
		return p.Requester
	case FieldBeneficiary:
		return p.Beneficiary
	case FieldCallback:
		return p.Callback
	case FieldAppRestrict:
		return p.AppRestrict
	case FieldDatasetRestrict:
		return p.DatasetRestrict
	case FieldWorkerpoolRestrict:
		return p.WorkerpoolRestrict
	case FieldRequesterRestrict:
		return p.RequesterRestrict
	}
	return common.Address{}
}

// Amount returns a numeric member by wire name.
func (p *Payload) Amount(f Field) uint64 {
	switch f {
	case FieldAppPrice:
		return p.AppPrice
	case FieldDatasetPrice:
		return p.DatasetPrice
	case FieldWorkerpoolPrice:
		return p.WorkerpoolPrice
	case FieldAppMaxPrice:
		return p.AppMaxPrice
	case FieldDatasetMaxPrice:
		return p.DatasetMaxPrice
	case FieldWorkerpoolMaxPrice:
		return p.WorkerpoolMaxPrice
	case FieldVolume:
		return p.Volume
	case FieldCategory:
		return p.Category
	case FieldTrust:
		return p.Trust
	}
	return 0
}

func (p *Payload) value(f Field) any {
	switch f {
	case FieldTag:
		return p.Tag
	case FieldParams:
		return p.Params
	case FieldSalt:
		return p.Salt
	case FieldSign:
		return p.Sign
	}
	switch f {
	case FieldAppPrice, FieldDatasetPrice, FieldWorkerpoolPrice,
		FieldAppMaxPrice, FieldDatasetMaxPrice, FieldWorkerpoolMaxPrice,
		FieldVolume, FieldCategory, FieldTrust:
		return p.Amount(f)
	}
	return p.Address(f)
}

// Encode renders the members of kind k in layout order.
func (p *Payload) Encode(k Kind) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range k.Descriptor().Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		v, err := json.Marshal(p.value(f))
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s", f)
		}
		buf.WriteByte('"')
		buf.WriteString(string(f))
		buf.WriteString(`":`)
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Validate checks the members a kind requires.
func (p *Payload) Validate(k Kind) error {
	d := k.Descriptor()
	if d.ResourceField != "" && p.Address(d.ResourceField) == (common.Address{}) {
		return NewValidationError("order.%s is a required field", d.ResourceField)
	}
	if k == KindRequest {
		if p.App == (common.Address{}) {
			return NewValidationError("order.app is a required field")
		}
		if p.Requester == (common.Address{}) {
			return NewValidationError("order.requester is a required field")
		}
	}
	if p.Volume == 0 {
		return NewValidationError("order.volume must be greater than 0")
	}
	if len(p.Sign) == 0 {
		return NewValidationError("order.sign is a required field")
	}
	return nil
}
