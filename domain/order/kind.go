package order

import (
	"strings"

	"github.com/pkg/errors"
)

// Kind selects one of the four order schemas.
type Kind uint8

const (
	KindApp Kind = iota + 1
	KindDataset
	KindWorkerpool
	KindRequest
)

// Field is the wire name of a payload member.
type Field string

const (
	FieldApp                Field = "app"
	FieldDataset            Field = "dataset"
	FieldWorkerpool         Field = "workerpool"
	FieldRequester          Field = "requester"
	FieldBeneficiary        Field = "beneficiary"
	FieldCallback           Field = "callback"
	FieldAppRestrict        Field = "apprestrict"
	FieldDatasetRestrict    Field = "datasetrestrict"
	FieldWorkerpoolRestrict Field = "workerpoolrestrict"
	FieldRequesterRestrict  Field = "requesterrestrict"

	FieldAppPrice           Field = "appprice"
	FieldDatasetPrice       Field = "datasetprice"
	FieldWorkerpoolPrice    Field = "workerpoolprice"
	FieldAppMaxPrice        Field = "appmaxprice"
	FieldDatasetMaxPrice    Field = "datasetmaxprice"
	FieldWorkerpoolMaxPrice Field = "workerpoolmaxprice"
	FieldVolume             Field = "volume"
	FieldCategory           Field = "category"
	FieldTrust              Field = "trust"

	FieldTag    Field = "tag"
	FieldParams Field = "params"
	FieldSalt   Field = "salt"
	FieldSign   Field = "sign"
)

// Descriptor is the per-kind layout shared by every component that
// needs to know where an order keeps its resource, price and
// restrictions.
type Descriptor struct {
	Kind Kind
	Name string

	// ResourceField holds the resource sold; empty for request orders.
	ResourceField Field
	// PriceField is the primary sort key.
	PriceField Field
	// SelectorField is the field a target-based withdrawal matches on.
	SelectorField Field
	// OwnerParam is the listing filter resolved to owned resources.
	OwnerParam string

	Restrictions []Field
	Fields       []Field

	SellSide bool
}

var descriptors = map[Kind]*Descriptor{
	KindApp: {
		Kind:          KindApp,
		Name:          "app",
		ResourceField: FieldApp,
		PriceField:    FieldAppPrice,
		SelectorField: FieldApp,
		OwnerParam:    "appOwner",
		Restrictions:  []Field{FieldDatasetRestrict, FieldWorkerpoolRestrict, FieldRequesterRestrict},
		Fields: []Field{
			FieldApp, FieldAppPrice, FieldVolume, FieldTag,
			FieldDatasetRestrict, FieldWorkerpoolRestrict, FieldRequesterRestrict,
			FieldSalt, FieldSign,
		},
		SellSide: true,
	},
	KindDataset: {
		Kind:          KindDataset,
		Name:          "dataset",
		ResourceField: FieldDataset,
		PriceField:    FieldDatasetPrice,
		SelectorField: FieldDataset,
		OwnerParam:    "datasetOwner",
		Restrictions:  []Field{FieldAppRestrict, FieldWorkerpoolRestrict, FieldRequesterRestrict},
		Fields: []Field{
			FieldDataset, FieldDatasetPrice, FieldVolume, FieldTag,
			FieldAppRestrict, FieldWorkerpoolRestrict, FieldRequesterRestrict,
			FieldSalt, FieldSign,
		},
		SellSide: true,
	},
	KindWorkerpool: {
		Kind:          KindWorkerpool,
		Name:          "workerpool",
		ResourceField: FieldWorkerpool,
		PriceField:    FieldWorkerpoolPrice,
		SelectorField: FieldWorkerpool,
		OwnerParam:    "workerpoolOwner",
		Restrictions:  []Field{FieldAppRestrict, FieldDatasetRestrict, FieldRequesterRestrict},
		Fields: []Field{
			FieldWorkerpool, FieldWorkerpoolPrice, FieldVolume, FieldTag,
			FieldCategory, FieldTrust,
			FieldAppRestrict, FieldDatasetRestrict, FieldRequesterRestrict,
			FieldSalt, FieldSign,
		},
		SellSide: true,
	},
	KindRequest: {
		Kind:          KindRequest,
		Name:          "request",
		PriceField:    FieldWorkerpoolMaxPrice,
		SelectorField: FieldRequester,
		// dataset and workerpool of a request behave like restrictions:
		// the zero address means "any".
		Restrictions: []Field{FieldDataset, FieldWorkerpool},
		Fields: []Field{
			FieldApp, FieldAppMaxPrice, FieldDataset, FieldDatasetMaxPrice,
			FieldWorkerpool, FieldWorkerpoolMaxPrice, FieldRequester,
			FieldVolume, FieldTag, FieldCategory, FieldTrust,
			FieldBeneficiary, FieldCallback, FieldParams,
			FieldSalt, FieldSign,
		},
	},
}

// Kinds lists every order kind, resource kinds first.
func Kinds() []Kind {
	return []Kind{KindApp, KindDataset, KindWorkerpool, KindRequest}
}

// ResourceKinds lists the sell-side kinds a request depends on.
func ResourceKinds() []Kind {
	return []Kind{KindApp, KindDataset, KindWorkerpool}
}

// ParseKind accepts "app" as well as "apporder".
func ParseKind(s string) (Kind, error) {
	name := strings.TrimSuffix(strings.ToLower(s), "order")
	for k, d := range descriptors {
		if d.Name == name {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown order kind %q", s)
}

func (k Kind) Valid() bool {
	_, ok := descriptors[k]
	return ok
}

func (k Kind) Descriptor() *Descriptor {
	d, ok := descriptors[k]
	if !ok {
		panic("order: unknown kind")
	}
	return d
}

func (k Kind) String() string {
	if d, ok := descriptors[k]; ok {
		return d.Name
	}
	return "unknown"
}

// OrderName is the kind as used in event names and messages, e.g. "apporder".
func (k Kind) OrderName() string {
	return k.String() + "order"
}

// MaxPriceField is the request field bounding the price of this resource kind.
func (k Kind) MaxPriceField() Field {
	switch k {
	case KindApp:
		return FieldAppMaxPrice
	case KindDataset:
		return FieldDatasetMaxPrice
	case KindWorkerpool:
		return FieldWorkerpoolMaxPrice
	}
	return ""
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, errors.Errorf("invalid order kind %d", k)
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
