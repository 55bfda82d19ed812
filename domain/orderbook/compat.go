package orderbook

import (
	"github.com/ethereum/go-ethereum/common"

	"marketbook/domain/order"
	"marketbook/domain/tag"
)

// Dependency is a resource a request order needs an open order for.
type Dependency struct {
	Kind     order.Kind
	Resource common.Address
}

// Dependencies lists what a request relies on: its app always, its
// dataset and workerpool when set.
func Dependencies(req *order.Payload) []Dependency {
	deps := []Dependency{{Kind: order.KindApp, Resource: req.App}}
	if req.Dataset != (common.Address{}) {
		deps = append(deps, Dependency{Kind: order.KindDataset, Resource: req.Dataset})
	}
	if req.Workerpool != (common.Address{}) {
		deps = append(deps, Dependency{Kind: order.KindWorkerpool, Resource: req.Workerpool})
	}
	return deps
}

// DependsOn reports whether req relies on resource orders of kind k
// for resource.
func DependsOn(req *order.Payload, k order.Kind, resource common.Address) bool {
	for _, d := range Dependencies(req) {
		if d.Kind == k && d.Resource == resource {
			return true
		}
	}
	return false
}

// RequiredTag is the capability set a resource order of kind k must
// advertise to serve req. Workerpools must provide every requested
// capability; apps and datasets only need to follow the TEE bit.
func RequiredTag(req *order.Payload, k order.Kind) tag.Tag {
	if k == order.KindWorkerpool {
		return req.Tag
	}
	tee, _ := tag.FromPositions([]int{tag.TEE})
	return req.Tag.And(tee)
}

// DependencyFilter selects the open resource orders of kind k able to
// serve req. withTag=false drops the capability bound, which lets
// callers tell "nothing published" from "nothing with the right tag".
func DependencyFilter(req *order.Payload, k order.Kind, withTag bool) Filter {
	maxPrice := req.Amount(k.MaxPriceField())
	f := Filter{
		Kind:      k,
		Resources: []common.Address{req.Address(k.Descriptor().ResourceField)},
		MaxPrice:  &maxPrice,
		Restrictions: map[order.Field]AddressFilter{
			order.FieldRequesterRestrict: {Address: req.Requester},
		},
	}

	switch k {
	case order.KindApp:
		f.Restrictions[order.FieldDatasetRestrict] = AddressFilter{Address: req.Dataset}
	case order.KindDataset:
		f.Restrictions[order.FieldAppRestrict] = AddressFilter{Address: req.App}
	case order.KindWorkerpool:
		f.Restrictions[order.FieldAppRestrict] = AddressFilter{Address: req.App}
		f.Restrictions[order.FieldDatasetRestrict] = AddressFilter{Address: req.Dataset}
		category, trust := req.Category, req.Trust
		f.Category = &category
		f.MinTrust = &trust
	}
	// an unset request workerpool leaves workerpool restrictions to match time
	if k != order.KindWorkerpool && req.Workerpool != (common.Address{}) {
		f.Restrictions[order.FieldWorkerpoolRestrict] = AddressFilter{Address: req.Workerpool}
	}

	if withTag {
		t := RequiredTag(req, k)
		f.MinTag = &t
	}
	return f
}

// Serves reports whether resource order o can serve request req.
func Serves(o *order.Order, req *order.Payload) bool {
	if o.Status != order.StatusOpen {
		return false
	}
	return DependencyFilter(req, o.Kind, true).Compile().Match(o)
}
