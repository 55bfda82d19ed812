// Package query reads the listing and selector parameters shared by
// the REST and gRPC surfaces.
package query

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"marketbook/domain/order"
	"marketbook/domain/orderbook"
	"marketbook/domain/tag"
	"marketbook/service"
)

// AnyAddress disables a restriction filter.
const AnyAddress = "any"

// ChainID reads the mandatory chainId parameter.
func ChainID(q url.Values) (uint64, error) {
	s := q.Get("chainId")
	if s == "" {
		return 0, order.NewValidationError("chainId is a required field")
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, order.NewValidationError("chainId must be a positive integer")
	}
	return id, nil
}

func Address(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, order.NewValidationError("%s must be a valid ethereum address", name)
	}
	return common.HexToAddress(s), nil
}

func Hash(name, s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, order.NewValidationError("%s must be a valid bytes32 hex string", name)
	}
	return common.BytesToHash(b), nil
}

func optUint(q url.Values, name string) (*uint64, error) {
	s := q.Get(name)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, order.NewValidationError("%s must be a non-negative integer", name)
	}
	return &v, nil
}

func optInt(q url.Values, name string, def int) (int, error) {
	s := q.Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, order.NewValidationError("%s must be an integer", name)
	}
	return v, nil
}

func optBool(q url.Values, name string) (bool, error) {
	s := q.Get(name)
	if s == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, order.NewValidationError("%s must be a boolean", name)
	}
	return v, nil
}

func optTag(q url.Values, name string) (*tag.Tag, error) {
	s := q.Get(name)
	if s == "" {
		return nil, nil
	}
	t, err := tag.Parse(s)
	if err != nil {
		return nil, order.NewValidationError("%s must be a valid bytes32 tag", name)
	}
	return &t, nil
}

// restrictionParam is the query name of a restriction field:
// "apprestrict" is filtered with "app", "isAppStrict".
func restrictionParam(f order.Field) (name, strict string) {
	name = strings.TrimSuffix(string(f), "restrict")
	return name, "is" + strings.ToUpper(name[:1]) + name[1:] + "Strict"
}

// List reads a listing query for kind.
func List(kind order.Kind, q url.Values) (service.ListRequest, error) {
	var (
		req service.ListRequest
		err error
	)
	if req.ChainID, err = ChainID(q); err != nil {
		return req, err
	}

	d := kind.Descriptor()
	f := orderbook.Filter{Kind: kind}

	if d.SellSide {
		if s := q.Get(string(d.ResourceField)); s != "" {
			addr, err := Address(string(d.ResourceField), s)
			if err != nil {
				return req, err
			}
			f.Resources = []common.Address{addr}
		}
		if s := q.Get(d.OwnerParam); s != "" {
			owner, err := Address(d.OwnerParam, s)
			if err != nil {
				return req, err
			}
			req.Owner = &owner
		}
	} else {
		for _, field := range []order.Field{order.FieldApp, order.FieldRequester} {
			s := q.Get(string(field))
			if s == "" {
				continue
			}
			addr, err := Address(string(field), s)
			if err != nil {
				return req, err
			}
			if f.Exact == nil {
				f.Exact = make(map[order.Field]common.Address)
			}
			f.Exact[field] = addr
		}
	}

	for _, field := range d.Restrictions {
		name, strictName := restrictionParam(field)
		strict, err := optBool(q, strictName)
		if err != nil {
			return req, err
		}
		s := q.Get(name)
		if s == "" || s == AnyAddress {
			continue
		}
		addr, err := Address(name, s)
		if err != nil {
			return req, err
		}
		if f.Restrictions == nil {
			f.Restrictions = make(map[order.Field]orderbook.AddressFilter)
		}
		f.Restrictions[field] = orderbook.AddressFilter{Address: addr, Strict: strict}
	}

	if f.MinTag, err = optTag(q, "minTag"); err != nil {
		return req, err
	}
	if f.MaxTag, err = optTag(q, "maxTag"); err != nil {
		return req, err
	}
	if f.MinVolume, err = optUint(q, "minVolume"); err != nil {
		return req, err
	}
	if kind == order.KindWorkerpool || kind == order.KindRequest {
		if f.MinTrust, err = optUint(q, "minTrust"); err != nil {
			return req, err
		}
		if f.MaxTrust, err = optUint(q, "maxTrust"); err != nil {
			return req, err
		}
		if f.Category, err = optUint(q, "category"); err != nil {
			return req, err
		}
	}
	req.Filter = f

	req.Page, err = pagination(q)
	return req, err
}

func pagination(q url.Values) (orderbook.Pagination, error) {
	var p orderbook.Pagination
	if q.Get("page") != "" {
		cursor, err := optInt(q, "page", 0)
		if err != nil {
			return p, err
		}
		p.Cursor = &cursor
		return p, nil
	}

	var err error
	if p.PageIndex, err = optInt(q, "pageIndex", 0); err != nil {
		return p, err
	}
	if p.PageSize, err = optInt(q, "pageSize", orderbook.DefaultPageSize); err != nil {
		return p, err
	}
	return p, nil
}

// Withdrawal reads an unpublish body: {orderHash} or {target,
// <selector field>}. Caller is left for the authorization step.
func Withdrawal(kind order.Kind, chainID uint64, body map[string]string) (service.UnpublishRequest, error) {
	req := service.UnpublishRequest{ChainID: chainID, Kind: kind}

	var err error
	if req.Target, err = service.ParseTarget(body["target"]); err != nil {
		return req, err
	}

	if req.Target == service.TargetOrderHash {
		s, ok := body["orderHash"]
		if !ok {
			return req, order.NewValidationError("orderHash is a required field")
		}
		req.OrderHash, err = Hash("orderHash", s)
		return req, err
	}

	field := string(kind.Descriptor().SelectorField)
	if s, ok := body[field]; ok {
		req.Resource, err = Address(field, s)
	}
	return req, err
}

// RequiredAddress reads a mandatory address parameter.
func RequiredAddress(q url.Values, name string) (common.Address, error) {
	s := q.Get(name)
	if s == "" {
		return common.Address{}, order.NewValidationError("%s is a required field", name)
	}
	return Address(name, s)
}
