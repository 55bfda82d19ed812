package httpserver

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"marketbook/api/query"
	"marketbook/domain/order"
	"marketbook/service"
)

type handlers struct {
	log    zerolog.Logger
	orders Orders
	auth   Authorizer
}

type challengeData struct {
	Hash    common.Hash    `json:"hash"`
	Value   string         `json:"value"`
	Address common.Address `json:"address"`
}

type pageResponse struct {
	OK       bool           `json:"ok"`
	Count    int            `json:"count"`
	Orders   []*order.Order `json:"orders"`
	NextPage *int           `json:"nextPage,omitempty"`
}

// GET /challenge?chainId&address
func (h *handlers) challenge(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	id, err := query.ChainID(q)
	if err != nil {
		h.writeError(w, err)
		return
	}
	addr, err := query.RequiredAddress(q, "address")
	if err != nil {
		h.writeError(w, err)
		return
	}

	c, err := h.auth.Issue(req.Context(), id, addr)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"data": challengeData{Hash: c.Hash, Value: c.Value, Address: c.Address},
	})
}

// POST /{kind}orders?chainId
func (h *handlers) publish(w http.ResponseWriter, req *http.Request) {
	kind := requestKind(req)
	id, err := query.ChainID(req.URL.Query())
	if err != nil {
		h.writeError(w, err)
		return
	}

	var body struct {
		Order *order.Payload `json:"order"`
	}
	if err := decodeBody(req, &body); err != nil {
		h.writeError(w, err)
		return
	}
	if body.Order == nil {
		h.writeError(w, order.NewValidationError("order is a required field"))
		return
	}

	caller, err := h.auth.Authorize(req.Context(), id, req.Header.Get(headerAuth))
	if err != nil {
		h.writeError(w, err)
		return
	}

	published, err := h.orders.Publish(req.Context(), service.PublishRequest{
		ChainID: id,
		Kind:    kind,
		Order:   *body.Order,
		Caller:  caller,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "published": published})
}

// PUT /{kind}orders?chainId
//
// The body is {orderHash} or {target, <selector field>}.
func (h *handlers) unpublish(w http.ResponseWriter, req *http.Request) {
	kind := requestKind(req)
	id, err := query.ChainID(req.URL.Query())
	if err != nil {
		h.writeError(w, err)
		return
	}

	var body map[string]string
	if err := decodeBody(req, &body); err != nil {
		h.writeError(w, err)
		return
	}

	ureq, err := query.Withdrawal(kind, id, body)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if ureq.Caller, err = h.auth.Authorize(req.Context(), id, req.Header.Get(headerAuth)); err != nil {
		h.writeError(w, err)
		return
	}

	hashes, err := h.orders.Unpublish(req.Context(), ureq)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "unpublished": hashes})
}

// GET /{kind}orders/{orderHash}?chainId
func (h *handlers) get(w http.ResponseWriter, req *http.Request) {
	kind := requestKind(req)
	id, err := query.ChainID(req.URL.Query())
	if err != nil {
		h.writeError(w, err)
		return
	}
	hash, err := query.Hash("orderHash", mux.Vars(req)["orderHash"])
	if err != nil {
		h.writeError(w, err)
		return
	}

	o, err := h.orders.GetOrder(req.Context(), id, kind, hash)
	if err != nil {
		h.writeError(w, err)
		return
	}

	// the stored document, flattened next to "ok"
	doc, err := json.Marshal(o)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		h.writeError(w, err)
		return
	}
	fields["ok"] = json.RawMessage("true")
	h.writeJSON(w, http.StatusOK, fields)
}

// GET /{kind}orders?chainId&<filters>&pageIndex&pageSize|page
func (h *handlers) list(w http.ResponseWriter, req *http.Request) {
	lreq, err := query.List(requestKind(req), req.URL.Query())
	if err != nil {
		h.writeError(w, err)
		return
	}

	page, err := h.orders.ListOrders(req.Context(), lreq)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pageResponse{
		OK:       true,
		Count:    page.Count,
		Orders:   page.Orders,
		NextPage: page.NextPage,
	})
}

// -------------------- Responses --------------------

func decodeBody(req *http.Request, v any) error {
	defer func() {
		_ = req.Body.Close()
	}()
	dec := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return order.NewValidationError("invalid json body: %v", err)
	}
	return nil
}

// statusOf maps the error taxonomy onto HTTP. Authentication and
// business rejections share 403 and differ only by message.
func statusOf(err error) int {
	switch {
	case order.IsValidation(err):
		return http.StatusBadRequest
	case order.IsAuth(err), order.IsBusiness(err):
		return http.StatusForbidden
	case order.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	msg := errors.Cause(err).Error()
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	h.writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, obj any) {
	bytes, err := json.Marshal(obj)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)

	if _, err := w.Write(bytes); err != nil {
		h.log.Error().Err(err).Msg("error writing response")
	}
}
