// Package dispatch maps a named operation onto the certificate store and
// builds the typed response envelope for it.
package dispatch

import (
	"context"
	"encoding/json"
	"strings"

	"certgate/internal/domain"
	applog "certgate/internal/log"
	"certgate/internal/metrics"
	"certgate/internal/validate"
)

const (
	OpUpload                   = "upload"
	OpDelete                   = "delete"
	OpDeleteProductCertificate = "deleteProductCertificate"
	OpList                     = "list"
	OpListProductCertificates  = "listProductCertificates"
	OpDeleteProduct            = "deleteProduct"

	// OpError names the generic failure reply for envelopes that could not
	// be parsed at all.
	OpError = "error"

	responseSuffix = "Response"
)

// Store is the subset of the certificate service the dispatcher drives.
type Store interface {
	Upload(ctx context.Context, productID string, file []byte, certificateID string) bool
	DeleteCertificate(ctx context.Context, productID, id string) bool
	List(ctx context.Context) []string
	ListForProduct(ctx context.Context, productID string) []domain.Certificate
	DeleteProduct(ctx context.Context, productID string) bool
}

// Request is the envelope consumed from the request topic.
type Request struct {
	OperationType string          `json:"operationType"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Response is any reply envelope. Correlate stamps the correlation token
// into the body.
type Response interface {
	Correlate(id string)
}

type Envelope struct {
	OperationType string `json:"operationType"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (e *Envelope) Correlate(id string) { e.CorrelationID = id }

func envelope(op string) Envelope { return Envelope{OperationType: op + responseSuffix} }

type StatusResponse struct {
	Envelope
	Status bool   `json:"status"`
	Error  string `json:"error,omitempty"`
}

type DeleteResponse struct {
	Envelope
	ProductID     string `json:"productId"`
	CertificateID string `json:"certificateId"`
	Status        bool   `json:"status"`
	Error         string `json:"error,omitempty"`
}

type ListResponse struct {
	Envelope
	ProductIDs []string `json:"productIds"`
	Total      int      `json:"total"`
}

type ProductCertificatesResponse struct {
	Envelope
	ProductID    string               `json:"productId"`
	Certificates []domain.Certificate `json:"certificates"`
	Total        int                  `json:"total"`
	Error        string               `json:"error,omitempty"`
}

type DeleteProductResponse struct {
	Envelope
	ProductID string `json:"productId"`
	Status    bool   `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Failure builds the status:false reply for op, used for unparseable
// envelopes and, when enabled, unknown operations.
func Failure(op, reason string) *StatusResponse {
	return &StatusResponse{Envelope: envelope(op), Status: false, Error: reason}
}

type uploadData struct {
	ProductID     string `json:"productId"`
	File          string `json:"file"`
	CertificateID string `json:"certificateId"`
}

type productData struct {
	ProductID     string `json:"productId"`
	CertificateID string `json:"certificateId"`
}

// Dispatcher runs one request against the store.
type Dispatcher struct {
	Store Store
	// Source labels metrics and logs (http or channel).
	Source string
}

func New(store Store, source string) *Dispatcher {
	return &Dispatcher{Store: store, Source: source}
}

// Known reports whether op names a dispatchable operation.
func Known(op string) bool {
	switch op {
	case OpUpload, OpDelete, OpDeleteProductCertificate, OpList, OpListProductCertificates, OpDeleteProduct:
		return true
	}
	return false
}

// Dispatch executes req. The second result is false for an unknown
// operation, in which case no response exists.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Response, bool) {
	var (
		resp Response
		ok   bool
	)
	switch req.OperationType {
	case OpUpload:
		resp, ok = d.upload(ctx, req.Data)
	case OpDelete, OpDeleteProductCertificate:
		resp, ok = d.deleteCertificate(ctx, req.OperationType, req.Data)
	case OpList:
		ids := d.Store.List(ctx)
		resp, ok = &ListResponse{Envelope: envelope(OpList), ProductIDs: ids, Total: len(ids)}, true
	case OpListProductCertificates:
		resp, ok = d.listProduct(ctx, req.Data)
	case OpDeleteProduct:
		resp, ok = d.deleteProduct(ctx, req.Data)
	default:
		applog.Info(nil, "dispatch.unknown_operation", map[string]any{
			"operation": req.OperationType, "correlation_id": req.CorrelationID,
		})
		return nil, false
	}
	metrics.Operations.WithLabelValues(d.Source, req.OperationType, metrics.Result(ok)).Inc()
	return resp, true
}

func decode(data json.RawMessage, v any) bool {
	if len(data) == 0 {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (d *Dispatcher) upload(ctx context.Context, data json.RawMessage) (Response, bool) {
	resp := &StatusResponse{Envelope: envelope(OpUpload)}
	var in uploadData
	if !decode(data, &in) {
		resp.Error = "malformed data"
		return resp, false
	}
	pid, okP := validate.ProductID(in.ProductID)
	cid, okC := validate.CertificateID(in.CertificateID)
	file, okF := validate.File(in.File)
	if !okP || !okC || !okF {
		resp.Error = "productId, file (base64) and certificateId are required"
		return resp, false
	}
	resp.Status = d.Store.Upload(ctx, pid, file, cid)
	if !resp.Status {
		resp.Error = "upload rejected"
	}
	return resp, resp.Status
}

func (d *Dispatcher) deleteCertificate(ctx context.Context, op string, data json.RawMessage) (Response, bool) {
	resp := &DeleteResponse{Envelope: envelope(op)}
	var in productData
	if !decode(data, &in) {
		resp.Error = "malformed data"
		return resp, false
	}
	resp.ProductID, resp.CertificateID = in.ProductID, in.CertificateID
	pid, okP := validate.ProductID(in.ProductID)
	rid, okR := validate.RecordID(in.CertificateID)
	if !okP || !okR {
		resp.Error = "productId and certificateId are required"
		return resp, false
	}
	resp.Status = d.Store.DeleteCertificate(ctx, pid, rid)
	return resp, resp.Status
}

func (d *Dispatcher) listProduct(ctx context.Context, data json.RawMessage) (Response, bool) {
	resp := &ProductCertificatesResponse{Envelope: envelope(OpListProductCertificates), Certificates: []domain.Certificate{}}
	var in productData
	if !decode(data, &in) {
		resp.Error = "malformed data"
		return resp, false
	}
	resp.ProductID = in.ProductID
	if strings.TrimSpace(in.ProductID) == "" {
		resp.Error = "productId is required"
		return resp, false
	}
	// An id that fails validation was never stored: an empty list.
	if pid, ok := validate.ProductID(in.ProductID); ok {
		if certs := d.Store.ListForProduct(ctx, pid); certs != nil {
			resp.Certificates = certs
		}
	}
	resp.Total = len(resp.Certificates)
	return resp, true
}

func (d *Dispatcher) deleteProduct(ctx context.Context, data json.RawMessage) (Response, bool) {
	resp := &DeleteProductResponse{Envelope: envelope(OpDeleteProduct)}
	var in productData
	if !decode(data, &in) {
		resp.Error = "malformed data"
		return resp, false
	}
	resp.ProductID = in.ProductID
	pid, ok := validate.ProductID(in.ProductID)
	if !ok {
		resp.Error = "productId is required"
		return resp, false
	}
	resp.Status = d.Store.DeleteProduct(ctx, pid)
	return resp, resp.Status
}
