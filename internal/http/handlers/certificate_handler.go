package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"certgate/internal/dispatch"
	"certgate/internal/domain"
	applog "certgate/internal/log"
	"certgate/internal/metrics"
	"certgate/internal/services"
	"certgate/internal/validate"
)

const source = "http"

type CertificateHandler struct {
	Certs *services.CertificateService
}

type uploadRequest struct {
	ProductID     string `json:"productId"`
	File          string `json:"file"`
	CertificateID string `json:"certificateId"`
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"success": false, "error": msg})
}

func count(op string, ok bool) {
	metrics.Operations.WithLabelValues(source, op, metrics.Result(ok)).Inc()
}

// storeStatus maps a store error onto an HTTP status: caller mistakes and
// failed verification are 400, storage trouble is 500.
func storeStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidInput), errors.Is(err, services.ErrNotVerified), errors.Is(err, services.ErrNotFound):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func (h *CertificateHandler) Upload(c *fiber.Ctx) error {
	var in uploadRequest
	if err := c.BodyParser(&in); err != nil {
		applog.Security(c, "validation.fail", map[string]any{"field": "body"})
		count(dispatch.OpUpload, false)
		return fail(c, fiber.StatusBadRequest, "request body must be JSON")
	}
	pid, ok := validate.ProductID(in.ProductID)
	if !ok {
		applog.Security(c, "validation.fail", map[string]any{"field": "productId"})
		count(dispatch.OpUpload, false)
		return fail(c, fiber.StatusBadRequest, "productId is missing or invalid")
	}
	cid, ok := validate.CertificateID(in.CertificateID)
	if !ok {
		applog.Security(c, "validation.fail", map[string]any{"field": "certificateId"})
		count(dispatch.OpUpload, false)
		return fail(c, fiber.StatusBadRequest, "certificateId is missing or invalid")
	}
	file, ok := validate.File(in.File)
	if !ok {
		applog.Security(c, "validation.fail", map[string]any{"field": "file"})
		count(dispatch.OpUpload, false)
		return fail(c, fiber.StatusBadRequest, "file must be non-empty base64")
	}

	rec, err := h.Certs.AddCertificate(c.UserContext(), pid, file, cid)
	count(dispatch.OpUpload, err == nil)
	if err != nil {
		status := storeStatus(err)
		if status == fiber.StatusInternalServerError {
			applog.Error(c, "certificate.upload.fail", err, map[string]any{"product_id": pid})
			return fail(c, status, "could not store certificate")
		}
		applog.Info(c, "certificate.upload.rejected", map[string]any{"product_id": pid, "certificate_id": cid})
		return fail(c, status, "certificate could not be verified")
	}
	applog.Audit(c, "certificate.upload", map[string]any{"product_id": pid, "id": rec.ID})
	return c.JSON(fiber.Map{"success": true, "id": rec.ID})
}

func (h *CertificateHandler) List(c *fiber.Ctx) error {
	ids, err := h.Certs.ProductIDs(c.UserContext())
	count(dispatch.OpList, err == nil)
	if err != nil {
		applog.Error(c, "certificate.list.fail", err, nil)
		return fail(c, fiber.StatusInternalServerError, "could not list products")
	}
	return c.JSON(fiber.Map{"productIds": ids, "total": len(ids)})
}

// ListForProduct answers 404 with an empty list for a product without
// certificates. An id that could never have been stored is such a product.
func (h *CertificateHandler) ListForProduct(c *fiber.Ctx) error {
	pid, ok := validate.ProductID(c.Params("productId"))
	if !ok {
		applog.Security(c, "validation.fail", map[string]any{"field": "productId"})
		count(dispatch.OpListProductCertificates, true)
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"certificates": []domain.Certificate{}})
	}
	certs, err := h.Certs.Certificates(c.UserContext(), pid)
	count(dispatch.OpListProductCertificates, err == nil)
	if err != nil {
		applog.Error(c, "certificate.list_product.fail", err, map[string]any{"product_id": pid})
		return fail(c, fiber.StatusInternalServerError, "could not list certificates")
	}
	if len(certs) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"certificates": []domain.Certificate{}})
	}
	return c.JSON(fiber.Map{"certificates": certs})
}

func (h *CertificateHandler) DeleteCertificate(c *fiber.Ctx) error {
	pid, okP := validate.ProductID(c.Params("productId"))
	id, okR := validate.RecordID(c.Params("certId"))
	if !okP || !okR {
		applog.Security(c, "validation.fail", map[string]any{"field": "path"})
		count(dispatch.OpDeleteProductCertificate, false)
		return fail(c, fiber.StatusBadRequest, "productId and certId are required")
	}
	err := h.Certs.RemoveCertificate(c.UserContext(), pid, id)
	count(dispatch.OpDeleteProductCertificate, err == nil)
	if err != nil {
		status := storeStatus(err)
		if status == fiber.StatusInternalServerError {
			applog.Error(c, "certificate.delete.fail", err, map[string]any{"product_id": pid, "id": id})
		}
		return fail(c, status, "certificate not deleted")
	}
	applog.Audit(c, "certificate.delete", map[string]any{"product_id": pid, "id": id})
	return c.JSON(fiber.Map{"success": true})
}

func (h *CertificateHandler) DeleteProduct(c *fiber.Ctx) error {
	pid, ok := validate.ProductID(c.Params("productId"))
	if !ok {
		applog.Security(c, "validation.fail", map[string]any{"field": "productId"})
		count(dispatch.OpDeleteProduct, false)
		return fail(c, fiber.StatusBadRequest, "productId is invalid")
	}
	err := h.Certs.RemoveProduct(c.UserContext(), pid)
	count(dispatch.OpDeleteProduct, err == nil)
	if err != nil {
		applog.Error(c, "certificate.delete_product.fail", err, map[string]any{"product_id": pid})
		return fail(c, fiber.StatusInternalServerError, "product not deleted")
	}
	applog.Audit(c, "certificate.delete_product", map[string]any{"product_id": pid})
	return c.JSON(fiber.Map{"success": true})
}
