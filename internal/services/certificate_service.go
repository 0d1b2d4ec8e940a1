package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"certgate/internal/domain"
	applog "certgate/internal/log"
	"certgate/internal/registry"
	"certgate/internal/repos"
)

var (
	ErrInvalidInput = errors.New("missing or invalid input")
	ErrNotVerified  = errors.New("certificate could not be verified")
	ErrNotFound     = errors.New("not found")
	ErrStorage      = errors.New("storage failure")
)

// CertificateService is the certificate store: verified uploads, listings
// and deletions over a blob store plus a per-product metadata store.
//
// Blob and metadata writes are not transactional. A blob written before a
// failed metadata write stays behind as an orphan.
type CertificateService struct {
	Blobs    repos.BlobStore
	Meta     repos.MetadataStore
	Registry registry.Verifier

	locks *keyedMutex
	now   func() time.Time
	newID func() string
}

func NewCertificateService(blobs repos.BlobStore, meta repos.MetadataStore, reg registry.Verifier) *CertificateService {
	return &CertificateService{
		Blobs:    blobs,
		Meta:     meta,
		Registry: reg,
		locks:    newKeyedMutex(),
		now:      time.Now,
		newID:    newRecordID,
	}
}

// newRecordID returns a UUIDv7: millisecond timestamp plus random bits.
func newRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// AddCertificate verifies certificateID and stores file under productID.
func (s *CertificateService) AddCertificate(ctx context.Context, productID string, file []byte, certificateID string) (domain.Certificate, error) {
	if productID == "" || len(file) == 0 || certificateID == "" {
		return domain.Certificate{}, ErrInvalidInput
	}
	validUntil, ok := s.Registry.Verify(ctx, certificateID)
	if !ok {
		return domain.Certificate{}, ErrNotVerified
	}

	id := s.newID()
	locator, err := s.Blobs.Put(ctx, repos.BlobKey(productID, id), file)
	if err != nil {
		return domain.Certificate{}, fmt.Errorf("%w: write blob: %v", ErrStorage, err)
	}
	sum := blake2b.Sum256(file)
	rec := domain.Certificate{
		ID:             id,
		CertificateID:  certificateID,
		StorageLocator: locator,
		UploadedAt:     s.now().UTC(),
		Verified:       true,
		ValidUntil:     validUntil,
		Size:           len(file),
		Checksum:       hex.EncodeToString(sum[:]),
	}

	unlock := s.locks.Lock(productID)
	defer unlock()
	certs, err := s.Meta.Certificates(ctx, productID)
	if err != nil {
		return domain.Certificate{}, fmt.Errorf("%w: read metadata: %v", ErrStorage, err)
	}
	if err := s.Meta.Save(ctx, productID, append(certs, rec)); err != nil {
		applog.Error(nil, "certificate.orphan_blob", err, map[string]any{"product_id": productID, "locator": locator})
		return domain.Certificate{}, fmt.Errorf("%w: write metadata: %v", ErrStorage, err)
	}
	return rec, nil
}

// Upload is AddCertificate reduced to success or failure.
func (s *CertificateService) Upload(ctx context.Context, productID string, file []byte, certificateID string) bool {
	rec, err := s.AddCertificate(ctx, productID, file, certificateID)
	if err != nil {
		applog.Info(nil, "certificate.upload.rejected", map[string]any{
			"product_id": productID, "certificate_id": certificateID, "reason": err.Error(),
		})
		return false
	}
	applog.Audit(nil, "certificate.upload", map[string]any{"product_id": productID, "id": rec.ID})
	return true
}

func (s *CertificateService) ProductIDs(ctx context.Context) ([]string, error) {
	ids, err := s.Meta.ProductIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list products: %v", ErrStorage, err)
	}
	return ids, nil
}

// List returns every known product id; storage errors yield an empty list.
func (s *CertificateService) List(ctx context.Context) []string {
	ids, err := s.ProductIDs(ctx)
	if err != nil {
		applog.Error(nil, "certificate.list.fail", err, nil)
		return []string{}
	}
	return ids
}

func (s *CertificateService) Certificates(ctx context.Context, productID string) ([]domain.Certificate, error) {
	certs, err := s.Meta.Certificates(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("%w: read metadata: %v", ErrStorage, err)
	}
	return certs, nil
}

// ListForProduct never fails: unknown products and storage errors give an
// empty sequence.
func (s *CertificateService) ListForProduct(ctx context.Context, productID string) []domain.Certificate {
	certs, err := s.Certificates(ctx, productID)
	if err != nil {
		applog.Error(nil, "certificate.list_product.fail", err, map[string]any{"product_id": productID})
		return []domain.Certificate{}
	}
	return certs
}

// RemoveProduct deletes every blob of the product and then its record.
// Deleting an unknown product succeeds.
func (s *CertificateService) RemoveProduct(ctx context.Context, productID string) error {
	unlock := s.locks.Lock(productID)
	defer unlock()

	certs, err := s.Meta.Certificates(ctx, productID)
	if err != nil {
		return fmt.Errorf("%w: read metadata: %v", ErrStorage, err)
	}
	for _, c := range certs {
		if err := s.Blobs.Delete(ctx, repos.BlobKey(productID, c.ID)); err != nil {
			return fmt.Errorf("%w: delete blob %s: %v", ErrStorage, c.ID, err)
		}
	}
	if err := s.Meta.Delete(ctx, productID); err != nil {
		return fmt.Errorf("%w: delete metadata: %v", ErrStorage, err)
	}
	return nil
}

func (s *CertificateService) DeleteProduct(ctx context.Context, productID string) bool {
	if err := s.RemoveProduct(ctx, productID); err != nil {
		applog.Error(nil, "certificate.delete_product.fail", err, map[string]any{"product_id": productID})
		return false
	}
	applog.Audit(nil, "certificate.delete_product", map[string]any{"product_id": productID})
	return true
}

// RemoveCertificate deletes one record and its blob. The product disappears
// with its last certificate.
func (s *CertificateService) RemoveCertificate(ctx context.Context, productID, id string) error {
	if productID == "" || id == "" {
		return ErrInvalidInput
	}
	unlock := s.locks.Lock(productID)
	defer unlock()

	certs, err := s.Meta.Certificates(ctx, productID)
	if err != nil {
		return fmt.Errorf("%w: read metadata: %v", ErrStorage, err)
	}
	idx := -1
	for i, c := range certs {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	if err := s.Blobs.Delete(ctx, repos.BlobKey(productID, id)); err != nil {
		return fmt.Errorf("%w: delete blob: %v", ErrStorage, err)
	}
	rest := append(certs[:idx:idx], certs[idx+1:]...)
	if len(rest) == 0 {
		err = s.Meta.Delete(ctx, productID)
	} else {
		err = s.Meta.Save(ctx, productID, rest)
	}
	if err != nil {
		return fmt.Errorf("%w: write metadata: %v", ErrStorage, err)
	}
	return nil
}

func (s *CertificateService) DeleteCertificate(ctx context.Context, productID, id string) bool {
	if err := s.RemoveCertificate(ctx, productID, id); err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidInput) {
			applog.Error(nil, "certificate.delete.fail", err, map[string]any{"product_id": productID, "id": id})
		}
		return false
	}
	applog.Audit(nil, "certificate.delete", map[string]any{"product_id": productID, "id": id})
	return true
}
