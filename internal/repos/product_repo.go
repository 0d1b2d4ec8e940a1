package repos

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"certgate/internal/domain"
)

// MetadataStore keeps one record per product holding its certificate
// sequence. Callers serialize read-modify-write cycles per product.
type MetadataStore interface {
	ProductIDs(ctx context.Context) ([]string, error)
	// Certificates returns an empty slice for an unknown product.
	Certificates(ctx context.Context, productID string) ([]domain.Certificate, error)
	// Save replaces the sequence, creating the product when absent.
	Save(ctx context.Context, productID string, certs []domain.Certificate) error
	// Delete removes the product; a missing product is not an error.
	Delete(ctx context.Context, productID string) error
}

// ProductRepo is the SQL-backed MetadataStore.
type ProductRepo struct {
	db         *sqlx.DB
	collection string
}

func NewProductRepo(db *sqlx.DB, collection string) *ProductRepo {
	return &ProductRepo{db: db, collection: collection}
}

func (r *ProductRepo) ProductIDs(ctx context.Context) ([]string, error) {
	out := []string{}
	err := r.db.SelectContext(ctx, &out, fmt.Sprintf(`SELECT product_id FROM %s ORDER BY created_at, product_id`, r.collection))
	return out, err
}

func (r *ProductRepo) Certificates(ctx context.Context, productID string) ([]domain.Certificate, error) {
	var raw string
	err := r.db.GetContext(ctx, &raw, r.db.Rebind(fmt.Sprintf(`
  SELECT certificates_json FROM %s WHERE product_id = ?`, r.collection)), productID)
	if errors.Is(err, sql.ErrNoRows) {
		return []domain.Certificate{}, nil
	}
	if err != nil {
		return nil, err
	}
	certs := []domain.Certificate{}
	if err := json.Unmarshal([]byte(raw), &certs); err != nil {
		return nil, fmt.Errorf("decode certificates of %s: %w", productID, err)
	}
	return certs, nil
}

func (r *ProductRepo) Save(ctx context.Context, productID string, certs []domain.Certificate) error {
	if len(certs) == 0 {
		return r.Delete(ctx, productID)
	}
	b, err := json.Marshal(certs)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = r.db.ExecContext(ctx, r.db.Rebind(fmt.Sprintf(`
  INSERT INTO %s(product_id, certificates_json, created_at, updated_at)
  VALUES (?, ?, ?, ?)
  ON CONFLICT(product_id) DO UPDATE
  SET certificates_json = excluded.certificates_json, updated_at = excluded.updated_at`, r.collection)),
		productID, string(b), now, now)
	return err
}

func (r *ProductRepo) Delete(ctx context.Context, productID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE product_id = ?`, r.collection)), productID)
	return err
}

// MemoryProductRepo is the in-process MetadataStore used in memory mode.
type MemoryProductRepo struct {
	mu       sync.RWMutex
	products map[string][]domain.Certificate
}

func NewMemoryProductRepo() *MemoryProductRepo {
	return &MemoryProductRepo{products: map[string][]domain.Certificate{}}
}

func (r *MemoryProductRepo) ProductIDs(context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.products))
	for id := range r.products {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (r *MemoryProductRepo) Certificates(_ context.Context, productID string) ([]domain.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Certificate{}, r.products[productID]...), nil
}

func (r *MemoryProductRepo) Save(_ context.Context, productID string, certs []domain.Certificate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(certs) == 0 {
		delete(r.products, productID)
		return nil
	}
	r.products[productID] = append([]domain.Certificate(nil), certs...)
	return nil
}

func (r *MemoryProductRepo) Delete(_ context.Context, productID string) error {
	r.mu.Lock()
	delete(r.products, productID)
	r.mu.Unlock()
	return nil
}
