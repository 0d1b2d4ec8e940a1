package repos_test

import (
	"context"
	"testing"
	"time"

	"certgate/internal/domain"
	"certgate/internal/repos"
)

func sqlRepo(t *testing.T) *repos.ProductRepo {
	t.Helper()
	db, err := repos.OpenDB("sqlite", ":memory:", "products")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return repos.NewProductRepo(db, "products")
}

func cert(id string) domain.Certificate {
	until := domain.NewDate(time.Date(2999, 1, 1, 0, 0, 0, 0, time.UTC))
	return domain.Certificate{
		ID:             id,
		CertificateID:  "ISCC-TEST-" + id,
		StorageLocator: "mem://p/" + id,
		UploadedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Verified:       true,
		ValidUntil:     &until,
		Size:           3,
	}
}

func TestMetadataStores(t *testing.T) {
	stores := map[string]repos.MetadataStore{
		"memory": repos.NewMemoryProductRepo(),
		"sqlite": sqlRepo(t),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			certs, err := s.Certificates(ctx, "unknown")
			if err != nil || certs == nil || len(certs) != 0 {
				t.Fatalf("unknown product: %v %v", certs, err)
			}

			if err := s.Save(ctx, "p1", []domain.Certificate{cert("a"), cert("b")}); err != nil {
				t.Fatalf("save: %v", err)
			}
			if err := s.Save(ctx, "p2", []domain.Certificate{cert("c")}); err != nil {
				t.Fatalf("save: %v", err)
			}
			ids, err := s.ProductIDs(ctx)
			if err != nil || len(ids) != 2 {
				t.Fatalf("ids = %v %v", ids, err)
			}

			got, err := s.Certificates(ctx, "p1")
			if err != nil || len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
				t.Fatalf("p1 = %+v %v", got, err)
			}
			if got[0].ValidUntil == nil || got[0].ValidUntil.String() != "2999-01-01" || !got[0].Verified {
				t.Fatalf("record not preserved: %+v", got[0])
			}

			// rewrite keeps order
			if err := s.Save(ctx, "p1", []domain.Certificate{cert("b")}); err != nil {
				t.Fatal(err)
			}
			got, _ = s.Certificates(ctx, "p1")
			if len(got) != 1 || got[0].ID != "b" {
				t.Fatalf("after rewrite = %+v", got)
			}

			// empty sequence deletes the product
			if err := s.Save(ctx, "p1", nil); err != nil {
				t.Fatal(err)
			}
			ids, _ = s.ProductIDs(ctx)
			if len(ids) != 1 || ids[0] != "p2" {
				t.Fatalf("ids after empty save = %v", ids)
			}

			if err := s.Delete(ctx, "p2"); err != nil {
				t.Fatal(err)
			}
			if err := s.Delete(ctx, "p2"); err != nil {
				t.Fatalf("second delete: %v", err)
			}
			ids, _ = s.ProductIDs(ctx)
			if len(ids) != 0 {
				t.Fatalf("ids after delete = %v", ids)
			}
		})
	}
}

func TestMemoryRepoReturnsCopies(t *testing.T) {
	ctx := context.Background()
	r := repos.NewMemoryProductRepo()
	_ = r.Save(ctx, "p1", []domain.Certificate{cert("a")})
	got, _ := r.Certificates(ctx, "p1")
	got[0].ID = "mutated"
	again, _ := r.Certificates(ctx, "p1")
	if again[0].ID != "a" {
		t.Fatal("caller mutation leaked into the store")
	}
}

func TestOpenDBRejectsBadCollection(t *testing.T) {
	if _, err := repos.OpenDB("sqlite", ":memory:", "bad name"); err == nil {
		t.Fatal("bad collection accepted")
	}
}
