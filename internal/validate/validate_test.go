package validate

import (
	"strings"
	"testing"
)

func TestProductID(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"p1", true},
		{"  sku-001 ", true},
		{"batch_2024.03", true},
		{"", false},
		{"..", false},
		{"a/b", false},
		{"a..b", false},
		{"with space", false},
		{"SKU 12", false},
		{"acme:p1", false},
		{"p$1", false},
		{strings.Repeat("a", 128), true},
		{strings.Repeat("a", 129), false},
	}
	for _, tc := range cases {
		if _, ok := ProductID(tc.in); ok != tc.ok {
			t.Errorf("ProductID(%q) ok=%v, want %v", tc.in, ok, tc.ok)
		}
	}
}

func TestCertificateID(t *testing.T) {
	if v, ok := CertificateID(" ISCC-CORSIA-Cert-US201-2440920252 "); !ok || v != "ISCC-CORSIA-Cert-US201-2440920252" {
		t.Fatalf("got %q %v", v, ok)
	}
	if _, ok := CertificateID(""); ok {
		t.Fatal("empty id accepted")
	}
	if _, ok := CertificateID("two words"); ok {
		t.Fatal("id with space accepted")
	}
}

func TestFile(t *testing.T) {
	b, ok := File("JVBERi0xLjQK")
	if !ok || string(b) != "%PDF-1.4\n" {
		t.Fatalf("decode: %q %v", b, ok)
	}
	for _, in := range []string{"", "not base64!!", "===="} {
		if _, ok := File(in); ok {
			t.Errorf("File(%q) accepted", in)
		}
	}
}

func TestCollection(t *testing.T) {
	if !Collection("products") || Collection("products; DROP TABLE x") || Collection("1abc") {
		t.Fatal("collection validation mismatch")
	}
}
