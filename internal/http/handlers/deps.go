package handlers

import (
	"certgate/internal/services"
)

type Deps struct {
	CertificateHandler *CertificateHandler
}

func NewDeps(certs *services.CertificateService) *Deps {
	return &Deps{
		CertificateHandler: &CertificateHandler{Certs: certs},
	}
}
