package services

import (
	"strings"

	"github.com/disputeflow/disputeflow/internal/database"
)

// SupplierService resolves inbound senders to registered suppliers.
type SupplierService struct {
	store *database.Store
}

func NewSupplierService(store *database.Store) *SupplierService {
	return &SupplierService{store: store}
}

// ExtractDomain pulls the lowercased domain out of a sender header such as
// "Accounts Payable <billing@acme-parts.example>". Returns "" when the
// header carries no parseable address.
func ExtractDomain(sender string) string {
	at := strings.LastIndex(sender, "@")
	if at < 0 || at == len(sender)-1 {
		return ""
	}
	domain := sender[at+1:]
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ">")
	domain = strings.ToLower(strings.TrimSpace(domain))
	return domain
}

// ResolveSender maps a sender header to a supplier. Returns (nil, nil) for
// unknown or unparseable senders so the caller can skip the message without
// treating it as a failure.
func (s *SupplierService) ResolveSender(sender string) (*database.Supplier, error) {
	domain := ExtractDomain(sender)
	if domain == "" {
		return nil, nil
	}
	return s.store.FindSupplierByDomain(domain)
}
