package crypto

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/uhyunpark/l2book/pkg/app/core/orderbook"
)

// DomainSeparator scopes order identities to one deployment and schema version
type DomainSeparator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DefaultDomain returns the domain the venue has always hashed under
func DefaultDomain() DomainSeparator {
	return DomainSeparator{
		Name:    "DDX take-home",
		Version: "0.1.0",
	}
}

func (d DomainSeparator) Validate() error {
	if d.Name == "" {
		return errors.New("domain name is empty")
	}
	if d.Version == "" {
		return errors.New("domain version is empty")
	}
	return nil
}

var orderTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
	},
	"Order": []apitypes.Type{
		{Name: "amount", Type: "string"},
		{Name: "nonce", Type: "uint256"},
		{Name: "price", Type: "string"},
		{Name: "side", Type: "uint8"},
		{Name: "trader", Type: "address"},
	},
}

// Hasher computes the content identity of orders.
//
// The digest is EIP-712 shaped: keccak256("\x19\x01" || hashStruct(domain) || hashStruct(order)).
// Amount and price enter as canonical decimal strings, so 1.50 and 1.5 hash the same.
// There is exactly one order tuple; a resting entry keeps the hash of the order it came from.
type Hasher struct {
	domain          DomainSeparator
	domainSeparator []byte
}

// NewHasher precomputes the domain separator hash
func NewHasher(domain DomainSeparator) (*Hasher, error) {
	if err := domain.Validate(); err != nil {
		return nil, err
	}
	td := apitypes.TypedData{
		Types:  orderTypes,
		Domain: apitypes.TypedDataDomain{Name: domain.Name, Version: domain.Version},
	}
	sep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	return &Hasher{domain: domain, domainSeparator: sep}, nil
}

func (h *Hasher) Domain() DomainSeparator { return h.domain }

// DomainHash returns hashStruct(EIP712Domain)
func (h *Hasher) DomainHash() common.Hash { return common.BytesToHash(h.domainSeparator) }

// HashOrder returns the identity of o under the hasher's domain
func (h *Hasher) HashOrder(o *orderbook.Order) (common.Hash, error) {
	td := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain:      apitypes.TypedDataDomain{Name: h.domain.Name, Version: h.domain.Version},
		Message: apitypes.TypedDataMessage{
			"amount": o.Amount.String(),
			"nonce":  new(big.Int).SetBytes(o.Nonce[:]).String(),
			"price":  o.Price.String(),
			"side":   fmt.Sprintf("%d", uint8(o.Side)),
			"trader": o.Trader.Hex(),
		},
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash order: %w", err)
	}

	rawData := make([]byte, 0, 2+len(h.domainSeparator)+len(structHash))
	rawData = append(rawData, 0x19, 0x01)
	rawData = append(rawData, h.domainSeparator...)
	rawData = append(rawData, structHash...)
	return crypto.Keccak256Hash(rawData), nil
}
