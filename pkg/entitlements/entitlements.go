// Package entitlements defines the purchasable product codes and the
// capabilities each one unlocks.
//
// This package exists so funnel clients and the gateway share one canonical
// normalisation without importing internal packages.
package entitlements

import (
	"sort"
	"strings"
)

// ProductCode identifies which purchasable tier or add-on a payment covers.
type ProductCode string

const (
	ProductBasic    ProductCode = "basic"
	ProductComplete ProductCode = "complete"
	ProductGuide    ProductCode = "guide"
	ProductUpsell   ProductCode = "upsell" // alias for guide
)

// Capability is a unit of paid access derived from product codes.
type Capability string

const (
	CapabilityBasic    Capability = "basic"
	CapabilityComplete Capability = "complete"
	CapabilityGuide    Capability = "guide"
)

// ProductCodes lists every product code accepted at checkout.
var ProductCodes = []ProductCode{ProductBasic, ProductComplete, ProductGuide, ProductUpsell}

// ProductCapabilities maps each product code to the capabilities it grants.
var ProductCapabilities = map[ProductCode][]Capability{
	ProductBasic:    {CapabilityBasic},
	ProductComplete: {CapabilityBasic, CapabilityComplete},
	ProductGuide:    {CapabilityGuide},
	ProductUpsell:   {CapabilityGuide},
}

// ParseProductCode normalises raw and reports whether it names a known product.
func ParseProductCode(raw string) (ProductCode, bool) {
	code := ProductCode(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := ProductCapabilities[code]; !ok {
		return "", false
	}
	return code, true
}

// Entitlement is the capability set a session may access.
type Entitlement struct {
	PaidProducts []Capability `json:"paidProducts"`
	IsPaid       bool         `json:"isPaid"`
}

// Resolve unions the capabilities of every paid product code. Unknown codes
// contribute nothing. PaidProducts is sorted and never nil.
func Resolve(codes []ProductCode) Entitlement {
	set := make(map[Capability]struct{})
	for _, code := range codes {
		for _, capability := range ProductCapabilities[code] {
			set[capability] = struct{}{}
		}
	}

	paid := make([]Capability, 0, len(set))
	for capability := range set {
		paid = append(paid, capability)
	}
	sort.Slice(paid, func(i, j int) bool { return paid[i] < paid[j] })

	return Entitlement{
		PaidProducts: paid,
		IsPaid:       len(paid) > 0,
	}
}

// Has reports whether capability c is present.
func (e Entitlement) Has(c Capability) bool {
	for _, p := range e.PaidProducts {
		if p == c {
			return true
		}
	}
	return false
}

// CanGenerateReading gates the premium reading.
func (e Entitlement) CanGenerateReading() bool {
	return e.Has(CapabilityBasic)
}

// CanDownloadGuide gates the downloadable guide asset.
func (e Entitlement) CanDownloadGuide() bool {
	return e.Has(CapabilityGuide) || e.Has(CapabilityComplete)
}
