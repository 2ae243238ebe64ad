package paywall

import "slices"

// slotOrder maps slots to their position in the product list.
var slotOrder = map[ProductSlot]int{
	SlotPrimary:   0,
	SlotSecondary: 1,
	SlotTertiary:  2,
}

// Overrides customizes a single presentation request.
type Overrides struct {
	// Products replaces products by slot with already-loaded store data.
	Products map[ProductSlot]StoreProduct
	// PresentationStyle replaces the configured style when not empty.
	PresentationStyle string
	// IgnoreSubscriptionStatus shows the paywall even to subscribed users.
	IgnoreSubscriptionStatus bool
}

// ApplyOverrides returns a per-request copy of canonical with the overrides
// applied. canonical itself is never modified.
func ApplyOverrides(canonical *Response, ov *Overrides) *Response {
	r := canonical.Clone()
	if ov == nil {
		return r
	}

	if ov.PresentationStyle != "" {
		r.PresentationStyle = ov.PresentationStyle
	}

	for slot, product := range ov.Products {
		pos, ok := slotOrder[slot]
		if !ok {
			continue
		}

		replaced := ""
		if i := slices.IndexFunc(r.Products, func(p Product) bool { return p.Slot == slot }); i >= 0 {
			replaced = r.Products[i].ID
			r.Products[i].ID = product.ID
		} else if pos < len(r.Products) && r.Products[pos].Slot == "" {
			replaced = r.Products[pos].ID
			r.Products[pos] = Product{Slot: slot, ID: product.ID}
		} else {
			r.Products = append(r.Products, Product{Slot: slot, ID: product.ID})
		}

		if replaced != "" {
			r.ProductsToLoad = slices.DeleteFunc(r.ProductsToLoad, func(id string) bool { return id == replaced })
		}
		r.ProductsToLoad = slices.DeleteFunc(r.ProductsToLoad, func(id string) bool { return id == product.ID })

		if r.StoreProducts == nil {
			r.StoreProducts = make(map[string]StoreProduct)
		}
		r.StoreProducts[product.ID] = product
	}

	return r
}
