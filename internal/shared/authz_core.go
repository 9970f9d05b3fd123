package shared

// Commerce resources protected by the gate. They match the collection names of the
// admin backend.
const (
	ResourceProduct        = "product"
	ResourceCategory       = "category"
	ResourceBrand          = "brand"
	ResourceOrder          = "order"
	ResourceRefund         = "refund"
	ResourceMember         = "member"
	ResourcePoints         = "points"
	ResourceCoupon         = "coupon"
	ResourceRecommendation = "recommendation"
	ResourceTrending       = "trending"
	ResourceMedia          = "media"
)

// Gate administration resources.
const (
	ResourceRole      = "role"
	ResourceRateLimit = "ratelimit"
	ResourceJobs      = "jobs"
	ResourceAudit     = "audit"
)

// CommerceResources lists every resource reachable through the /api proxy.
func CommerceResources() []string {
	return []string{
		ResourceProduct,
		ResourceCategory,
		ResourceBrand,
		ResourceOrder,
		ResourceRefund,
		ResourceMember,
		ResourcePoints,
		ResourceCoupon,
		ResourceRecommendation,
		ResourceTrending,
		ResourceMedia,
	}
}

// IsCommerceResource reports whether name is proxied under /api.
func IsCommerceResource(name string) bool {
	for _, r := range CommerceResources() {
		if r == name {
			return true
		}
	}
	return false
}
