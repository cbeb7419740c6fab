package keys

import (
	"strings"
	"testing"
)

func TestKeyDerivation(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"category", Category("5", 1, "newest"), "category_5_p1_newest"},
		{"category default sort", Category("5", 2, ""), "category_5_p2_default"},
		{"category page floor", Category("5", 0, "newest"), "category_5_p1_newest"},
		{"reviews", Reviews("42", 3, "rating"), "reviews_42_p3_rating"},
		{"product", Product("42"), "product_42_detail"},
		{"wishlist", Wishlist("u1"), "wishlist_u1_items"},
		{"profile", Profile("u1"), "profile_u1_info"},
		{"recent", Recent("u1"), "recent_u1_views"},
		{"sanitized id", Category("a_b c", 1, "newest"), "category_a-b-c_p1_newest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestFamilyPrefixDoesNotCrossInstances(t *testing.T) {
	fam := Family(KindCategory, "5")
	if fam != "category_5_" {
		t.Fatalf("unexpected family %q", fam)
	}
	if !strings.HasPrefix(Category("5", 3, "price"), fam) {
		t.Error("expected category 5 key to be in its family")
	}
	if strings.HasPrefix(Category("55", 1, "newest"), fam) {
		t.Error("category 55 must not fall in category 5's family")
	}
	if strings.HasPrefix(Product("12"), Family(KindProduct, "1")) {
		t.Error("product 12 must not fall in product 1's family")
	}
	if !strings.HasPrefix(Recent("u1"), Prefix(KindRecent)) || strings.HasPrefix(Reviews("1", 1, ""), Prefix(KindRecent)) {
		t.Error("kind prefix must cover exactly its own kind")
	}
}

func TestParseRoundTrip(t *testing.T) {
	refs := []Ref{
		{Kind: KindCategory, ID: "5", Page: 1, Sort: "newest"},
		{Kind: KindCategory, ID: "5", Page: 7, Sort: "price_asc"},
		{Kind: KindReviews, ID: "42", Page: 2, Sort: "rating"},
		{Kind: KindProduct, ID: "42"},
		{Kind: KindWishlist, ID: "u1"},
		{Kind: KindProfile, ID: "u1"},
		{Kind: KindRecent, ID: "u1"},
	}
	for _, ref := range refs {
		got, err := Parse(ref.Key())
		if err != nil {
			t.Fatalf("parse %q: %v", ref.Key(), err)
		}
		if got != ref {
			t.Errorf("parse %q: got %+v, want %+v", ref.Key(), got, ref)
		}
	}
}

func TestParseRejectsMalformedKeys(t *testing.T) {
	for _, key := range []string{
		"",
		"product",
		"product_42",
		"product_42_summary",
		"category_5_newest",
		"category_5_px_newest",
		"category_5_p0_newest",
		"widget_1_detail",
	} {
		if _, err := Parse(key); err == nil {
			t.Errorf("expected error parsing %q", key)
		}
	}
}
