// Package keys derives deterministic cache keys for StudentStore resources.
//
// Every key has the shape <kind>_<id>_<qualifier>, so "<kind>_<id>_" is the
// family prefix of one resource instance: category_5_ covers every page and
// sort order of category 5's listing and never matches category_55_.
package keys

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Kind names a resource type.
type Kind string

// Resource kinds served through the cache.
const (
	KindProduct  Kind = "product"
	KindCategory Kind = "category"
	KindReviews  Kind = "reviews"
	KindWishlist Kind = "wishlist"
	KindProfile  Kind = "profile"
	KindRecent   Kind = "recent"
)

// DefaultSort is used when a listing is requested without a sort order.
const DefaultSort = "default"

// fixed qualifiers for single-entry kinds.
var qualifiers = map[Kind]string{
	KindProduct:  "detail",
	KindWishlist: "items",
	KindProfile:  "info",
	KindRecent:   "views",
}

// Ref identifies one cached resource.
type Ref struct {
	Kind Kind
	ID   string
	Page int
	Sort string
}

// Paged reports whether the kind carries page and sort parameters.
func (k Kind) Paged() bool {
	return k == KindCategory || k == KindReviews
}

// Key renders the ref as a cache key.
func (r Ref) Key() string {
	id := sanitize(r.ID)
	if r.Kind.Paged() {
		page := r.Page
		if page < 1 {
			page = 1
		}
		return fmt.Sprintf("%s_%s_p%d_%s", r.Kind, id, page, normalizeSort(r.Sort))
	}
	return fmt.Sprintf("%s_%s_%s", r.Kind, id, qualifiers[r.Kind])
}

// Family returns the family prefix of the ref's resource instance.
func (r Ref) Family() string {
	return Family(r.Kind, r.ID)
}

// Product is the key of a product detail page.
func Product(id string) string { return Ref{Kind: KindProduct, ID: id}.Key() }

// Category is the key of one page of a category's product listing.
func Category(id string, page int, sort string) string {
	return Ref{Kind: KindCategory, ID: id, Page: page, Sort: sort}.Key()
}

// Reviews is the key of one page of a product's reviews.
func Reviews(productID string, page int, sort string) string {
	return Ref{Kind: KindReviews, ID: productID, Page: page, Sort: sort}.Key()
}

// Wishlist is the key of a user's wishlist.
func Wishlist(userID string) string { return Ref{Kind: KindWishlist, ID: userID}.Key() }

// Profile is the key of a user's profile/dashboard data.
func Profile(userID string) string { return Ref{Kind: KindProfile, ID: userID}.Key() }

// Recent is the key of a user's recently-viewed product list.
func Recent(userID string) string { return Ref{Kind: KindRecent, ID: userID}.Key() }

// Prefix returns "<kind>_", the prefix shared by every key of kind.
func Prefix(kind Kind) string {
	return string(kind) + "_"
}

// Family returns "<kind>_<id>_", the prefix shared by all keys of one
// resource instance.
func Family(kind Kind, id string) string {
	return string(kind) + "_" + sanitize(id) + "_"
}

// Parse is the inverse of Ref.Key.
func Parse(key string) (Ref, error) {
	parts := strings.SplitN(key, "_", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return Ref{}, fmt.Errorf("malformed key %q", key)
	}
	ref := Ref{Kind: Kind(parts[0]), ID: parts[1]}

	if ref.Kind.Paged() {
		pageSort := strings.SplitN(parts[2], "_", 2)
		if len(pageSort) != 2 || !strings.HasPrefix(pageSort[0], "p") {
			return Ref{}, fmt.Errorf("malformed %s key %q", ref.Kind, key)
		}
		page, err := strconv.Atoi(pageSort[0][1:])
		if err != nil || page < 1 {
			return Ref{}, fmt.Errorf("malformed page in key %q", key)
		}
		ref.Page = page
		ref.Sort = pageSort[1]
		return ref, nil
	}

	want, ok := qualifiers[ref.Kind]
	if !ok {
		return Ref{}, fmt.Errorf("unknown resource kind %q", parts[0])
	}
	if parts[2] != want {
		return Ref{}, fmt.Errorf("malformed %s key %q", ref.Kind, key)
	}
	return ref, nil
}

// sanitize makes an identifier safe to embed between separators.
func sanitize(id string) string {
	id = strings.TrimSpace(id)
	return strings.Map(func(r rune) rune {
		if r == '_' || unicode.IsSpace(r) {
			return '-'
		}
		return r
	}, id)
}

func normalizeSort(sort string) string {
	sort = strings.TrimSpace(sort)
	if sort == "" {
		return DefaultSort
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '-'
		}
		return r
	}, sort)
}
