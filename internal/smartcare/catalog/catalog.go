// Package catalog holds the read-only product index used to ground every consultation.
package catalog

// Product 一条产品记录，加载后不可变
type Product struct {
	Name        string `json:"name"`
	Company     string `json:"company"`
	Address     string `json:"address"`
	Phone       string `json:"phone"`
	URL         string `json:"url"`
	Function    string `json:"function"`
	Usage       string `json:"usage"`
	Category    string `json:"category"`
	SubCategory string `json:"sub_category"`
}

// Catalog indexes products by first-level category. Category order is first appearance
// in the source, product order within a category is source row order. It is never
// mutated after New returns, so concurrent readers need no locking.
type Catalog struct {
	categories []string
	byCategory map[string][]Product
	total      int
}

// New builds a catalog from products in source order.
func New(products []Product) *Catalog {
	c := &Catalog{byCategory: make(map[string][]Product)}
	for _, p := range products {
		if _, ok := c.byCategory[p.Category]; !ok {
			c.categories = append(c.categories, p.Category)
		}
		c.byCategory[p.Category] = append(c.byCategory[p.Category], p)
		c.total++
	}
	return c
}

// Categories returns first-level category names in insertion order.
func (c *Catalog) Categories() []string {
	out := make([]string, len(c.categories))
	copy(out, c.categories)
	return out
}

// ByCategory returns the products of one category, or nil when unknown.
func (c *Catalog) ByCategory(name string) []Product {
	ps, ok := c.byCategory[name]
	if !ok {
		return nil
	}
	out := make([]Product, len(ps))
	copy(out, ps)
	return out
}

// All returns every product grouped by category, categories in insertion order.
func (c *Catalog) All() []Product {
	out := make([]Product, 0, c.total)
	for _, name := range c.categories {
		out = append(out, c.byCategory[name]...)
	}
	return out
}

func (c *Catalog) Has(name string) bool {
	_, ok := c.byCategory[name]
	return ok
}

func (c *Catalog) Len() int { return c.total }

// Counts maps each category to its number of products.
func (c *Catalog) Counts() map[string]int {
	out := make(map[string]int, len(c.categories))
	for _, name := range c.categories {
		out[name] = len(c.byCategory[name])
	}
	return out
}
