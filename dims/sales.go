package dims

import "fmt"

// Dimension and key column names of the sales star schema.
const (
	LocationTable = "dim_location"
	CustomerTable = "dim_customer"
	ProductTable  = "dim_product"
	DateTable     = "dim_date"

	LocationKey = "location_key"
	CustomerKey = "customer_key"
	ProductKey  = "product_key"
	DateKey     = "date_key"
)

// locationNaturals are the source expressions identifying a location. They
// are shared with dim_customer's location_key ref and with the fact join so
// all three hash the same tuple.
var locationNaturals = []string{"delivery_address", "city", "state", "zip_code"}

// SalesDimensions declares the star schema dimensions. policies maps
// dimension table name to a drift policy, overriding the defaults.
func SalesDimensions(policies map[string]string) ([]Spec, error) {
	specs := []Spec{
		{
			Table:     LocationTable,
			KeyColumn: LocationKey,
			Policy:    PolicyPreserveFirst,
			Columns: []Column{
				{Name: "delivery_address", Type: "VARCHAR", Expr: "delivery_address", Role: RoleNatural},
				{Name: "city", Type: "VARCHAR", Expr: "city", Role: RoleNatural},
				{Name: "state", Type: "VARCHAR", Expr: "state", Role: RoleNatural},
				{Name: "zip_code", Type: "VARCHAR", Expr: "zip_code", Role: RoleNatural},
			},
		},
		{
			Table:     CustomerTable,
			KeyColumn: CustomerKey,
			Policy:    PolicyPreserveFirst,
			Columns: []Column{
				{Name: LocationKey, Type: "BIGINT", RefFrom: locationNaturals, Role: RoleRef},
				{Name: "customer_name", Type: "VARCHAR", Expr: "customer_name", Role: RoleNatural},
				{Name: "email", Type: "VARCHAR", Expr: "email", Role: RoleNatural},
			},
		},
		{
			// Attribute drift (a product's price changing under the same
			// product_id) is where the policy choice matters most.
			Table:     ProductTable,
			KeyColumn: ProductKey,
			Policy:    PolicyOverwrite,
			Columns: []Column{
				{Name: "product_id", Type: "VARCHAR", Expr: "product_id", Role: RoleNatural},
				{Name: "product_name", Type: "VARCHAR", Expr: "product_name", Role: RoleAttribute},
				{Name: "category", Type: "VARCHAR", Expr: "category", Role: RoleAttribute},
				{Name: "price", Type: "DOUBLE", Expr: "price", Role: RoleAttribute},
			},
		},
		{
			Table:     DateTable,
			KeyColumn: DateKey,
			Policy:    PolicyPreserveFirst,
			Filter:    "transaction_date IS NOT NULL",
			Columns: []Column{
				{Name: "full_date", Type: "DATE", Expr: "CAST(transaction_date AS DATE)", Role: RoleNatural},
				{Name: "year", Type: "BIGINT", Expr: "year(transaction_date)", Role: RoleAttribute},
				{Name: "month", Type: "BIGINT", Expr: "month(transaction_date)", Role: RoleAttribute},
				{Name: "day", Type: "BIGINT", Expr: "day(transaction_date)", Role: RoleAttribute},
			},
		},
	}

	for name := range policies {
		found := false
		for _, s := range specs {
			if s.Table == name {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("policy configured for unknown dimension %q", name)
		}
	}
	for i := range specs {
		override, ok := policies[specs[i].Table]
		if !ok {
			continue
		}
		p, err := ParsePolicy(override)
		if err != nil {
			return nil, fmt.Errorf("dimension %s: %w", specs[i].Table, err)
		}
		specs[i].Policy = p
	}
	return specs, nil
}
