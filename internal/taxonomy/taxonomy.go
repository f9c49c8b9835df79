package taxonomy

import "fmt"

// Uncategorized is the sentinel used for both main category and subcategory
// whenever no confident prediction is available.
const Uncategorized = "Uncategorized"

// mainCategories holds the fixed taxonomy in display order.
var mainCategories = []string{"Exterior", "Interior", "Engine", "Undercarriage", "Documents"}

var subcategories = map[string][]string{
	"Exterior": {"3/4 front view", "Side profile", "3/4 rear view", "Rear view", "Wheels", "Details", "Defects"},
	"Interior": {"Full interior view", "Dashboard", "Front seats", "Driver's seat", "Rear seats", "Steering wheel", "Gear shift", "Pedals and floor mats", "Gauges/Instrument cluster", "Details", "Trunk/Boot"},
	"Engine":   {"Full view", "Detail"},
	"Undercarriage": {"Undercarriage"},
	"Documents":     {"Invoices/Receipts", "Service book", "Technical inspections/MOT certificates"},
}

// MainCategories returns the ordered list of main categories, excluding the sentinel.
func MainCategories() []string {
	result := make([]string, len(mainCategories))
	copy(result, mainCategories)
	return result
}

// Subcategories returns the ordered subcategory names for a main category.
// Returns nil for unknown categories and for the sentinel.
func Subcategories(mainCategory string) []string {
	subs, ok := subcategories[mainCategory]
	if !ok {
		return nil
	}
	result := make([]string, len(subs))
	copy(result, subs)
	return result
}

// ValidCategoryPair reports whether (mainCategory, subCategory) is a valid
// pair of the fixed taxonomy. The sentinel pair is considered valid.
func ValidCategoryPair(mainCategory, subCategory string) bool {
	if mainCategory == Uncategorized {
		return subCategory == Uncategorized
	}
	for _, sub := range subcategories[mainCategory] {
		if sub == subCategory {
			return true
		}
	}
	return false
}

// CategoryNumber returns a stable two digit prefix for a main category,
// used to order exported files. Unknown categories map to "99".
func CategoryNumber(mainCategory string) string {
	for i, category := range mainCategories {
		if category == mainCategory {
			return fmt.Sprintf("%02d", i+1)
		}
	}
	return "99"
}

// SubcategoryNumber returns a stable two digit prefix for a subcategory
// within its main category. Unknown pairs map to "99".
func SubcategoryNumber(mainCategory, subCategory string) string {
	for i, sub := range subcategories[mainCategory] {
		if sub == subCategory {
			return fmt.Sprintf("%02d", i+1)
		}
	}
	return "99"
}
