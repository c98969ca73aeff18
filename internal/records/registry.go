// Package records describes the tenant-scoped collections the dashboard
// edits: their fields, how form and spreadsheet input is coerced into
// column values, and how rows are labelled in lists.
package records

import (
	"errors"
	"sort"
	"strings"
)

var ErrUnknownCollection = errors.New("unknown collection")

type Kind string

const (
	KindText   Kind = "text"
	KindNumber Kind = "number"
	KindDate   Kind = "date"
	KindEnum   Kind = "enum"
	KindRef    Kind = "ref"
)

type Field struct {
	Name     string
	Label    string
	Kind     Kind
	Required bool
	Options  []string
	// Ref names the referenced collection for KindRef fields.
	Ref string
}

type Collection struct {
	Name   string
	Title  string
	Fields []Field
	// LabelField is the field shown when another collection references a row.
	LabelField string
}

func (c Collection) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (c Collection) Columns() []string {
	cols := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		cols[i] = f.Name
	}
	return cols
}

var (
	vehicleTypes = []string{"tripper", "tractor", "pickup", "two_wheeler", "jcb", "drill_mc", "excavator", "other"}
	fuelTypes    = []string{"petrol", "diesel"}
)

var registry = map[string]Collection{
	"employees": {
		Name: "employees", Title: "Employees", LabelField: "employee_name",
		Fields: []Field{
			{Name: "employee_name", Label: "Employee Name", Kind: KindText, Required: true},
			{Name: "day_salary", Label: "Day Salary", Kind: KindNumber},
			{Name: "joining_date", Label: "Joining Date", Kind: KindDate},
		},
	},
	"vendors": {
		Name: "vendors", Title: "Vendors", LabelField: "name",
		Fields: []Field{
			{Name: "name", Label: "Vendor Name", Kind: KindText, Required: true},
		},
	},
	"locations": {
		Name: "locations", Title: "Locations", LabelField: "address",
		Fields: []Field{
			{Name: "address", Label: "Address", Kind: KindText, Required: true},
			{Name: "state", Label: "State", Kind: KindText},
			{Name: "city", Label: "City", Kind: KindText},
			{Name: "taluka", Label: "Taluka", Kind: KindText},
		},
	},
	"mines": {
		Name: "mines", Title: "Mines", LabelField: "name",
		Fields: []Field{
			{Name: "name", Label: "Mine Name", Kind: KindText, Required: true},
		},
	},
	"units": {
		Name: "units", Title: "Units", LabelField: "name",
		Fields: []Field{
			{Name: "name", Label: "Unit Name", Kind: KindText, Required: true},
		},
	},
	"receipts": {
		Name: "receipts", Title: "Receipts",
		Fields: []Field{
			{Name: "mode", Label: "Mode", Kind: KindEnum, Options: []string{"cash", "bank", "cheque"}},
			{Name: "from_account", Label: "From Account", Kind: KindText},
			{Name: "deposit_account", Label: "Deposit Account", Kind: KindText},
			{Name: "receipt_date", Label: "Receipt Date", Kind: KindDate},
			{Name: "amount_deposited", Label: "Amount Deposited", Kind: KindNumber},
			{Name: "description", Label: "Description", Kind: KindText},
		},
	},
	"payments": {
		Name: "payments", Title: "Payments",
		Fields: []Field{
			{Name: "payment_group", Label: "Payment Group", Kind: KindEnum, Options: []string{"party", "cash_to_bank", "employee", "expense", "investment"}},
			{Name: "paid_from_account", Label: "Paid From", Kind: KindText},
			{Name: "paid_to_account", Label: "Paid To", Kind: KindText},
			{Name: "trans_date", Label: "Transaction Date", Kind: KindDate},
			{Name: "amount_paid", Label: "Amount Paid", Kind: KindNumber},
			{Name: "description", Label: "Description", Kind: KindText},
		},
	},
	"fuel_issued": {
		Name: "fuel_issued", Title: "Fuel Issued",
		Fields: []Field{
			{Name: "mine", Label: "Mine", Kind: KindText},
			{Name: "vehicle_vendor", Label: "Vehicle Vendor", Kind: KindText},
			{Name: "vehicle_type", Label: "Vehicle Type", Kind: KindEnum, Options: vehicleTypes},
			{Name: "vehicle_number", Label: "Vehicle Number", Kind: KindText},
			{Name: "fuel_type", Label: "Fuel Type", Kind: KindEnum, Options: fuelTypes},
			{Name: "fuel_quantity", Label: "Fuel Quantity", Kind: KindNumber},
		},
	},
	"drill_entries": {
		Name: "drill_entries", Title: "Drilling",
		Fields: []Field{
			{Name: "drill_type", Label: "Drill Type", Kind: KindEnum, Options: []string{"tractor_drill", "borewell_drill"}},
			{Name: "drill_item", Label: "Drill Item", Kind: KindText},
			{Name: "cash_given", Label: "Cash Given", Kind: KindNumber},
			{Name: "description", Label: "Description", Kind: KindText},
			{Name: "no_of_holes", Label: "No. of Holes", Kind: KindNumber},
			{Name: "quantity", Label: "Quantity", Kind: KindNumber},
			{Name: "drill_date", Label: "Drill Date", Kind: KindDate},
			{Name: "drill_vendor", Label: "Drill Vendor", Kind: KindText},
			{Name: "vehicle_number", Label: "Vehicle Number", Kind: KindText},
			{Name: "fuel_issued", Label: "Fuel Issued", Kind: KindNumber},
			{Name: "fuel_type", Label: "Fuel Type", Kind: KindEnum, Options: fuelTypes},
		},
	},
	"trips": {
		Name: "trips", Title: "Trips",
		Fields: []Field{
			{Name: "trip_date", Label: "Trip Date", Kind: KindDate},
			{Name: "vehicle_vendor", Label: "Vehicle Vendor", Kind: KindText},
			{Name: "vehicle_type", Label: "Vehicle Type", Kind: KindEnum, Options: vehicleTypes},
			{Name: "vehicle_number", Label: "Vehicle Number", Kind: KindText},
			{Name: "total_trips", Label: "Total Trips", Kind: KindNumber},
			{Name: "brass_per_trip", Label: "Brass per Trip", Kind: KindNumber},
			{Name: "quantity", Label: "Quantity", Kind: KindNumber},
			{Name: "unit_id", Label: "Unit", Kind: KindRef, Ref: "units"},
		},
	},
	"loader_works": {
		Name: "loader_works", Title: "Loader Works",
		Fields: []Field{
			{Name: "vehicle_vendor", Label: "Vehicle Vendor", Kind: KindText},
			{Name: "vehicle_type", Label: "Vehicle Type", Kind: KindEnum, Options: vehicleTypes},
			{Name: "vehicle_number", Label: "Vehicle Number", Kind: KindText},
			{Name: "start_reading", Label: "Start Reading", Kind: KindNumber},
			{Name: "end_reading", Label: "End Reading", Kind: KindNumber},
			{Name: "description", Label: "Description", Kind: KindText},
		},
	},
	"employee_status": {
		Name: "employee_status", Title: "Employee Status",
		Fields: []Field{
			{Name: "mine_id", Label: "Mine", Kind: KindRef, Ref: "mines"},
			{Name: "work_date", Label: "Work Date", Kind: KindDate},
			{Name: "shift", Label: "Shift", Kind: KindEnum, Options: []string{"first_shift", "second_shift", "overtime"}},
			{Name: "employee_id", Label: "Employee", Kind: KindRef, Ref: "employees"},
			{Name: "work_hours", Label: "Work Hours", Kind: KindEnum, Options: []string{"full_day", "half_day"}},
		},
	},
}

// order is the navigation order of the dashboard.
var order = []string{
	"employees", "vendors", "locations", "mines", "units",
	"receipts", "payments", "fuel_issued", "drill_entries",
	"trips", "loader_works", "employee_status",
}

func Lookup(name string) (Collection, error) {
	c, ok := registry[strings.TrimSpace(name)]
	if !ok {
		return Collection{}, ErrUnknownCollection
	}
	return c, nil
}

func All() []Collection {
	out := make([]Collection, 0, len(order))
	for _, name := range order {
		out = append(out, registry[name])
	}
	return out
}

func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HumanizeOption turns an enum value such as "cash_to_bank" into "Cash To Bank".
func HumanizeOption(v string) string {
	parts := strings.Split(v, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
