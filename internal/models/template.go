package models

import (
	"strconv"
	"strings"
)

// TemplateVariables are the placeholders an SMS template may reference.
func TemplateVariables(order *Order, status *Status) map[string]string {
	vars := map[string]string{
		"customer_name": order.CustomerName,
		"order_id":      strconv.FormatInt(order.ID, 10),
		"phone":         order.CustomerPhone,
		"total_amount":  order.TotalAmount.StringFixed(2),
	}
	if status != nil {
		vars["status"] = status.Name
	}
	return vars
}

// RenderTemplate replaces every {name} placeholder with its variable. Unknown
// placeholders are left as they are.
func RenderTemplate(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
